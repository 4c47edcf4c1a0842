// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59*time.Second + 600*time.Millisecond, "00:01:00"},
		{time.Hour + 2*time.Minute + 5*time.Second, "01:02:05"},
		{100 * time.Hour, "100:00:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("00112233445566778899AABB"); got != "8899AABB" {
		t.Errorf("shortID = %s", got)
	}
	if got := shortID("ABC"); got != "ABC" {
		t.Errorf("short input changed to %s", got)
	}
}

func newTestConsole(ids ...string) (consoleModel, map[string]*cloudDevice) {
	hub := &cloudHub{
		devices: make(map[string]*cloudDevice),
		events:  make(chan hubEvent, 16),
	}
	devs := make(map[string]*cloudDevice)
	for _, id := range ids {
		dev := &cloudDevice{
			status: deviceStatus{ID: id, Connected: time.Now()},
			cmds:   make(chan func(*spark.CloudChannel), 8),
		}
		hub.register(dev)
		devs[id] = dev
	}
	m := initialConsoleModel(hub, "tcp://127.0.0.1:5683")
	m.refreshDevices()
	return m, devs
}

func TestConsoleRunCommand(t *testing.T) {
	m, devs := newTestConsole("BBBB", "AAAA")

	if len(m.devices) != 2 || m.devices[0].ID != "AAAA" {
		t.Fatalf("devices = %+v", m.devices)
	}

	m.runCommand("ping")
	if len(devs["AAAA"].cmds) != 1 {
		t.Error("ping not queued for the selected device")
	}
	if len(devs["BBBB"].cmds) != 0 {
		t.Error("ping queued for another device")
	}
	last := m.eventLog[len(m.eventLog)-1]
	if last.isError || last.message != "> ping" {
		t.Errorf("log entry = %+v", last)
	}

	m.runCommand("frobnicate")
	last = m.eventLog[len(m.eventLog)-1]
	if !last.isError || !strings.Contains(last.message, "unknown command") {
		t.Errorf("log entry = %+v", last)
	}

	// an empty line is ignored
	n := len(m.eventLog)
	m.runCommand("   ")
	if len(m.eventLog) != n {
		t.Error("empty command logged")
	}
}

func TestConsoleKeepsSelection(t *testing.T) {
	m, _ := newTestConsole("AAAA", "CCCC")
	m.deviceList.Select(1)

	m.hub.register(&cloudDevice{status: deviceStatus{ID: "BBBB"}})
	m.refreshDevices()

	if sel := m.getSelectedDevice(); sel == nil || sel.ID != "CCCC" {
		t.Errorf("selection moved to %+v", sel)
	}
}

func TestConsoleNoDevice(t *testing.T) {
	m, _ := newTestConsole()
	m.runCommand("ping")
	if len(m.eventLog) != 1 || !m.eventLog[0].isError {
		t.Errorf("log = %+v", m.eventLog)
	}
	if !strings.Contains(m.View(), "Waiting for devices") {
		t.Error("empty console does not say it is waiting")
	}
}

func TestConsoleLogLimit(t *testing.T) {
	m, _ := newTestConsole()
	for i := 0; i < consoleMaxLogEntries+10; i++ {
		m.addLocalEntry("entry", false)
	}
	if len(m.eventLog) != consoleMaxLogEntries {
		t.Errorf("log holds %d entries", len(m.eventLog))
	}
}
