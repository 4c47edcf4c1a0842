// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Thermoquad/sparklink/pkg/flashstore"
	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/rs/zerolog"
)

func newTestTinker(t *testing.T) *tinkerDevice {
	t.Helper()
	store, err := flashstore.Open(filepath.Join(t.TempDir(), "flash.db"))
	if err != nil {
		t.Fatalf("flashstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newTinkerDevice(store, zerolog.Nop())
}

func TestTinkerFunctions(t *testing.T) {
	d := newTestTinker(t)

	steps := []struct {
		key  string
		arg  string
		want int32
	}{
		{"digitalread", "D7", 0},
		{"digitalwrite", "D7,HIGH", tinkerOK},
		{"digitalread", "D7", 1},
		{"digitalwrite", "d7, low", tinkerOK},
		{"digitalread", "D7", 0},
		{"digitalwrite", "D7,MAYBE", tinkerFailed},
		{"digitalwrite", "A0,HIGH", tinkerFailed},
		{"digitalread", "D8", tinkerFailed},
		{"analogread", "A3", analogMax / 2},
		{"analogwrite", "A3,200", tinkerOK},
		{"analogread", "A3", 200},
		{"analogwrite", "D2,128", tinkerOK},
		{"analogread", "D2", 128},
		{"analogwrite", "D2,256", tinkerFailed},
		{"analogwrite", "D2,x", tinkerFailed},
		{"brew", "", 1},
		{"brew", "espresso", 2},
	}

	for _, s := range steps {
		got, err := d.CallFunction(s.key, s.arg)
		if err != nil {
			t.Fatalf("%s(%q) error: %v", s.key, s.arg, err)
		}
		if got != s.want {
			t.Errorf("%s(%q) = %d, want %d", s.key, s.arg, got, s.want)
		}
	}
}

func TestTinkerFunctionErrors(t *testing.T) {
	d := newTestTinker(t)

	if _, err := d.CallFunction("brew", "decaf"); err == nil || errors.Is(err, spark.ErrUnknownKey) {
		t.Errorf("decaf should fail with an application error, got %v", err)
	}
	if _, err := d.CallFunction("selfdestruct", ""); !errors.Is(err, spark.ErrUnknownKey) {
		t.Errorf("unknown function: got %v, want ErrUnknownKey", err)
	}
}

func TestTinkerVariables(t *testing.T) {
	d := newTestTinker(t)

	for _, v := range d.Variables() {
		val, err := d.GetVariable(v.Name)
		if err != nil {
			t.Fatalf("GetVariable(%q) failed: %v", v.Name, err)
		}
		if val.Type != v.Type {
			t.Errorf("%s: type %v, described as %v", v.Name, val.Type, v.Type)
		}
	}

	temp, _ := d.GetVariable("temperature")
	if temp.Double < 18 || temp.Double > 24 {
		t.Errorf("temperature %g out of range", temp.Double)
	}
	brewing, _ := d.GetVariable("brewing")
	if brewing.Bool {
		t.Error("brewing before any brew")
	}
	d.CallFunction("brew", "")
	if brewing, _ = d.GetVariable("brewing"); !brewing.Bool {
		t.Error("not brewing after a brew")
	}

	if _, err := d.GetVariable("humidity"); !errors.Is(err, spark.ErrUnknownKey) {
		t.Errorf("unknown variable: got %v, want ErrUnknownKey", err)
	}
}

func TestTinkerFirmwareInstall(t *testing.T) {
	d := newTestTinker(t)

	if got := d.DescribeSystem(); strings.Contains(got, `"fw"`) {
		t.Errorf("describe before install mentions firmware: %s", got)
	}

	image := []byte("new firmware image")
	desc := spark.FileDescriptor{
		ChunkSize:    uint16(len(image)),
		FileLength:   uint32(len(image)),
		FileAddress:  0x80A0000,
		ChunkAddress: 0x80A0000,
	}
	if err := d.PrepareFirmwareUpdate(desc, true); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if err := d.PrepareFirmwareUpdate(desc, false); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := d.SaveFirmwareChunk(desc, image); err != nil {
		t.Fatalf("save chunk failed: %v", err)
	}
	if d.OTAUpgradeSucceeded() {
		t.Fatal("upgrade reported before finish")
	}
	if err := d.FinishFirmwareUpdate(desc); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if !d.OTAUpgradeSucceeded() {
		t.Error("upgrade not reported after finish")
	}

	_, data, err := d.Installed()
	if err != nil || string(data) != string(image) {
		t.Errorf("installed %q, %v", data, err)
	}
	if got := d.DescribeSystem(); !strings.Contains(got, `"fw":{"l":18`) {
		t.Errorf("describe after install: %s", got)
	}
}

func TestParsePin(t *testing.T) {
	tests := []struct {
		in   string
		bank byte
		pin  int
		ok   bool
	}{
		{"D0", 'D', 0, true},
		{" a7 ", 'A', 7, true},
		{"D8", 0, 0, false},
		{"B1", 0, 0, false},
		{"D", 0, 0, false},
		{"D10", 0, 0, false},
	}
	for _, tt := range tests {
		bank, pin, ok := parsePin(tt.in)
		if bank != tt.bank || pin != tt.pin || ok != tt.ok {
			t.Errorf("parsePin(%q) = %c, %d, %v", tt.in, bank, pin, ok)
		}
	}
}
