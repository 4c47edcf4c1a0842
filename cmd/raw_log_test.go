// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
)

func TestFormatTapRecord(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

	tests := []struct {
		name    string
		rec     spark.TapRecord
		showHex bool
		want    []string
		reject  []string
	}{
		{
			name:   "sealed",
			rec:    spark.TapRecord{Direction: spark.ToCloud, Stage: "frame", Raw: []byte{0xAB, 0xCD}},
			want:   []string{"12:30:45.123 device->cloud frame", "2 bytes"},
			reject: []string{"AB CD"},
		},
		{
			name:    "hex",
			rec:     spark.TapRecord{Direction: spark.ToDevice, Stage: "nonce", Raw: []byte{0xAB, 0xCD}},
			showHex: true,
			want:    []string{"cloud->device nonce", "\n    AB CD\n"},
		},
		{
			name: "error",
			rec:  spark.TapRecord{Direction: spark.ToCloud, Stage: "frame", Err: errors.New("bad padding")},
			want: []string{"[ERROR] bad padding"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatTapRecord(at, tt.rec, tt.showHex)
			if !strings.HasSuffix(got, "\n") {
				t.Errorf("no trailing newline: %q", got)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%q missing %q", got, w)
				}
			}
			for _, r := range tt.reject {
				if strings.Contains(got, r) {
					t.Errorf("%q contains %q", got, r)
				}
			}
		})
	}
}

func TestThrottled(t *testing.T) {
	r := strings.NewReader("abc")
	if throttled(r, 0) != io.Reader(r) {
		t.Error("zero limit wrapped the reader")
	}

	// a two second burst covers the first read
	data, err := io.ReadAll(throttled(bytes.NewReader(make([]byte, 100)), 1000))
	if err != nil || len(data) != 100 {
		t.Errorf("read %d bytes, %v", len(data), err)
	}
}

// syncWriter lets the test read what the proxy wrote from another goroutine.
type syncWriter struct {
	ch chan string
}

func (w syncWriter) Write(p []byte) (int, error) {
	w.ch <- string(p)
	return len(p), nil
}

func TestProxyLink(t *testing.T) {
	deviceEnd, deviceProxy := net.Pipe()
	upstreamProxy, upstreamEnd := net.Pipe()
	out := syncWriter{ch: make(chan string, 16)}

	done := make(chan struct{})
	go func() {
		proxyLink(deviceProxy, upstreamProxy, spark.NewTap(nil), out, false, 0)
		close(done)
	}()

	block := bytes.Repeat([]byte{0x5A}, spark.HandshakeCipherSize)
	go deviceEnd.Write(block)

	got := make([]byte, len(block))
	if _, err := io.ReadFull(upstreamEnd, got); err != nil {
		t.Fatalf("upstream read failed: %v", err)
	}
	if !bytes.Equal(got, block) {
		t.Error("upstream received different bytes")
	}

	select {
	case line := <-out.ch:
		if !strings.Contains(line, "device->cloud handshake") {
			t.Errorf("record = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record written")
	}

	deviceEnd.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not end when the device closed")
	}
	if _, err := upstreamEnd.Read(got); err == nil {
		t.Error("upstream still open")
	}
}
