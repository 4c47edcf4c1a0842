// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"
	"time"
)

func beginUpdate(t *testing.T, h *harness, flags uint8, desc FileDescriptor) *Message {
	t.Helper()
	h.deliver(updateBeginRequest(100, 0x10, flags, desc))
	if mt := h.loop(); mt != MsgUpdateBegin {
		t.Fatalf("EventLoop = %v, want UPDATE_BEGIN", mt)
	}
	msgs := h.expectSent(2)
	if msgs[0].CoAPType != Acknowledgement || msgs[0].Code != CodeEmpty || msgs[0].ID != 100 {
		t.Fatalf("ack = %s, want 0.00 ACK", FormatMessage(msgs[0]))
	}
	if msgs[1].Code != CodeChanged || msgs[1].TokenByte() != 0x10 {
		t.Fatalf("update ready = %s, want 2.04 with token", FormatMessage(msgs[1]))
	}
	return msgs[1]
}

func sendChunk(h *harness, id uint16, data []byte, crc uint32, index uint16, fast bool) []*Message {
	h.t.Helper()
	h.deliver(chunkRequest(id, byte(id), crc, index, fast, data))
	if mt := h.loop(); mt != MsgChunk {
		h.t.Fatalf("EventLoop = %v, want CHUNK", mt)
	}
	return h.sent()
}

func TestFirmwareUpdate(t *testing.T) {
	h := newHarness(t)
	image := []byte("0123456789ABCDEFGHIJ") // 5 chunks of 4
	desc := FileDescriptor{ChunkSize: 4, FileLength: uint32(len(image)), FileAddress: 0x80000}

	ready := beginUpdate(t, h, 0, desc)
	if !bytes.Equal(ready.Payload, []byte{0}) {
		t.Errorf("update ready payload = %X, want 00", ready.Payload)
	}
	if len(h.dev.prepared) != 2 || !h.dev.prepared[0] || h.dev.prepared[1] {
		t.Errorf("prepare calls = %v, want [dry-run, real]", h.dev.prepared)
	}

	for i := 0; i < 5; i++ {
		chunk := image[i*4 : i*4+4]
		msgs := sendChunk(h, uint16(200+i), chunk, crc32.ChecksumIEEE(chunk), 0, false)
		if len(msgs) != 2 {
			t.Fatalf("chunk %d: device sent %d messages, want 2", i, len(msgs))
		}
		if msgs[0].Type != MsgEmptyAck {
			t.Errorf("chunk %d: first reply = %s, want empty ACK", i, FormatMessage(msgs[0]))
		}
		if msgs[1].Code != ChunkReceivedOK {
			t.Errorf("chunk %d: result = %s, want 2.04", i, FormatMessage(msgs[1]))
		}
	}

	u := h.s.Update()
	if u.BytesReceived() != uint32(len(image)) {
		t.Errorf("BytesReceived = %d, want %d", u.BytesReceived(), len(image))
	}
	if u.CRC() != crc32.ChecksumIEEE(image) {
		t.Errorf("CRC = %08X, want %08X", u.CRC(), crc32.ChecksumIEEE(image))
	}
	if h.dev.chunks[2] == nil || string(h.dev.chunks[2]) != "89AB" {
		t.Errorf("chunk 2 = %q, want 89AB", h.dev.chunks[2])
	}

	h.deliver(updateDoneRequest(300, 0x30))
	if mt := h.loop(); mt != MsgUpdateDone {
		t.Fatalf("EventLoop = %v, want UPDATE_DONE", mt)
	}
	msgs := h.expectSent(1)
	if msgs[0].Code != ChunkReceivedOK || msgs[0].TokenByte() != 0x30 {
		t.Errorf("update done ack = %s, want 2.04 with token", FormatMessage(msgs[0]))
	}
	if len(h.dev.finished) != 1 {
		t.Fatalf("FinishFirmwareUpdate called %d times, want 1", len(h.dev.finished))
	}
	if h.s.Update() != nil {
		t.Error("update not destroyed after done")
	}
	if !bytes.Equal(h.dev.image(), image) {
		t.Errorf("saved image = %q, want %q", h.dev.image(), image)
	}
}

func TestChunkAddress(t *testing.T) {
	h := newHarness(t)
	var got []uint32
	dev := &addressRecorder{mockDevice: h.dev, addrs: &got}
	h.s.callbacks = dev

	beginUpdate(t, h, 0, FileDescriptor{ChunkSize: 4, FileLength: 12, FileAddress: 0x1000})
	for i := 0; i < 3; i++ {
		chunk := []byte{byte(i), 1, 2, 3}
		sendChunk(h, uint16(10+i), chunk, crc32.ChecksumIEEE(chunk), 0, false)
	}
	want := []uint32{0x1000, 0x1004, 0x1008}
	if len(got) != len(want) {
		t.Fatalf("saved %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d address = %X, want %X", i, got[i], want[i])
		}
	}
}

type addressRecorder struct {
	*mockDevice
	addrs *[]uint32
}

func (a *addressRecorder) SaveFirmwareChunk(desc FileDescriptor, chunk []byte) error {
	*a.addrs = append(*a.addrs, desc.ChunkAddress)
	return a.mockDevice.SaveFirmwareChunk(desc, chunk)
}

func TestChunkCRCMismatch(t *testing.T) {
	h := newHarness(t)
	beginUpdate(t, h, 0, FileDescriptor{ChunkSize: 4, FileLength: 8})

	chunk := []byte("abcd")
	msgs := sendChunk(h, 10, chunk, crc32.ChecksumIEEE(chunk)^1, 0, false)
	if len(msgs) != 2 || msgs[1].Code != ChunkReceivedBad {
		t.Fatalf("bad chunk replies = %d, want ACK + 4.00", len(msgs))
	}
	if h.s.Update().ChunkIndex() != 0 {
		t.Errorf("chunk index advanced to %d on bad CRC", h.s.Update().ChunkIndex())
	}
	if len(h.dev.chunks) != 0 {
		t.Error("bad chunk was saved")
	}

	msgs = sendChunk(h, 11, chunk, crc32.ChecksumIEEE(chunk), 0, false)
	if len(msgs) != 2 || msgs[1].Code != ChunkReceivedOK {
		t.Fatal("resent chunk not accepted")
	}
	if h.s.Update().ChunkIndex() != 1 {
		t.Errorf("chunk index = %d, want 1", h.s.Update().ChunkIndex())
	}
	if h.s.Stats().ChunksBad != 1 || h.s.Stats().ChunksOK != 1 {
		t.Errorf("stats bad/ok = %d/%d, want 1/1", h.s.Stats().ChunksBad, h.s.Stats().ChunksOK)
	}
}

type failingStore struct {
	*mockDevice
	fail bool
}

func (f *failingStore) SaveFirmwareChunk(desc FileDescriptor, chunk []byte) error {
	if f.fail {
		return errors.New("flash write failed")
	}
	return f.mockDevice.SaveFirmwareChunk(desc, chunk)
}

func TestChunkSaveFailure(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{mockDevice: h.dev, fail: true}
	h.s.callbacks = store
	beginUpdate(t, h, 0, FileDescriptor{ChunkSize: 4, FileLength: 8})

	chunk := []byte("abcd")
	msgs := sendChunk(h, 10, chunk, crc32.ChecksumIEEE(chunk), 0, false)
	if len(msgs) != 2 || msgs[1].Code != ChunkReceivedBad {
		t.Fatalf("unsaved chunk replies = %d, want ACK + 4.00", len(msgs))
	}
	u := h.s.Update()
	if u.ChunkIndex() != 0 || u.BytesReceived() != 0 {
		t.Errorf("index/bytes = %d/%d after failed save, want 0/0", u.ChunkIndex(), u.BytesReceived())
	}
	if h.s.Stats().ChunksBad != 1 || h.s.Stats().ChunksOK != 0 {
		t.Errorf("stats bad/ok = %d/%d, want 1/0", h.s.Stats().ChunksBad, h.s.Stats().ChunksOK)
	}

	store.fail = false
	msgs = sendChunk(h, 11, chunk, crc32.ChecksumIEEE(chunk), 0, false)
	if len(msgs) != 2 || msgs[1].Code != ChunkReceivedOK {
		t.Fatal("chunk not accepted once saving works")
	}
	if u.ChunkIndex() != 1 || string(h.dev.chunks[0]) != "abcd" {
		t.Errorf("index = %d, chunk 0 = %q after retry", u.ChunkIndex(), h.dev.chunks[0])
	}
}

func TestChunkWithoutUpdate(t *testing.T) {
	h := newHarness(t)
	chunk := []byte("abcd")
	msgs := sendChunk(h, 10, chunk, crc32.ChecksumIEEE(chunk), 0, false)
	if len(msgs) != 1 || msgs[0].Type != MsgEmptyAck {
		t.Fatalf("device sent %d messages, want only the empty ACK", len(msgs))
	}
	if len(h.dev.chunks) != 0 {
		t.Error("chunk saved without an update")
	}
	if !h.s.IsInitialized() {
		t.Error("stray chunk tore down the session")
	}
}

func TestUpdateBeginRefused(t *testing.T) {
	t.Run("rejected by device", func(t *testing.T) {
		h := newHarness(t)
		h.dev.rejectOTA = true
		h.deliver(updateBeginRequest(100, 0x10, 0, FileDescriptor{ChunkSize: 4, FileLength: 8}))
		h.loop()
		msgs := h.expectSent(1)
		if msgs[0].Code != CodeBadRequest {
			t.Errorf("ack = %s, want 4.00", FormatMessage(msgs[0]))
		}
		if h.s.Update() != nil {
			t.Error("update created after refusal")
		}
	})

	t.Run("already updating", func(t *testing.T) {
		h := newHarness(t)
		beginUpdate(t, h, 0, FileDescriptor{ChunkSize: 4, FileLength: 8})
		h.deliver(updateBeginRequest(101, 0x11, 0, FileDescriptor{ChunkSize: 4, FileLength: 8}))
		h.loop()
		msgs := h.expectSent(1)
		if msgs[0].Code != CodeBadRequest {
			t.Errorf("ack = %s, want 4.00", FormatMessage(msgs[0]))
		}
	})

	t.Run("too many chunks", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(updateBeginRequest(100, 0x10, 0, FileDescriptor{ChunkSize: 1, FileLength: MaxChunks}))
		h.loop()
		msgs := h.expectSent(1)
		if msgs[0].Code != CodeBadRequest {
			t.Errorf("ack = %s, want 4.00", FormatMessage(msgs[0]))
		}
	})

	t.Run("length at the 32-bit limit", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(updateBeginRequest(100, 0x10, 0, FileDescriptor{ChunkSize: 512, FileLength: 0xFFFFFFFF}))
		h.loop()
		msgs := h.expectSent(1)
		if msgs[0].Code != CodeBadRequest {
			t.Errorf("ack = %s, want 4.00", FormatMessage(msgs[0]))
		}
		if h.s.Update() != nil {
			t.Error("update created for an oversized file")
		}
	})
}

func TestUpdateDoneWithoutUpdate(t *testing.T) {
	h := newHarness(t)
	h.deliver(updateDoneRequest(300, 0x30))
	h.loop()
	msgs := h.expectSent(1)
	if msgs[0].Code != ChunkReceivedBad {
		t.Errorf("ack = %s, want 4.00", FormatMessage(msgs[0]))
	}
	if len(h.dev.finished) != 0 {
		t.Error("FinishFirmwareUpdate called without an update")
	}
}

func TestFastUpdateMissingChunks(t *testing.T) {
	h := newHarness(t)
	image := []byte("aaaabbbbccccdddd")
	chunk := func(i int) []byte { return image[i*4 : i*4+4] }

	ready := beginUpdate(t, h, UpdateFlagFast, FileDescriptor{ChunkSize: 4, FileLength: 16})
	if !bytes.Equal(ready.Payload, []byte{UpdateFlagFast}) {
		t.Fatalf("update ready payload = %X, want fast flag", ready.Payload)
	}

	// chunk 1 lost, chunk 2 corrupted
	sendChunk(h, 10, chunk(0), crc32.ChecksumIEEE(chunk(0)), 0, true)
	msgs := sendChunk(h, 12, chunk(2), 0xDEADBEEF, 2, true)
	if len(msgs) != 1 {
		t.Errorf("bad fast chunk got %d replies, want only the ACK", len(msgs))
	}
	sendChunk(h, 13, chunk(3), crc32.ChecksumIEEE(chunk(3)), 3, true)

	if got := h.s.Update().Missing(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Missing() = %v, want [1 2]", got)
	}

	h.deliver(updateDoneRequest(20, 0x20))
	h.loop()
	msgs = h.expectSent(2)
	if msgs[0].Code != ChunkReceivedBad {
		t.Errorf("update done ack = %s, want 4.00", FormatMessage(msgs[0]))
	}
	if msgs[1].Type != MsgChunkMissed {
		t.Fatalf("second message = %s, want chunk missed", FormatMessage(msgs[1]))
	}
	if idx := chunkIndices(msgs[1].Payload); len(idx) != 2 || idx[0] != 1 || idx[1] != 2 {
		t.Errorf("missed indices = %v, want [1 2]", idx)
	}

	// re-request after the resend interval
	h.clock.advance(ChunkResendInterval + time.Millisecond)
	h.loop()
	msgs = h.expectSent(1)
	if msgs[0].Type != MsgChunkMissed {
		t.Errorf("resend = %s, want chunk missed", FormatMessage(msgs[0]))
	}

	// missing mode: no per-chunk result
	msgs = sendChunk(h, 30, chunk(1), crc32.ChecksumIEEE(chunk(1)), 1, true)
	if len(msgs) != 1 {
		t.Errorf("missing-mode chunk got %d replies, want only the ACK", len(msgs))
	}
	msgs = sendChunk(h, 31, chunk(2), crc32.ChecksumIEEE(chunk(2)), 2, true)
	if len(msgs) != 2 || msgs[1].Type != MsgUpdateDone {
		t.Fatalf("last chunk should produce ACK + update done notification, got %d messages", len(msgs))
	}

	if len(h.dev.finished) != 1 {
		t.Errorf("FinishFirmwareUpdate called %d times, want 1", len(h.dev.finished))
	}
	if h.s.Update() != nil {
		t.Error("update still active")
	}
	if !bytes.Equal(h.dev.image(), image) {
		t.Errorf("saved image = %q, want %q", h.dev.image(), image)
	}
}

func TestParseUpdateBegin(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		wantFlags uint8
		want      FileDescriptor
	}{
		{
			name:    "no payload",
			payload: nil,
			want:    FileDescriptor{ChunkSize: DefaultChunkSize, Store: StoreFirmware},
		},
		{
			name:      "full descriptor",
			payload:   []byte{0x01, 0x02, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00},
			wantFlags: 0x01,
			want: FileDescriptor{
				ChunkSize:    512,
				FileLength:   65536,
				Store:        StoreSystem,
				FileAddress:  0x08060000,
				ChunkAddress: 0x08060000,
			},
		},
		{
			name:    "short payload ignored",
			payload: []byte{0x01, 0x02},
			want:    FileDescriptor{ChunkSize: DefaultChunkSize, Store: StoreFirmware},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, flags := parseUpdateBegin(tt.payload)
			if flags != tt.wantFlags {
				t.Errorf("flags = %X, want %X", flags, tt.wantFlags)
			}
			if desc != tt.want {
				t.Errorf("descriptor = %+v, want %+v", desc, tt.want)
			}
		})
	}
}
