// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"bytes"
	"errors"
	"hash/crc32"
	"path/filepath"
	"sort"
	"testing"

	"github.com/Thermoquad/sparklink/pkg/spark"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "flash", "store.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// chunks splits image the way the cloud does and returns one descriptor per
// chunk, addressed relative to base.
func chunks(image []byte, size int, base uint32) ([]spark.FileDescriptor, [][]byte) {
	var descs []spark.FileDescriptor
	var parts [][]byte
	for off := 0; off < len(image); off += size {
		end := off + size
		if end > len(image) {
			end = len(image)
		}
		descs = append(descs, spark.FileDescriptor{
			ChunkSize:    uint16(end - off),
			FileLength:   uint32(len(image)),
			FileAddress:  base,
			ChunkAddress: base + uint32(off),
			ChunkIndex:   uint16(off / size),
		})
		parts = append(parts, image[off:end])
	}
	return descs, parts
}

func testImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i * 7)
	}
	return image
}

func TestStageAndInstall(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		chunk int
		base  uint32
		order func(n int) []int
	}{
		{"in order", 1000, 256, 0x80A0000, nil},
		{"exact multiple", 1024, 256, 0, nil},
		{"single chunk", 10, 512, 0x1000, nil},
		{"reversed", 700, 128, 0x20000, func(n int) []int {
			idx := make([]int, n)
			for i := range idx {
				idx[i] = n - 1 - i
			}
			return idx
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			image := testImage(tt.size)
			descs, parts := chunks(image, tt.chunk, tt.base)

			begin := spark.FileDescriptor{ChunkSize: uint16(tt.chunk), FileLength: uint32(tt.size), FileAddress: tt.base}
			if err := s.PrepareFirmwareUpdate(begin, true); err != nil {
				t.Fatalf("dry run failed: %v", err)
			}
			if err := s.PrepareFirmwareUpdate(begin, false); err != nil {
				t.Fatalf("begin failed: %v", err)
			}

			order := make([]int, len(descs))
			for i := range order {
				order[i] = i
			}
			if tt.order != nil {
				order = tt.order(len(descs))
			}
			for _, i := range order {
				if err := s.SaveFirmwareChunk(descs[i], parts[i]); err != nil {
					t.Fatalf("chunk %d: %v", i, err)
				}
			}

			staged, err := s.Staged()
			if err != nil {
				t.Fatalf("Staged failed: %v", err)
			}
			if staged.BytesWritten != uint32(tt.size) || staged.Chunks != uint32(len(descs)) {
				t.Errorf("staged %d bytes in %d chunks, want %d in %d", staged.BytesWritten, staged.Chunks, tt.size, len(descs))
			}

			if err := s.FinishFirmwareUpdate(begin); err != nil {
				t.Fatalf("finish failed: %v", err)
			}
			img, data, err := s.Installed()
			if err != nil {
				t.Fatalf("Installed failed: %v", err)
			}
			if !bytes.Equal(data, image) {
				t.Error("installed image differs from the pushed one")
			}
			if img.CRC != crc32.ChecksumIEEE(image) || !img.Complete || img.FileAddress != tt.base {
				t.Errorf("installed metadata = %+v", img)
			}
			if _, err := s.Staged(); !errors.Is(err, ErrNoStaging) {
				t.Errorf("Staged after finish = %v, want ErrNoStaging", err)
			}
		})
	}
}

func TestRewriteChunk(t *testing.T) {
	s := openTestStore(t)
	image := testImage(300)
	descs, parts := chunks(image, 100, 0)
	if err := s.Begin(spark.FileDescriptor{ChunkSize: 100, FileLength: 300}); err != nil {
		t.Fatal(err)
	}
	for i := range descs {
		s.WriteChunk(descs[i], parts[i])
	}
	// resent chunk replaces the first copy
	if err := s.WriteChunk(descs[1], parts[1]); err != nil {
		t.Fatal(err)
	}
	staged, _ := s.Staged()
	if staged.BytesWritten != 300 || staged.Chunks != 3 {
		t.Errorf("after resend: %d bytes in %d chunks, want 300 in 3", staged.BytesWritten, staged.Chunks)
	}
}

func TestFinishIncomplete(t *testing.T) {
	s := openTestStore(t)
	image := testImage(300)
	descs, parts := chunks(image, 100, 0)
	if err := s.Begin(spark.FileDescriptor{ChunkSize: 100, FileLength: 300}); err != nil {
		t.Fatal(err)
	}
	s.WriteChunk(descs[0], parts[0])
	s.WriteChunk(descs[2], parts[2])

	if _, err := s.Finish(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Finish with a gap = %v, want ErrIncomplete", err)
	}
	// the staged file survives a failed finish
	if err := s.WriteChunk(descs[1], parts[1]); err != nil {
		t.Fatalf("WriteChunk after failed finish: %v", err)
	}
	if _, err := s.Finish(); err != nil {
		t.Errorf("Finish after filling the gap: %v", err)
	}
}

func TestChunkErrors(t *testing.T) {
	s := openTestStore(t)
	chunk := []byte{1, 2, 3}

	if err := s.WriteChunk(spark.FileDescriptor{}, chunk); !errors.Is(err, ErrNoStaging) {
		t.Errorf("WriteChunk without Begin = %v, want ErrNoStaging", err)
	}
	if _, err := s.Finish(); !errors.Is(err, ErrNoStaging) {
		t.Errorf("Finish without Begin = %v, want ErrNoStaging", err)
	}

	if err := s.Begin(spark.FileDescriptor{ChunkSize: 16, FileLength: 32, FileAddress: 0x100}); err != nil {
		t.Fatal(err)
	}
	for _, addr := range []uint32{0xFF, 0x120, 0x200} {
		err := s.WriteChunk(spark.FileDescriptor{ChunkAddress: addr}, chunk)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("WriteChunk at 0x%X = %v, want ErrOutOfRange", addr, err)
		}
	}

	s.AbortFirmwareUpdate(spark.FileDescriptor{})
	if _, err := s.Staged(); !errors.Is(err, ErrNoStaging) {
		t.Errorf("Staged after abort = %v, want ErrNoStaging", err)
	}
}

func TestValidate(t *testing.T) {
	s := openTestStore(t)
	s.SetCapacity(1024)
	tests := []struct {
		name string
		desc spark.FileDescriptor
		ok   bool
	}{
		{"fits", spark.FileDescriptor{ChunkSize: 512, FileLength: 1024}, true},
		{"too large", spark.FileDescriptor{ChunkSize: 512, FileLength: 1025}, false},
		{"empty", spark.FileDescriptor{ChunkSize: 512}, false},
		{"zero chunk", spark.FileDescriptor{FileLength: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.PrepareFirmwareUpdate(tt.desc, true)
			if (err == nil) != tt.ok {
				t.Errorf("PrepareFirmwareUpdate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
	if err := s.Validate(spark.FileDescriptor{ChunkSize: 1, FileLength: 2048}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Validate = %v, want ErrTooLarge", err)
	}
}

func TestBeginDiscardsPartial(t *testing.T) {
	s := openTestStore(t)
	s.Begin(spark.FileDescriptor{ChunkSize: 4, FileLength: 8})
	s.WriteChunk(spark.FileDescriptor{ChunkAddress: 0}, []byte{1, 2, 3, 4})

	s.Begin(spark.FileDescriptor{ChunkSize: 4, FileLength: 4})
	staged, err := s.Staged()
	if err != nil {
		t.Fatal(err)
	}
	if staged.BytesWritten != 0 || staged.FileLength != 4 {
		t.Errorf("staged after second Begin = %+v", staged)
	}
}

func TestClearFirmware(t *testing.T) {
	s := openTestStore(t)
	s.Begin(spark.FileDescriptor{ChunkSize: 4, FileLength: 4})
	s.WriteChunk(spark.FileDescriptor{ChunkAddress: 0}, []byte{1, 2, 3, 4})
	if _, err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearFirmware(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Installed(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Installed after clear = %v, want ErrNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	a, _ := spark.ParseDeviceID("54E1C888F6D9492BEBEE1EE9")
	b, _ := spark.ParseDeviceID("000000000000000000000001")

	if _, err := s.LoadSession(a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSession on empty store = %v, want ErrNotFound", err)
	}
	s.SaveSession(a, []byte("first"))
	s.SaveSession(a, []byte("second"))
	s.SaveSession(b, []byte("other"))

	got, err := s.LoadSession(a)
	if err != nil || string(got) != "second" {
		t.Errorf("LoadSession = %q, %v; want second", got, err)
	}
	ids, _ := s.Sessions()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != b.String() || ids[1] != a.String() {
		t.Errorf("Sessions = %v", ids)
	}

	s.DeleteSession(a)
	if _, err := s.LoadSession(a); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSession after delete = %v, want ErrNotFound", err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := spark.ParseDeviceID("54E1C888F6D9492BEBEE1EE9")
	s.SaveSession(id, []byte{0xA1, 0x01, 0x02})
	s.Begin(spark.FileDescriptor{ChunkSize: 2, FileLength: 4})
	s.WriteChunk(spark.FileDescriptor{ChunkAddress: 0}, []byte{9, 9})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if snap, err := s.LoadSession(id); err != nil || len(snap) != 3 {
		t.Errorf("snapshot lost across reopen: %X, %v", snap, err)
	}
	if staged, err := s.Staged(); err != nil || staged.BytesWritten != 2 {
		t.Errorf("staging lost across reopen: %+v, %v", staged, err)
	}
}
