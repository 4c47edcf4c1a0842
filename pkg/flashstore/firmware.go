// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Thermoquad/sparklink/pkg/spark"
	bolt "go.etcd.io/bbolt"
)

// chunkKey is the offset of a chunk within the file, big-endian so the
// cursor walks chunks in file order.
func chunkKey(offset uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], offset)
	return k[:]
}

// Validate checks that a file described by desc fits the store.
func (s *Store) Validate(desc spark.FileDescriptor) error {
	if desc.FileLength == 0 {
		return fmt.Errorf("empty file")
	}
	if desc.ChunkSize == 0 {
		return fmt.Errorf("zero chunk size")
	}
	if desc.FileLength > s.capacity {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, desc.FileLength, s.capacity)
	}
	return nil
}

// Begin starts staging a new file, discarding any earlier partial one.
func (s *Store) Begin(desc spark.FileDescriptor) error {
	if err := s.Validate(desc); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := clearBucket(tx, bucketStaging); err != nil {
			return err
		}
		return putImage(tx.Bucket(bucketStaging), &Image{
			Store:       desc.Store,
			FileAddress: desc.FileAddress,
			FileLength:  desc.FileLength,
			ChunkSize:   desc.ChunkSize,
		})
	})
}

// WriteChunk stores chunk at desc.ChunkAddress. Writing the same chunk
// twice replaces it.
func (s *Store) WriteChunk(desc spark.FileDescriptor, chunk []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		img, err := getImage(b)
		if err != nil {
			return err
		}
		if img == nil {
			return ErrNoStaging
		}
		if desc.ChunkAddress < img.FileAddress {
			return fmt.Errorf("%w: address 0x%08X", ErrOutOfRange, desc.ChunkAddress)
		}
		offset := desc.ChunkAddress - img.FileAddress
		if offset >= img.FileLength || len(chunk) == 0 {
			return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
		}
		if uint64(offset)+uint64(len(chunk)) > uint64(img.FileLength) {
			chunk = chunk[:img.FileLength-offset]
		}

		key := chunkKey(offset)
		if old := b.Get(key); old != nil {
			img.BytesWritten -= uint32(len(old))
			img.Chunks--
		}
		if err := b.Put(key, chunk); err != nil {
			return err
		}
		img.BytesWritten += uint32(len(chunk))
		img.Chunks++
		return putImage(b, img)
	})
}

// Finish assembles the staged chunks into the installed image. The staged
// chunks must cover the whole file without gaps.
func (s *Store) Finish() (*Image, error) {
	var img *Image
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		var err error
		if img, err = getImage(b); err != nil {
			return err
		}
		if img == nil {
			return ErrNoStaging
		}

		data := make([]byte, 0, img.FileLength)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 4 {
				continue // metadata
			}
			offset := binary.BigEndian.Uint32(k)
			if offset != uint32(len(data)) {
				return fmt.Errorf("%w: gap at offset %d", ErrIncomplete, len(data))
			}
			data = append(data, v...)
		}
		if uint32(len(data)) != img.FileLength {
			return fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, len(data), img.FileLength)
		}

		img.CRC = crc32.ChecksumIEEE(data)
		img.Complete = true
		fw := tx.Bucket(bucketFirmware)
		if err := fw.Put(keyImage, data); err != nil {
			return err
		}
		if err := putImage(fw, img); err != nil {
			return err
		}
		return clearBucket(tx, bucketStaging)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Abort discards the staged file.
func (s *Store) Abort() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return clearBucket(tx, bucketStaging)
	})
}

// The methods below let a Store serve as a spark.FirmwareHandler.

// PrepareFirmwareUpdate implements spark.FirmwareHandler.
func (s *Store) PrepareFirmwareUpdate(desc spark.FileDescriptor, dryRun bool) error {
	if dryRun {
		return s.Validate(desc)
	}
	return s.Begin(desc)
}

// SaveFirmwareChunk implements spark.FirmwareHandler.
func (s *Store) SaveFirmwareChunk(desc spark.FileDescriptor, chunk []byte) error {
	return s.WriteChunk(desc, chunk)
}

// FinishFirmwareUpdate implements spark.FirmwareHandler.
func (s *Store) FinishFirmwareUpdate(spark.FileDescriptor) error {
	_, err := s.Finish()
	return err
}

// AbortFirmwareUpdate implements spark.FirmwareHandler.
func (s *Store) AbortFirmwareUpdate(spark.FileDescriptor) {
	s.Abort()
}

var _ spark.FirmwareHandler = (*Store)(nil)
