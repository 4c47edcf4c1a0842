// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flashstore is the persistent flash of a simulated device: staged
// and installed firmware images plus parked session snapshots, kept in a
// bbolt database.
package flashstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStaging  = []byte("staging")
	bucketFirmware = []byte("firmware")
	bucketSessions = []byte("sessions")

	keyMeta  = []byte("metadata")
	keyImage = []byte("image")
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNoStaging  = errors.New("no firmware staged")
	ErrIncomplete = errors.New("staged firmware incomplete")
	ErrOutOfRange = errors.New("chunk outside staged file")
	ErrTooLarge   = errors.New("file exceeds flash capacity")
)

// DefaultCapacity is the largest image a store accepts unless told otherwise.
const DefaultCapacity = 1 << 20

// Store is a bbolt backed flash image.
type Store struct {
	db       *bolt.DB
	path     string
	capacity uint32
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open flash store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStaging, bucketFirmware, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, capacity: DefaultCapacity}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// SetCapacity limits the size of images the store accepts.
func (s *Store) SetCapacity(n uint32) { s.capacity = n }

// Capacity returns the largest accepted image size.
func (s *Store) Capacity() uint32 { return s.capacity }

// Image describes a staged or installed firmware file.
type Image struct {
	Store        uint8  `cbor:"1,keyasint"`
	FileAddress  uint32 `cbor:"2,keyasint"`
	FileLength   uint32 `cbor:"3,keyasint"`
	ChunkSize    uint16 `cbor:"4,keyasint"`
	BytesWritten uint32 `cbor:"5,keyasint"`
	Chunks       uint32 `cbor:"6,keyasint"`
	CRC          uint32 `cbor:"7,keyasint"`
	Complete     bool   `cbor:"8,keyasint"`
	UpdatedMs    int64  `cbor:"9,keyasint"`
}

// Updated returns the time the image was last written.
func (img *Image) Updated() time.Time {
	return time.UnixMilli(img.UpdatedMs)
}

func getImage(b *bolt.Bucket) (*Image, error) {
	raw := b.Get(keyMeta)
	if raw == nil {
		return nil, nil
	}
	var img Image
	if err := cbor.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("corrupt image metadata: %w", err)
	}
	return &img, nil
}

func putImage(b *bolt.Bucket, img *Image) error {
	img.UpdatedMs = time.Now().UnixMilli()
	raw, err := cbor.Marshal(img)
	if err != nil {
		return err
	}
	return b.Put(keyMeta, raw)
}

// clearBucket deletes every key in the named bucket.
func clearBucket(tx *bolt.Tx, name []byte) error {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	_, err := tx.CreateBucket(name)
	return err
}

// Staged returns the metadata of the file being received, or ErrNoStaging.
func (s *Store) Staged() (*Image, error) {
	var img *Image
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		img, err = getImage(tx.Bucket(bucketStaging))
		return err
	})
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrNoStaging
	}
	return img, nil
}

// Installed returns the last completed image and its contents, or
// ErrNotFound.
func (s *Store) Installed() (*Image, []byte, error) {
	var img *Image
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFirmware)
		var err error
		if img, err = getImage(b); err != nil || img == nil {
			return err
		}
		data = append([]byte(nil), b.Get(keyImage)...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if img == nil {
		return nil, nil, ErrNotFound
	}
	return img, data, nil
}

// ClearFirmware drops both the staged and the installed image.
func (s *Store) ClearFirmware() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := clearBucket(tx, bucketStaging); err != nil {
			return err
		}
		return clearBucket(tx, bucketFirmware)
	})
}
