// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"github.com/Thermoquad/sparklink/pkg/spark"
	bolt "go.etcd.io/bbolt"
)

// SaveSession parks a session snapshot for id, replacing any earlier one.
func (s *Store) SaveSession(id spark.DeviceID, snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(id.String()), snapshot)
	})
}

// LoadSession returns the snapshot saved for id, or ErrNotFound.
func (s *Store) LoadSession(id spark.DeviceID) ([]byte, error) {
	var snap []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSessions).Get([]byte(id.String())); v != nil {
			snap = append([]byte(nil), v...)
		}
		return nil
	})
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// DeleteSession forgets the snapshot for id. A snapshot is single use: the
// cloud and device counters diverge once either side sends again.
func (s *Store) DeleteSession(id spark.DeviceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id.String()))
	})
}

// Sessions lists the device IDs with a parked snapshot.
func (s *Store) Sessions() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
