// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionSnapshot is the symmetric state needed to resume a session without
// a new handshake, for devices that sleep with the cloud connection parked.
type SessionSnapshot struct {
	DeviceID     []byte `cbor:"1,keyasint"`
	Key          []byte `cbor:"2,keyasint"`
	IVSend       []byte `cbor:"3,keyasint"`
	IVReceive    []byte `cbor:"4,keyasint"`
	Salt         []byte `cbor:"5,keyasint"`
	SendCount    uint32 `cbor:"6,keyasint"`
	ReceiveCount uint32 `cbor:"7,keyasint"`
	MessageID    uint16 `cbor:"8,keyasint"`
	Token        uint8  `cbor:"9,keyasint"`
}

// Snapshot encodes the active session state as CBOR.
func (s *Session) Snapshot() ([]byte, error) {
	if s.state != StateActive {
		return nil, &Error{Kind: KindTransport, Op: "snapshot", Err: ErrNotInitialized}
	}
	c := s.cipher
	snap := SessionSnapshot{
		DeviceID:     append([]byte(nil), s.cfg.DeviceID[:]...),
		Key:          append([]byte(nil), c.key[:]...),
		IVSend:       append([]byte(nil), c.ivSend[:]...),
		IVReceive:    append([]byte(nil), c.ivReceive[:]...),
		Salt:         append([]byte(nil), c.salt[:]...),
		SendCount:    c.sendCount,
		ReceiveCount: c.receiveCount,
		MessageID:    s.messageID,
		Token:        s.token,
	}
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Restore resumes a session from a snapshot taken by the same device.
func (s *Session) Restore(data []byte) error {
	var snap SessionSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if !bytes.Equal(snap.DeviceID, s.cfg.DeviceID[:]) {
		return fmt.Errorf("snapshot belongs to device %X", snap.DeviceID)
	}
	if len(snap.Key) != 16 || len(snap.IVSend) != BlockSize || len(snap.IVReceive) != BlockSize || len(snap.Salt) != 8 {
		return fmt.Errorf("snapshot has invalid key material")
	}

	creds := make([]byte, 0, CredentialsSize)
	creds = append(creds, snap.Key...)
	creds = append(creds, snap.IVSend...)
	creds = append(creds, snap.Salt...)
	c, err := newSessionCipher(creds)
	if err != nil {
		return err
	}
	copy(c.ivReceive[:], snap.IVReceive)
	c.sendCount = snap.SendCount
	c.receiveCount = snap.ReceiveCount

	s.teardown()
	s.cipher = c
	s.messageID = snap.MessageID
	s.token = snap.Token
	s.state = StateActive
	s.lastMessageMillis = s.clock.Millis()
	s.log.Info().Uint32("sent", c.sendCount).Uint32("received", c.receiveCount).Msg("Session restored")
	return nil
}
