// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"crypto/rsa"
	"fmt"
)

// Direction is the sense of traffic on a link.
type Direction int

const (
	ToCloud Direction = iota
	ToDevice
)

func (d Direction) String() string {
	if d == ToCloud {
		return "device->cloud"
	}
	return "cloud->device"
}

// TapRecord is one unit of traffic seen by a Tap: a handshake block or a
// frame.
type TapRecord struct {
	Direction Direction
	Stage     string // nonce, handshake, credentials or frame
	Raw       []byte
	Message   *Message // decrypted frame, nil when the key is unknown
	Err       error
}

type tapStage struct {
	name string
	size int
}

var tapStages = [2][]tapStage{
	ToCloud:  {{"handshake", HandshakeCipherSize}},
	ToDevice: {{"nonce", NonceSize}, {"credentials", CredentialsBlockSize}},
}

type tapStream struct {
	stage   int
	pending []byte
	frames  *FrameDecoder
	cipher  *sessionCipher
}

// Tap follows both directions of a link from the outside. Given the device
// private key it recovers the session key from the credentials block and
// decrypts every frame; without it, frames are split but left sealed.
type Tap struct {
	key     *rsa.PrivateKey
	streams [2]tapStream
}

// NewTap creates a tap. deviceKey may be nil.
func NewTap(deviceKey *rsa.PrivateKey) *Tap {
	t := &Tap{key: deviceKey}
	for i := range t.streams {
		t.streams[i].frames = NewFrameDecoder()
	}
	return t
}

// Decrypting reports whether the session key has been recovered.
func (t *Tap) Decrypting() bool {
	return t.streams[ToCloud].cipher != nil
}

// Feed consumes bytes seen travelling in dir and returns the records they
// complete.
func (t *Tap) Feed(dir Direction, data []byte) []TapRecord {
	s := &t.streams[dir]
	stages := tapStages[dir]
	var out []TapRecord

	for len(data) > 0 && s.stage < len(stages) {
		st := stages[s.stage]
		n := min(st.size-len(s.pending), len(data))
		s.pending = append(s.pending, data[:n]...)
		data = data[n:]
		if len(s.pending) < st.size {
			return out
		}
		rec := TapRecord{Direction: dir, Stage: st.name, Raw: s.pending}
		if st.name == "credentials" {
			rec.Err = t.installKey(s.pending)
		}
		out = append(out, rec)
		s.pending = nil
		s.stage++
	}

	for _, b := range data {
		frame, err := s.frames.DecodeByte(b)
		if err != nil {
			out = append(out, TapRecord{Direction: dir, Stage: "frame", Err: err})
			continue
		}
		if frame == nil {
			continue
		}
		rec := TapRecord{Direction: dir, Stage: "frame", Raw: append([]byte(nil), frame...)}
		if s.cipher != nil {
			plain, err := s.cipher.open(append([]byte(nil), frame...))
			if err == nil {
				rec.Message, err = ParseMessage(plain)
			}
			rec.Err = err
		}
		out = append(out, rec)
	}
	return out
}

func (t *Tap) installKey(block []byte) error {
	if t.key == nil {
		return nil
	}
	creds, err := rsa.DecryptPKCS1v15(nil, t.key, block[:credentialsCipherSize])
	if err != nil {
		return fmt.Errorf("decrypt credentials: %w", err)
	}
	for i := range t.streams {
		c, err := newSessionCipher(creds)
		if err != nil {
			return err
		}
		t.streams[i].cipher = c
	}
	return nil
}
