// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"fmt"
)

// Frame decoder states
const (
	stateLengthHigh = iota
	stateLengthLow
	stateBody
)

// FrameDecoder splits a byte stream into length-prefixed frames without
// decrypting them
type FrameDecoder struct {
	state  int
	length int
	buffer []byte
}

// NewFrameDecoder creates a new frame decoder
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{
		state:  stateLengthHigh,
		buffer: make([]byte, 0, MaxFrameSize),
	}
}

// Reset resets the decoder state to wait for a length prefix
func (d *FrameDecoder) Reset() {
	d.state = stateLengthHigh
	d.length = 0
	d.buffer = d.buffer[:0]
}

// Pending reports whether a frame is partially decoded
func (d *FrameDecoder) Pending() bool {
	return d.state != stateLengthHigh
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns the ciphertext body of a completed frame, or nil if the frame is
// incomplete. The returned slice is reused once the next frame starts.
// Returns an error if the length prefix is invalid.
func (d *FrameDecoder) DecodeByte(b byte) ([]byte, error) {
	switch d.state {
	case stateLengthHigh:
		d.length = int(b) << 8
		d.state = stateLengthLow
		return nil, nil

	case stateLengthLow:
		d.length |= int(b)
		if d.length == 0 || d.length%BlockSize != 0 {
			n := d.length
			d.Reset()
			return nil, fmt.Errorf("invalid frame length: %d", n)
		}
		if d.length > MaxFrameSize {
			n := d.length
			d.Reset()
			return nil, fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameSize)
		}
		d.buffer = d.buffer[:0]
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < d.length {
			return nil, nil
		}
		frame := d.buffer
		d.state = stateLengthHigh
		d.length = 0
		return frame, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// Decode feeds data through the decoder and returns a copy of every frame
// it completes. Decoding stops at the first error.
func (d *FrameDecoder) Decode(data []byte) ([][]byte, error) {
	var frames [][]byte
	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			return frames, err
		}
		if frame != nil {
			frames = append(frames, append([]byte(nil), frame...))
		}
	}
	return frames, nil
}
