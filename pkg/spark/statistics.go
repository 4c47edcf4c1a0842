// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"fmt"
	"strings"
	"time"
)

// Statistics tracks frame traffic and protocol activity of a session
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Traffic
	FramesIn          uint64
	FramesOut         uint64
	BytesIn           uint64
	BytesOut          uint64
	FramingErrors     uint64
	MalformedMessages uint64

	// Requests
	Describes     uint64
	FunctionCalls uint64
	VariableReads uint64
	UnknownKeys   uint64
	PingsSent     uint64
	PingsReceived uint64

	// Firmware
	UpdatesStarted   uint64
	UpdatesCompleted uint64
	UpdatesAborted   uint64
	ChunksOK         uint64
	ChunksBad        uint64
	ChunksRejected   uint64
	ChunksRequested  uint64

	// Events
	EventsSent     uint64
	EventsReceived uint64
	EventsDropped  uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec, both directions
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

func (s *Statistics) frameIn(n int) {
	s.FramesIn++
	s.BytesIn += uint64(n)
	s.LastUpdateTime = time.Now()
}

func (s *Statistics) frameOut(n int) {
	s.FramesOut++
	s.BytesOut += uint64(n)
	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesIn+s.FramesOut) / elapsed
		s.ErrorRate = float64(s.FramingErrors+s.MalformedMessages) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Session Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Frames In:       %8d (%d bytes)\n", s.FramesIn, s.BytesIn)
	fmt.Fprintf(&b, "Frames Out:      %8d (%d bytes)\n", s.FramesOut, s.BytesOut)
	if s.FramingErrors > 0 {
		fmt.Fprintf(&b, "Framing Errors:  %8d\n", s.FramingErrors)
	}
	if s.MalformedMessages > 0 {
		fmt.Fprintf(&b, "Malformed Msgs:  %8d\n", s.MalformedMessages)
	}
	fmt.Fprintf(&b, "Describes:       %8d\n", s.Describes)
	fmt.Fprintf(&b, "Function Calls:  %8d\n", s.FunctionCalls)
	fmt.Fprintf(&b, "Variable Reads:  %8d\n", s.VariableReads)
	if s.UnknownKeys > 0 {
		fmt.Fprintf(&b, "  Unknown Keys:     %5d\n", s.UnknownKeys)
	}
	fmt.Fprintf(&b, "Pings:           %8d sent, %d received\n", s.PingsSent, s.PingsReceived)
	if s.UpdatesStarted > 0 {
		fmt.Fprintf(&b, "Updates:         %8d (%d complete, %d aborted)\n", s.UpdatesStarted, s.UpdatesCompleted, s.UpdatesAborted)
		fmt.Fprintf(&b, "  Chunks OK:        %5d\n", s.ChunksOK)
		if s.ChunksBad > 0 {
			fmt.Fprintf(&b, "  Chunks Bad:       %5d\n", s.ChunksBad)
		}
		if s.ChunksRequested > 0 {
			fmt.Fprintf(&b, "  Chunks Requested: %5d\n", s.ChunksRequested)
		}
	}
	if s.ChunksRejected > 0 {
		fmt.Fprintf(&b, "Stray Chunks:    %8d\n", s.ChunksRejected)
	}
	if s.EventsSent+s.EventsReceived+s.EventsDropped > 0 {
		fmt.Fprintf(&b, "Events:          %8d sent, %d received, %d dropped\n", s.EventsSent, s.EventsReceived, s.EventsDropped)
	}
	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("========================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
