// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"runtime"
	"time"
)

// Transport is the byte pipe a session runs over. Send and Receive may move
// fewer bytes than asked for. Receive returns 0 and a nil error when nothing
// is pending; any error means the connection is gone.
type Transport interface {
	Send(p []byte) (int, error)
	Receive(p []byte) (int, error)
}

// Clock supplies the millisecond tick all protocol timers run on. It is
// expected to wrap at 2^32.
type Clock interface {
	Millis() uint32
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint32

// Millis implements Clock.
func (f ClockFunc) Millis() uint32 { return f() }

// SystemClock counts milliseconds since it was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock starting at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Millis implements Clock.
func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

// BlockingSend sends all of buf, retrying partial writes until timeout
// milliseconds pass without completing.
func BlockingSend(t Transport, clock Clock, buf []byte, timeout time.Duration) (int, error) {
	sent := 0
	start := clock.Millis()
	for sent < len(buf) {
		n, err := t.Send(buf[sent:])
		if err != nil {
			return sent, wrapError(KindTransport, "send", err)
		}
		if n > 0 {
			sent += n
			continue
		}
		if clock.Millis()-start > millis(timeout) {
			return sent, &Error{Kind: KindTransport, Op: "send", Err: ErrTimeout}
		}
		runtime.Gosched()
	}
	return sent, nil
}

// BlockingReceive fills buf, accumulating partial reads until timeout
// milliseconds pass without completing.
func BlockingReceive(t Transport, clock Clock, buf []byte, timeout time.Duration) (int, error) {
	got := 0
	start := clock.Millis()
	for got < len(buf) {
		n, err := t.Receive(buf[got:])
		if err != nil {
			return got, wrapError(KindTransport, "receive", err)
		}
		if n > 0 {
			got += n
			continue
		}
		if clock.Millis()-start > millis(timeout) {
			return got, &Error{Kind: KindTransport, Op: "receive", Err: ErrTimeout}
		}
		runtime.Gosched()
	}
	return got, nil
}
