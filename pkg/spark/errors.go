// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"errors"
	"fmt"
)

// Kind classifies protocol errors by how the caller should react to them.
type Kind int

const (
	// KindTransport covers short reads and writes, resets and timeouts.
	KindTransport Kind = iota + 1
	// KindCrypto covers RSA, HMAC and signature failures in the handshake.
	KindCrypto
	// KindFraming covers bad length prefixes, padding and sequence desync.
	KindFraming
	// KindApplication covers errors reported to the peer over the wire.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCrypto:
		return "crypto"
	case KindFraming:
		return "framing"
	case KindApplication:
		return "application"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every fallible Session and CloudChannel operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("spark: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("spark: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// wrapError keeps the innermost Kind when err is already a spark error.
func wrapError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return &Error{Kind: se.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

var (
	ErrNotInitialized   = errors.New("session not initialized")
	ErrTimeout          = errors.New("timed out")
	ErrLinkDead         = errors.New("ping ACK not received")
	ErrShortFrame       = errors.New("frame length is not a positive multiple of the block size")
	ErrFrameTooLarge    = errors.New("frame exceeds receive buffer")
	ErrBadPadding       = errors.New("invalid PKCS#7 padding")
	ErrReplay           = errors.New("frame repeats the previous one")
	ErrSignature        = errors.New("credentials signature mismatch")
	ErrUpdateInProgress = errors.New("firmware update in progress")
	ErrNoUpdate         = errors.New("no firmware update in progress")
	ErrRateLimited      = errors.New("publish rate exceeded")
	ErrUnknownKey       = errors.New("unknown function or variable")
	ErrTooManyHandlers  = errors.New("subscription table full")
)
