// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package spark provides a Go implementation of the Spark device-to-cloud
// session protocol.
//
// A device authenticates to the cloud with an RSA handshake that yields an
// AES-128 session key. After the handshake every message is a small CoAP
// message, PKCS#7 padded, AES-CBC encrypted and prefixed with a 2-byte
// big-endian length. Session drives one connection from the device side.
// ServerHandshake and CloudChannel are the cloud side of the same protocol.
package spark

import "time"

// Handshake sizes
const (
	NonceSize             = 40
	DeviceIDSize          = 12
	HandshakeCipherSize   = 256 // nonce + device ID + device public key, under the server key
	CredentialsBlockSize  = 384 // encrypted credentials + signature
	CredentialsSize       = 40  // key(16) + iv(16) + salt(8)
	HelloFrameSize        = 18
	credentialsCipherSize = 128
	devicePublicKeySize   = 162 // PKIX DER of a 1024-bit key
)

// Framing
const (
	BlockSize        = 16
	LengthPrefixSize = 2
	MaxFrameSize     = 1024 // largest ciphertext accepted from the peer
	ackFrameSize     = LengthPrefixSize + BlockSize
)

// Limits
const (
	MaxFunctionKeyLength = 12
	MaxVariableKeyLength = 12
	MaxFunctionArgLength = 622
	MaxEventNameLength   = 64
	MaxEventDataLength   = 255
	MaxSubscriptions     = 6
	MaxChunks            = 0xFFFF
	MissedChunksToSend   = 50
	DefaultChunkSize     = 512
	DefaultEventTTL      = 60
	maxVariableString    = MaxFrameSize - BlockSize - 6
)

// Timing
const (
	BlockingTimeout      = 20 * time.Second
	PingInterval         = 15 * time.Second
	PingAckTimeout       = 10 * time.Second
	ChunkResendInterval  = 3 * time.Second
	HelloResponseTimeout = 2 * time.Second
)

// Chunk transfer result codes
const (
	ChunkReceivedOK  = CodeChanged
	ChunkReceivedBad = CodeBadRequest
)

// Update begin flags
const (
	UpdateFlagFast = 0x01
)

// File transfer stores
const (
	StoreFirmware uint8 = 0
	StoreSystem   uint8 = 1
)

// Platform IDs
const (
	PlatformCore   = 0
	PlatformPhoton = 6
	PlatformGCC    = 3
)

func millis(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}
