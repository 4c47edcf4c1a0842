// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/binary"
	"math"
)

// Plaintext builders for the messages a device sends. Callers seal the
// result with the session cipher; padding is added there.

// header returns the fixed CoAP header with an optional one-byte token.
func header(typ CoAPType, code Code, id uint16, token []byte) []byte {
	buf := make([]byte, 4, 16)
	buf[0] = 0x40 | byte(typ)<<4 | byte(len(token))
	buf[1] = byte(code)
	binary.BigEndian.PutUint16(buf[2:], id)
	return append(buf, token...)
}

func withPath(buf []byte, c byte) []byte {
	return append(buf, 0xB1, c)
}

func withPayload(buf, payload []byte) []byte {
	if len(payload) == 0 {
		return buf
	}
	buf = append(buf, payloadMarker)
	return append(buf, payload...)
}

// HelloInfo is what a device announces in its hello message.
type HelloInfo struct {
	ProductID      uint16
	ProductVersion uint16
	PlatformID     uint16
	OTASucceeded   bool
}

func helloMessage(id uint16, info HelloInfo) []byte {
	buf := withPath(header(NonConfirmable, CodePost, id, nil), 'h')
	var flags byte
	if info.OTASucceeded {
		flags = 1
	}
	payload := []byte{
		byte(info.ProductID >> 8), byte(info.ProductID),
		byte(info.ProductVersion >> 8), byte(info.ProductVersion),
		0, // reserved
		flags,
		byte(info.PlatformID >> 8), byte(info.PlatformID),
	}
	return withPayload(buf, payload)
}

// parseHello reads a device hello payload.
func parseHello(m *Message) (HelloInfo, bool) {
	p := m.Payload
	if len(p) < 8 {
		return HelloInfo{}, false
	}
	return HelloInfo{
		ProductID:      binary.BigEndian.Uint16(p[0:2]),
		ProductVersion: binary.BigEndian.Uint16(p[2:4]),
		OTASucceeded:   p[5]&1 != 0,
		PlatformID:     binary.BigEndian.Uint16(p[6:8]),
	}, true
}

// emptyAck acknowledges a confirmable message by echoing its ID bytes.
func emptyAck(hi, lo byte) []byte {
	return []byte{0x60, byte(CodeEmpty), hi, lo}
}

// codedAck is a tokenless acknowledgement carrying a response code.
func codedAck(code Code, hi, lo byte) []byte {
	return []byte{0x60, byte(code), hi, lo}
}

// codedAckToken is an acknowledgement with a response code and token.
func codedAckToken(token byte, code Code, hi, lo byte) []byte {
	return []byte{0x61, byte(code), hi, lo, token}
}

// separateResponse answers a request after its ACK, under a fresh ID.
func separateResponse(id uint16, token byte, code Code, payload []byte) []byte {
	return withPayload(header(NonConfirmable, code, id, []byte{token}), payload)
}

func functionReturn(id uint16, token byte, value int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(value))
	return separateResponse(id, token, CodeChanged, b[:])
}

// piggybacked answers a request inside its ACK.
func piggybacked(token byte, code Code, hi, lo byte, payload []byte) []byte {
	return withPayload([]byte{0x61, byte(code), hi, lo, token}, payload)
}

func variableValue(token, hi, lo byte, v Value) []byte {
	return piggybacked(token, CodeContent, hi, lo, v.encode())
}

func pingMessage(id uint16) []byte {
	return header(Confirmable, CodeEmpty, id, nil)
}

// chunkMissed requests retransmission of the listed chunk indices.
func chunkMissed(id uint16, indices []uint16) []byte {
	buf := withPath(header(Confirmable, CodeGet, id, nil), 'c')
	buf = append(buf, payloadMarker)
	for _, idx := range indices {
		buf = append(buf, byte(idx>>8), byte(idx))
	}
	return buf
}

func updateReady(id uint16, token byte, flags uint8) []byte {
	return separateResponse(id, token, CodeChanged, []byte{flags})
}

func chunkReceived(id uint16, token byte, code Code) []byte {
	return separateResponse(id, token, code, nil)
}

// updateDoneNotify tells the cloud a fast update finished after the missing
// chunks were filled in.
func updateDoneNotify(id uint16) []byte {
	return withPath(header(NonConfirmable, CodePut, id, nil), 'u')
}

func timeRequest(id uint16, token byte) []byte {
	return withPath(header(Confirmable, CodeGet, id, []byte{token}), 't')
}

// EventOptions controls how an event is published.
type EventOptions struct {
	TTL         int
	Private     bool
	Confirmable bool
}

func eventMessage(id uint16, name string, data []byte, opts EventOptions) []byte {
	typ := NonConfirmable
	if opts.Confirmable {
		typ = Confirmable
	}
	path := byte('E')
	if opts.Private {
		path = 'e'
	}
	buf := withPath(header(typ, CodePost, id, nil), path)
	buf = appendOption(buf, 0, []byte(name))
	if opts.TTL != DefaultEventTTL && opts.TTL > 0 {
		buf = appendOption(buf, OptionMaxAge-OptionUriPath, uintBytes(uint32(opts.TTL)))
	}
	return withPayload(buf, data)
}

// uintBytes is the minimal big-endian CoAP uint encoding.
func uintBytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return b[i:]
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// SubscriptionScope limits which publishers a subscription receives.
type SubscriptionScope uint8

const (
	ScopeFirehose SubscriptionScope = iota
	ScopeMyDevices
)

func subscriptionMessage(id uint16, filter string, scope SubscriptionScope, deviceID string) []byte {
	buf := withPath(header(Confirmable, CodeGet, id, nil), 'e')
	delta := OptionUriQuery - OptionUriPath
	if filter != "" {
		buf = appendOption(buf, 0, []byte(filter))
	}
	if deviceID != "" {
		buf = appendOption(buf, delta, []byte(deviceID))
		delta = 0
	}
	if scope == ScopeMyDevices {
		buf = appendOption(buf, delta, []byte("u"))
	}
	return buf
}

func float64Bytes(f float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	return b[:]
}
