// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// CoAPType is the two-bit message type in the first header byte.
type CoAPType uint8

const (
	Confirmable     CoAPType = 0
	NonConfirmable  CoAPType = 1
	Acknowledgement CoAPType = 2
	Reset           CoAPType = 3
)

func (t CoAPType) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "???"
	}
}

// Code is a CoAP request method or response code (class<<5 | detail).
type Code uint8

const (
	CodeEmpty         Code = 0x00
	CodeGet           Code = 0x01
	CodePost          Code = 0x02
	CodePut           Code = 0x03
	CodeChanged       Code = 0x44 // 2.04
	CodeContent       Code = 0x45 // 2.05
	CodeBadRequest    Code = 0x80 // 4.00
	CodeNotFound      Code = 0x84 // 4.04
	CodeInternalError Code = 0xA0 // 5.00
)

// Class returns the response class (2, 4, 5) or 0 for requests.
func (c Code) Class() int { return int(c >> 5) }

// IsSuccess reports whether c is a 2.xx response or an empty code.
func (c Code) IsSuccess() bool { return c == CodeEmpty || c.Class() == 2 }

func (c Code) String() string {
	switch c {
	case CodeEmpty:
		return "EMPTY"
	case CodeGet:
		return "GET"
	case CodePost:
		return "POST"
	case CodePut:
		return "PUT"
	}
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1F)
}

// CoAP option numbers used by the protocol.
const (
	OptionUriPath  = 11
	OptionMaxAge   = 14
	OptionUriQuery = 15
)

const payloadMarker = 0xFF

// MessageType is the protocol meaning of a decoded message.
type MessageType int

const (
	MsgNone MessageType = iota
	MsgError
	MsgHello
	MsgDescribe
	MsgFunctionCall
	MsgVariableRequest
	MsgSaveBegin
	MsgUpdateBegin
	MsgChunk
	MsgUpdateDone
	MsgEvent
	MsgKeyChange
	MsgSignalStart
	MsgSignalStop
	MsgTimeRequest
	MsgSubscribe
	MsgChunkMissed
	MsgPing
	MsgEmptyAck
	MsgResponse
)

// Option is one CoAP option with its absolute number.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a decoded plaintext message.
type Message struct {
	Type     MessageType
	CoAPType CoAPType
	Code     Code
	ID       uint16
	Token    []byte
	Options  []Option
	Payload  []byte
	raw      []byte
}

// Raw returns the plaintext the message was decoded from.
func (m *Message) Raw() []byte { return m.raw }

// TokenByte returns the single-byte token the protocol uses, or 0.
func (m *Message) TokenByte() byte {
	if len(m.Token) == 0 {
		return 0
	}
	return m.Token[0]
}

// Path returns the Uri-Path segments.
func (m *Message) Path() []string {
	var path []string
	for _, o := range m.Options {
		if o.Number == OptionUriPath {
			path = append(path, string(o.Value))
		}
	}
	return path
}

// Queries returns the Uri-Query values in order.
func (m *Message) Queries() [][]byte {
	var q [][]byte
	for _, o := range m.Options {
		if o.Number == OptionUriQuery {
			q = append(q, o.Value)
		}
	}
	return q
}

// Option returns the first option with the given number.
func (m *Message) Option(number uint16) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// idBytes returns the message ID as the two wire bytes.
func (m *Message) idBytes() (byte, byte) {
	return byte(m.ID >> 8), byte(m.ID)
}

// ParseMessage decodes a plaintext (padding already removed) message.
func ParseMessage(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("message too short: %d bytes", len(buf))
	}
	if buf[0]>>6 != 1 {
		return nil, fmt.Errorf("unsupported CoAP version %d", buf[0]>>6)
	}
	tkl := int(buf[0] & 0x0F)
	if tkl > 8 || len(buf) < 4+tkl {
		return nil, fmt.Errorf("invalid token length %d", tkl)
	}
	m := &Message{
		CoAPType: CoAPType(buf[0] >> 4 & 0x03),
		Code:     Code(buf[1]),
		ID:       binary.BigEndian.Uint16(buf[2:4]),
		Token:    buf[4 : 4+tkl],
		raw:      buf,
	}

	pos := 4 + tkl
	number := 0
	for pos < len(buf) {
		if buf[pos] == payloadMarker {
			m.Payload = buf[pos+1:]
			break
		}
		delta, length, n, err := decodeOptionHeader(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if pos+length > len(buf) {
			return nil, fmt.Errorf("option %d overruns message", number+delta)
		}
		number += delta
		m.Options = append(m.Options, Option{Number: uint16(number), Value: buf[pos : pos+length]})
		pos += length
	}

	m.Type = classify(m)
	return m, nil
}

// decodeOptionHeader reads the delta/length nibbles and their extensions.
// It returns the header size in bytes.
func decodeOptionHeader(buf []byte) (delta, length, n int, err error) {
	delta = int(buf[0] >> 4)
	length = int(buf[0] & 0x0F)
	n = 1
	delta, n, err = extendNibble(buf, delta, n)
	if err != nil {
		return 0, 0, 0, err
	}
	length, n, err = extendNibble(buf, length, n)
	if err != nil {
		return 0, 0, 0, err
	}
	return delta, length, n, nil
}

func extendNibble(buf []byte, v, n int) (int, int, error) {
	switch v {
	case 13:
		if len(buf) < n+1 {
			return 0, 0, fmt.Errorf("truncated option header")
		}
		return 13 + int(buf[n]), n + 1, nil
	case 14:
		if len(buf) < n+2 {
			return 0, 0, fmt.Errorf("truncated option header")
		}
		return 269 + (int(buf[n])<<8 | int(buf[n+1])), n + 2, nil
	case 15:
		return 0, 0, fmt.Errorf("reserved option nibble")
	}
	return v, n, nil
}

// appendOption appends one option given its delta from the previous one.
func appendOption(buf []byte, delta int, value []byte) []byte {
	dn, dext := nibble(delta)
	ln, lext := nibble(len(value))
	buf = append(buf, byte(dn<<4|ln))
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return append(buf, value...)
}

func nibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// classify maps a decoded message onto its protocol meaning. Requests are
// identified by method and the first Uri-Path character.
func classify(m *Message) MessageType {
	if m.Code == CodeEmpty {
		if m.CoAPType == Confirmable {
			return MsgPing
		}
		return MsgEmptyAck
	}
	if m.Code.Class() != 0 {
		return MsgResponse
	}
	path := m.Path()
	if len(path) == 0 || len(path[0]) == 0 {
		return MsgError
	}
	c := path[0][0]
	switch m.Code {
	case CodeGet:
		switch c {
		case 'v':
			return MsgVariableRequest
		case 'd':
			return MsgDescribe
		case 't':
			return MsgTimeRequest
		case 'e', 'E':
			return MsgSubscribe
		case 'c':
			return MsgChunkMissed
		}
	case CodePost:
		switch c {
		case 'e', 'E':
			return MsgEvent
		case 'h':
			return MsgHello
		case 'f':
			return MsgFunctionCall
		case 's':
			return MsgSaveBegin
		case 'u':
			return MsgUpdateBegin
		case 'c':
			return MsgChunk
		}
	case CodePut:
		switch c {
		case 'k':
			return MsgKeyChange
		case 'u':
			return MsgUpdateDone
		case 's':
			if len(m.Payload) > 0 && m.Payload[0] != 0 {
				return MsgSignalStart
			}
			return MsgSignalStop
		}
	}
	return MsgError
}

// DecodeType returns the message type of a plaintext message, or MsgError.
func DecodeType(buf []byte) MessageType {
	m, err := ParseMessage(buf)
	if err != nil {
		return MsgError
	}
	return m.Type
}

// eventName joins the Uri-Path segments after the first into an event name.
func eventName(m *Message) string {
	path := m.Path()
	if len(path) < 2 {
		return ""
	}
	return strings.Join(path[1:], "/")
}
