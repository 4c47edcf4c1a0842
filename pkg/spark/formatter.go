// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// String returns the human-readable name for a message type
func (t MessageType) String() string {
	switch t {
	case MsgNone:
		return "NONE"
	case MsgError:
		return "ERROR"
	case MsgHello:
		return "HELLO"
	case MsgDescribe:
		return "DESCRIBE"
	case MsgFunctionCall:
		return "FUNCTION_CALL"
	case MsgVariableRequest:
		return "VARIABLE_REQUEST"
	case MsgSaveBegin:
		return "SAVE_BEGIN"
	case MsgUpdateBegin:
		return "UPDATE_BEGIN"
	case MsgChunk:
		return "CHUNK"
	case MsgUpdateDone:
		return "UPDATE_DONE"
	case MsgEvent:
		return "EVENT"
	case MsgKeyChange:
		return "KEY_CHANGE"
	case MsgSignalStart:
		return "SIGNAL_START"
	case MsgSignalStop:
		return "SIGNAL_STOP"
	case MsgTimeRequest:
		return "TIME"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgChunkMissed:
		return "CHUNK_MISSED"
	case MsgPing:
		return "PING"
	case MsgEmptyAck:
		return "EMPTY_ACK"
	case MsgResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// FormatMessage renders a decoded message on one line
func FormatMessage(m *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s id=%d", m.Type, m.CoAPType, m.Code, m.ID)
	if len(m.Token) > 0 {
		fmt.Fprintf(&b, " token=%X", m.Token)
	}
	if path := m.Path(); len(path) > 0 {
		fmt.Fprintf(&b, " path=/%s", strings.Join(path, "/"))
	}
	for _, q := range m.Queries() {
		b.WriteString(" query=")
		b.WriteString(formatBytes(q, 16))
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(&b, " payload[%d]=%s", len(m.Payload), formatBytes(m.Payload, 32))
	}
	return b.String()
}

// formatBytes shows printable data as a quoted string and anything else as
// hex, cut to max bytes.
func formatBytes(data []byte, max int) string {
	cut := data
	suffix := ""
	if len(cut) > max {
		cut = cut[:max]
		suffix = "..."
	}
	if isPrintable(cut) {
		return fmt.Sprintf("%q%s", cut, suffix)
	}
	return fmt.Sprintf("%X%s", cut, suffix)
}

func isPrintable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if r < 0x20 || r == 0x7F {
			return false
		}
	}
	return true
}

// FormatHex formats a byte slice as space separated hex
func FormatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, c := range data {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, " ")
}
