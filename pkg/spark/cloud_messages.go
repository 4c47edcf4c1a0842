// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/binary"
)

// Plaintext builders for the requests the cloud sends to a device.

const queryDelta = OptionUriQuery - OptionUriPath

func describeRequest(id uint16, token byte) []byte {
	return withPath(header(Confirmable, CodeGet, id, []byte{token}), 'd')
}

func functionCallRequest(id uint16, token byte, name, arg string) []byte {
	buf := withPath(header(Confirmable, CodePost, id, []byte{token}), 'f')
	buf = appendOption(buf, 0, []byte(name))
	if arg != "" {
		buf = appendOption(buf, queryDelta, []byte(arg))
	}
	return buf
}

func variableRequest(id uint16, token byte, name string) []byte {
	buf := withPath(header(Confirmable, CodeGet, id, []byte{token}), 'v')
	return appendOption(buf, 0, []byte(name))
}

func signalRequest(id uint16, token byte, on bool) []byte {
	buf := withPath(header(Confirmable, CodePut, id, []byte{token}), 's')
	state := byte(0)
	if on {
		state = 1
	}
	return withPayload(buf, []byte{state})
}

func updateBeginRequest(id uint16, token byte, flags uint8, desc FileDescriptor) []byte {
	buf := withPath(header(Confirmable, CodePost, id, []byte{token}), 'u')
	payload := make([]byte, 12)
	payload[0] = flags
	binary.BigEndian.PutUint16(payload[1:3], desc.ChunkSize)
	binary.BigEndian.PutUint32(payload[3:7], desc.FileLength)
	payload[7] = desc.Store
	binary.BigEndian.PutUint32(payload[8:12], desc.FileAddress)
	return withPayload(buf, payload)
}

// chunkRequest carries one chunk. The CRC is always sent as 4 bytes; the
// index option is only present in fast mode.
func chunkRequest(id uint16, token byte, crc uint32, index uint16, fast bool, data []byte) []byte {
	buf := withPath(header(Confirmable, CodePost, id, []byte{token}), 'c')
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], crc)
	buf = appendOption(buf, queryDelta, c[:])
	if fast {
		buf = appendOption(buf, 0, []byte{byte(index >> 8), byte(index)})
	}
	return withPayload(buf, data)
}

func updateDoneRequest(id uint16, token byte) []byte {
	return withPath(header(Confirmable, CodePut, id, []byte{token}), 'u')
}

func timeResponse(token, hi, lo byte, unix uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], unix)
	return piggybacked(token, CodeContent, hi, lo, b[:])
}

// chunkIndices decodes the big-endian index list of a chunk missed request.
func chunkIndices(payload []byte) []uint16 {
	out := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		out = append(out, binary.BigEndian.Uint16(payload[i:]))
	}
	return out
}
