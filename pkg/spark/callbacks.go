// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VariableType is the type code a variable is described with.
type VariableType uint8

const (
	VarBool   VariableType = 1
	VarInt    VariableType = 2
	VarString VariableType = 4
	VarDouble VariableType = 9
)

func (t VariableType) String() string {
	switch t {
	case VarBool:
		return "bool"
	case VarInt:
		return "int32"
	case VarString:
		return "string"
	case VarDouble:
		return "double"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Variable names a cloud-readable variable and its type.
type Variable struct {
	Name string
	Type VariableType
}

// Value is the current value of a variable.
type Value struct {
	Type   VariableType
	Bool   bool
	Int    int32
	Double float64
	String string
}

func BoolValue(b bool) Value { return Value{Type: VarBool, Bool: b} }

func IntValue(i int32) Value { return Value{Type: VarInt, Int: i} }

func DoubleValue(f float64) Value { return Value{Type: VarDouble, Double: f} }

func StringValue(s string) Value { return Value{Type: VarString, String: s} }

// encode returns the wire form: 1 byte bool, big-endian int32, the
// device's native little-endian double, or the raw string bytes.
func (v Value) encode() []byte {
	switch v.Type {
	case VarBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case VarInt:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int))
		return b[:]
	case VarDouble:
		return float64Bytes(v.Double)
	case VarString:
		s := v.String
		if len(s) > maxVariableString {
			s = s[:maxVariableString]
		}
		return []byte(s)
	}
	return nil
}

// DecodeValue parses a variable payload of the given type.
func DecodeValue(t VariableType, b []byte) (Value, error) {
	switch t {
	case VarBool:
		if len(b) != 1 {
			return Value{}, fmt.Errorf("bool value must be 1 byte, got %d", len(b))
		}
		return BoolValue(b[0] != 0), nil
	case VarInt:
		if len(b) != 4 {
			return Value{}, fmt.Errorf("int value must be 4 bytes, got %d", len(b))
		}
		return IntValue(int32(binary.BigEndian.Uint32(b))), nil
	case VarDouble:
		if len(b) != 8 {
			return Value{}, fmt.Errorf("double value must be 8 bytes, got %d", len(b))
		}
		return DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case VarString:
		return StringValue(string(b)), nil
	}
	return Value{}, fmt.Errorf("unknown variable type %d", t)
}

func (v Value) Format() string {
	switch v.Type {
	case VarBool:
		return fmt.Sprintf("%t", v.Bool)
	case VarInt:
		return fmt.Sprintf("%d", v.Int)
	case VarDouble:
		return fmt.Sprintf("%g", v.Double)
	case VarString:
		return fmt.Sprintf("%q", v.String)
	}
	return "?"
}

// FileDescriptor describes the file being transferred by an update.
type FileDescriptor struct {
	Flags        uint8
	ChunkSize    uint16
	FileLength   uint32
	Store        uint8
	FileAddress  uint32
	ChunkAddress uint32
	ChunkIndex   uint16
}

// ChunkCount is the number of chunks the file splits into.
func (d FileDescriptor) ChunkCount() int {
	if d.ChunkSize == 0 {
		return 0
	}
	return int((uint64(d.FileLength) + uint64(d.ChunkSize) - 1) / uint64(d.ChunkSize))
}

// FunctionTable exposes cloud-callable functions.
type FunctionTable interface {
	Functions() []string
	// CallFunction runs key with arg. An error is reported to the cloud as
	// a 5.00 response carrying the error text.
	CallFunction(key, arg string) (int32, error)
}

// VariableTable exposes cloud-readable variables.
type VariableTable interface {
	Variables() []Variable
	// GetVariable returns ErrUnknownKey for names it does not expose.
	GetVariable(key string) (Value, error)
}

// FirmwareHandler persists over-the-air updates.
type FirmwareHandler interface {
	// PrepareFirmwareUpdate is called twice per update: first with dryRun
	// to validate the descriptor, then to start the transfer.
	PrepareFirmwareUpdate(desc FileDescriptor, dryRun bool) error
	SaveFirmwareChunk(desc FileDescriptor, chunk []byte) error
	FinishFirmwareUpdate(desc FileDescriptor) error
	// AbortFirmwareUpdate discards a partially written file.
	AbortFirmwareUpdate(desc FileDescriptor)
}

// DeviceCallbacks is everything a Session needs from the application.
type DeviceCallbacks interface {
	FunctionTable
	VariableTable
	FirmwareHandler
	Signal(on bool)
	OTAUpgradeSucceeded() bool
}

// TimeSetter receives the time reported by the cloud.
type TimeSetter interface {
	SetTime(t time.Time)
}

// SeedReceiver receives the random seed delivered with the credentials.
type SeedReceiver interface {
	RandomSeed(seed uint32)
}

// SystemDescriber appends JSON object members to the describe reply.
type SystemDescriber interface {
	DescribeSystem() string
}

// BaseDevice implements DeviceCallbacks with nothing exposed and updates
// refused. Embed it and override what the application supports.
type BaseDevice struct{}

func (BaseDevice) Functions() []string { return nil }

func (BaseDevice) CallFunction(string, string) (int32, error) { return 0, ErrUnknownKey }

func (BaseDevice) Variables() []Variable { return nil }

func (BaseDevice) GetVariable(string) (Value, error) { return Value{}, ErrUnknownKey }

func (BaseDevice) PrepareFirmwareUpdate(FileDescriptor, bool) error {
	return fmt.Errorf("firmware updates not supported")
}

func (BaseDevice) SaveFirmwareChunk(FileDescriptor, []byte) error { return ErrNoUpdate }

func (BaseDevice) FinishFirmwareUpdate(FileDescriptor) error { return ErrNoUpdate }

func (BaseDevice) AbortFirmwareUpdate(FileDescriptor) {}

func (BaseDevice) Signal(bool) {}

func (BaseDevice) OTAUpgradeSucceeded() bool { return false }
