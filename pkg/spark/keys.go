// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

// DeviceID is the 12-byte identity burned into every device.
type DeviceID [DeviceIDSize]byte

// ParseDeviceID parses a 24 character hex device ID.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid device ID %q: %w", s, err)
	}
	if len(b) != DeviceIDSize {
		return id, fmt.Errorf("invalid device ID %q: expected %d bytes, got %d", s, DeviceIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the upper-case hex form used by the cloud.
func (id DeviceID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// trimDER cuts trailing bytes after the outer DER SEQUENCE. Key buffers on
// devices are fixed size and zero padded, which x509 rejects.
func trimDER(b []byte) ([]byte, error) {
	if len(b) < 2 || b[0] != 0x30 {
		return nil, fmt.Errorf("not a DER sequence")
	}
	n := int(b[1])
	hdr := 2
	if n&0x80 != 0 {
		octets := n & 0x7F
		if octets == 0 || octets > 3 || len(b) < 2+octets {
			return nil, fmt.Errorf("unsupported DER length encoding")
		}
		n = 0
		for i := 0; i < octets; i++ {
			n = n<<8 | int(b[2+i])
		}
		hdr += octets
	}
	if hdr+n > len(b) {
		return nil, fmt.Errorf("DER sequence truncated: need %d bytes, have %d", hdr+n, len(b))
	}
	return b[:hdr+n], nil
}

// keyDER returns the DER payload of a PEM block, or the input trimmed to
// its DER length when it is not PEM.
func keyDER(data []byte) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return trimDER(data)
}

// ParsePrivateKey parses an RSA private key in PKCS#1 or PKCS#8 form, DER or PEM.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	der, err := keyDER(data)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key: expected RSA, got %T", parsed)
	}
	return key, nil
}

// ParsePublicKey parses an RSA public key in PKIX or PKCS#1 form, DER or PEM.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der, err := keyDER(data)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key: expected RSA, got %T", parsed)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return key, nil
}

// ParseDevicePrivateKey parses the device key and checks it is 1024 bits,
// which the credentials block layout depends on.
func ParseDevicePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	if key.Size() != credentialsCipherSize {
		return nil, fmt.Errorf("device key must be 1024 bits, got %d", key.N.BitLen())
	}
	return key, nil
}

// ParseServerPublicKey parses the cloud key and checks it is 2048 bits.
func ParseServerPublicKey(data []byte) (*rsa.PublicKey, error) {
	key, err := ParsePublicKey(data)
	if err != nil {
		return nil, err
	}
	if key.Size() != HandshakeCipherSize {
		return nil, fmt.Errorf("server key must be 2048 bits, got %d", key.N.BitLen())
	}
	return key, nil
}
