// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
)

// sessionCipher holds the symmetric state of one established session. Each
// direction starts from the credential IV; after every frame the IV of that
// direction becomes the first ciphertext block of the frame.
type sessionCipher struct {
	block        cipher.Block
	key          [16]byte
	ivSend       [16]byte
	ivReceive    [16]byte
	salt         [8]byte
	sendCount    uint32
	receiveCount uint32
}

func newSessionCipher(creds []byte) (*sessionCipher, error) {
	if len(creds) != CredentialsSize {
		return nil, fmt.Errorf("credentials must be %d bytes, got %d", CredentialsSize, len(creds))
	}
	c := &sessionCipher{}
	copy(c.key[:], creds[0:16])
	copy(c.ivSend[:], creds[16:32])
	copy(c.ivReceive[:], creds[16:32])
	copy(c.salt[:], creds[32:40])
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	c.block = block
	return c, nil
}

// paddedLen is the ciphertext length for a plaintext of n bytes. Padding is
// always added, so a full block gains a whole block of padding.
func paddedLen(n int) int {
	return (n &^ (BlockSize - 1)) + BlockSize
}

func pkcs7Pad(msg []byte) []byte {
	out := make([]byte, paddedLen(len(msg)))
	copy(out, msg)
	pad := byte(len(out) - len(msg))
	for i := len(msg); i < len(out); i++ {
		out[i] = pad
	}
	return out
}

func pkcs7Unpad(buf []byte) ([]byte, error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return nil, ErrShortFrame
	}
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > BlockSize || pad > len(buf) {
		return nil, ErrBadPadding
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return buf[:len(buf)-pad], nil
}

// seal pads and encrypts msg and returns the complete wire frame.
func (c *sessionCipher) seal(msg []byte) []byte {
	body := pkcs7Pad(msg)
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	ct := frame[LengthPrefixSize:]
	cipher.NewCBCEncrypter(c.block, c.ivSend[:]).CryptBlocks(ct, body)
	copy(c.ivSend[:], ct[:BlockSize])
	c.sendCount++
	return frame
}

// open decrypts one frame body in place and strips the padding. A frame
// whose first block is the current IV is the previous frame sent again.
func (c *sessionCipher) open(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%BlockSize != 0 {
		return nil, ErrShortFrame
	}
	if c.receiveCount > 0 && bytes.Equal(ct[:BlockSize], c.ivReceive[:]) {
		return nil, ErrReplay
	}
	var next [16]byte
	copy(next[:], ct[:BlockSize])
	cipher.NewCBCDecrypter(c.block, c.ivReceive[:]).CryptBlocks(ct, ct)
	c.ivReceive = next
	plain, err := pkcs7Unpad(ct)
	if err != nil {
		return nil, err
	}
	c.receiveCount++
	return plain, nil
}

// handshakePlaintext is nonce || device ID || device public key (PKIX DER).
func handshakePlaintext(nonce []byte, id DeviceID, pub []byte) []byte {
	out := make([]byte, 0, NonceSize+DeviceIDSize+len(pub))
	out = append(out, nonce[:NonceSize]...)
	out = append(out, id[:]...)
	return append(out, pub...)
}

func credentialsMAC(creds, ciphertext []byte) []byte {
	mac := hmac.New(sha1.New, creds)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// openCredentials decrypts and authenticates the 384-byte block sent by the
// cloud during the handshake.
func openCredentials(priv *rsa.PrivateKey, server *rsa.PublicKey, block []byte) ([]byte, error) {
	if len(block) != CredentialsBlockSize {
		return nil, fmt.Errorf("credentials block must be %d bytes, got %d", CredentialsBlockSize, len(block))
	}
	ct := block[:credentialsCipherSize]
	creds, err := rsa.DecryptPKCS1v15(nil, priv, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	if len(creds) != CredentialsSize {
		return nil, fmt.Errorf("credentials must be %d bytes, got %d", CredentialsSize, len(creds))
	}
	mac := credentialsMAC(creds, ct)
	if err := rsa.VerifyPKCS1v15(server, crypto.Hash(0), mac, block[credentialsCipherSize:]); err != nil {
		return nil, ErrSignature
	}
	return creds, nil
}

// sealCredentials is the cloud side of openCredentials.
func sealCredentials(random io.Reader, server *rsa.PrivateKey, device *rsa.PublicKey, creds []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(random, device, creds)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}
	if len(ct) != credentialsCipherSize {
		return nil, fmt.Errorf("device key produced %d byte ciphertext, want %d", len(ct), credentialsCipherSize)
	}
	sig, err := rsa.SignPKCS1v15(random, server, crypto.Hash(0), credentialsMAC(creds, ct))
	if err != nil {
		return nil, fmt.Errorf("sign credentials: %w", err)
	}
	if len(sig) != CredentialsBlockSize-credentialsCipherSize {
		return nil, fmt.Errorf("server key produced %d byte signature, want %d", len(sig), CredentialsBlockSize-credentialsCipherSize)
	}
	return append(ct, sig...), nil
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
