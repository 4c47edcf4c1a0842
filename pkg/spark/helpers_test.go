// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// Reference handshake fixture: a device key, the matching cloud key and a
// credentials block the cloud signed for that device.
const (
	fixtureNonceHex = "31e830246f2d7d987c42477ef033f424ff62d382b17a0931130b236398de90847141f5830484177b"
	fixtureIDHex    = "54e1c888f6d9492bebee1ee9"

	fixtureServerKeyHex = "30820122300d06092a864886f70d01010105000382010f003082010a0282010100a44b8f50bfd79477f6c9bceb1a00f31d3151a8e0b0d40f3cff498571bafa54809c913d24d89a4f996430fcb59644b1248aa8d2c1beea3d959b2fb20f1c9df72651e9747b8e7b3aeff54783c97185ef3c51103540a57961fb21601edbcca3e79818a5614e7cb291b992a7815c4935f20b2371cafe104d9d5004d8f10f19d8c37a639df52223670912dc8dc90f7fccd4526496cf7a2c763238ca9b7ac7d4270f3fd1fb8a62048bb7032518cbf43b0a90502a5ebe1fc8363e8f79d2b3dae144e309f712174900c9388ca3ffdd6ad143b805f86a4ab6e0192a0245926ff961b7e8391705191428b38e4f63a57f877aa7626b7a8cfdd310ed9eab8bc5a128b6178e3d0203010001"

	// PKCS#1 DER followed by the two bytes of zero padding the device
	// key buffer carries.
	fixtureDeviceKeyHex = "3082025e02010002818100c4c8ebfa99a5d1e5f99d33ea1c93f24a71c71ea01ee67187395e5f69564f76c1836110ea78696e5aa24d5e834e41d0e544bc485f7d856524b09c9c3cd00f426a6d46519c3edc883384c5f46dad89fd01dc2b3fb06f1280ece2d953006693583c0b1566ea47d9dd8f49eed71a81bae6585c637addc511f1d2ce8c0160adf3b45f020301000102818100bbc558def413b4f8b3b95c5b2ccfc32763eff37a28620dbc51728aaa51d05b6a0579ee913d3aa53158a368e6f41a7b40f9d88b5a8ac469a19be0a478a6b398d396207be4939a0efed944546ccf2d5e9b9194589030ac08a5e18e5f84c336d0cd0f10bf056e29278a167ac6c278cf2cbc5e5b00383e66bf122b20178ee7e27a09024100ea0b61d68d8cad1cfc0a6f37693ad79f3c4efffa97725c31361f12234b002970825f3fbf98e33524d23fe6889da672e34a09eacaf242ce8bb61804ac01734ccd024100d73ebe61a3f0752be4dd6067a69e6adf41b171c954daf1b6aceb3e123ca86ccb75fcdae569bfb1614f4fd03221f852271c5969be3eb3f31641bcaf3a6f1505db02405a18e9a01bbbb504bc6e13e463e9180a9fbfd5c1153e1c0981c932454de11112d3cd711003fe2b7e3246112c346c583bf14ba20c6078a1649d43dfc08b8a645d024100d342de116f9adf2649e78e6bad79e76361530c5f934da1d8ae37e6207830c7379b82a6466d589c7cea1f68350c6a7217b917795624acf27671e70405d2694be9024100837b910266a081a9bdbaa2863d2b0361e88f0512e333af6c9dfd22bfc5c03bd3694537af3dc5fe9114735c8eeceea31b90b72343c35d7ef8bedb3e621a17e9bf0000"

	fixtureCredentialsBlockHex = "0bad1922b660f4c7b4ea34d9bfbb31dc1a6099d857f54a88c75c612f9159e9e69e6b1f86cf83e3e5e78f7b891263eca285a7871141c2e0a15c4fd31d23dd19f538b06c4b70e42631e616812a8280a6e0783ee3deb2290f817248276e480113edff098dfcbba2465cb207dc8d58368ba821a65dac6e6ef08e395ad37165926bf09e27751379a7cdad74f8afa44dda111d0a8fe77bfcb71a454588017e86033d75e2379c3d2651593f73f73644d1b76c59720ee9421048e0a0b53f1135d25c6f559813afef0cfe2d36b96320d76981e8ab2e780afd275b4ec91f1ac1fb06868e63a3e5dc970509165ad2541ca01667534cfb306ab6854e9611cfa1c4854f1bb5d68a91ea26d1a7d025589305932bec93d2cd963d03f4eb809e173e64b2a1a895b8e5b0c9d839da1832c1c7f88562ba8f2e45a241312f26445ba6a44d70cdc0fb8b686aba0ee0d5f428316cc7e540306ac1ee2f3fa674813da1dcba34e4c744583f0c99d0cdc0c04a9f1095504909ce09e2f7bd882eae86cd191eac3a0eb2291b6b"

	// What the credentials block decrypts to: key, IV, salt.
	fixtureCredentialsHex = "ead9e1e2014903b9e76632f6fa5afa66" + "9522a567e100cd3cfe5215473921b63d" + "97b197250038fa09"
)

func unhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// fakeClock only moves when the test advances it.
type fakeClock struct {
	mu sync.Mutex
	ms uint32
}

func (c *fakeClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.ms += uint32(d / time.Millisecond)
	c.mu.Unlock()
}

// scriptTransport replays queued inbound chunks and records everything sent.
type scriptTransport struct {
	rx      [][]byte
	tx      bytes.Buffer
	closed  bool
	sendErr error
	maxSend int
}

func (t *scriptTransport) Send(p []byte) (int, error) {
	if t.sendErr != nil {
		return 0, t.sendErr
	}
	if t.maxSend > 0 && len(p) > t.maxSend {
		p = p[:t.maxSend]
	}
	return t.tx.Write(p)
}

func (t *scriptTransport) Receive(p []byte) (int, error) {
	if len(t.rx) == 0 {
		if t.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, t.rx[0])
	if n == len(t.rx[0]) {
		t.rx = t.rx[1:]
	} else {
		t.rx[0] = t.rx[0][n:]
	}
	return n, nil
}

func (t *scriptTransport) queue(chunks ...[]byte) {
	for _, c := range chunks {
		t.rx = append(t.rx, append([]byte(nil), c...))
	}
}

// drain returns and clears everything sent so far.
func (t *scriptTransport) drain() []byte {
	out := append([]byte(nil), t.tx.Bytes()...)
	t.tx.Reset()
	return out
}

// mockDevice records every callback the session makes.
type mockDevice struct {
	BaseDevice

	calls     []string
	signals   []bool
	chunks    map[uint16][]byte
	prepared  []bool
	finished  []FileDescriptor
	aborted   []FileDescriptor
	seed      uint32
	setTime   time.Time
	rejectOTA bool
	failCall  error
	otaOK     bool
}

func newMockDevice() *mockDevice {
	return &mockDevice{chunks: make(map[uint16][]byte)}
}

func (d *mockDevice) Functions() []string { return []string{"brew"} }

func (d *mockDevice) CallFunction(key, arg string) (int32, error) {
	d.calls = append(d.calls, key+"("+arg+")")
	if d.failCall != nil {
		return 0, d.failCall
	}
	if key != "brew" {
		return 0, ErrUnknownKey
	}
	return 456, nil
}

func (d *mockDevice) Variables() []Variable {
	return []Variable{{Name: "temperature", Type: VarInt}}
}

func (d *mockDevice) GetVariable(key string) (Value, error) {
	if key != "temperature" {
		return Value{}, ErrUnknownKey
	}
	return IntValue(-98765), nil
}

func (d *mockDevice) PrepareFirmwareUpdate(desc FileDescriptor, dryRun bool) error {
	d.prepared = append(d.prepared, dryRun)
	if d.rejectOTA {
		return errors.New("no room")
	}
	return nil
}

func (d *mockDevice) SaveFirmwareChunk(desc FileDescriptor, chunk []byte) error {
	d.chunks[desc.ChunkIndex] = append([]byte(nil), chunk...)
	return nil
}

func (d *mockDevice) FinishFirmwareUpdate(desc FileDescriptor) error {
	d.finished = append(d.finished, desc)
	return nil
}

func (d *mockDevice) AbortFirmwareUpdate(desc FileDescriptor) {
	d.aborted = append(d.aborted, desc)
}

func (d *mockDevice) Signal(on bool) { d.signals = append(d.signals, on) }

func (d *mockDevice) OTAUpgradeSucceeded() bool { return d.otaOK }

func (d *mockDevice) RandomSeed(seed uint32) { d.seed = seed }

func (d *mockDevice) SetTime(t time.Time) { d.setTime = t }

// image returns the saved chunks joined in index order.
func (d *mockDevice) image() []byte {
	var out []byte
	for i := 0; i < len(d.chunks); i++ {
		out = append(out, d.chunks[uint16(i)]...)
	}
	return out
}

func newFixtureSession(t *testing.T, dev DeviceCallbacks, tr Transport, clock Clock) *Session {
	t.Helper()
	id, err := ParseDeviceID(fixtureIDHex)
	if err != nil {
		t.Fatalf("ParseDeviceID failed: %v", err)
	}
	priv, err := ParseDevicePrivateKey(unhex(fixtureDeviceKeyHex))
	if err != nil {
		t.Fatalf("ParseDevicePrivateKey failed: %v", err)
	}
	server, err := ParseServerPublicKey(unhex(fixtureServerKeyHex))
	if err != nil {
		t.Fatalf("ParseServerPublicKey failed: %v", err)
	}
	s, err := New(Config{
		DeviceID:   id,
		PrivateKey: priv,
		ServerKey:  server,
		Transport:  tr,
		Callbacks:  dev,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// harness is a fixture session after a completed handshake, with the cloud
// end played by a cipher holding the same credentials.
type harness struct {
	t     *testing.T
	s     *Session
	tr    *scriptTransport
	peer  *sessionCipher
	clock *fakeClock
	dev   *mockDevice
	hello []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    &scriptTransport{},
		clock: &fakeClock{},
		dev:   newMockDevice(),
	}
	h.s = newFixtureSession(t, h.dev, h.tr, h.clock)
	nonce := unhex(fixtureNonceHex)
	h.tr.queue(nonce[:7], nonce[7:], unhex(fixtureCredentialsBlockHex))
	if err := h.s.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}

	peer, err := newSessionCipher(unhex(fixtureCredentialsHex))
	if err != nil {
		t.Fatalf("newSessionCipher failed: %v", err)
	}
	h.peer = peer

	out := h.tr.drain()
	if len(out) != HandshakeCipherSize+HelloFrameSize {
		t.Fatalf("handshake wrote %d bytes, want %d", len(out), HandshakeCipherSize+HelloFrameSize)
	}
	h.hello = out[HandshakeCipherSize:]
	if _, err := h.peer.open(append([]byte(nil), h.hello[LengthPrefixSize:]...)); err != nil {
		t.Fatalf("peer could not open hello: %v", err)
	}
	return h
}

// deliver queues a cloud message for the device.
func (h *harness) deliver(msg []byte) {
	h.tr.queue(h.peer.seal(msg))
}

// loop runs one event loop iteration and fails the test on error.
func (h *harness) loop() MessageType {
	h.t.Helper()
	mt, err := h.s.EventLoop()
	if err != nil {
		h.t.Fatalf("EventLoop failed: %v", err)
	}
	return mt
}

// sent decrypts and decodes every frame the device wrote since last call.
func (h *harness) sent() []*Message {
	h.t.Helper()
	frames, err := NewFrameDecoder().Decode(h.tr.drain())
	if err != nil {
		h.t.Fatalf("device wrote invalid frames: %v", err)
	}
	var msgs []*Message
	for _, f := range frames {
		plain, err := h.peer.open(f)
		if err != nil {
			h.t.Fatalf("peer could not open frame: %v", err)
		}
		m, err := ParseMessage(append([]byte(nil), plain...))
		if err != nil {
			h.t.Fatalf("device sent malformed message % X: %v", plain, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (h *harness) expectSent(n int) []*Message {
	h.t.Helper()
	msgs := h.sent()
	if len(msgs) != n {
		var got []string
		for _, m := range msgs {
			got = append(got, FormatMessage(m))
		}
		h.t.Fatalf("device sent %d messages, want %d: %s", len(msgs), n, strings.Join(got, "; "))
	}
	return msgs
}
