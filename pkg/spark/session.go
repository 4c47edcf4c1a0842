// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds everything a Session is built from.
type Config struct {
	DeviceID   DeviceID
	PrivateKey *rsa.PrivateKey // device RSA-1024 key
	ServerKey  *rsa.PublicKey  // cloud RSA-2048 key
	Transport  Transport
	Callbacks  DeviceCallbacks

	// Optional
	Clock          Clock
	Logger         *zerolog.Logger
	ProductID      uint16
	ProductVersion uint16
	PlatformID     uint16
	Checksum       func([]byte) uint32 // chunk CRC, defaults to CRC-32 (IEEE)
	Rand           io.Reader
}

// Session is the device side of one cloud connection. It is not safe for
// concurrent use; all calls, EventLoop included, must come from one
// goroutine.
type Session struct {
	cfg       Config
	log       zerolog.Logger
	transport Transport
	clock     Clock
	callbacks DeviceCallbacks
	checksum  func([]byte) uint32
	random    io.Reader

	state         State
	cipher        *sessionCipher
	messageID     uint16
	token         byte
	helloReceived bool

	lastMessageMillis uint32
	expectingPingAck  bool

	update          *FirmwareUpdate
	lastChunkMillis uint32

	timePending       bool
	timeToken         byte
	timeRequestMillis uint32

	subscriptions []subscription
	userEvents    *rate.Limiter
	systemEvents  *rate.Limiter

	stats *Statistics
	frame []byte
}

// New validates cfg and creates a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("device private key is required")
	}
	if cfg.ServerKey == nil {
		return nil, fmt.Errorf("server public key is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Callbacks == nil {
		return nil, fmt.Errorf("device callbacks are required")
	}
	if cfg.PrivateKey.Size() != credentialsCipherSize {
		return nil, fmt.Errorf("device key must be 1024 bits, got %d", cfg.PrivateKey.N.BitLen())
	}
	if cfg.ServerKey.Size() != HandshakeCipherSize {
		return nil, fmt.Errorf("server key must be 2048 bits, got %d", cfg.ServerKey.N.BitLen())
	}

	s := &Session{
		cfg:       cfg,
		log:       zerolog.Nop(),
		transport: cfg.Transport,
		clock:     cfg.Clock,
		callbacks: cfg.Callbacks,
		checksum:  cfg.Checksum,
		random:    cfg.Rand,
		// 4 user events per second, 255 system events per minute
		userEvents:   rate.NewLimiter(rate.Every(time.Second/4), 4),
		systemEvents: rate.NewLimiter(rate.Every(time.Minute/255), 255),
		stats:        NewStatistics(),
		frame:        make([]byte, MaxFrameSize),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("device", cfg.DeviceID.String()).Logger()
	}
	if s.clock == nil {
		s.clock = NewSystemClock()
	}
	if s.checksum == nil {
		s.checksum = crc32.ChecksumIEEE
	}
	if s.random == nil {
		s.random = rand.Reader
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// IsInitialized reports whether the handshake completed and the session can
// exchange application messages.
func (s *Session) IsInitialized() bool { return s.state == StateActive }

// HelloReceived reports whether the cloud answered the device hello.
func (s *Session) HelloReceived() bool { return s.helloReceived }

// Stats returns the session counters.
func (s *Session) Stats() *Statistics { return s.stats }

// Update returns the firmware transfer in progress, or nil.
func (s *Session) Update() *FirmwareUpdate { return s.update }

// Counters returns the number of frames sent and received under the current
// session key.
func (s *Session) Counters() (sent, received uint32) {
	if s.cipher == nil {
		return 0, 0
	}
	return s.cipher.sendCount, s.cipher.receiveCount
}

// Handshake runs the device side of the key exchange: nonce in, RSA
// ciphertext out, signed credentials in, hello out. On any failure the
// session is wiped and stays uninitialized.
func (s *Session) Handshake() error {
	s.teardown()
	s.state = StateHandshaking
	s.log.Info().Msg("Handshake: waiting for nonce")

	nonce := make([]byte, NonceSize)
	if _, err := s.BlockingReceive(nonce); err != nil {
		return s.fail("handshake nonce", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&s.cfg.PrivateKey.PublicKey)
	if err != nil {
		return s.fail("handshake", wrapError(KindCrypto, "marshal device key", err))
	}
	ct, err := rsa.EncryptPKCS1v15(s.random, s.cfg.ServerKey, handshakePlaintext(nonce, s.cfg.DeviceID, pub))
	if err != nil {
		return s.fail("handshake", wrapError(KindCrypto, "encrypt nonce", err))
	}
	if _, err := s.BlockingSend(ct); err != nil {
		return s.fail("handshake send", err)
	}

	block := make([]byte, CredentialsBlockSize)
	if _, err := s.BlockingReceive(block); err != nil {
		return s.fail("handshake credentials", err)
	}
	creds, err := openCredentials(s.cfg.PrivateKey, s.cfg.ServerKey, block)
	if err != nil {
		return s.fail("handshake", wrapError(KindCrypto, "credentials", err))
	}
	if err := s.installCredentials(creds); err != nil {
		return s.fail("handshake", wrapError(KindCrypto, "install key", err))
	}

	hello := helloMessage(s.nextMessageID(), HelloInfo{
		ProductID:      s.cfg.ProductID,
		ProductVersion: s.cfg.ProductVersion,
		PlatformID:     s.cfg.PlatformID,
		OTASucceeded:   s.callbacks.OTAUpgradeSucceeded(),
	})
	if err := s.send(hello); err != nil {
		return s.fail("handshake hello", err)
	}

	s.state = StateActive
	s.lastMessageMillis = s.clock.Millis()
	s.log.Info().Msg("Handshake: completed")
	return nil
}

// Connect runs the handshake and waits for the cloud hello.
func (s *Session) Connect() error {
	if err := s.Handshake(); err != nil {
		return err
	}
	ok, err := s.WaitFor(MsgHello, HelloResponseTimeout)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn().Msg("Handshake: no hello response from cloud")
		return s.fail("hello", &Error{Kind: KindTransport, Op: "hello", Err: ErrTimeout})
	}
	return nil
}

// WaitFor runs the event loop until a message of type t arrives or timeout
// passes. It returns false on timeout.
func (s *Session) WaitFor(t MessageType, timeout time.Duration) (bool, error) {
	start := s.clock.Millis()
	for {
		got, err := s.EventLoop()
		if err != nil {
			return false, err
		}
		if got == t {
			return true, nil
		}
		if s.clock.Millis()-start >= millis(timeout) {
			return false, nil
		}
		if got == MsgNone {
			runtime.Gosched()
		}
	}
}

// EventLoop performs at most one receive-and-dispatch and returns the type
// of the message handled, MsgNone when nothing was pending. A non-nil error
// means the session was torn down.
func (s *Session) EventLoop() (MessageType, error) {
	if s.state != StateActive {
		return MsgNone, &Error{Kind: KindTransport, Op: "event loop", Err: ErrNotInitialized}
	}

	var prefix [LengthPrefixSize]byte
	n, err := s.transport.Receive(prefix[:])
	if err != nil {
		return MsgError, s.fail("receive", wrapError(KindTransport, "receive", err))
	}
	if n == 0 {
		return MsgNone, s.idle()
	}
	if n < LengthPrefixSize {
		if _, err := s.BlockingReceive(prefix[n:]); err != nil {
			return MsgError, s.fail("receive length", err)
		}
	}
	return s.receiveFrame(int(binary.BigEndian.Uint16(prefix[:])))
}

func (s *Session) receiveFrame(length int) (MessageType, error) {
	s.lastMessageMillis = s.clock.Millis()
	s.expectingPingAck = false

	if length == 0 || length%BlockSize != 0 {
		s.stats.FramingErrors++
		return MsgError, s.fail("receive", &Error{Kind: KindFraming, Op: "receive", Err: ErrShortFrame})
	}
	if length > len(s.frame) {
		s.stats.FramingErrors++
		return MsgError, s.fail("receive", &Error{Kind: KindFraming, Op: "receive", Err: ErrFrameTooLarge})
	}

	body := s.frame[:length]
	if _, err := s.BlockingReceive(body); err != nil {
		return MsgError, s.fail("receive frame", err)
	}
	plain, err := s.cipher.open(body)
	if err != nil {
		s.stats.FramingErrors++
		return MsgError, s.fail("decrypt", wrapError(KindFraming, "decrypt", err))
	}
	m, err := ParseMessage(plain)
	if err != nil {
		// out of sequence frames decrypt to garbage
		s.stats.MalformedMessages++
		return MsgError, s.fail("decode", wrapError(KindFraming, "decode", err))
	}
	s.stats.frameIn(LengthPrefixSize + length)
	s.log.Debug().Str("msg", FormatMessage(m)).Msg("Received")
	if err := s.dispatch(m); err != nil {
		return m.Type, s.fail("dispatch", err)
	}
	return m.Type, nil
}

// idle runs the timers that fire while no frame is pending.
func (s *Session) idle() error {
	now := s.clock.Millis()
	if s.update != nil {
		if now-s.lastChunkMillis > millis(ChunkResendInterval) {
			if s.update.missingMode {
				s.log.Debug().Msg("Timeout, resending missing chunks")
				if err := s.sendMissingChunks(MissedChunksToSend); err != nil {
					return s.fail("resend chunks", err)
				}
			}
			s.lastChunkMillis = s.clock.Millis()
		}
		return nil
	}

	since := now - s.lastMessageMillis
	if s.expectingPingAck {
		if since > millis(PingAckTimeout) {
			s.expectingPingAck = false
			s.lastMessageMillis = now
			s.log.Warn().Msg("Ping ACK not received")
			return s.fail("keepalive", &Error{Kind: KindTransport, Op: "keepalive", Err: ErrLinkDead})
		}
		return nil
	}
	if since > millis(PingInterval) {
		if err := s.Ping(); err != nil {
			return s.fail("keepalive", err)
		}
	}
	return nil
}

// Ping sends a keep-alive and starts waiting for its ACK.
func (s *Session) Ping() error {
	if s.state != StateActive {
		return &Error{Kind: KindTransport, Op: "ping", Err: ErrNotInitialized}
	}
	if err := s.send(pingMessage(s.nextMessageID())); err != nil {
		return err
	}
	s.stats.PingsSent++
	s.expectingPingAck = true
	s.lastMessageMillis = s.clock.Millis()
	return nil
}

// Disconnect wipes the session and discards any partial firmware.
func (s *Session) Disconnect() {
	if s.state != StateDisconnected {
		s.log.Info().Msg("Session disconnected")
	}
	s.teardown()
}

// BlockingSend sends all of buf over the session transport.
func (s *Session) BlockingSend(buf []byte) (int, error) {
	return BlockingSend(s.transport, s.clock, buf, BlockingTimeout)
}

// BlockingReceive fills buf from the session transport.
func (s *Session) BlockingReceive(buf []byte) (int, error) {
	return BlockingReceive(s.transport, s.clock, buf, BlockingTimeout)
}

// send seals one plaintext message and writes the frame.
func (s *Session) send(msg []byte) error {
	frame := s.cipher.seal(msg)
	if _, err := s.BlockingSend(frame); err != nil {
		return err
	}
	s.stats.frameOut(len(frame))
	return nil
}

func (s *Session) nextMessageID() uint16 {
	s.messageID++
	return s.messageID
}

func (s *Session) nextToken() byte {
	s.token++
	return s.token
}

// installCredentials sets up the session key and counters from the 40
// decrypted credential bytes.
func (s *Session) installCredentials(creds []byte) error {
	c, err := newSessionCipher(creds)
	if err != nil {
		return err
	}
	s.cipher = c
	s.messageID = uint16(creds[32])<<8 | uint16(creds[33])
	s.token = creds[34]
	seed := binary.LittleEndian.Uint32(creds[35:39])
	if sr, ok := s.callbacks.(SeedReceiver); ok {
		sr.RandomSeed(seed)
	}
	return nil
}

// fail tears the session down and returns err as a spark error.
func (s *Session) fail(op string, err error) error {
	if _, ok := err.(*Error); !ok {
		err = wrapError(KindTransport, op, err)
	}
	s.log.Warn().Err(err).Str("op", op).Msg("Session failed")
	s.teardown()
	return err
}

func (s *Session) teardown() {
	if s.update != nil {
		s.log.Warn().Msg("Aborting firmware update")
		s.callbacks.AbortFirmwareUpdate(s.update.desc)
		s.update = nil
		s.stats.UpdatesAborted++
	}
	s.cipher = nil
	s.state = StateDisconnected
	s.expectingPingAck = false
	s.helloReceived = false
	s.timePending = false
}

func (s *Session) dispatch(m *Message) error {
	hi, lo := m.idBytes()
	switch m.Type {
	case MsgDescribe:
		return s.handleDescribe(m)
	case MsgFunctionCall:
		return s.handleFunctionCall(m)
	case MsgVariableRequest:
		return s.handleVariableRequest(m)
	case MsgSaveBegin, MsgUpdateBegin:
		return s.handleUpdateBegin(m)
	case MsgChunk:
		return s.handleChunk(m)
	case MsgUpdateDone:
		return s.handleUpdateDone(m)
	case MsgEvent:
		s.handleEvent(m)
	case MsgSignalStart, MsgSignalStop:
		if err := s.send(codedAckToken(m.TokenByte(), ChunkReceivedOK, hi, lo)); err != nil {
			return err
		}
		s.callbacks.Signal(m.Type == MsgSignalStart)
	case MsgHello:
		s.helloReceived = true
	case MsgPing:
		s.stats.PingsReceived++
		return s.send(emptyAck(hi, lo))
	case MsgResponse:
		s.handleResponse(m)
	case MsgKeyChange, MsgEmptyAck:
		// nothing to do
	default:
		s.log.Debug().Str("msg", FormatMessage(m)).Msg("Dropping unhandled message")
	}
	return nil
}

// handleResponse consumes responses to requests the device made. Only the
// time request expects a payload.
func (s *Session) handleResponse(m *Message) {
	if !s.timePending || m.TokenByte() != s.timeToken || m.Code != CodeContent {
		return
	}
	s.timePending = false
	if len(m.Payload) < 4 {
		s.log.Warn().Int("len", len(m.Payload)).Msg("Short time response")
		return
	}
	seconds := binary.BigEndian.Uint32(m.Payload[:4])
	latency := (s.clock.Millis() - s.timeRequestMillis) / 2000
	if ts, ok := s.callbacks.(TimeSetter); ok {
		ts.SetTime(time.Unix(int64(seconds-latency), 0).UTC())
	}
}
