// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ResponseTimeout bounds how long the cloud waits for a device reply.
const ResponseTimeout = 10 * time.Second

// ServerHandshake is the cloud side of the key exchange.
type ServerHandshake struct {
	PrivateKey *rsa.PrivateKey // cloud RSA-2048 key
	Clock      Clock
	Rand       io.Reader
	Logger     *zerolog.Logger

	// DeviceKey returns the registered key of a device. When nil, the key
	// the device presents is trusted.
	DeviceKey func(id DeviceID) (*rsa.PublicKey, error)
}

// Accept runs the handshake over t and returns the established channel once
// the device hello has been received and answered.
func (h *ServerHandshake) Accept(t Transport) (*CloudChannel, error) {
	if h.PrivateKey == nil || h.PrivateKey.Size() != HandshakeCipherSize {
		return nil, newError(KindCrypto, "accept", "server key must be 2048 bits")
	}
	clock := h.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	random := h.Rand
	if random == nil {
		random = rand.Reader
	}
	log := zerolog.Nop()
	if h.Logger != nil {
		log = *h.Logger
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, wrapError(KindCrypto, "nonce", err)
	}
	if _, err := BlockingSend(t, clock, nonce, BlockingTimeout); err != nil {
		return nil, err
	}

	ct := make([]byte, HandshakeCipherSize)
	if _, err := BlockingReceive(t, clock, ct, BlockingTimeout); err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptPKCS1v15(nil, h.PrivateKey, ct)
	if err != nil {
		return nil, wrapError(KindCrypto, "decrypt handshake", err)
	}
	if len(plain) < NonceSize+DeviceIDSize+2 || !constantTimeEqual(plain[:NonceSize], nonce) {
		return nil, newError(KindCrypto, "handshake", "nonce mismatch")
	}
	var id DeviceID
	copy(id[:], plain[NonceSize:NonceSize+DeviceIDSize])
	devicePub, err := ParsePublicKey(plain[NonceSize+DeviceIDSize:])
	if err != nil {
		return nil, wrapError(KindCrypto, "device key", err)
	}
	if devicePub.Size() != credentialsCipherSize {
		return nil, newError(KindCrypto, "device key", "device key must be 1024 bits")
	}
	if h.DeviceKey != nil {
		registered, err := h.DeviceKey(id)
		if err != nil {
			return nil, wrapError(KindCrypto, "device key lookup", err)
		}
		if !registered.Equal(devicePub) {
			return nil, newError(KindCrypto, "handshake", "device key does not match registration")
		}
	}
	log = log.With().Str("device", id.String()).Logger()
	log.Info().Msg("Handshake: device identified")

	creds := make([]byte, CredentialsSize)
	if _, err := io.ReadFull(random, creds); err != nil {
		return nil, wrapError(KindCrypto, "credentials", err)
	}
	block, err := sealCredentials(random, h.PrivateKey, devicePub, creds)
	if err != nil {
		return nil, wrapError(KindCrypto, "credentials", err)
	}
	if _, err := BlockingSend(t, clock, block, BlockingTimeout); err != nil {
		return nil, err
	}

	cipher, err := newSessionCipher(creds)
	if err != nil {
		return nil, wrapError(KindCrypto, "install key", err)
	}
	c := &CloudChannel{
		transport: t,
		clock:     clock,
		log:       log,
		cipher:    cipher,
		deviceID:  id,
		deviceKey: devicePub,
		messageID: binary.BigEndian.Uint16(creds[32:34]),
		token:     creds[34],
		frame:     make([]byte, MaxFrameSize),
	}

	m, err := c.Receive(BlockingTimeout)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Type != MsgHello {
		return nil, newError(KindFraming, "handshake", "expected device hello")
	}
	info, ok := parseHello(m)
	if !ok {
		return nil, newError(KindFraming, "handshake", "short device hello")
	}
	c.hello = info
	if err := c.Send(helloMessage(c.nextMessageID(), HelloInfo{})); err != nil {
		return nil, err
	}
	log.Info().
		Uint16("product", info.ProductID).
		Uint16("version", info.ProductVersion).
		Uint16("platform", info.PlatformID).
		Msg("Handshake: completed")
	return c, nil
}

// CloudEvent is an event published by a device.
type CloudEvent struct {
	Name    string
	Data    []byte
	Private bool
	TTL     int
}

// CloudChannel is the cloud end of an established session. Like Session it
// is not safe for concurrent use.
type CloudChannel struct {
	transport Transport
	clock     Clock
	log       zerolog.Logger
	cipher    *sessionCipher
	deviceID  DeviceID
	deviceKey *rsa.PublicKey
	hello     HelloInfo
	messageID uint16
	token     byte
	frame     []byte

	// OnEvent receives events the device publishes.
	OnEvent func(CloudEvent)
	// OnSubscribe receives event filters the device subscribes to.
	OnSubscribe func(filter string)

	missed     []uint16
	updateDone bool
}

// DeviceID returns the identity presented during the handshake.
func (c *CloudChannel) DeviceID() DeviceID { return c.deviceID }

// DeviceKey returns the public key presented during the handshake.
func (c *CloudChannel) DeviceKey() *rsa.PublicKey { return c.deviceKey }

// Hello returns what the device announced in its hello.
func (c *CloudChannel) Hello() HelloInfo { return c.hello }

// Counters returns the frames sent to and received from the device.
func (c *CloudChannel) Counters() (sent, received uint32) {
	return c.cipher.sendCount, c.cipher.receiveCount
}

func (c *CloudChannel) nextMessageID() uint16 {
	c.messageID++
	return c.messageID
}

func (c *CloudChannel) nextToken() byte {
	c.token++
	return c.token
}

// Send seals and writes one plaintext message.
func (c *CloudChannel) Send(msg []byte) error {
	_, err := BlockingSend(c.transport, c.clock, c.cipher.seal(msg), BlockingTimeout)
	return err
}

// Poll reads one frame if one is pending, handles it when it is unsolicited
// and returns it. It returns nil, nil when nothing is pending.
func (c *CloudChannel) Poll() (*Message, error) {
	var prefix [LengthPrefixSize]byte
	n, err := c.transport.Receive(prefix[:])
	if err != nil {
		return nil, wrapError(KindTransport, "receive", err)
	}
	if n == 0 {
		return nil, nil
	}
	if n < LengthPrefixSize {
		if _, err := BlockingReceive(c.transport, c.clock, prefix[n:], BlockingTimeout); err != nil {
			return nil, err
		}
	}
	m, err := c.readFrame(int(binary.BigEndian.Uint16(prefix[:])))
	if err != nil || m == nil {
		return m, err
	}
	if err := c.handleUnsolicited(m); err != nil {
		return m, err
	}
	return m, nil
}

// Receive waits up to timeout for the next message and returns it without
// handling it. It returns nil, nil on timeout.
func (c *CloudChannel) Receive(timeout time.Duration) (*Message, error) {
	start := c.clock.Millis()
	var prefix [LengthPrefixSize]byte
	for {
		n, err := c.transport.Receive(prefix[:])
		if err != nil {
			return nil, wrapError(KindTransport, "receive", err)
		}
		if n > 0 {
			if n < LengthPrefixSize {
				if _, err := BlockingReceive(c.transport, c.clock, prefix[n:], BlockingTimeout); err != nil {
					return nil, err
				}
			}
			return c.readFrame(int(binary.BigEndian.Uint16(prefix[:])))
		}
		if c.clock.Millis()-start >= millis(timeout) {
			return nil, nil
		}
		runtime.Gosched()
	}
}

func (c *CloudChannel) readFrame(length int) (*Message, error) {
	if length == 0 || length%BlockSize != 0 {
		return nil, &Error{Kind: KindFraming, Op: "receive", Err: ErrShortFrame}
	}
	if length > len(c.frame) {
		return nil, &Error{Kind: KindFraming, Op: "receive", Err: ErrFrameTooLarge}
	}
	body := c.frame[:length]
	if _, err := BlockingReceive(c.transport, c.clock, body, BlockingTimeout); err != nil {
		return nil, err
	}
	plain, err := c.cipher.open(body)
	if err != nil {
		return nil, wrapError(KindFraming, "decrypt", err)
	}
	m, err := ParseMessage(append([]byte(nil), plain...))
	if err != nil {
		return nil, wrapError(KindFraming, "decode", err)
	}
	c.log.Debug().Str("msg", FormatMessage(m)).Msg("Received")
	return m, nil
}

// handleUnsolicited answers messages the device originates.
func (c *CloudChannel) handleUnsolicited(m *Message) error {
	hi, lo := m.idBytes()
	switch m.Type {
	case MsgPing:
		return c.Send(emptyAck(hi, lo))
	case MsgTimeRequest:
		return c.Send(timeResponse(m.TokenByte(), hi, lo, uint32(time.Now().Unix())))
	case MsgEvent:
		if c.OnEvent != nil {
			ev := CloudEvent{
				Name:    eventName(m),
				Data:    m.Payload,
				Private: m.Path()[0] == "e",
				TTL:     DefaultEventTTL,
			}
			if v, ok := m.Option(OptionMaxAge); ok {
				ev.TTL = int(decodeUint(v))
			}
			c.OnEvent(ev)
		}
		if m.CoAPType == Confirmable {
			return c.Send(emptyAck(hi, lo))
		}
	case MsgSubscribe:
		if c.OnSubscribe != nil {
			filter := ""
			if path := m.Path(); len(path) > 1 {
				filter = path[1]
			}
			c.OnSubscribe(filter)
		}
		return c.Send(emptyAck(hi, lo))
	case MsgChunkMissed:
		c.missed = append(c.missed, chunkIndices(m.Payload)...)
		return c.Send(emptyAck(hi, lo))
	case MsgUpdateDone:
		c.updateDone = true
	}
	return nil
}

// await reads messages until match accepts one, handling everything else.
func (c *CloudChannel) await(op string, timeout time.Duration, match func(*Message) bool) (*Message, error) {
	start := c.clock.Millis()
	for {
		elapsed := time.Duration(c.clock.Millis()-start) * time.Millisecond
		if elapsed >= timeout {
			return nil, &Error{Kind: KindTransport, Op: op, Err: ErrTimeout}
		}
		m, err := c.Receive(timeout - elapsed)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if match(m) {
			return m, nil
		}
		if err := c.handleUnsolicited(m); err != nil {
			return nil, err
		}
	}
}

func isAckFor(id uint16) func(*Message) bool {
	return func(m *Message) bool {
		return m.CoAPType == Acknowledgement && m.ID == id
	}
}

func isResponseFor(token byte) func(*Message) bool {
	return func(m *Message) bool {
		return m.CoAPType != Acknowledgement && m.Type == MsgResponse && m.TokenByte() == token
	}
}

func (c *CloudChannel) request(op string, build func(id uint16, token byte) []byte) (*Message, byte, error) {
	id := c.nextMessageID()
	token := c.nextToken()
	if err := c.Send(build(id, token)); err != nil {
		return nil, token, err
	}
	ack, err := c.await(op, ResponseTimeout, isAckFor(id))
	return ack, token, err
}

func responseError(op string, m *Message) error {
	switch m.Code {
	case CodeNotFound:
		return &Error{Kind: KindApplication, Op: op, Err: ErrUnknownKey}
	case CodeBadRequest:
		return newError(KindApplication, op, "bad request")
	}
	if len(m.Payload) > 0 {
		return newError(KindApplication, op, string(m.Payload))
	}
	return newError(KindApplication, op, fmt.Sprintf("device answered %s", m.Code))
}

// Describe asks the device for its functions and variables.
func (c *CloudChannel) Describe() (*Description, error) {
	ack, _, err := c.request("describe", describeRequest)
	if err != nil {
		return nil, err
	}
	if ack.Code != CodeContent {
		return nil, responseError("describe", ack)
	}
	var raw struct {
		F []string         `json:"f"`
		V map[string]uint8 `json:"v"`
	}
	if err := json.Unmarshal(ack.Payload, &raw); err != nil {
		return nil, wrapError(KindApplication, "describe", err)
	}
	desc := &Description{Functions: raw.F}
	for name, t := range raw.V {
		desc.Variables = append(desc.Variables, Variable{Name: name, Type: VariableType(t)})
	}
	sort.Slice(desc.Variables, func(i, j int) bool { return desc.Variables[i].Name < desc.Variables[j].Name })
	return desc, nil
}

// CallFunction calls a device function and returns its result.
func (c *CloudChannel) CallFunction(name, arg string) (int32, error) {
	ack, token, err := c.request("function", func(id uint16, token byte) []byte {
		return functionCallRequest(id, token, name, arg)
	})
	if err != nil {
		return 0, err
	}
	if ack.Code != CodeEmpty {
		return 0, responseError("function", ack)
	}
	resp, err := c.await("function", ResponseTimeout, isResponseFor(token))
	if err != nil {
		return 0, err
	}
	if resp.Code != CodeChanged {
		return 0, responseError("function", resp)
	}
	if len(resp.Payload) != 4 {
		return 0, newError(KindApplication, "function", "malformed return value")
	}
	return int32(binary.BigEndian.Uint32(resp.Payload)), nil
}

// GetVariable reads a device variable of the given type.
func (c *CloudChannel) GetVariable(name string, t VariableType) (Value, error) {
	ack, _, err := c.request("variable", func(id uint16, token byte) []byte {
		return variableRequest(id, token, name)
	})
	if err != nil {
		return Value{}, err
	}
	if ack.Code != CodeContent {
		return Value{}, responseError("variable", ack)
	}
	v, err := DecodeValue(t, ack.Payload)
	if err != nil {
		return Value{}, wrapError(KindApplication, "variable", err)
	}
	return v, nil
}

// Signal turns the device's identification signal on or off.
func (c *CloudChannel) Signal(on bool) error {
	ack, _, err := c.request("signal", func(id uint16, token byte) []byte {
		return signalRequest(id, token, on)
	})
	if err != nil {
		return err
	}
	if ack.Code != ChunkReceivedOK {
		return responseError("signal", ack)
	}
	return nil
}

// Ping sends a keep-alive and returns the round trip time.
func (c *CloudChannel) Ping() (time.Duration, error) {
	start := c.clock.Millis()
	id := c.nextMessageID()
	if err := c.Send(pingMessage(id)); err != nil {
		return 0, err
	}
	if _, err := c.await("ping", ResponseTimeout, isAckFor(id)); err != nil {
		return 0, err
	}
	return time.Duration(c.clock.Millis()-start) * time.Millisecond, nil
}

// SendEvent delivers an event to the device's subscriptions.
func (c *CloudChannel) SendEvent(name string, data []byte) error {
	return c.Send(eventMessage(c.nextMessageID(), name, data, EventOptions{TTL: DefaultEventTTL}))
}

// FirmwareOptions controls a firmware push.
type FirmwareOptions struct {
	ChunkSize uint16
	Fast      bool
	Store     uint8
	Address   uint32
	// Drop, when set, skips sending the chunks it returns true for on the
	// first pass. Used to exercise missing-chunk recovery.
	Drop func(index int) bool
	// Progress is called after each chunk is sent.
	Progress func(sent, total int)
}

// PushFirmware transfers data to the device as an over-the-air update.
func (c *CloudChannel) PushFirmware(data []byte, opts FirmwareOptions) error {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	desc := FileDescriptor{
		ChunkSize:   opts.ChunkSize,
		FileLength:  uint32(len(data)),
		Store:       opts.Store,
		FileAddress: opts.Address,
	}
	var flags uint8
	if opts.Fast {
		flags |= UpdateFlagFast
	}

	ack, token, err := c.request("update begin", func(id uint16, token byte) []byte {
		return updateBeginRequest(id, token, flags, desc)
	})
	if err != nil {
		return err
	}
	if ack.Code != CodeEmpty {
		return responseError("update begin", ack)
	}
	ready, err := c.await("update begin", ResponseTimeout, isResponseFor(token))
	if err != nil {
		return err
	}
	if ready.Code != CodeChanged {
		return responseError("update begin", ready)
	}
	fast := len(ready.Payload) > 0 && ready.Payload[0]&UpdateFlagFast != 0

	total := desc.ChunkCount()
	c.missed = nil
	c.updateDone = false
	for i := 0; i < total; i++ {
		if opts.Drop != nil && opts.Drop(i) {
			continue
		}
		if err := c.sendChunk(data, i, opts.ChunkSize, fast); err != nil {
			return err
		}
		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}
	}

	ack, _, err = c.request("update done", updateDoneRequest)
	if err != nil {
		return err
	}
	if ack.Code == ChunkReceivedOK {
		c.log.Info().Int("chunks", total).Msg("Firmware transfer complete")
		return nil
	}
	if !fast {
		return responseError("update done", ack)
	}
	return c.resendMissing(data, opts.ChunkSize)
}

// sendChunk sends chunk i. Outside fast mode it waits for the chunk result
// and retries a chunk the device reports bad.
func (c *CloudChannel) sendChunk(data []byte, i int, chunkSize uint16, fast bool) error {
	start := i * int(chunkSize)
	end := start + int(chunkSize)
	if end > len(data) {
		end = len(data)
	}
	chunk := data[start:end]
	crc := crc32.ChecksumIEEE(chunk)

	for attempt := 0; attempt < 3; attempt++ {
		_, token, err := c.request("chunk", func(id uint16, token byte) []byte {
			return chunkRequest(id, token, crc, uint16(i), fast, chunk)
		})
		if err != nil {
			return err
		}
		if fast {
			return nil
		}
		resp, err := c.await("chunk", ResponseTimeout, isResponseFor(token))
		if err != nil {
			return err
		}
		if resp.Code == ChunkReceivedOK {
			return nil
		}
		c.log.Warn().Int("index", i).Msg("Device reported bad chunk, resending")
	}
	return newError(KindApplication, "chunk", fmt.Sprintf("chunk %d rejected", i))
}

// resendMissing serves the device's missing chunk requests until it reports
// the update done.
func (c *CloudChannel) resendMissing(data []byte, chunkSize uint16) error {
	start := c.clock.Millis()
	for !c.updateDone {
		if time.Duration(c.clock.Millis()-start)*time.Millisecond > 4*ResponseTimeout {
			return &Error{Kind: KindTransport, Op: "missing chunks", Err: ErrTimeout}
		}
		if len(c.missed) == 0 {
			m, err := c.Receive(ResponseTimeout)
			if err != nil {
				return err
			}
			if m != nil {
				if err := c.handleUnsolicited(m); err != nil {
					return err
				}
			}
			continue
		}
		idx := c.missed[0]
		c.missed = c.missed[1:]
		c.log.Debug().Uint16("index", idx).Msg("Resending missed chunk")
		if err := c.sendChunk(data, int(idx), chunkSize, true); err != nil {
			return err
		}
	}
	c.log.Info().Msg("Firmware transfer complete after resending missed chunks")
	return nil
}

// IsUnknownKey reports whether err says the device does not expose the
// requested function or variable.
func IsUnknownKey(err error) bool {
	return errors.Is(err, ErrUnknownKey)
}
