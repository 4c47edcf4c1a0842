// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"
)

var (
	cloudListen   string
	cloudWSListen string
	cloudKeyPath  string
	cloudDevices  string
)

var cloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Run a mock cloud",
	Long: `Run a mock cloud that devices connect to.

Devices connect over plain TCP or, with --ws-listen, over WebSocket at the
/device path. Each device is handshaken, described and pinged periodically.

When --devices names a directory, a device must have its public key
registered there as <ID>.der or <ID>.pem. Without it any device key is
trusted.`,
}

var cloudServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve devices and log their traffic",
	RunE:  runCloudServe,
}

func init() {
	rootCmd.AddCommand(cloudCmd)
	cloudCmd.AddCommand(cloudServeCmd)

	cloudCmd.PersistentFlags().StringVar(&cloudListen, "listen", "", "TCP listen address (default :5683)")
	cloudCmd.PersistentFlags().StringVar(&cloudWSListen, "ws-listen", "", "WebSocket listen address (disabled when empty)")
	cloudCmd.PersistentFlags().StringVar(&cloudKeyPath, "key", "", "Cloud RSA-2048 private key (DER or PEM)")
	cloudCmd.PersistentFlags().StringVar(&cloudDevices, "devices", "", "Directory of registered device public keys")
}

// applyCloudFlags copies explicitly set flags over the configuration.
func applyCloudFlags(c *cobra.Command, cc *cloudConfig) {
	if c.Flags().Changed("listen") {
		cc.Listen = cloudListen
	}
	if c.Flags().Changed("ws-listen") {
		cc.WebSocketListen = cloudWSListen
	}
	if c.Flags().Changed("key") {
		cc.KeyPath = cloudKeyPath
	}
	if c.Flags().Changed("devices") {
		cc.DevicesPath = cloudDevices
	}
}

func runCloudServe(cmd *cobra.Command, args []string) error {
	cc := cfg.Cloud
	applyCloudFlags(cmd, &cc)

	hub, err := newCloudHub(cc)
	if err != nil {
		return err
	}
	if err := hub.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Sparklink - Mock Cloud\n")
	for _, addr := range hub.Addrs() {
		fmt.Printf("Listening: %s\n", addr)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	select {
	case <-ctx.Done():
	case <-hub.Dead():
	}
	return hub.Stop()
}

// errDeviceGone is returned for commands to a device that is not connected.
var errDeviceGone = errors.New("device not connected")

// hubEvent is one line of the cloud's event log.
type hubEvent struct {
	timestamp time.Time
	device    string
	message   string
	isError   bool
}

// deviceStatus is a snapshot of one connected device.
type deviceStatus struct {
	ID          string
	Remote      string
	Hello       spark.HelloInfo
	Description *spark.Description
	Connected   time.Time
	LastRTT     time.Duration
	Sent        uint32
	Received    uint32
}

// cloudDevice is the hub's record of a connected device. Only the device
// goroutine touches the channel; everything else goes through cmds.
type cloudDevice struct {
	status deviceStatus
	cmds   chan func(*spark.CloudChannel)
}

// cloudHub accepts devices and runs one goroutine per established channel.
type cloudHub struct {
	tomb tomb.Tomb

	config    cloudConfig
	handshake *spark.ServerHandshake
	limiter   *rate.Limiter
	upgrader  websocket.Upgrader

	listeners []net.Listener
	http      *http.Server

	// spawn orders handler goroutines against shutdown
	spawn sync.Mutex

	mu      sync.Mutex
	devices map[string]*cloudDevice
	events  chan hubEvent
}

func newCloudHub(cc cloudConfig) (*cloudHub, error) {
	raw, err := os.ReadFile(cc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud key: %w", err)
	}
	key, err := spark.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cc.KeyPath, err)
	}
	if key.Size() != spark.HandshakeCipherSize {
		return nil, fmt.Errorf("%s: cloud key must be 2048 bits, got %d", cc.KeyPath, key.N.BitLen())
	}

	h := &cloudHub{
		config:  cc,
		devices: make(map[string]*cloudDevice),
		events:  make(chan hubEvent, 256),
	}
	h.handshake = &spark.ServerHandshake{
		PrivateKey: key,
		Logger:     &logger,
	}
	if cc.DevicesPath != "" {
		h.handshake.DeviceKey = registeredKeys(cc.DevicesPath)
	}
	limit := rate.Limit(cc.HandshakesPerSecond)
	if cc.HandshakesPerSecond <= 0 {
		limit = rate.Inf
	}
	h.limiter = rate.NewLimiter(limit, 1+int(cc.HandshakesPerSecond))
	return h, nil
}

// registeredKeys looks device keys up in dir.
func registeredKeys(dir string) func(spark.DeviceID) (*rsa.PublicKey, error) {
	return func(id spark.DeviceID) (*rsa.PublicKey, error) {
		for _, ext := range []string{".der", ".pem"} {
			raw, err := os.ReadFile(filepath.Join(dir, id.String()+ext))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return spark.ParsePublicKey(raw)
		}
		return nil, fmt.Errorf("device %s is not registered", id)
	}
}

// Start opens the listeners and begins accepting devices.
func (h *cloudHub) Start() error {
	if h.config.Listen != "" {
		l, err := net.Listen("tcp", h.config.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", h.config.Listen, err)
		}
		h.listeners = append(h.listeners, l)
	}
	if h.config.WebSocketListen != "" {
		l, err := net.Listen("tcp", h.config.WebSocketListen)
		if err != nil {
			h.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", h.config.WebSocketListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/device", h.serveWebSocket)
		h.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		h.tomb.Go(func() error {
			if err := h.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if len(h.listeners) == 0 && h.http == nil {
		return fmt.Errorf("no listen address configured")
	}

	for _, l := range h.listeners {
		l := l
		h.tomb.Go(func() error { return h.acceptLoop(l) })
	}
	h.tomb.Go(func() error {
		<-h.tomb.Dying()
		h.closeListeners()
		if h.http != nil {
			h.http.Close()
		}
		// handlers already inside track finish spawning before the tomb
		// can die
		h.spawn.Lock()
		h.spawn.Unlock()
		return nil
	})
	return nil
}

func (h *cloudHub) closeListeners() {
	for _, l := range h.listeners {
		l.Close()
	}
}

// Addrs lists what the hub listens on.
func (h *cloudHub) Addrs() []string {
	var addrs []string
	for _, l := range h.listeners {
		addrs = append(addrs, "tcp://"+l.Addr().String())
	}
	if h.http != nil {
		addrs = append(addrs, "ws://"+h.config.WebSocketListen+"/device")
	}
	return addrs
}

// Dead is closed once every hub goroutine has returned.
func (h *cloudHub) Dead() <-chan struct{} {
	return h.tomb.Dead()
}

// Stop disconnects every device and waits for the hub to wind down.
func (h *cloudHub) Stop() error {
	h.tomb.Kill(nil)
	return h.tomb.Wait()
}

func (h *cloudHub) acceptLoop(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-h.tomb.Dying():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.tomb.Go(func() error {
			h.serveDevice(conn, conn.RemoteAddr().String())
			return nil
		})
	}
}

func (h *cloudHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	// the handler must outlive the device so hijacked connections are
	// still tracked by the hub
	done := make(chan struct{})
	ok := h.track(func() {
		defer close(done)
		h.serveDevice(NewWebSocketConnection(ws), r.RemoteAddr)
	})
	if !ok {
		logger.Debug().Str("remote", r.RemoteAddr).Msg("Hub stopping, WebSocket dropped")
		ws.Close()
		return
	}
	<-done
}

// track runs fn on the hub's tomb from a goroutine the tomb does not own.
// It reports false once the hub is stopping.
func (h *cloudHub) track(fn func()) bool {
	h.spawn.Lock()
	defer h.spawn.Unlock()
	if !h.tomb.Alive() {
		return false
	}
	h.tomb.Go(func() error {
		fn()
		return nil
	})
	return true
}

// serveDevice runs the handshake and then serves the device until it goes
// away or the hub stops.
func (h *cloudHub) serveDevice(conn Connection, remote string) {
	if !h.limiter.Allow() {
		h.emit(remote, "Handshake rate exceeded, connection dropped", true)
		conn.Close()
		return
	}

	t := newPollingTransport(conn)
	defer t.Close()

	ch, err := h.handshake.Accept(t)
	if err != nil {
		h.emit(remote, fmt.Sprintf("Handshake failed: %v", err), true)
		return
	}
	id := ch.DeviceID().String()

	dev := &cloudDevice{
		status: deviceStatus{
			ID:        id,
			Remote:    remote,
			Hello:     ch.Hello(),
			Connected: time.Now(),
		},
		cmds: make(chan func(*spark.CloudChannel), 8),
	}
	h.register(dev)
	defer h.unregister(dev)

	hello := ch.Hello()
	msg := fmt.Sprintf("Connected from %s (product %d v%d, platform %d)", remote, hello.ProductID, hello.ProductVersion, hello.PlatformID)
	if hello.OTASucceeded {
		msg += ", firmware update applied"
	}
	h.emit(id, msg, false)

	ch.OnEvent = func(ev spark.CloudEvent) {
		scope := "public"
		if ev.Private {
			scope = "private"
		}
		h.emit(id, fmt.Sprintf("Event %s (%s, ttl %d): %q", ev.Name, scope, ev.TTL, ev.Data), false)
	}
	ch.OnSubscribe = func(filter string) {
		h.emit(id, fmt.Sprintf("Subscribed to %q", filter), false)
	}

	desc, err := ch.Describe()
	if err != nil {
		h.emit(id, fmt.Sprintf("Describe failed: %v", err), true)
		return
	}
	h.update(dev, func(s *deviceStatus) { s.Description = desc })
	h.emit(id, describeSummary(desc), false)

	interval := h.config.PingInterval
	if interval <= 0 {
		interval = spark.PingInterval
	}
	lastActivity := time.Now()
	for {
		select {
		case <-h.tomb.Dying():
			h.emit(id, "Closing, cloud is shutting down", false)
			return
		case fn := <-dev.cmds:
			fn(ch)
			lastActivity = time.Now()
			h.refreshCounters(dev, ch)
			continue
		default:
		}

		m, err := ch.Poll()
		if err != nil {
			h.emit(id, fmt.Sprintf("Disconnected: %v", err), true)
			return
		}
		if m != nil {
			lastActivity = time.Now()
			logger.Debug().Str("device", id).Msg(spark.FormatMessage(m))
			h.refreshCounters(dev, ch)
			continue
		}

		if time.Since(lastActivity) >= interval {
			rtt, err := ch.Ping()
			if err != nil {
				h.emit(id, fmt.Sprintf("Ping failed: %v", err), true)
				return
			}
			lastActivity = time.Now()
			h.update(dev, func(s *deviceStatus) { s.LastRTT = rtt })
			h.refreshCounters(dev, ch)
			logger.Debug().Str("device", id).Dur("rtt", rtt).Msg("Ping")
		}
		t.Wait(20 * time.Millisecond)
	}
}

func describeSummary(desc *spark.Description) string {
	vars := make([]string, len(desc.Variables))
	for i, v := range desc.Variables {
		vars[i] = fmt.Sprintf("%s:%s", v.Name, v.Type)
	}
	return fmt.Sprintf("Functions [%s] Variables [%s]", strings.Join(desc.Functions, " "), strings.Join(vars, " "))
}

func (h *cloudHub) register(dev *cloudDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// a reconnecting device replaces its stale entry
	h.devices[dev.status.ID] = dev
}

func (h *cloudHub) unregister(dev *cloudDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[dev.status.ID] == dev {
		delete(h.devices, dev.status.ID)
	}
}

func (h *cloudHub) update(dev *cloudDevice, fn func(*deviceStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&dev.status)
}

// updateID changes the status of a device if it is still connected.
func (h *cloudHub) updateID(id string, fn func(*deviceStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev, ok := h.devices[id]; ok {
		fn(&dev.status)
	}
}

func (h *cloudHub) refreshCounters(dev *cloudDevice, ch *spark.CloudChannel) {
	sent, received := ch.Counters()
	h.update(dev, func(s *deviceStatus) {
		s.Sent = sent
		s.Received = received
	})
}

// Devices returns the connected devices ordered by ID.
func (h *cloudHub) Devices() []deviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]deviceStatus, 0, len(h.devices))
	for _, dev := range h.devices {
		list = append(list, dev.status)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Do runs fn on the goroutine that owns the device's channel.
func (h *cloudHub) Do(id string, fn func(*spark.CloudChannel)) error {
	h.mu.Lock()
	dev, ok := h.devices[id]
	h.mu.Unlock()
	if !ok {
		return errDeviceGone
	}
	select {
	case dev.cmds <- fn:
		return nil
	case <-h.tomb.Dying():
		return errDeviceGone
	default:
		return fmt.Errorf("device %s is busy", id)
	}
}

// Events delivers the event log. Events are dropped when nobody reads.
func (h *cloudHub) Events() <-chan hubEvent {
	return h.events
}

func (h *cloudHub) emit(device, message string, isError bool) {
	ev := logger.Info()
	if isError {
		ev = logger.Warn()
	}
	ev.Str("device", device).Msg(message)

	select {
	case h.events <- hubEvent{timestamp: time.Now(), device: device, message: message, isError: isError}:
	default:
	}
}
