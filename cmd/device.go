// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Thermoquad/sparklink/pkg/flashstore"
	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
	"gopkg.in/retry.v1"
)

var (
	deviceStorePath       string
	deviceResume          bool
	devicePublishInterval time.Duration
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a simulated device",
	Long: `Run a simulated Tinker device against a cloud.

The device performs the handshake, answers describe, function and variable
requests, follows the identification signal and accepts over-the-air
firmware, which is staged in and installed to a local flash store.

Functions: digitalread, digitalwrite, analogread, analogwrite, brew
Variables: temperature, uptime, version, brewing

The device reconnects with exponential backoff when the link drops. With
--resume, a session parked on exit is restored on the next start instead of
running a new handshake; this only works when the far end kept its side.`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	addDeviceFlags(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceStorePath, "store", "", "Flash store database")
	deviceCmd.Flags().BoolVar(&deviceResume, "resume", false, "Park the session on exit and resume it on the next start")
	deviceCmd.Flags().DurationVar(&devicePublishInterval, "publish-interval", 0, "Publish the temperature as an event at this interval (0 disables)")
}

// errReboot ends a session so the next one reports the installed firmware
var errReboot = errors.New("rebooting into new firmware")

func reconnectStrategy(rc reconnectConfig) retry.Strategy {
	var s retry.Strategy = retry.Exponential{
		Initial:  rc.Initial,
		Factor:   rc.Factor,
		MaxDelay: rc.MaxDelay,
		Jitter:   true,
	}
	if rc.Attempts > 0 {
		s = retry.LimitCount(rc.Attempts, s)
	}
	return s
}

func runDevice(cmd *cobra.Command, args []string) error {
	dc := cfg.Device
	applyDeviceFlags(cmd, &dc)
	if cmd.Flags().Changed("store") {
		dc.StorePath = deviceStorePath
	}

	ident, err := loadDeviceIdentity(dc)
	if err != nil {
		return err
	}
	store, err := flashstore.Open(dc.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := &deviceLink{
		ident:   ident,
		config:  dc,
		store:   store,
		app:     newTinkerDevice(store, logger.With().Str("device", ident.ID.String()).Logger()),
		resume:  deviceResume,
		publish: devicePublishInterval,
	}

	fmt.Printf("Sparklink - Simulated Device\n")
	fmt.Printf("Device ID: %s\n", ident.ID)
	fmt.Printf("Flash store: %s\n", dc.StorePath)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	strategy := reconnectStrategy(cfg.Reconnect)
	for {
		healthy := false
		var lastErr error
		for a := retry.StartWithCancel(strategy, nil, ctx.Done()); a.Next(); {
			active, err := link.runOnce(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errReboot) {
				healthy = true
				break
			}
			if active {
				// the session was up; start the backoff over
				logger.Warn().Err(err).Msg("Session ended")
				healthy = true
				break
			}
			lastErr = err
			logger.Warn().Err(err).Int("attempt", a.Count()).Msg("Connection failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		if !healthy {
			return fmt.Errorf("giving up after %d attempts: %w", cfg.Reconnect.Attempts, lastErr)
		}
	}
}

// deviceLink runs sessions of one simulated device.
type deviceLink struct {
	ident   deviceIdentity
	config  deviceConfig
	store   *flashstore.Store
	app     *tinkerDevice
	resume  bool
	publish time.Duration
}

// runOnce connects and serves one session until it ends. It reports
// whether the session became active.
func (l *deviceLink) runOnce(ctx context.Context) (bool, error) {
	conn, info, err := OpenConnection()
	if err != nil {
		return false, err
	}
	t := newPollingTransport(conn)
	defer t.Close()

	s, err := newDeviceSession(l.ident, l.config, t, l.app)
	if err != nil {
		return false, err
	}
	logger.Info().Str("connection", info).Msg("Connecting")

	// registered now, announced once the session is up
	if err := s.Subscribe("sparklink/", spark.ScopeMyDevices, "", func(name string, data []byte) {
		logger.Info().Str("event", name).Bytes("data", data).Msg("Event received")
	}); err != nil {
		return false, err
	}

	if !l.restore(s) {
		if err := s.Connect(); err != nil {
			return false, err
		}
	}
	// reported in this hello, so not again
	l.app.otaInstalled = false
	l.online(s)

	var lastPublish time.Time
	for {
		if ctx.Err() != nil {
			l.park(s)
			return true, nil
		}
		if _, err := s.EventLoop(); err != nil {
			return true, err
		}
		if l.app.otaInstalled && s.Update() == nil {
			s.Disconnect()
			return true, errReboot
		}
		if l.publish > 0 && time.Since(lastPublish) >= l.publish {
			lastPublish = time.Now()
			temp, _ := l.app.GetVariable("temperature")
			data := []byte(strconv.FormatFloat(temp.Double, 'f', 2, 64))
			if err := s.Publish("temperature", data, spark.EventOptions{}); err != nil {
				logger.Warn().Err(err).Msg("Publish failed")
			}
		}
		t.Wait(20 * time.Millisecond)
	}
}

// online runs the first exchanges of a fresh session.
func (l *deviceLink) online(s *spark.Session) {
	if err := s.SendSubscriptions(); err != nil {
		logger.Warn().Err(err).Msg("Sending subscriptions failed")
	}
	if err := s.RequestTime(); err != nil {
		logger.Warn().Err(err).Msg("Time request failed")
	}
	if err := s.Publish("spark/status", []byte("online"), spark.EventOptions{Private: true}); err != nil {
		logger.Warn().Err(err).Msg("Status publish failed")
	}
	logger.Info().Msg("Device online")
}

// restore resumes a parked session. A snapshot is used at most once.
func (l *deviceLink) restore(s *spark.Session) bool {
	if !l.resume {
		return false
	}
	snap, err := l.store.LoadSession(l.ident.ID)
	if err != nil {
		return false
	}
	l.store.DeleteSession(l.ident.ID)
	if err := s.Restore(snap); err != nil {
		logger.Warn().Err(err).Msg("Parked session unusable, running handshake")
		return false
	}
	return true
}

// park saves the session so the next start can resume it.
func (l *deviceLink) park(s *spark.Session) {
	if !l.resume || !s.IsInitialized() || s.Update() != nil {
		s.Disconnect()
		return
	}
	snap, err := s.Snapshot()
	if err == nil {
		err = l.store.SaveSession(l.ident.ID, snap)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Parking session failed")
	} else {
		logger.Info().Msg("Session parked")
	}
	s.Disconnect()
}
