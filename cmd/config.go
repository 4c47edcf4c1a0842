// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Thermoquad/sparklink/pkg/spark"
)

// deviceConfig is the identity and product info of the simulated device.
type deviceConfig struct {
	ID             string
	KeyPath        string
	ServerKeyPath  string
	ProductID      uint16
	ProductVersion uint16
	PlatformID     uint16
	StorePath      string
}

type cloudConfig struct {
	Listen              string
	WebSocketListen     string
	KeyPath             string
	DevicesPath         string // directory of registered device public keys, <ID>.der or <ID>.pem
	PingInterval        time.Duration
	HandshakesPerSecond float64
}

type reconnectConfig struct {
	Initial  time.Duration
	MaxDelay time.Duration
	Factor   float64
	Attempts int // 0 retries forever
}

type appConfig struct {
	LogLevel  string
	Device    deviceConfig
	Cloud     cloudConfig
	Reconnect reconnectConfig
}

// dataDir holds keys and the flash store unless configured otherwise.
func dataDir() string {
	if dir := os.Getenv("SPARKLINK_HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sparklink")
	}
	return ".sparklink"
}

func defaultConfig() appConfig {
	dir := dataDir()
	return appConfig{
		Device: deviceConfig{
			KeyPath:       filepath.Join(dir, "device_key.der"),
			ServerKeyPath: filepath.Join(dir, "server_public_key.der"),
			PlatformID:    spark.PlatformGCC,
			StorePath:     filepath.Join(dir, "flash.db"),
		},
		Cloud: cloudConfig{
			Listen:              ":5683",
			KeyPath:             filepath.Join(dir, "server_key.der"),
			PingInterval:        spark.PingInterval,
			HandshakesPerSecond: 10,
		},
		Reconnect: reconnectConfig{
			Initial:  1 * time.Second,
			MaxDelay: 30 * time.Second,
			Factor:   2,
		},
	}
}

type fileConfig struct {
	LogLevel string `toml:"log_level"`

	Device struct {
		ID             string `toml:"id"`
		Key            string `toml:"key"`
		ServerKey      string `toml:"server_key"`
		ProductID      uint16 `toml:"product_id"`
		ProductVersion uint16 `toml:"product_version"`
		Platform       uint16 `toml:"platform"`
		Store          string `toml:"store"`
	} `toml:"device"`

	Cloud struct {
		Listen              string  `toml:"listen"`
		WebSocketListen     string  `toml:"ws_listen"`
		Key                 string  `toml:"key"`
		Devices             string  `toml:"devices"`
		PingInterval        string  `toml:"ping_interval"`
		HandshakesPerSecond float64 `toml:"handshakes_per_second"`
	} `toml:"cloud"`

	Reconnect struct {
		Initial  string  `toml:"initial"`
		MaxDelay string  `toml:"max_delay"`
		Factor   float64 `toml:"factor"`
		Attempts int     `toml:"attempts"`
	} `toml:"reconnect"`
}

// loadConfig reads path over the defaults. Only keys present in the file
// replace a default.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("device", "id") {
		cfg.Device.ID = strings.TrimSpace(raw.Device.ID)
	}
	if meta.IsDefined("device", "key") {
		cfg.Device.KeyPath = expandPath(raw.Device.Key)
	}
	if meta.IsDefined("device", "server_key") {
		cfg.Device.ServerKeyPath = expandPath(raw.Device.ServerKey)
	}
	if meta.IsDefined("device", "product_id") {
		cfg.Device.ProductID = raw.Device.ProductID
	}
	if meta.IsDefined("device", "product_version") {
		cfg.Device.ProductVersion = raw.Device.ProductVersion
	}
	if meta.IsDefined("device", "platform") {
		cfg.Device.PlatformID = raw.Device.Platform
	}
	if meta.IsDefined("device", "store") {
		cfg.Device.StorePath = expandPath(raw.Device.Store)
	}

	if meta.IsDefined("cloud", "listen") {
		cfg.Cloud.Listen = strings.TrimSpace(raw.Cloud.Listen)
	}
	if meta.IsDefined("cloud", "ws_listen") {
		cfg.Cloud.WebSocketListen = strings.TrimSpace(raw.Cloud.WebSocketListen)
	}
	if meta.IsDefined("cloud", "key") {
		cfg.Cloud.KeyPath = expandPath(raw.Cloud.Key)
	}
	if meta.IsDefined("cloud", "devices") {
		cfg.Cloud.DevicesPath = expandPath(raw.Cloud.Devices)
	}
	if meta.IsDefined("cloud", "ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Cloud.PingInterval))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse cloud.ping_interval: %w", err)
		}
		cfg.Cloud.PingInterval = d
	}
	if meta.IsDefined("cloud", "handshakes_per_second") {
		cfg.Cloud.HandshakesPerSecond = raw.Cloud.HandshakesPerSecond
	}

	if meta.IsDefined("reconnect", "initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Reconnect.Initial))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse reconnect.initial: %w", err)
		}
		cfg.Reconnect.Initial = d
	}
	if meta.IsDefined("reconnect", "max_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Reconnect.MaxDelay))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse reconnect.max_delay: %w", err)
		}
		cfg.Reconnect.MaxDelay = d
	}
	if meta.IsDefined("reconnect", "factor") {
		cfg.Reconnect.Factor = raw.Reconnect.Factor
	}
	if meta.IsDefined("reconnect", "attempts") {
		cfg.Reconnect.Attempts = raw.Reconnect.Attempts
	}

	return cfg, cfg.validate()
}

func (c appConfig) validate() error {
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1, got %g", c.Reconnect.Factor)
	}
	if c.Reconnect.Initial <= 0 {
		return fmt.Errorf("reconnect.initial must be positive")
	}
	if c.Cloud.PingInterval <= 0 {
		return fmt.Errorf("cloud.ping_interval must be positive")
	}
	if c.Cloud.HandshakesPerSecond <= 0 {
		return fmt.Errorf("cloud.handshakes_per_second must be positive")
	}
	if c.Device.ID != "" {
		if _, err := spark.ParseDeviceID(c.Device.ID); err != nil {
			return err
		}
	}
	return nil
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
