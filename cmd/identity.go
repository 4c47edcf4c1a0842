// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
)

// deviceIDFile sits next to the device key and holds the hex device ID
// keygen generated.
const deviceIDFile = "device_id"

var (
	flagDeviceID       string
	flagDeviceKey      string
	flagServerKey      string
	flagProductID      uint16
	flagProductVersion uint16
)

// addDeviceFlags registers the device identity flags on a command that
// acts as a device.
func addDeviceFlags(c *cobra.Command) {
	c.Flags().StringVar(&flagDeviceID, "id", "", "Device ID (24 hex digits)")
	c.Flags().StringVar(&flagDeviceKey, "key", "", "Device RSA-1024 private key (DER or PEM)")
	c.Flags().StringVar(&flagServerKey, "server-key", "", "Cloud RSA-2048 public key (DER or PEM)")
	c.Flags().Uint16Var(&flagProductID, "product-id", 0, "Product ID announced in the hello")
	c.Flags().Uint16Var(&flagProductVersion, "product-version", 0, "Product version announced in the hello")
}

// applyDeviceFlags copies explicitly set flags over the configuration.
func applyDeviceFlags(c *cobra.Command, dc *deviceConfig) {
	if c.Flags().Changed("id") {
		dc.ID = flagDeviceID
	}
	if c.Flags().Changed("key") {
		dc.KeyPath = flagDeviceKey
	}
	if c.Flags().Changed("server-key") {
		dc.ServerKeyPath = flagServerKey
	}
	if c.Flags().Changed("product-id") {
		dc.ProductID = flagProductID
	}
	if c.Flags().Changed("product-version") {
		dc.ProductVersion = flagProductVersion
	}
}

type deviceIdentity struct {
	ID        spark.DeviceID
	Key       *rsa.PrivateKey
	ServerKey *rsa.PublicKey
}

func loadDeviceIdentity(dc deviceConfig) (deviceIdentity, error) {
	var ident deviceIdentity

	idText := dc.ID
	if idText == "" {
		raw, err := os.ReadFile(filepath.Join(filepath.Dir(dc.KeyPath), deviceIDFile))
		if err != nil {
			return ident, fmt.Errorf("no device ID configured and none found next to %s (run keygen or pass --id)", dc.KeyPath)
		}
		idText = strings.TrimSpace(string(raw))
	}
	id, err := spark.ParseDeviceID(idText)
	if err != nil {
		return ident, err
	}
	ident.ID = id

	raw, err := os.ReadFile(dc.KeyPath)
	if err != nil {
		return ident, fmt.Errorf("failed to read device key: %w", err)
	}
	if ident.Key, err = spark.ParseDevicePrivateKey(raw); err != nil {
		return ident, fmt.Errorf("%s: %w", dc.KeyPath, err)
	}

	raw, err = os.ReadFile(dc.ServerKeyPath)
	if err != nil {
		return ident, fmt.Errorf("failed to read server key: %w", err)
	}
	if ident.ServerKey, err = spark.ParseServerPublicKey(raw); err != nil {
		return ident, fmt.Errorf("%s: %w", dc.ServerKeyPath, err)
	}
	return ident, nil
}

// newDeviceSession builds a session for ident over t.
func newDeviceSession(ident deviceIdentity, dc deviceConfig, t spark.Transport, app spark.DeviceCallbacks) (*spark.Session, error) {
	return spark.New(spark.Config{
		DeviceID:       ident.ID,
		PrivateKey:     ident.Key,
		ServerKey:      ident.ServerKey,
		Transport:      t,
		Callbacks:      app,
		Logger:         &logger,
		ProductID:      dc.ProductID,
		ProductVersion: dc.ProductVersion,
		PlatformID:     dc.PlatformID,
	})
}
