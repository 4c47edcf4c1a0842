// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
)

const (
	deviceKeyBits = 1024
	serverKeyBits = 2048
)

var (
	keygenForce bool
	keygenID    string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create device and cloud keys",
	Long: `Create the key material a device and the mock cloud need.

Writes a new RSA-1024 device key with a random device ID, registers the
device's public key with the cloud and, unless one exists, an RSA-2048 cloud
key pair. Paths come from the configuration; the defaults live under
$SPARKLINK_HOME or the user config directory.

An existing device key is kept unless --force is given.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Replace an existing device key")
	keygenCmd.Flags().StringVar(&keygenID, "id", "", "Use this device ID instead of a random one")
}

// keyPaths are the files keygen writes.
type keyPaths struct {
	deviceKey       string
	deviceID        string
	serverKey       string
	serverPublicKey string
	registrations   string
}

func keygenPaths(c appConfig) keyPaths {
	devices := c.Cloud.DevicesPath
	if devices == "" {
		devices = filepath.Join(filepath.Dir(c.Cloud.KeyPath), "devices")
	}
	return keyPaths{
		deviceKey:       c.Device.KeyPath,
		deviceID:        filepath.Join(filepath.Dir(c.Device.KeyPath), deviceIDFile),
		serverKey:       c.Cloud.KeyPath,
		serverPublicKey: c.Device.ServerKeyPath,
		registrations:   devices,
	}
}

// keygenResult reports what generateKeys created.
type keygenResult struct {
	ID           spark.DeviceID
	NewServerKey bool
	Registration string
}

func runKeygen(cmd *cobra.Command, args []string) error {
	paths := keygenPaths(cfg)
	res, err := generateKeys(rand.Reader, paths, keygenID, keygenForce)
	if err != nil {
		return err
	}

	fmt.Printf("Device ID: %s\n", res.ID)
	fmt.Printf("Device key: %s\n", paths.deviceKey)
	fmt.Printf("Registered: %s\n", res.Registration)
	if res.NewServerKey {
		fmt.Printf("Cloud key: %s\n", paths.serverKey)
	} else {
		fmt.Printf("Cloud key: %s (kept)\n", paths.serverKey)
	}
	fmt.Printf("Cloud public key: %s\n", paths.serverPublicKey)
	return nil
}

// generateKeys writes a device identity and, when missing, the cloud key
// pair.
func generateKeys(random io.Reader, paths keyPaths, idText string, force bool) (keygenResult, error) {
	var res keygenResult

	if !force {
		if _, err := os.Stat(paths.deviceKey); err == nil {
			return res, fmt.Errorf("%s exists (use --force to replace it)", paths.deviceKey)
		}
	}

	if idText != "" {
		id, err := spark.ParseDeviceID(idText)
		if err != nil {
			return res, err
		}
		res.ID = id
	} else if _, err := io.ReadFull(random, res.ID[:]); err != nil {
		return res, fmt.Errorf("device ID: %w", err)
	}

	deviceKey, err := rsa.GenerateKey(random, deviceKeyBits)
	if err != nil {
		return res, fmt.Errorf("device key: %w", err)
	}
	if err := writeKeyFile(paths.deviceKey, x509.MarshalPKCS1PrivateKey(deviceKey), 0600); err != nil {
		return res, err
	}
	if err := writeKeyFile(paths.deviceID, []byte(res.ID.String()+"\n"), 0644); err != nil {
		return res, err
	}

	serverKey, err := loadServerKey(paths.serverKey)
	if errors.Is(err, os.ErrNotExist) {
		serverKey, err = rsa.GenerateKey(random, serverKeyBits)
		if err != nil {
			return res, fmt.Errorf("cloud key: %w", err)
		}
		if err := writeKeyFile(paths.serverKey, x509.MarshalPKCS1PrivateKey(serverKey), 0600); err != nil {
			return res, err
		}
		res.NewServerKey = true
	} else if err != nil {
		return res, err
	}
	serverPub, err := x509.MarshalPKIXPublicKey(&serverKey.PublicKey)
	if err != nil {
		return res, fmt.Errorf("cloud public key: %w", err)
	}
	if err := writeKeyFile(paths.serverPublicKey, serverPub, 0644); err != nil {
		return res, err
	}

	devicePub, err := x509.MarshalPKIXPublicKey(&deviceKey.PublicKey)
	if err != nil {
		return res, fmt.Errorf("device public key: %w", err)
	}
	res.Registration = filepath.Join(paths.registrations, res.ID.String()+".der")
	if err := writeKeyFile(res.Registration, devicePub, 0644); err != nil {
		return res, err
	}
	return res, nil
}

func loadServerKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := spark.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if key.Size() != spark.HandshakeCipherSize {
		return nil, fmt.Errorf("%s: cloud key must be %d bits", path, serverKeyBits)
	}
	return key, nil
}

func writeKeyFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
