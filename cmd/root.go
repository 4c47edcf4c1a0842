// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// TCP connection flag
	tcpAddr string

	configPath string
	logLevel   string

	// cfg is the loaded configuration, valid once a command runs
	cfg = defaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "sparklink",
	Short: "Spark device/cloud protocol toolkit",
	Long: `Sparklink - tools for the Spark device-to-cloud protocol.

Runs a simulated device or a mock cloud, checks that a link completes the RSA
handshake, measures keep-alive round trips and decodes captured traffic.

Connection modes (device side):
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  TCP:       --tcp host:5683

For WebSocket authentication, the password is read from the SPARKLINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings may also come from a TOML file given with --config; flags win over
the file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		configureLogging(cfg.LogLevel, logLevel)
		return nil
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "TCP address of the cloud (host:port)")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
