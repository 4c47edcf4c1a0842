// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
)

var (
	handshakeTestTimeout int
)

var handshakeTestCmd = &cobra.Command{
	Use:   "handshake_test",
	Short: "Test a link by completing the handshake",
	Long: `Connect as the configured device and run the handshake until the cloud
answers the hello, or the timeout passes.

Exit codes:
  0 - Handshake completed and hello answered
  1 - Timeout reached before the cloud answered
  2 - Connection or key error

Useful for checking keys and reachability before running a device.`,
	RunE: runHandshakeTest,
}

func init() {
	rootCmd.AddCommand(handshakeTestCmd)
	addDeviceFlags(handshakeTestCmd)
	handshakeTestCmd.Flags().IntVar(&handshakeTestTimeout, "timeout", 30, "Timeout in seconds for the whole handshake")
}

// handshakeExitCode maps a handshake result to the command's exit code.
func handshakeExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, spark.ErrTimeout):
		return 1
	default:
		return 2
	}
}

func runHandshakeTest(cmd *cobra.Command, args []string) error {
	dc := cfg.Device
	applyDeviceFlags(cmd, &dc)

	ident, err := loadDeviceIdentity(dc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key error: %v\n", err)
		os.Exit(2)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	t := newPollingTransport(conn)
	defer t.Close()

	fmt.Printf("Sparklink - Handshake Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Device ID: %s\n", ident.ID)
	fmt.Printf("Timeout: %d seconds\n\n", handshakeTestTimeout)

	s, err := newDeviceSession(ident, dc, t, spark.BaseDevice{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Session error: %v\n", err)
		os.Exit(2)
	}

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		result <- s.Connect()
	}()

	select {
	case err := <-result:
		if code := handshakeExitCode(err); code != 0 {
			fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
			os.Exit(code)
		}
		sent, received := s.Counters()
		fmt.Printf("SUCCESS: Handshake completed in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Frames sent: %d\n", sent)
		fmt.Printf("  Frames received: %d\n", received)
		s.Disconnect()
		os.Exit(0)

	case <-time.After(time.Duration(handshakeTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: Handshake not completed within %d seconds\n", handshakeTestTimeout)
		os.Exit(1)
	}

	return nil
}
