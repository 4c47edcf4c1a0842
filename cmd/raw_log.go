// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/juju/ratelimit"
	"github.com/spf13/cobra"
)

var (
	rawLogListen    string
	rawLogDeviceKey string
	rawLogHex       bool
	rawLogThrottle  int64
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Proxy a device link and display its traffic",
	Long: `Accept a device on --listen, forward its traffic to the cloud given by the
connection flags and display every handshake block and frame as it passes.

With --device-key the session key is recovered from the credentials block
and frames are shown decoded; without it they are shown as sealed hex.

--throttle slows the link down to exercise timeouts and firmware chunk
recovery.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogListen, "listen", ":5684", "Address devices connect to")
	rawLogCmd.Flags().StringVar(&rawLogDeviceKey, "device-key", "", "Device private key, to decrypt frames")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Also print the raw bytes of each record")
	rawLogCmd.Flags().Int64Var(&rawLogThrottle, "throttle", 0, "Limit each direction to this many bytes per second (0 disables)")
}

// throttled limits r to limit bytes per second, allowing bursts of two
// seconds' worth.
func throttled(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return ratelimit.Reader(r, ratelimit.NewBucketWithRate(float64(limit), 2*limit))
}

// formatTapRecord renders one record on a line, plus a hex line with showHex.
func formatTapRecord(at time.Time, rec spark.TapRecord, showHex bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-11s", at.Format("15:04:05.000"), rec.Direction, rec.Stage)
	switch {
	case rec.Err != nil:
		fmt.Fprintf(&b, " [ERROR] %v", rec.Err)
	case rec.Message != nil:
		b.WriteString(" ")
		b.WriteString(spark.FormatMessage(rec.Message))
	default:
		fmt.Fprintf(&b, " %d bytes", len(rec.Raw))
	}
	b.WriteString("\n")
	if showHex && len(rec.Raw) > 0 {
		fmt.Fprintf(&b, "    %s\n", spark.FormatHex(rec.Raw))
	}
	return b.String()
}

func runRawLog(cmd *cobra.Command, args []string) error {
	var key *rsa.PrivateKey
	if rawLogDeviceKey != "" {
		raw, err := os.ReadFile(rawLogDeviceKey)
		if err != nil {
			return fmt.Errorf("failed to read device key: %w", err)
		}
		if key, err = spark.ParseDevicePrivateKey(raw); err != nil {
			return fmt.Errorf("%s: %w", rawLogDeviceKey, err)
		}
	}

	l, err := net.Listen("tcp", rawLogListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", rawLogListen, err)
	}
	defer l.Close()

	fmt.Printf("Sparklink - Raw Traffic Log\n")
	fmt.Printf("Listening: %s\n", l.Addr())
	if key == nil {
		fmt.Printf("No device key, frames stay sealed\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	for {
		device, err := l.Accept()
		if err != nil {
			return err
		}
		logger.Info().Str("remote", device.RemoteAddr().String()).Msg("Device connected")

		upstream, connInfo, err := OpenConnection()
		if err != nil {
			logger.Error().Err(err).Msg("Upstream connection failed")
			device.Close()
			continue
		}
		logger.Info().Str("upstream", connInfo).Msg("Forwarding")

		proxyLink(device, upstream, spark.NewTap(key), os.Stdout, rawLogHex, rawLogThrottle)
		logger.Info().Msg("Link closed")
	}
}

// proxyLink copies both directions until either side closes, showing what
// passes through tap on out.
func proxyLink(device, upstream io.ReadWriteCloser, tap *spark.Tap, out io.Writer, showHex bool, limit int64) {
	var mu sync.Mutex
	pump := func(dst io.Writer, src io.Reader, dir spark.Direction) {
		buf := make([]byte, 4096)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				mu.Lock()
				for _, rec := range tap.Feed(dir, buf[:n]) {
					io.WriteString(out, formatTapRecord(time.Now(), rec, showHex))
				}
				mu.Unlock()
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, net.ErrClosed) {
					logger.Debug().Err(err).Stringer("direction", dir).Msg("Read ended")
				}
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(upstream, throttled(device, limit), spark.ToCloud)
		upstream.Close()
		device.Close()
	}()
	go func() {
		defer wg.Done()
		pump(device, throttled(upstream, limit), spark.ToDevice)
		device.Close()
		upstream.Close()
	}()
	wg.Wait()
}
