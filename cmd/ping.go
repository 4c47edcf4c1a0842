// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure keep-alive round trips to the cloud",
	Long: `Complete the handshake, then send keep-alive pings and wait for each
acknowledgement.

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection or handshake error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	addDeviceFlags(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

// rttSummary holds round trip times of answered pings.
type rttSummary struct {
	rtts []time.Duration
}

func (r *rttSummary) add(d time.Duration) {
	r.rtts = append(r.rtts, d)
}

// minAvgMax returns zeros when nothing was recorded.
func (r *rttSummary) minAvgMax() (lo, avg, hi time.Duration) {
	if len(r.rtts) == 0 {
		return 0, 0, 0
	}
	lo, hi = r.rtts[0], r.rtts[0]
	var total time.Duration
	for _, d := range r.rtts {
		lo = min(lo, d)
		hi = max(hi, d)
		total += d
	}
	return lo, total / time.Duration(len(r.rtts)), hi
}

func runPing(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("Sparklink - Ping Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	s, err := newDeviceSession(ident, dc, t, spark.BaseDevice{})
	if err == nil {
		err = s.Connect()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Handshake error: %v\n", err)
		os.Exit(2)
	}
	defer s.Disconnect()

	var summary rttSummary
	failCount := 0

pings:
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		if err := s.Ping(); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount += pingCount - i + 1
			break
		}

		ok, err := s.WaitFor(spark.MsgEmptyAck, time.Duration(pingTimeout)*time.Second)
		switch {
		case err != nil:
			fmt.Printf("READ FAILED: %v\n", err)
			// the session is gone, the rest count as lost
			failCount += pingCount - i + 1
			break pings
		case !ok:
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		default:
			rtt := time.Since(startTime)
			summary.add(rtt)
			fmt.Printf("ACK from cloud, rtt=%v\n", rtt.Round(time.Millisecond))
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	lo, avg, hi := summary.minAvgMax()
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, len(summary.rtts), float64(failCount)/float64(pingCount)*100)
	if len(summary.rtts) > 0 {
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			lo.Round(time.Millisecond), avg.Round(time.Millisecond), hi.Round(time.Millisecond))
	}
	fmt.Printf("\n%s", s.Stats())

	if failCount > 0 {
		s.Disconnect()
		os.Exit(1)
	}
	return nil
}
