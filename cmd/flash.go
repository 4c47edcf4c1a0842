// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/sparklink/pkg/flashstore"
	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/spf13/cobra"
)

var (
	flashClearFirmware bool
	flashForget        string
	flashExtract       string
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Inspect the simulated device's flash store",
	Long: `Show the firmware staged and installed in a device's flash store and the
parked sessions it holds.

  --clear-firmware   discard staged and installed firmware
  --forget <id>      drop a parked session
  --extract <file>   write the installed image to a file`,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVar(&deviceStorePath, "store", "", "Flash store database")
	flashCmd.Flags().BoolVar(&flashClearFirmware, "clear-firmware", false, "Discard staged and installed firmware")
	flashCmd.Flags().StringVar(&flashForget, "forget", "", "Drop the parked session of this device ID")
	flashCmd.Flags().StringVar(&flashExtract, "extract", "", "Write the installed image to this file")
}

func runFlash(cmd *cobra.Command, args []string) error {
	path := cfg.Device.StorePath
	if cmd.Flags().Changed("store") {
		path = deviceStorePath
	}
	store, err := flashstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if flashClearFirmware {
		if err := store.ClearFirmware(); err != nil {
			return err
		}
		fmt.Printf("Firmware cleared\n")
	}
	if flashForget != "" {
		id, err := spark.ParseDeviceID(flashForget)
		if err != nil {
			return err
		}
		if err := store.DeleteSession(id); err != nil {
			return err
		}
		fmt.Printf("Session %s forgotten\n", id)
	}
	if flashExtract != "" {
		_, data, err := store.Installed()
		if err != nil {
			return err
		}
		if err := os.WriteFile(flashExtract, data, 0644); err != nil {
			return err
		}
		fmt.Printf("Installed image written to %s (%d bytes)\n", flashExtract, len(data))
	}

	return printFlashStatus(os.Stdout, store)
}

func printFlashStatus(w io.Writer, store *flashstore.Store) error {
	fmt.Fprintf(w, "Flash store: %s (capacity %d bytes)\n\n", store.Path(), store.Capacity())

	staged, err := store.Staged()
	switch {
	case errors.Is(err, flashstore.ErrNoStaging):
		fmt.Fprintf(w, "Staged:    none\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "Staged:    %s\n", formatImage(staged))
	}

	installed, _, err := store.Installed()
	switch {
	case errors.Is(err, flashstore.ErrNotFound):
		fmt.Fprintf(w, "Installed: none\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "Installed: %s\n", formatImage(installed))
	}

	ids, err := store.Sessions()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nParked sessions: %d\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}

func formatImage(img *flashstore.Image) string {
	s := fmt.Sprintf("%d/%d bytes in %d chunks of %d, store %d at 0x%X, updated %s",
		img.BytesWritten, img.FileLength, img.Chunks, img.ChunkSize, img.Store, img.FileAddress,
		img.Updated().Format(time.DateTime))
	if img.Complete {
		s += fmt.Sprintf(", crc %08X", img.CRC)
	}
	return s
}
