// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Sparklink - Spark device/cloud protocol toolkit

package main

import (
	"os"

	"github.com/Thermoquad/sparklink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
