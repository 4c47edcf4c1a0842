// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "SPARKLINK_LOG_LEVEL"
	EnvLogTimestamp = "SPARKLINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "SPARKLINK_LOG_NOCOLOR"
)

type logProfile int

const (
	profileRuntime logProfile = iota
	profileTest
)

type logConfig struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

// logger is shared by every command. It discards until configureLogging
// runs.
var logger = zerolog.Nop()

func defaultLogConfig(profile logProfile) logConfig {
	switch profile {
	case profileTest:
		return logConfig{Level: zerolog.DebugLevel, Timestamp: false, NoColor: true}
	default:
		return logConfig{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyLogEnv(cfg *logConfig, getenv func(string) string) {
	if lvl, ok := parseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func newLogger(cfg logConfig, out io.Writer) zerolog.Logger {
	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		w.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return zerolog.New(w).Level(cfg.Level).With().Timestamp().Logger()
}

// configureLogging builds the shared logger. Precedence, lowest first:
// profile default, config file, environment, --log-level.
func configureLogging(fileLevel, flagLevel string) {
	cfg := defaultLogConfig(profileRuntime)
	if lvl, ok := parseLevel(fileLevel); ok {
		cfg.Level = lvl
	}
	applyLogEnv(&cfg, os.Getenv)
	if lvl, ok := parseLevel(flagLevel); ok {
		cfg.Level = lvl
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg.NoColor = true
	}
	logger = newLogger(cfg, colorable.NewColorableStderr())
}
