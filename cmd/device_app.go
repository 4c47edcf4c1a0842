// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/sparklink/pkg/flashstore"
	"github.com/Thermoquad/sparklink/pkg/spark"
	"github.com/rs/zerolog"
)

// Tinker pin results
const (
	tinkerOK     = 1
	tinkerFailed = -1
)

const (
	digitalPins = 8
	analogPins  = 8
	analogMax   = 4095
	pwmMax      = 255
)

// tinkerDevice is the simulated application: the classic Tinker pin
// functions, a few variables and firmware staged in a flash store.
type tinkerDevice struct {
	*flashstore.Store

	log     zerolog.Logger
	started time.Time
	version string

	digital [digitalPins]bool
	analog  [analogPins]int32
	pwm     [digitalPins]int32
	brews   int32

	signaling    bool
	otaInstalled bool
	timeOffset   time.Duration
	seed         uint32
}

func newTinkerDevice(store *flashstore.Store, log zerolog.Logger) *tinkerDevice {
	d := &tinkerDevice{
		Store:   store,
		log:     log,
		started: time.Now(),
		version: version,
	}
	// floating inputs read somewhere mid scale
	for i := range d.analog {
		d.analog[i] = analogMax / 2
	}
	return d
}

func (d *tinkerDevice) Functions() []string {
	return []string{"digitalread", "digitalwrite", "analogread", "analogwrite", "brew"}
}

func (d *tinkerDevice) CallFunction(key, arg string) (int32, error) {
	d.log.Info().Str("function", key).Str("arg", arg).Msg("Function called")
	switch key {
	case "digitalread":
		bank, pin, ok := parsePin(arg)
		if !ok || bank != 'D' {
			return tinkerFailed, nil
		}
		if d.digital[pin] {
			return 1, nil
		}
		return 0, nil

	case "digitalwrite":
		pinArg, value, _ := strings.Cut(arg, ",")
		bank, pin, ok := parsePin(pinArg)
		if !ok || bank != 'D' {
			return tinkerFailed, nil
		}
		switch strings.ToUpper(strings.TrimSpace(value)) {
		case "HIGH":
			d.digital[pin] = true
		case "LOW":
			d.digital[pin] = false
		default:
			return tinkerFailed, nil
		}
		return tinkerOK, nil

	case "analogread":
		bank, pin, ok := parsePin(arg)
		if !ok {
			return tinkerFailed, nil
		}
		if bank == 'D' {
			return d.pwm[pin], nil
		}
		return d.analog[pin], nil

	case "analogwrite":
		pinArg, value, _ := strings.Cut(arg, ",")
		bank, pin, ok := parsePin(pinArg)
		if !ok {
			return tinkerFailed, nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || v < 0 || v > pwmMax {
			return tinkerFailed, nil
		}
		if bank == 'A' {
			d.analog[pin] = int32(v)
		} else {
			d.pwm[pin] = int32(v)
		}
		return tinkerOK, nil

	case "brew":
		if strings.EqualFold(strings.TrimSpace(arg), "decaf") {
			return 0, fmt.Errorf("decaf is not coffee")
		}
		d.brews++
		return d.brews, nil
	}
	return 0, spark.ErrUnknownKey
}

// parsePin accepts D0-D7 and A0-A7.
func parsePin(s string) (byte, int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 || (s[0] != 'D' && s[0] != 'A') {
		return 0, 0, false
	}
	pin := int(s[1] - '0')
	if pin < 0 || pin >= digitalPins {
		return 0, 0, false
	}
	return s[0], pin, true
}

func (d *tinkerDevice) Variables() []spark.Variable {
	return []spark.Variable{
		{Name: "temperature", Type: spark.VarDouble},
		{Name: "uptime", Type: spark.VarInt},
		{Name: "version", Type: spark.VarString},
		{Name: "brewing", Type: spark.VarBool},
	}
}

func (d *tinkerDevice) GetVariable(key string) (spark.Value, error) {
	switch key {
	case "temperature":
		// slow sine around 21C so repeated reads differ
		t := time.Since(d.started).Seconds()
		return spark.DoubleValue(21 + 3*math.Sin(t/60)), nil
	case "uptime":
		return spark.IntValue(int32(time.Since(d.started) / time.Second)), nil
	case "version":
		return spark.StringValue(d.version), nil
	case "brewing":
		return spark.BoolValue(d.brews > 0), nil
	}
	return spark.Value{}, spark.ErrUnknownKey
}

func (d *tinkerDevice) Signal(on bool) {
	d.signaling = on
	if on {
		d.log.Info().Msg("Signal: LED rainbow on")
	} else {
		d.log.Info().Msg("Signal: LED rainbow off")
	}
}

// FinishFirmwareUpdate installs the staged image. The device reports the
// upgrade in its next hello.
func (d *tinkerDevice) FinishFirmwareUpdate(desc spark.FileDescriptor) error {
	img, err := d.Store.Finish()
	if err != nil {
		return err
	}
	d.otaInstalled = true
	d.log.Info().
		Uint32("bytes", img.FileLength).
		Str("crc", fmt.Sprintf("%08X", img.CRC)).
		Msg("Firmware image installed")
	return nil
}

func (d *tinkerDevice) OTAUpgradeSucceeded() bool {
	return d.otaInstalled
}

func (d *tinkerDevice) SetTime(t time.Time) {
	d.timeOffset = time.Until(t)
	d.log.Info().Time("cloud_time", t).Dur("offset", d.timeOffset).Msg("Time synchronized")
}

func (d *tinkerDevice) RandomSeed(seed uint32) {
	d.seed = seed
	d.log.Debug().Uint32("seed", seed).Msg("Random seed received")
}

// DescribeSystem adds the installed image to the describe reply.
func (d *tinkerDevice) DescribeSystem() string {
	img, _, err := d.Store.Installed()
	if err != nil {
		return fmt.Sprintf(`"s":{"v":%q}`, d.version)
	}
	return fmt.Sprintf(`"s":{"v":%q,"fw":{"l":%d,"crc":"%08X"}}`, d.version, img.FileLength, img.CRC)
}

var (
	_ spark.DeviceCallbacks = (*tinkerDevice)(nil)
	_ spark.TimeSetter      = (*tinkerDevice)(nil)
	_ spark.SeedReceiver    = (*tinkerDevice)(nil)
	_ spark.SystemDescriber = (*tinkerDevice)(nil)
)
