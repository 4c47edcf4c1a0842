// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Thermoquad/sparklink/pkg/spark"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cloudConsoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for the mock cloud",
	Long: `Serve devices and drive them from an interactive terminal UI.

The left panel lists connected devices. Tab switches between the device list
and the command line. Commands apply to the selected device:

  call <function> [argument]   call a device function
  get <variable>               read a variable
  signal on|off                identification signal
  ping                         keep-alive round trip
  describe                     refresh functions and variables
  flash <file> [fast]          push a firmware image
  event <name> [data]          send an event to the device's subscriptions`,
	RunE: runCloudConsole,
}

func init() {
	cloudCmd.AddCommand(cloudConsoleCmd)
}

func runCloudConsole(cmd *cobra.Command, args []string) error {
	cc := cfg.Cloud
	applyCloudFlags(cmd, &cc)

	// the event log replaces console output while the TUI owns the screen
	logger = zerolog.Nop()

	hub, err := newCloudHub(cc)
	if err != nil {
		return err
	}
	if err := hub.Start(); err != nil {
		return err
	}

	m := initialConsoleModel(hub, strings.Join(hub.Addrs(), " "))
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	done := make(chan struct{})
	go forwardHubEvents(hub, p, done)

	_, runErr := p.Run()
	close(done)
	stopErr := hub.Stop()
	if runErr != nil {
		return fmt.Errorf("TUI error: %v", runErr)
	}
	return stopErr
}

// forwardHubEvents batches hub events into the TUI at a fixed rate.
func forwardHubEvents(hub *cloudHub, p *tea.Program, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var batch hubBatchMsg
	for {
		select {
		case <-done:
			return
		case ev := <-hub.Events():
			batch.events = append(batch.events, ev)
		case <-ticker.C:
			if len(batch.events) > 0 {
				p.Send(batch)
				batch = hubBatchMsg{}
			}
		}
	}
}

// consoleCommand is one parsed command line.
type consoleCommand struct {
	verb string
	args []string
}

// parseConsoleCommand splits a command line and checks its arity. The
// argument of call and the data of event keep their spaces.
func parseConsoleCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, fmt.Errorf("empty command")
	}
	c := consoleCommand{verb: strings.ToLower(fields[0])}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	switch c.verb {
	case "call", "event":
		if len(fields) < 2 {
			return c, fmt.Errorf("usage: %s <name> [data]", c.verb)
		}
		name := fields[1]
		data := strings.TrimSpace(strings.TrimPrefix(rest, name))
		c.args = []string{name, data}
	case "get":
		if len(fields) != 2 {
			return c, fmt.Errorf("usage: get <variable>")
		}
		c.args = fields[1:]
	case "signal":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return c, fmt.Errorf("usage: signal on|off")
		}
		c.args = fields[1:]
	case "ping", "describe":
		if len(fields) != 1 {
			return c, fmt.Errorf("usage: %s", c.verb)
		}
	case "flash":
		if len(fields) < 2 || len(fields) > 3 || (len(fields) == 3 && fields[2] != "fast") {
			return c, fmt.Errorf("usage: flash <file> [fast]")
		}
		c.args = fields[1:]
	default:
		return c, fmt.Errorf("unknown command %q", c.verb)
	}
	return c, nil
}

// variableType finds how a described variable is encoded.
func variableType(desc *spark.Description, name string) (spark.VariableType, bool) {
	if desc == nil {
		return 0, false
	}
	for _, v := range desc.Variables {
		if v.Name == name {
			return v.Type, true
		}
	}
	return 0, false
}

// progressStep reports whether sent crosses a quarter of total.
func progressStep(sent, total int) bool {
	if total <= 0 {
		return false
	}
	return sent == total || sent*4/total != (sent-1)*4/total
}

// consoleAction turns a command into work for the device goroutine. It
// reports results through the hub's event log.
func consoleAction(hub *cloudHub, dev deviceStatus, c consoleCommand) (func(*spark.CloudChannel), error) {
	id := dev.ID
	switch c.verb {
	case "call":
		name, arg := c.args[0], c.args[1]
		return func(ch *spark.CloudChannel) {
			ret, err := ch.CallFunction(name, arg)
			switch {
			case spark.IsUnknownKey(err):
				hub.emit(id, fmt.Sprintf("%s: no such function", name), true)
			case err != nil:
				hub.emit(id, fmt.Sprintf("%s(%q) failed: %v", name, arg, err), true)
			default:
				hub.emit(id, fmt.Sprintf("%s(%q) = %d", name, arg, ret), false)
			}
		}, nil

	case "get":
		name := c.args[0]
		t, ok := variableType(dev.Description, name)
		if !ok {
			return nil, fmt.Errorf("%s is not a described variable", name)
		}
		return func(ch *spark.CloudChannel) {
			v, err := ch.GetVariable(name, t)
			switch {
			case spark.IsUnknownKey(err):
				hub.emit(id, fmt.Sprintf("%s: no such variable", name), true)
			case err != nil:
				hub.emit(id, fmt.Sprintf("%s failed: %v", name, err), true)
			default:
				hub.emit(id, fmt.Sprintf("%s = %s", name, v.Format()), false)
			}
		}, nil

	case "signal":
		on := c.args[0] == "on"
		return func(ch *spark.CloudChannel) {
			if err := ch.Signal(on); err != nil {
				hub.emit(id, fmt.Sprintf("Signal failed: %v", err), true)
				return
			}
			hub.emit(id, fmt.Sprintf("Signal %s", c.args[0]), false)
		}, nil

	case "ping":
		return func(ch *spark.CloudChannel) {
			rtt, err := ch.Ping()
			if err != nil {
				hub.emit(id, fmt.Sprintf("Ping failed: %v", err), true)
				return
			}
			hub.updateID(id, func(s *deviceStatus) { s.LastRTT = rtt })
			hub.emit(id, fmt.Sprintf("Ping: %v", rtt), false)
		}, nil

	case "describe":
		return func(ch *spark.CloudChannel) {
			desc, err := ch.Describe()
			if err != nil {
				hub.emit(id, fmt.Sprintf("Describe failed: %v", err), true)
				return
			}
			hub.updateID(id, func(s *deviceStatus) { s.Description = desc })
			hub.emit(id, describeSummary(desc), false)
		}, nil

	case "flash":
		data, err := os.ReadFile(c.args[0])
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s is empty", c.args[0])
		}
		opts := spark.FirmwareOptions{
			Fast: len(c.args) == 2,
			Progress: func(sent, total int) {
				if progressStep(sent, total) {
					hub.emit(id, fmt.Sprintf("Firmware: chunk %d/%d", sent, total), false)
				}
			},
		}
		return func(ch *spark.CloudChannel) {
			start := time.Now()
			hub.emit(id, fmt.Sprintf("Firmware: sending %d bytes", len(data)), false)
			if err := ch.PushFirmware(data, opts); err != nil {
				hub.emit(id, fmt.Sprintf("Firmware update failed: %v", err), true)
				return
			}
			hub.emit(id, fmt.Sprintf("Firmware update done in %v", time.Since(start).Round(time.Millisecond)), false)
		}, nil

	case "event":
		name, data := c.args[0], c.args[1]
		return func(ch *spark.CloudChannel) {
			if err := ch.SendEvent(name, []byte(data)); err != nil {
				hub.emit(id, fmt.Sprintf("Event %s failed: %v", name, err), true)
				return
			}
			hub.emit(id, fmt.Sprintf("Event %s sent", name), false)
		}, nil
	}
	return nil, fmt.Errorf("unknown command %q", c.verb)
}
