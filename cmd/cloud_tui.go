// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const consoleMaxLogEntries = 100

// Focus states
const (
	focusDeviceList = iota
	focusCommandInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// consoleDevice adapts a device status to the list
type consoleDevice struct {
	status deviceStatus
}

func (d consoleDevice) Title() string { return d.status.ID }
func (d consoleDevice) Description() string {
	return fmt.Sprintf("%s  product %d v%d", d.status.Remote, d.status.Hello.ProductID, d.status.Hello.ProductVersion)
}
func (d consoleDevice) FilterValue() string { return d.status.ID }

// consoleModel is the Bubble Tea model for the cloud console
type consoleModel struct {
	hub      *cloudHub
	listenOn string

	devices    []deviceStatus
	deviceList list.Model

	eventLog      []hubEvent
	maxLogEntries int
	started       time.Time

	commandInput textinput.Model
	focusedField int

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type hubBatchMsg struct {
	events []hubEvent
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(hub *cloudHub, listenOn string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "call digitalwrite D7,HIGH"
	ti.CharLimit = 256
	ti.Width = 40

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, 30, 10)
	deviceList.Title = "Devices"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	return consoleModel{
		hub:           hub,
		listenOn:      listenOn,
		deviceList:    deviceList,
		eventLog:      make([]hubEvent, 0),
		maxLogEntries: consoleMaxLogEntries,
		started:       time.Now(),
		commandInput:  ti,
		focusedField:  focusDeviceList,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		m.refreshDevices()
		return m, consoleTickCmd()

	case hubBatchMsg:
		for _, ev := range msg.events {
			m.addLogEntry(ev)
		}
		// connects and disconnects show up in the log first
		m.refreshDevices()
	}

	var cmd tea.Cmd
	if m.focusedField == focusDeviceList {
		m.deviceList, cmd = m.deviceList.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField == focusDeviceList {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		m.toggleFocus()
		return m, nil

	case "esc":
		if m.focusedField == focusCommandInput {
			m.toggleFocus()
			return m, nil
		}

	case "enter":
		if m.focusedField == focusCommandInput {
			m.runCommand(m.commandInput.Value())
			m.commandInput.SetValue("")
			return m, nil
		}
		m.toggleFocus()
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusedField == focusCommandInput {
		m.commandInput, cmd = m.commandInput.Update(msg)
	} else {
		m.deviceList, cmd = m.deviceList.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) toggleFocus() {
	if m.focusedField == focusDeviceList {
		m.focusedField = focusCommandInput
		m.commandInput.Focus()
	} else {
		m.focusedField = focusDeviceList
		m.commandInput.Blur()
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m *consoleModel) runCommand(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	selected := m.getSelectedDevice()
	if selected == nil {
		m.addLocalEntry("No device selected", true)
		return
	}
	c, err := parseConsoleCommand(line)
	if err != nil {
		m.addLocalEntry(err.Error(), true)
		return
	}
	fn, err := consoleAction(m.hub, *selected, c)
	if err != nil {
		m.addLocalEntry(err.Error(), true)
		return
	}
	if err := m.hub.Do(selected.ID, fn); err != nil {
		m.addLocalEntry(fmt.Sprintf("%s: %v", selected.ID, err), true)
		return
	}
	m.addLocalEntry(fmt.Sprintf("> %s", line), false)
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	s.WriteString(titleStyle.Render("SPARKLINK CLOUD"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch", m.listenOn)))
	s.WriteString("\n\n")

	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 20 {
		rightWidth = 20
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())

	detailStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusCommandInput {
		detailStyle = focusedBoxStyle.Width(rightWidth)
	}
	detailPanel := detailStyle.Render(m.renderDevicePanel(statsLabelStyle, statsValueStyle, headerStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", detailPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))
	return s.String()
}

func (m consoleModel) renderDevicePanel(labelStyle, valueStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.getSelectedDevice()
	if selected == nil {
		s.WriteString(headerStyle.Render("Waiting for devices..."))
		return s.String()
	}

	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Device:"), selected.ID))
	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Connected:"),
		valueStyle.Render(formatDuration(time.Since(selected.Connected)))))
	if selected.LastRTT > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Ping:"), valueStyle.Render(selected.LastRTT.String())))
	}
	if selected.Hello.OTASucceeded {
		s.WriteString(valueStyle.Render("Firmware update applied"))
		s.WriteString("\n")
	}

	if desc := selected.Description; desc != nil {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Functions:"), strings.Join(desc.Functions, " ")))
		vars := make([]string, len(desc.Variables))
		for i, v := range desc.Variables {
			vars[i] = fmt.Sprintf("%s(%s)", v.Name, v.Type)
		}
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Variables:"), strings.Join(vars, " ")))
	}

	s.WriteString("\n")
	s.WriteString(labelStyle.Render("> "))
	s.WriteString(m.commandInput.View())
	return s.String()
}

func (m consoleModel) renderStatisticsBar(labelStyle, valueStyle, boxStyle lipgloss.Style) string {
	var sent, received uint32
	for _, d := range m.devices {
		sent += d.Sent
		received += d.Received
	}
	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Devices:"), valueStyle.Render(fmt.Sprintf("%d", len(m.devices))),
		labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", sent)),
		labelStyle.Render("Received:"), valueStyle.Render(fmt.Sprintf("%d", received)),
		labelStyle.Render("Up:"), valueStyle.Render(formatDuration(time.Since(m.started))),
	)
	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog(labelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := m.height - 20
	if logHeight < 4 {
		logHeight = 4
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.eventLog[startIdx:] {
		icon := "i"
		style := warningStyle
		if entry.isError {
			icon = "x"
			style = errorStyle
		}
		who := ""
		if entry.device != "" {
			who = headerStyle.Render(shortID(entry.device)) + " "
		}
		s.WriteString(fmt.Sprintf("%s %s %s%s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			who,
			entry.message))
	}
	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *consoleModel) addLogEntry(ev hubEvent) {
	m.eventLog = append(m.eventLog, ev)
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m *consoleModel) addLocalEntry(message string, isError bool) {
	m.addLogEntry(hubEvent{timestamp: time.Now(), message: message, isError: isError})
}

func (m *consoleModel) refreshDevices() {
	selectedID := ""
	if sel := m.getSelectedDevice(); sel != nil {
		selectedID = sel.ID
	}
	m.devices = m.hub.Devices()
	items := make([]list.Item, len(m.devices))
	for i, d := range m.devices {
		items[i] = consoleDevice{d}
	}
	m.deviceList.SetItems(items)
	// keep the selection on the same device when others come and go
	for i, d := range m.devices {
		if d.ID == selectedID {
			m.deviceList.Select(i)
			break
		}
	}
}

func (m *consoleModel) getSelectedDevice() *deviceStatus {
	idx := m.deviceList.Index()
	if idx < 0 || idx >= len(m.devices) {
		return nil
	}
	return &m.devices[idx]
}

func (m *consoleModel) updateListSize() {
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.deviceList.SetSize(28, listHeight)
	m.commandInput.Width = m.width - 50
	if m.commandInput.Width < 20 {
		m.commandInput.Width = 20
	}
}

// shortID keeps the tail of a device ID, which is what differs between
// devices of one batch.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

var _ list.Item = consoleDevice{}
