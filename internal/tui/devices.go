// SPDX-License-Identifier: MIT
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"fftserver/internal/audio"
)

// ScreenType defines which screen is currently active
type ScreenType int

const (
	ListScreen ScreenType = iota
	ConfigScreen
)

// Selection is the device and rate picked in the device list.
type Selection struct {
	DeviceID   int
	Name       string
	SampleRate int
}

var (
	upKey     = key.NewBinding(key.WithKeys("up", "k"))
	downKey   = key.NewBinding(key.WithKeys("down", "j"))
	enterKey  = key.NewBinding(key.WithKeys("enter"))
	backKey   = key.NewBinding(key.WithKeys("esc"))
	exitKeys  = key.NewBinding(key.WithKeys("q", "ctrl+c"))
	rateSteps = []int{44100, 48000, 88200, 96000}
)

// DeviceListModel lists input devices and lets the user pick one and a
// capture sample rate.
type DeviceListModel struct {
	list          func() ([]audio.Device, error)
	devices       []audio.Device
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	err           error
	activeScreen  ScreenType

	sampleRates     []int
	sampleRateIndex int
	chosen          *Selection
}

// NewDeviceListModel creates a device list fed by list; nil uses
// audio.ListDevices.
func NewDeviceListModel(list func() ([]audio.Device, error)) DeviceListModel {
	if list == nil {
		list = audio.ListDevices
	}
	return DeviceListModel{list: list, activeScreen: ListScreen}
}

type devicesMsg struct {
	devices []audio.Device
}

type errMsg struct {
	err error
}

// Init fetches the devices.
func (m DeviceListModel) Init() tea.Cmd {
	list := m.list
	return func() tea.Msg {
		devices, err := list()
		if err != nil {
			return errMsg{err}
		}
		inputs := devices[:0:0]
		for _, d := range devices {
			if d.MaxInputChannels > 0 {
				inputs = append(inputs, d)
			}
		}
		return devicesMsg{inputs}
	}
}

func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		m.refresh()

	case devicesMsg:
		m.devices = msg.devices
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		if key.Matches(msg, exitKeys) {
			return m, tea.Quit
		}
		if m.activeScreen == ListScreen {
			switch {
			case key.Matches(msg, upKey):
				m.selectedIndex = max(m.selectedIndex-1, 0)
			case key.Matches(msg, downKey):
				m.selectedIndex = max(min(m.selectedIndex+1, len(m.devices)-1), 0)
			case key.Matches(msg, enterKey):
				if len(m.devices) > 0 {
					m.activeScreen = ConfigScreen
					m.sampleRates = rateSteps
					m.sampleRateIndex = 0
					def := int(m.devices[m.selectedIndex].DefaultSampleRate)
					for i, rate := range m.sampleRates {
						if rate == def {
							m.sampleRateIndex = i
							break
						}
					}
				}
			}
		} else {
			switch {
			case key.Matches(msg, backKey):
				m.activeScreen = ListScreen
			case key.Matches(msg, upKey):
				m.sampleRateIndex = max(m.sampleRateIndex-1, 0)
			case key.Matches(msg, downKey):
				m.sampleRateIndex = min(m.sampleRateIndex+1, len(m.sampleRates)-1)
			case key.Matches(msg, enterKey):
				d := m.devices[m.selectedIndex]
				m.chosen = &Selection{DeviceID: d.ID, Name: d.Name, SampleRate: m.sampleRates[m.sampleRateIndex]}
				return m, tea.Quit
			}
		}
		m.refresh()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *DeviceListModel) refresh() {
	if !m.ready {
		return
	}
	if m.activeScreen == ListScreen {
		m.viewport.SetContent(m.renderDevices())
	} else {
		m.viewport.SetContent(m.renderDeviceConfig())
	}
}

// Chosen returns the confirmed selection, if any.
func (m DeviceListModel) Chosen() (Selection, bool) {
	if m.chosen == nil {
		return Selection{}, false
	}
	return *m.chosen, true
}

// View renders the UI
func (m DeviceListModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress q to exit.", m.err)
	}
	if !m.ready {
		return "Initializing..."
	}

	var title, help string
	if m.activeScreen == ListScreen {
		title = titleStyle.Render("Input Devices")
		help = infoStyle.Render("↑/↓: Navigate • Enter: Configure • q: Quit")
	} else {
		title = titleStyle.Render("Capture Configuration")
		help = infoStyle.Render("↑/↓: Change Rate • Enter: Use • Esc: Back • q: Quit")
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

func (m DeviceListModel) renderDevices() string {
	if len(m.devices) == 0 {
		return "No input devices found."
	}

	var sb strings.Builder
	for i, device := range m.devices {
		info := fmt.Sprintf("[%d] %s (%s)\n", device.ID, device.Name, device.Kind())
		info += fmt.Sprintf("    Input channels: %d\n", device.MaxInputChannels)
		info += fmt.Sprintf("    Default sample rate: %.0f Hz\n", device.DefaultSampleRate)
		if i == m.selectedIndex {
			info = highlightStyle.Render(info)
		}
		sb.WriteString(info)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m DeviceListModel) renderDeviceConfig() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Capture from: %s\n\nSample Rate:\n", m.devices[m.selectedIndex].Name)
	for i, rate := range m.sampleRates {
		marker := " "
		if i == m.sampleRateIndex {
			marker = "▶"
		}
		line := fmt.Sprintf("  %s %d Hz\n", marker, rate)
		if i == m.sampleRateIndex {
			line = highlightStyle.Render(line)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// PickDevice runs the device picker. ok is false if the user quit without
// choosing.
func PickDevice() (sel Selection, ok bool, err error) {
	final, err := tea.NewProgram(NewDeviceListModel(nil), tea.WithAltScreen()).Run()
	if err != nil {
		return Selection{}, false, err
	}
	if m, isModel := final.(DeviceListModel); isModel {
		if m.err != nil {
			return Selection{}, false, m.err
		}
		sel, ok = m.Chosen()
	}
	return sel, ok, nil
}
