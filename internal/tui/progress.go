// SPDX-License-Identifier: MIT
package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrInterrupted is returned when the user quits before every fill is
// complete.
var ErrInterrupted = errors.New("tui: interrupted")

// Tracked is a fill whose progress is shown.
type Tracked interface {
	ID() string
	Width() int
	FillCompletion() int
	FillExtent() int
	FillError() error
}

const (
	progressPadding  = 2
	progressMaxWidth = 60
	pollInterval     = 100 * time.Millisecond
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

var quitKeys = key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit"))

// ProgressModel shows one progress bar per tracked fill and quits once
// each of them has reached 100% or failed.
type ProgressModel struct {
	items    []Tracked
	labels   []string
	percent  []int
	extent   []int
	failed   []bool
	bar      progress.Model
	start    time.Time
	elapsed  time.Duration
	done     bool
	quitting bool
}

// NewProgressModel tracks items; labels default to the item ids.
func NewProgressModel(items []Tracked, labels []string) ProgressModel {
	if len(labels) != len(items) {
		labels = make([]string, len(items))
		for i, it := range items {
			labels[i] = it.ID()
		}
	}
	return ProgressModel{
		items:   items,
		labels:  labels,
		percent: make([]int, len(items)),
		extent:  make([]int, len(items)),
		failed:  make([]bool, len(items)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(progressMaxWidth)),
		start:   time.Now(),
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return tick()
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, quitKeys) {
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-progressPadding*2-20, progressMaxWidth)
		m.bar.Width = max(m.bar.Width, 10)

	case tickMsg:
		m.poll()
		m.elapsed = time.Since(m.start)
		if m.done {
			return m, tea.Quit
		}
		return m, tick()
	}
	return m, nil
}

func (m *ProgressModel) poll() {
	done := true
	for i, it := range m.items {
		m.percent[i] = it.FillCompletion()
		m.extent[i] = it.FillExtent()
		m.failed[i] = it.FillError() != nil
		done = done && (m.percent[i] >= 100 || m.failed[i])
	}
	m.done = done
}

// Done reports whether every fill completed or failed.
func (m ProgressModel) Done() bool { return m.done }

func (m ProgressModel) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Filling spectral caches"))
	sb.WriteString("\n\n")

	pad := strings.Repeat(" ", progressPadding)
	for i, it := range m.items {
		label := m.labels[i]
		switch {
		case m.failed[i]:
			label = errorStyle.Render(label + " (failed)")
		case m.percent[i] >= 100:
			label = highlightStyle.Render(label)
		default:
			label = infoStyle.Render(label)
		}
		fmt.Fprintf(&sb, "%s%s\n%s%s %3d%% %s\n\n", pad, label, pad,
			m.bar.ViewAs(float64(m.percent[i])/100), m.percent[i],
			dimStyle.Render(fmt.Sprintf("(%d/%d columns)", m.extent[i], it.Width())))
	}

	help := fmt.Sprintf("%s elapsed • %s: %s", m.elapsed.Round(100*time.Millisecond), quitKeys.Help().Key, quitKeys.Help().Desc)
	sb.WriteString(pad + dimStyle.Render(help) + "\n")
	return sb.String()
}

// RunProgress shows fill progress until every item completes. It
// returns ErrInterrupted if the user quits first.
func RunProgress(items []Tracked, labels []string) error {
	final, err := tea.NewProgram(NewProgressModel(items, labels)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(ProgressModel); ok && !m.done {
		return ErrInterrupted
	}
	return nil
}
