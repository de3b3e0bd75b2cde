// SPDX-License-Identifier: MIT

// Package tui holds the terminal interfaces of the CLI: fill progress for
// analyze and the interactive device picker.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D7D7D"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E05252")).
			Bold(true)
)
