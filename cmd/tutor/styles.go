package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"lateraltutor/internal/types"
)

var (
	accent = lipgloss.Color("#8BC34A")
	muted  = lipgloss.Color("#6b7a90")
	warn   = lipgloss.Color("#FFC107")
	danger = lipgloss.Color("#e53935")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	stageStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1).Background(lipgloss.Color("#101F38")).Foreground(lipgloss.Color("#f2f2f2"))
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	warnStyle    = lipgloss.NewStyle().Foreground(warn)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(danger)
	codeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 2).
			Bold(true)
)

const progressWidth = 20

// progressBar renders pct (0-100) as a fixed-width bar.
func progressBar(pct int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * progressWidth / 100
	bar := lipgloss.NewStyle().Foreground(accent).Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", progressWidth-filled))
	return fmt.Sprintf("%s %3d%%", bar, pct)
}

// statusLine summarizes the session state under each tutor reply.
func statusLine(stage types.Stage, progress, offTopic, maxOffTopic int) string {
	parts := []string{stageStyle.Render(stage.Label()), progressBar(progress)}
	if offTopic > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("off-topic %d/%d", offTopic, maxOffTopic)))
	}
	return strings.Join(parts, "  ")
}
