package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/mergeflow/internal/mergequeue"
	"github.com/aristath/mergeflow/internal/scheduler"
)

// Status styles
var (
	styleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	styleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	styleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	styleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// Layout styles
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func queueStatusStyle(s mergequeue.Status) lipgloss.Style {
	switch {
	case s == mergequeue.StatusComplete:
		return styleStatusComplete
	case s.Failed():
		return styleStatusFailed
	case s.Active():
		return styleStatusRunning
	default:
		return styleStatusPending
	}
}

func taskStatusStyle(s scheduler.TaskStatus) lipgloss.Style {
	switch s {
	case scheduler.TaskComplete:
		return styleStatusComplete
	case scheduler.TaskFailed:
		return styleStatusFailed
	case scheduler.TaskInProgress:
		return styleStatusRunning
	default:
		return styleStatusPending
	}
}

func riskStyle(r scheduler.RiskLevel) lipgloss.Style {
	switch r {
	case scheduler.RiskHigh:
		return styleStatusFailed
	case scheduler.RiskMedium:
		return styleStatusRunning
	default:
		return styleStatusComplete
	}
}
