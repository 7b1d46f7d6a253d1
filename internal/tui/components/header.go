package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/uholabs/uho/internal/metrics"
)

var (
	headerLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	headerErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// RenderHeader renders the top status bar with uptime, throughput and
// fanout counters.
func RenderHeader(snap metrics.Snapshot, width int) string {
	elapsed := formatDuration(snap.ElapsedSec)

	left := fmt.Sprintf("  Pipelines: %s    Uptime: %s",
		headerValueStyle.Render(fmt.Sprintf("%d", len(snap.Pipelines))),
		headerValueStyle.Render(elapsed))

	throughput := headerValueStyle.Render(
		fmt.Sprintf("%.1f tx/s  %.1f ev/s", snap.TxPerSec, snap.EventsPerSec))
	bus := headerValueStyle.Render(
		fmt.Sprintf("%s pub / %s drop", formatCount(snap.BusPublished), formatCount(snap.BusDropped)))

	right := fmt.Sprintf("Rate: %s    Bus: %s  ", throughput, bus)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	line := left + strings.Repeat(" ", gap) + right

	if snap.ErrorCount > 0 {
		errLine := headerErrStyle.Render(
			fmt.Sprintf("  %d errors, last: %s", snap.ErrorCount, truncate(snap.LastError, width-25)))
		line += "\n" + errLine
	}
	return line
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
