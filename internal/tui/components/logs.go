package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/uholabs/uho/internal/metrics"
)

var (
	logTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	logCompStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
	logINF       = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	logWRN       = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	logERR       = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	logDBG       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// logContextKeys are the structured fields worth showing inline, in
// display order. Everything else stays out of the panel.
var logContextKeys = []string{"tenant", "program", "subscription", "slot", "events"}

// RenderLogs renders the last N log entries with their component tag
// and the indexing context the pipelines log with.
func RenderLogs(entries []metrics.LogEntry, maxLines int) string {
	if len(entries) == 0 {
		return "  No log entries yet"
	}

	start := 0
	if len(entries) > maxLines {
		start = len(entries) - maxLines
	}

	var b strings.Builder
	for i := start; i < len(entries); i++ {
		e := entries[i]
		ts := logTimeStyle.Render(e.Time.Format("15:04:05"))

		var lvl string
		switch e.Level {
		case "info":
			lvl = logINF.Render("INF")
		case "warn":
			lvl = logWRN.Render("WRN")
		case "error":
			lvl = logERR.Render("ERR")
		default:
			lvl = logDBG.Render("DBG")
		}

		comp := ""
		if e.Component != "" {
			comp = logCompStyle.Render(fmt.Sprintf("%-10s", e.Component)) + " "
		}

		line := fmt.Sprintf("  %s %s %s%s%s", ts, lvl, comp, e.Message, logContext(e.Fields))
		b.WriteString(line)
		if i < len(entries)-1 {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

func logContext(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for _, k := range logContextKeys {
		if v, ok := fields[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return logTimeStyle.Render(" " + strings.Join(parts, " "))
}
