package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/uholabs/uho/internal/metrics"
)

var (
	plHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	plPollingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	plPausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	plFailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	plIdleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderPipelines renders the per-pipeline status table.
func RenderPipelines(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Pipelines) == 0 {
		return "  No pipelines running"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-14s %-24s %-10s %12s %10s %9s", "Tenant", "Program", "Status", "Slot", "Events", "Skipped")
	b.WriteString(plHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Pipelines)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		p := snap.Pipelines[i]

		program := p.ProgramName
		if program == "" {
			program = p.ProgramID
		}
		if len(program) > 22 {
			program = program[:19] + "..."
		}
		tenant := p.TenantID
		if len(tenant) > 12 {
			tenant = tenant[:9] + "..."
		}

		var status string
		switch p.Status {
		case metrics.PipelinePolling:
			status = plPollingStyle.Render(fmt.Sprintf("%-10s", "polling"))
		case metrics.PipelinePaused:
			status = plPausedStyle.Render(fmt.Sprintf("%-10s", "paused"))
		case metrics.PipelineFailed:
			status = plFailedStyle.Render(fmt.Sprintf("%-10s", "failed"))
		default:
			status = plIdleStyle.Render(fmt.Sprintf("%-10s", string(p.Status)))
		}

		line := fmt.Sprintf("  %-14s %-24s %s %12d %10s %9s",
			tenant, program, status,
			p.LastSlot,
			formatCount(p.EventsIndexed),
			formatCount(p.EventsSkipped))
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Pipelines) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more pipelines", len(snap.Pipelines)-shown))
	}

	return b.String()
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
