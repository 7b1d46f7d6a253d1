package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// LogWriter implements io.Writer for zerolog, routing log entries into
// the Collector's ring buffer. When used as the zerolog output, logs
// appear in the TUI log panel instead of leaking to stderr behind the
// alt screen.
type LogWriter struct {
	collector *Collector
}

// NewLogWriter creates a LogWriter that feeds into the given Collector.
func NewLogWriter(c *Collector) *LogWriter {
	return &LogWriter{collector: c}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		w.collector.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: string(p),
		})
		return len(p), nil
	}

	entry := LogEntry{
		Time:   time.Now(),
		Fields: make(map[string]string),
	}

	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
	}
	if comp, ok := raw["component"].(string); ok {
		entry.Component = comp
	}
	if t, ok := raw["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			entry.Time = parsed
		}
	}

	for k, v := range raw {
		switch k {
		case "level", "message", "time", "component":
			continue
		}
		// Pipeline logs carry numeric context too (slot, events,
		// attempt); render everything as a string for the panel.
		switch x := v.(type) {
		case string:
			entry.Fields[k] = x
		case float64:
			if x == float64(int64(x)) {
				entry.Fields[k] = fmt.Sprintf("%d", int64(x))
			} else {
				entry.Fields[k] = fmt.Sprintf("%g", x)
			}
		case bool:
			entry.Fields[k] = fmt.Sprintf("%t", x)
		}
	}

	w.collector.AddLog(entry)
	return len(p), nil
}

var _ io.Writer = (*LogWriter)(nil)
