// Package metrics aggregates per-pipeline ingestion progress for the
// HTTP API, the WebSocket status stream and the TUI, and exports
// Prometheus counters for the hot paths.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PipelineStatus represents the current state of one (tenant, program)
// ingestion pipeline.
type PipelineStatus string

const (
	PipelineStarting PipelineStatus = "starting"
	PipelinePolling  PipelineStatus = "polling"
	PipelinePaused   PipelineStatus = "paused"
	PipelineStopped  PipelineStatus = "stopped"
	PipelineFailed   PipelineStatus = "failed"
)

// PipelineProgress tracks one pipeline's checkpoint and counters.
type PipelineProgress struct {
	TenantID      string         `json:"tenant_id"`
	ProgramID     string         `json:"program_id"`
	ProgramName   string         `json:"program_name"`
	Status        PipelineStatus `json:"status"`
	LastSlot      uint64         `json:"last_slot"`
	EventsIndexed int64          `json:"events_indexed"`
	EventsSkipped int64          `json:"events_skipped"`
	RowsWritten   int64          `json:"rows_written"`
	LastPollAt    time.Time      `json:"last_poll_at"`
	StartedAt     time.Time      `json:"-"`
	ElapsedSec    float64        `json:"elapsed_sec"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	ElapsedSec float64   `json:"elapsed_sec"`

	Pipelines []PipelineProgress `json:"pipelines"`

	// Throughput (sliding 60 s window)
	TxPerSec     float64 `json:"tx_per_sec"`
	EventsPerSec float64 `json:"events_per_sec"`
	TotalTx      int64   `json:"total_tx"`
	TotalEvents  int64   `json:"total_events"`
	TotalSkipped int64   `json:"total_skipped"`

	// Fanout
	BusPublished int64 `json:"bus_published"`
	BusDropped   int64 `json:"bus_dropped"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the UI. Component is the
// emitting subsystem (poller, writer, webhook, ...), split out so the
// dashboard can tag lines without digging through Fields.
type LogEntry struct {
	Time      time.Time         `json:"time"`
	Level     string            `json:"level"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// BusStats lets the collector pull fanout counters without importing
// the bus package.
type BusStats interface {
	Stats() (published, dropped int64)
}

// Collector aggregates pipeline metrics and provides snapshots for
// consumption by the HTTP API and TUI.
type Collector struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	pipelines map[string]*PipelineProgress // key: tenant/program
	order     []string                     // insertion-order keys
	bus       BusStats
	prom      *Prom

	totalTx      atomic.Int64
	totalEvents  atomic.Int64
	totalSkipped atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	txWindow    *slidingWindow
	eventWindow *slidingWindow

	// Subscribers for push-based updates.
	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	// Log ring buffer.
	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		startedAt:   time.Now(),
		pipelines:   make(map[string]*PipelineProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		txWindow:    newSlidingWindow(60 * time.Second),
		eventWindow: newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetBus attaches the fanout bus whose counters appear in snapshots.
func (c *Collector) SetBus(bus BusStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = bus
}

// SetProm mirrors pipeline counters into Prometheus instruments.
func (c *Collector) SetProm(p *Prom) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prom = p
}

// activePipelinesLocked counts pipelines that are starting or polling.
func (c *Collector) activePipelinesLocked() int {
	n := 0
	for _, p := range c.pipelines {
		if p.Status == PipelineStarting || p.Status == PipelinePolling {
			n++
		}
	}
	return n
}

func pipelineKey(tenantID, programID string) string {
	return tenantID + "/" + programID
}

// PipelineStarted registers a pipeline (or resets an existing one).
func (c *Collector) PipelineStarted(tenantID, programID, programName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pipelineKey(tenantID, programID)
	if _, ok := c.pipelines[key]; !ok {
		c.order = append(c.order, key)
	}
	c.pipelines[key] = &PipelineProgress{
		TenantID:    tenantID,
		ProgramID:   programID,
		ProgramName: programName,
		Status:      PipelineStarting,
		StartedAt:   time.Now(),
	}
	if c.prom != nil {
		c.prom.ActivePipelines.Set(float64(c.activePipelinesLocked()))
	}
}

// SetPipelineStatus updates one pipeline's lifecycle state.
func (c *Collector) SetPipelineStatus(tenantID, programID string, status PipelineStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[pipelineKey(tenantID, programID)]; ok {
		p.Status = status
	}
	if c.prom != nil {
		c.prom.ActivePipelines.Set(float64(c.activePipelinesLocked()))
	}
}

// RecordPoll records one completed poll tick: transactions fetched,
// rows written, events skipped, and the new checkpoint slot.
func (c *Collector) RecordPoll(tenantID, programID string, lastSlot uint64, txCount int, rows, events, skipped int64) {
	program := programID
	c.mu.Lock()
	if p, ok := c.pipelines[pipelineKey(tenantID, programID)]; ok {
		if lastSlot > p.LastSlot {
			p.LastSlot = lastSlot
		}
		p.EventsIndexed += events
		p.EventsSkipped += skipped
		p.RowsWritten += rows
		p.LastPollAt = time.Now()
		if p.Status == PipelineStarting {
			p.Status = PipelinePolling
		}
		if p.ProgramName != "" {
			program = p.ProgramName
		}
	}
	prom := c.prom
	c.mu.Unlock()

	if prom != nil {
		prom.EventsIndexed.WithLabelValues(program).Add(float64(events))
		prom.EventsSkipped.WithLabelValues(program).Add(float64(skipped))
		prom.RowsWritten.WithLabelValues(program).Add(float64(rows))
		prom.PollTicks.WithLabelValues(program).Inc()
	}

	c.totalTx.Add(int64(txCount))
	c.totalEvents.Add(events)
	c.totalSkipped.Add(skipped)
	now := time.Now()
	c.txWindow.Add(now, float64(txCount))
	c.eventWindow.Add(now, float64(events))
}

// PipelineRemoved drops a pipeline from the snapshot.
func (c *Collector) PipelineRemoved(tenantID, programID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pipelineKey(tenantID, programID)
	if _, ok := c.pipelines[key]; !ok {
		return
	}
	delete(c.pipelines, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.prom != nil {
		c.prom.ActivePipelines.Set(float64(c.activePipelinesLocked()))
	}
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Shift buffer: drop oldest quarter.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	pipelines := make([]PipelineProgress, 0, len(c.order))
	for _, key := range c.order {
		p := *c.pipelines[key]
		if !p.StartedAt.IsZero() {
			p.ElapsedSec = now.Sub(p.StartedAt).Seconds()
		}
		pipelines = append(pipelines, p)
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	snap := Snapshot{
		Timestamp:    now,
		ElapsedSec:   now.Sub(c.startedAt).Seconds(),
		Pipelines:    pipelines,
		TxPerSec:     c.txWindow.Rate(),
		EventsPerSec: c.eventWindow.Rate(),
		TotalTx:      c.totalTx.Load(),
		TotalEvents:  c.totalEvents.Load(),
		TotalSkipped: c.totalSkipped.Load(),
		ErrorCount:   int(c.errorCount.Load()),
		LastError:    lastErr,
	}
	if c.bus != nil {
		snap.BusPublished, snap.BusDropped = c.bus.Stats()
	}
	return snap
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
