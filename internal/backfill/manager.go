// Package backfill runs bounded historical crawls as first-class jobs.
// A job walks a program's signatures backwards through a slot range,
// feeding the same decoders and writer the live pipeline uses, with
// persisted progress, cancellation and retry.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/store"
)

// DemoMaxSlots is the demo-tier cap on how far behind the chain head a
// backfill may reach.
const DemoMaxSlots = 10_000

// ErrDemoLimit rejects ranges starting more than DemoMaxSlots behind
// the current chain slot.
var ErrDemoLimit = fmt.Errorf("requested range exceeds the demo cap of %d slots", DemoMaxSlots)

// ErrJobRunning rejects start/retry of a job that is already active.
var ErrJobRunning = errors.New("job is already running")

// Range is a requested slot window. Zero EndSlot means "chain head".
type Range struct {
	StartSlot uint64
	EndSlot   uint64
}

// Manager owns the running-job table. Job state of record lives in the
// store; the manager only tracks cancellation handles for live runs.
type Manager struct {
	store     *store.Store
	collector *metrics.Collector
	logger    zerolog.Logger
	newRunner RunnerFactory

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// RunnerFactory builds the walk for one job. Split out so tests can
// substitute the chain-touching part.
type RunnerFactory func(job store.BackfillJob) (Runner, error)

// Runner executes one job's signature walk.
type Runner interface {
	// Run crawls the job's range and reports final counters. It must
	// honor ctx between transactions.
	Run(ctx context.Context, job store.BackfillJob, progress ProgressFunc) error
}

// ProgressFunc flushes the walk position. progress is monotone in [0,1].
type ProgressFunc func(currentSlot uint64, progress float64, found, skipped int64, lastSignature string)

func NewManager(st *store.Store, collector *metrics.Collector, factory RunnerFactory, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     st,
		collector: collector,
		logger:    logger.With().Str("component", "backfill").Logger(),
		newRunner: factory,
		running:   make(map[string]context.CancelFunc),
	}
}

// ClampRange validates the requested window against the chain head.
// The effective range is [max(start, head−DemoMaxSlots), min(end, head)];
// an explicit start older than the cap fails with ErrDemoLimit. A zero
// start means "as far back as the tier allows" and clamps to the floor,
// mirroring how a zero end resolves to the head.
func ClampRange(req Range, chainSlot uint64) (Range, error) {
	var floor uint64
	if chainSlot > DemoMaxSlots {
		floor = chainSlot - DemoMaxSlots
	}
	if req.StartSlot == 0 {
		req.StartSlot = floor
	}
	if req.StartSlot < floor {
		return Range{}, fmt.Errorf("start slot %d: %w", req.StartSlot, ErrDemoLimit)
	}

	eff := Range{StartSlot: req.StartSlot, EndSlot: req.EndSlot}
	if eff.EndSlot == 0 || eff.EndSlot > chainSlot {
		eff.EndSlot = chainSlot
	}
	if eff.EndSlot < eff.StartSlot {
		return Range{}, fmt.Errorf("end slot %d before start slot %d", eff.EndSlot, eff.StartSlot)
	}
	return eff, nil
}

// Create registers a pending job for the subscription.
func (m *Manager) Create(ctx context.Context, tenantID, subscriptionID string, rng Range) (string, error) {
	job := store.BackfillJob{
		SubscriptionID: subscriptionID,
		TenantID:       tenantID,
		StartSlot:      rng.StartSlot,
		EndSlot:        rng.EndSlot,
	}
	if err := m.store.CreateBackfillJob(ctx, &job); err != nil {
		return "", err
	}
	m.logger.Info().Str("job", job.ID).Uint64("start", rng.StartSlot).Uint64("end", rng.EndSlot).Msg("backfill job created")
	return job.ID, nil
}

// Start launches a pending (or retried) job in the background.
func (m *Manager) Start(parentCtx context.Context, jobID string) error {
	job, ok, err := m.store.GetBackfillJob(parentCtx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backfill job %s: %w", jobID, store.ErrNotFound)
	}

	m.mu.Lock()
	if _, active := m.running[jobID]; active {
		m.mu.Unlock()
		return ErrJobRunning
	}
	ctx, cancel := context.WithCancel(parentCtx)
	m.running[jobID] = cancel
	m.mu.Unlock()

	runner, err := m.newRunner(job)
	if err != nil {
		m.finish(jobID)
		return err
	}

	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobRunning, ""); err != nil {
		m.finish(jobID)
		return err
	}

	go m.run(ctx, runner, job)
	return nil
}

func (m *Manager) run(ctx context.Context, runner Runner, job store.BackfillJob) {
	defer m.finish(job.ID)

	flush := func(currentSlot uint64, progress float64, found, skipped int64, lastSig string) {
		// Detached context: progress must land even mid-cancellation.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpdateJobProgress(fctx, job.ID, currentSlot, progress, found, skipped, lastSig); err != nil {
			m.logger.Warn().Err(err).Str("job", job.ID).Msg("progress flush failed")
		}
	}

	err := runner.Run(ctx, job, flush)

	// Status writes use a fresh context; ctx may already be cancelled.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case errors.Is(err, context.Canceled):
		m.setStatus(sctx, job.ID, store.JobCancelled, "")
		m.logger.Info().Str("job", job.ID).Msg("backfill cancelled")
	case err != nil:
		m.collector.RecordError(err)
		m.setStatus(sctx, job.ID, store.JobFailed, err.Error())
		m.logger.Error().Err(err).Str("job", job.ID).Msg("backfill failed")
	default:
		m.setStatus(sctx, job.ID, store.JobCompleted, "")
		m.logger.Info().Str("job", job.ID).Msg("backfill completed")
	}
}

func (m *Manager) setStatus(ctx context.Context, jobID string, status store.JobStatus, errMsg string) {
	if err := m.store.UpdateJobStatus(ctx, jobID, status, errMsg); err != nil {
		m.logger.Error().Err(err).Str("job", jobID).Msg("status update failed")
	}
}

func (m *Manager) finish(jobID string) {
	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
		delete(m.running, jobID)
	}
	m.mu.Unlock()
}

// Cancel stops a running job. The walk observes the cancellation
// between transactions.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	cancel, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("backfill job %s is not running: %w", jobID, store.ErrNotFound)
	}
	cancel()
	return nil
}

// Retry starts a new job resuming from the prior run's current slot.
// Counters carry over; progress restarts.
func (m *Manager) Retry(ctx context.Context, jobID string) (string, error) {
	prev, ok, err := m.store.GetBackfillJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("backfill job %s: %w", jobID, store.ErrNotFound)
	}
	switch prev.Status {
	case store.JobFailed, store.JobCancelled:
	default:
		return "", fmt.Errorf("job %s in status %s cannot be retried", jobID, prev.Status)
	}

	next := store.BackfillJob{
		SubscriptionID: prev.SubscriptionID,
		TenantID:       prev.TenantID,
		StartSlot:      prev.StartSlot,
		EndSlot:        prev.CurrentSlot,
		EventsFound:    prev.EventsFound,
		EventsSkipped:  prev.EventsSkipped,
	}
	if next.EndSlot == 0 || next.EndSlot < next.StartSlot {
		next.EndSlot = prev.EndSlot
	}
	if err := m.store.CreateBackfillJob(ctx, &next); err != nil {
		return "", err
	}
	if err := m.Start(ctx, next.ID); err != nil {
		return "", err
	}
	return next.ID, nil
}

// IsRunning reports whether the job has a live walk.
func (m *Manager) IsRunning(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobID]
	return ok
}

// Shutdown cancels every live walk.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.running {
		cancel()
		delete(m.running, id)
	}
}
