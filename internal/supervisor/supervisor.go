// Package supervisor converges the set of running ingestion pipelines
// with the active subscriptions in the control plane: it provisions
// tenant schemas from parsed IDLs, starts a poller per (tenant,
// program) pair, wires each program's fanout topic into the webhook
// dispatcher and tears everything down in order on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/poller"
	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/webhook"
)

// DefaultReconcileInterval is how often the supervisor re-reads the
// subscription table to pick up changes made by other processes.
const DefaultReconcileInterval = 30 * time.Second

// Config carries the per-pipeline poll settings.
type Config struct {
	PollInterval      time.Duration
	PageSize          int
	KeepTxLogs        bool
	ReconcileInterval time.Duration
}

// Registry is the slice of the control-plane store the supervisor
// needs; *store.Store satisfies it.
type Registry interface {
	CreateSubscription(ctx context.Context, sub *store.Subscription) error
	GetSubscription(ctx context.Context, id string) (store.Subscription, bool, error)
	ActiveSubscriptions(ctx context.Context) ([]store.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status store.SubscriptionStatus) error
	UpdateEnablement(ctx context.Context, id string, events, instructions []string) error

	CreateView(ctx context.Context, v *store.View) error
	ViewsBySubscription(ctx context.Context, subscriptionID string) ([]store.View, error)
	AllViews(ctx context.Context) ([]store.View, error)
	DeleteView(ctx context.Context, subscriptionID, name string) error
}

type Supervisor struct {
	cfg        Config
	db         *db.DB
	registry   Registry
	client     poller.SignatureSource
	sink       poller.Sink
	bus        *fanout.Bus
	dispatcher *webhook.Dispatcher
	collector  *metrics.Collector
	logger     zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline // keyed by subscription id
	consumers map[string]*consumer // keyed by program id
	wg        sync.WaitGroup

	viewMu        sync.Mutex
	viewRefreshed map[string]time.Time // view id -> last refresh
}

type pipeline struct {
	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// consumer bridges one program's fanout topic into the webhook
// dispatcher. Refcounted: several tenants may index the same program
// but each message must be dispatched exactly once.
type consumer struct {
	cancel context.CancelFunc
	refs   int
}

func New(cfg Config, database *db.DB, registry Registry, client poller.SignatureSource, sink poller.Sink,
	bus *fanout.Bus, dispatcher *webhook.Dispatcher, collector *metrics.Collector, logger zerolog.Logger) *Supervisor {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	return &Supervisor{
		cfg:        cfg,
		db:         database,
		registry:   registry,
		client:     client,
		sink:       sink,
		bus:        bus,
		dispatcher: dispatcher,
		collector:  collector,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		pipelines:  make(map[string]*pipeline),
		consumers:  make(map[string]*consumer),

		viewRefreshed: make(map[string]time.Time),
	}
}

// Run reconciles immediately, then on a ticker until the context is
// cancelled. On exit every pipeline is stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial reconcile failed")
	}

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	viewTicker := time.NewTicker(viewRefreshTick)
	defer viewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown(10 * time.Second)
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reconcile failed")
			}
		case <-viewTicker.C:
			s.refreshDueViews(ctx)
		}
	}
}

// Provision registers a new subscription: parse and validate the IDL,
// create the tenant namespace, apply the generated DDL and persist the
// subscription row. The pipeline itself starts on the next reconcile
// (or an explicit Start).
func (s *Supervisor) Provision(ctx context.Context, sub *store.Subscription) (*idl.ProgramDescriptor, error) {
	desc, err := idl.Parse(sub.IDL, sub.ProgramID)
	if err != nil {
		return nil, err
	}
	sub.Dialect = string(desc.Dialect)
	if sub.ProgramID == "" {
		sub.ProgramID = desc.ProgramID
	}
	if sub.ProgramName == "" {
		sub.ProgramName = desc.ProgramName
	}

	namespace := db.TenantNamespace(sub.TenantID)
	if err := s.db.EnsureTenantSchema(ctx, namespace); err != nil {
		return nil, err
	}

	stmts, err := schema.DDL(desc, enablementFor(desc, *sub), schema.FeatureFlags{
		CPITransfers:  sub.CPITransfers,
		BalanceDeltas: sub.BalanceDeltas,
	})
	if err != nil {
		return nil, err
	}
	err = s.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		return schema.Apply(ctx, conn, stmts)
	})
	if err != nil {
		return nil, fmt.Errorf("provision namespace %s: %w", namespace, err)
	}

	if err := s.registry.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant", sub.TenantID).
		Str("program", sub.ProgramID).
		Str("namespace", namespace).
		Int("statements", len(stmts)).
		Msg("subscription provisioned")
	return desc, nil
}

// Reconcile starts pipelines for active subscriptions that have none
// and stops pipelines whose subscription is gone or no longer active.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	subs, err := s.registry.ActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]store.Subscription, len(subs))
	for _, sub := range subs {
		want[sub.ID] = sub
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.pipelines {
		if _, ok := want[id]; !ok {
			s.stopLocked(id, true)
		}
	}
	for id, sub := range want {
		if _, ok := s.pipelines[id]; ok {
			continue
		}
		if err := s.startLocked(sub); err != nil {
			s.logger.Error().Err(err).Str("subscription", id).Msg("start pipeline failed")
		}
	}
	return nil
}

// Start runs the pipeline for one subscription immediately instead of
// waiting for the next reconcile tick.
func (s *Supervisor) Start(ctx context.Context, subscriptionID string) error {
	sub, ok, err := s.registry.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}
	if sub.Status != store.SubscriptionActive {
		return fmt.Errorf("subscription %s is %s, not active", subscriptionID, sub.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.pipelines[subscriptionID]; running {
		return nil
	}
	return s.startLocked(sub)
}

// Pause stops the pipeline but keeps its status row visible.
func (s *Supervisor) Pause(ctx context.Context, subscriptionID string) error {
	if err := s.registry.UpdateSubscriptionStatus(ctx, subscriptionID, store.SubscriptionPaused); err != nil {
		return err
	}
	s.mu.Lock()
	p, ok := s.pipelines[subscriptionID]
	if ok {
		s.stopLocked(subscriptionID, false)
	}
	s.mu.Unlock()
	if ok {
		s.collector.SetPipelineStatus(p.sub.TenantID, p.sub.ProgramID, metrics.PipelinePaused)
		s.setStoredStatus(ctx, p.sub, "paused")
	}
	return nil
}

// Resume flips the subscription back to active and starts its pipeline.
func (s *Supervisor) Resume(ctx context.Context, subscriptionID string) error {
	if err := s.registry.UpdateSubscriptionStatus(ctx, subscriptionID, store.SubscriptionActive); err != nil {
		return err
	}
	return s.Start(ctx, subscriptionID)
}

// Archive stops the pipeline and retires the subscription. The tenant's
// tables stay in place; only ingestion ends.
func (s *Supervisor) Archive(ctx context.Context, subscriptionID string) error {
	if err := s.registry.UpdateSubscriptionStatus(ctx, subscriptionID, store.SubscriptionArchived); err != nil {
		return err
	}
	s.mu.Lock()
	p, ok := s.pipelines[subscriptionID]
	if ok {
		s.stopLocked(subscriptionID, true)
	}
	s.mu.Unlock()
	if ok {
		s.setStoredStatus(ctx, p.sub, "stopped")
	}
	return nil
}

// SetEnablement replaces which events and instructions a subscription
// decodes. Tables for newly enabled names are created; tables already
// holding indexed rows are left in place. A running pipeline restarts
// so its decoders pick up the new lists.
func (s *Supervisor) SetEnablement(ctx context.Context, subscriptionID string, events, instructions []string) error {
	sub, ok, err := s.registry.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}

	if err := s.registry.UpdateEnablement(ctx, subscriptionID, events, instructions); err != nil {
		return err
	}
	sub.EnabledEvents = events
	sub.EnabledInstructions = instructions

	desc, err := idl.Parse(sub.IDL, sub.ProgramID)
	if err != nil {
		return fmt.Errorf("parse stored idl: %w", err)
	}
	stmts, err := schema.DDL(desc, enablementFor(desc, sub), schema.FeatureFlags{
		CPITransfers:  sub.CPITransfers,
		BalanceDeltas: sub.BalanceDeltas,
	})
	if err != nil {
		return err
	}
	namespace := db.TenantNamespace(sub.TenantID)
	err = s.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		return schema.Apply(ctx, conn, stmts)
	})
	if err != nil {
		return fmt.Errorf("apply enablement ddl: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.pipelines[subscriptionID]; running {
		s.stopLocked(subscriptionID, false)
		return s.startLocked(sub)
	}
	return nil
}

// IsRunning reports whether a pipeline exists for the subscription.
func (s *Supervisor) IsRunning(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pipelines[subscriptionID]
	return ok
}

// Shutdown stops every pipeline and waits up to the deadline for their
// goroutines to drain.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	for id := range s.pipelines {
		s.stopLocked(id, true)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("all pipelines stopped")
	case <-time.After(timeout):
		s.logger.Warn().Msg("shutdown deadline exceeded, abandoning pipelines")
	}
}

// startLocked builds and launches one pipeline. Caller holds s.mu.
func (s *Supervisor) startLocked(sub store.Subscription) error {
	desc, err := idl.Parse(sub.IDL, sub.ProgramID)
	if err != nil {
		return fmt.Errorf("parse stored idl: %w", err)
	}

	namespace := db.TenantNamespace(sub.TenantID)
	p := poller.New(poller.Config{
		TenantID:    sub.TenantID,
		Namespace:   namespace,
		Descriptor:  desc,
		Interval:    s.cfg.PollInterval,
		PageSize:    s.cfg.PageSize,
		Subscribers: []string{sub.TenantID},
		KeepTxLogs:  s.cfg.KeepTxLogs,
	}, s.client, s.sink, s.decoders(sub), s.collector, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	handle := &pipeline{sub: sub, cancel: cancel, done: make(chan struct{})}
	s.pipelines[sub.ID] = handle
	s.acquireConsumer(sub.ProgramID)
	s.collector.PipelineStarted(sub.TenantID, sub.ProgramID, sub.ProgramName)
	s.setStoredStatus(ctx, sub, "running")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		p.Run(ctx) //nolint:errcheck // only returns on cancellation
	}()

	s.logger.Info().
		Str("subscription", sub.ID).
		Str("tenant", sub.TenantID).
		Str("program", sub.ProgramID).
		Msg("pipeline started")
	return nil
}

// stopLocked cancels one pipeline. Caller holds s.mu.
func (s *Supervisor) stopLocked(id string, remove bool) {
	p, ok := s.pipelines[id]
	if !ok {
		return
	}
	p.cancel()
	delete(s.pipelines, id)
	s.releaseConsumer(p.sub.ProgramID)
	if remove {
		s.collector.PipelineRemoved(p.sub.TenantID, p.sub.ProgramID)
	}
	s.logger.Info().Str("subscription", id).Msg("pipeline stopped")
}

func (s *Supervisor) acquireConsumer(programID string) {
	if s.dispatcher == nil {
		return
	}
	if c, ok := s.consumers[programID]; ok {
		c.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := s.bus.Subscribe(programID)
	s.consumers[programID] = &consumer{cancel: cancel, refs: 1}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.dispatcher.Consume(ctx, ch)
	}()
}

func (s *Supervisor) releaseConsumer(programID string) {
	c, ok := s.consumers[programID]
	if !ok {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	c.cancel()
	delete(s.consumers, programID)
}

func (s *Supervisor) decoders(sub store.Subscription) []decode.Decoder {
	return Decoders(sub, s.logger)
}

// Decoders builds the decode chain for one subscription. Empty
// enablement lists mean everything the IDL declares. Backfill walkers
// share this so a job decodes exactly what the live pipeline would.
func Decoders(sub store.Subscription, logger zerolog.Logger) []decode.Decoder {
	ds := []decode.Decoder{
		&decode.EventDecoder{Enabled: nameSet(sub.EnabledEvents), Logger: logger},
		&decode.InstructionDecoder{Enabled: nameSet(sub.EnabledInstructions), Logger: logger},
	}
	if sub.CPITransfers || sub.BalanceDeltas {
		ds = append(ds, &decode.TokenDecoder{
			Transfers: sub.CPITransfers,
			Deltas:    sub.BalanceDeltas,
			Logger:    logger,
		})
	}
	return ds
}

// statusSink is the optional sink capability for mirroring pipeline
// state into the tenant's state table. *writer.Writer has it; test
// fakes usually don't.
type statusSink interface {
	SetStatus(ctx context.Context, namespace, programID, status, errMsg string) error
}

// setStoredStatus mirrors the pipeline state into the tenant's state
// table as one of running/paused/stopped/error; failures are logged,
// not fatal.
func (s *Supervisor) setStoredStatus(ctx context.Context, sub store.Subscription, status string) {
	w, ok := s.sink.(statusSink)
	if !ok {
		return
	}
	namespace := db.TenantNamespace(sub.TenantID)
	if err := w.SetStatus(ctx, namespace, sub.ProgramID, status, ""); err != nil {
		s.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("persist pipeline status")
	}
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// enablementFor maps a subscription's enablement lists onto the schema
// compiler's shape.
func enablementFor(desc *idl.ProgramDescriptor, sub store.Subscription) schema.Enablement {
	all := schema.EnableAll(desc)
	e := schema.Enablement{Events: all.Events, Instructions: all.Instructions}
	if len(sub.EnabledEvents) > 0 {
		e.Events = nameSet(sub.EnabledEvents)
	}
	if len(sub.EnabledInstructions) > 0 {
		e.Instructions = nameSet(sub.EnabledInstructions)
	}
	return e
}
