package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/writer"
)

const testIDL = `{
	"address": "SwapProg1111111111111111111111111111111111",
	"metadata": {"name": "swap", "version": "0.1.0", "spec": "0.1.0"},
	"instructions": [
		{"name": "swap", "accounts": [{"name": "user"}], "args": [{"name": "amount", "type": "u64"}]}
	],
	"events": [{"name": "SwapExecuted", "fields": [{"name": "amount", "type": "u64"}]}],
	"types": []
}`

type fakeRegistry struct {
	mu     sync.Mutex
	subs   map[string]store.Subscription
	status map[string]store.SubscriptionStatus
	views  map[string]store.View
}

func newFakeRegistry(subs ...store.Subscription) *fakeRegistry {
	f := &fakeRegistry{
		subs:   make(map[string]store.Subscription),
		status: make(map[string]store.SubscriptionStatus),
		views:  make(map[string]store.View),
	}
	for _, s := range subs {
		f.subs[s.ID] = s
		f.status[s.ID] = s.Status
	}
	return f
}

func (f *fakeRegistry) CreateSubscription(_ context.Context, sub *store.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = *sub
	f.status[sub.ID] = sub.Status
	return nil
}

func (f *fakeRegistry) GetSubscription(_ context.Context, id string) (store.Subscription, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if ok {
		sub.Status = f.status[id]
	}
	return sub, ok, nil
}

func (f *fakeRegistry) ActiveSubscriptions(_ context.Context) ([]store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Subscription
	for id, sub := range f.subs {
		if f.status[id] == store.SubscriptionActive {
			sub.Status = store.SubscriptionActive
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UpdateSubscriptionStatus(_ context.Context, id string, status store.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	return nil
}

func (f *fakeRegistry) UpdateEnablement(_ context.Context, id string, events, instructions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.EnabledEvents = events
	sub.EnabledInstructions = instructions
	f.subs[id] = sub
	return nil
}

func (f *fakeRegistry) CreateView(_ context.Context, v *store.View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ID == "" {
		v.ID = "view-" + v.Name
	}
	f.views[v.ID] = *v
	return nil
}

func (f *fakeRegistry) ViewsBySubscription(_ context.Context, subscriptionID string) ([]store.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.View
	for _, v := range f.views {
		if v.SubscriptionID == subscriptionID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeRegistry) AllViews(_ context.Context) ([]store.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.View
	for _, v := range f.views {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeRegistry) DeleteView(_ context.Context, subscriptionID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, v := range f.views {
		if v.SubscriptionID == subscriptionID && v.Name == name {
			delete(f.views, id)
			return nil
		}
	}
	return store.ErrNotFound
}

// idleChain reports no signatures so pollers spin without side effects.
type idleChain struct{}

func (idleChain) GetSignaturesForAddress(context.Context, string, solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	return nil, nil
}

func (idleChain) GetParsedTransaction(context.Context, string) (*solana.ParsedTx, error) {
	return nil, nil
}

type nullSink struct{}

func (nullSink) WriteBatch(context.Context, string, *idl.ProgramDescriptor, writer.Batch) (writer.Result, error) {
	return writer.Result{}, nil
}

func (nullSink) GetCheckpoint(context.Context, string, string) (writer.Checkpoint, error) {
	return writer.Checkpoint{}, nil
}

// recordingSink additionally captures status writes to the tenant's
// state table.
type recordingSink struct {
	nullSink
	mu       sync.Mutex
	statuses []string
}

func (s *recordingSink) SetStatus(_ context.Context, _, _, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func testSubscription(id, tenant string) store.Subscription {
	return store.Subscription{
		ID:        id,
		TenantID:  tenant,
		ProgramID: "SwapProg1111111111111111111111111111111111",
		Status:    store.SubscriptionActive,
		IDL:       []byte(testIDL),
	}
}

func testSupervisor(reg Registry) (*Supervisor, *metrics.Collector) {
	collector := metrics.NewCollector(zerolog.Nop())
	sup := New(Config{PollInterval: time.Hour}, nil, reg, idleChain{}, nullSink{},
		fanout.New(zerolog.Nop()), nil, collector, zerolog.Nop())
	return sup, collector
}

func TestReconcileStartsAndStops(t *testing.T) {
	reg := newFakeRegistry(testSubscription("sub-1", "tenant-1"))
	sup, collector := testSupervisor(reg)
	defer collector.Close()
	defer sup.Shutdown(time.Second)

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !sup.IsRunning("sub-1") {
		t.Fatal("pipeline should be running after reconcile")
	}
	if got := len(collector.Snapshot().Pipelines); got != 1 {
		t.Errorf("pipelines in snapshot = %d", got)
	}

	// Archive out-of-band; the next reconcile should stop it.
	reg.UpdateSubscriptionStatus(context.Background(), "sub-1", store.SubscriptionArchived) //nolint:errcheck
	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sup.IsRunning("sub-1") {
		t.Error("pipeline should be stopped after subscription archived")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	reg := newFakeRegistry(testSubscription("sub-1", "tenant-1"))
	sup, collector := testSupervisor(reg)
	defer collector.Close()
	defer sup.Shutdown(time.Second)

	for i := 0; i < 3; i++ {
		if err := sup.Reconcile(context.Background()); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}
	sup.mu.Lock()
	n := len(sup.pipelines)
	sup.mu.Unlock()
	if n != 1 {
		t.Errorf("pipelines = %d, want 1", n)
	}
}

func TestPauseAndResume(t *testing.T) {
	reg := newFakeRegistry(testSubscription("sub-1", "tenant-1"))
	sup, collector := testSupervisor(reg)
	defer collector.Close()
	defer sup.Shutdown(time.Second)

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if err := sup.Pause(context.Background(), "sub-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sup.IsRunning("sub-1") {
		t.Fatal("paused pipeline should not be running")
	}
	if reg.status["sub-1"] != store.SubscriptionPaused {
		t.Errorf("status = %s", reg.status["sub-1"])
	}

	if err := sup.Resume(context.Background(), "sub-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !sup.IsRunning("sub-1") {
		t.Fatal("resumed pipeline should be running")
	}
}

func TestStartRejectsInactive(t *testing.T) {
	sub := testSubscription("sub-1", "tenant-1")
	sub.Status = store.SubscriptionPaused
	reg := newFakeRegistry(sub)
	sup, collector := testSupervisor(reg)
	defer collector.Close()

	if err := sup.Start(context.Background(), "sub-1"); err == nil {
		t.Error("starting a paused subscription should fail")
	}
	if err := sup.Start(context.Background(), "missing"); err == nil {
		t.Error("starting an unknown subscription should fail")
	}
}

func TestSharedProgramConsumerRefcount(t *testing.T) {
	reg := newFakeRegistry(
		testSubscription("sub-1", "tenant-1"),
		testSubscription("sub-2", "tenant-2"),
	)
	sup, collector := testSupervisor(reg)
	defer collector.Close()
	defer sup.Shutdown(time.Second)

	// No dispatcher wired, so no consumers should appear at all; the
	// refcounting path must still tolerate start/stop churn.
	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !sup.IsRunning("sub-1") || !sup.IsRunning("sub-2") {
		t.Fatal("both tenants should run pipelines for the shared program")
	}
	if err := sup.Archive(context.Background(), "sub-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if sup.IsRunning("sub-1") || !sup.IsRunning("sub-2") {
		t.Error("archiving one tenant must not stop the other")
	}
}

func TestStoredStatusLifecycle(t *testing.T) {
	reg := newFakeRegistry(testSubscription("sub-1", "tenant-1"))
	sink := &recordingSink{}
	collector := metrics.NewCollector(zerolog.Nop())
	defer collector.Close()
	sup := New(Config{PollInterval: time.Hour}, nil, reg, idleChain{}, sink,
		fanout.New(zerolog.Nop()), nil, collector, zerolog.Nop())
	defer sup.Shutdown(time.Second)

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := sup.Pause(context.Background(), "sub-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sup.Resume(context.Background(), "sub-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := sup.Archive(context.Background(), "sub-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	sink.mu.Lock()
	got := append([]string(nil), sink.statuses...)
	sink.mu.Unlock()
	want := []string{"running", "paused", "running", "stopped"}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i, s := range got {
		if s != want[i] {
			t.Errorf("status[%d] = %q, want %q", i, s, want[i])
		}
	}
}

func TestCreateViewRejectsInvalidDefinition(t *testing.T) {
	reg := newFakeRegistry(testSubscription("sub-1", "tenant-1"))
	sup, collector := testSupervisor(reg)
	defer collector.Close()

	_, err := sup.CreateView(context.Background(), "sub-1", schema.View{
		Name:   "bad",
		Source: "swap_executed",
		Select: []schema.ViewColumn{{Column: "no_such_field"}},
	})
	if !errors.Is(err, schema.ErrInvalidView) {
		t.Errorf("want ErrInvalidView, got %v", err)
	}

	if _, err := sup.CreateView(context.Background(), "missing", schema.View{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound for unknown subscription, got %v", err)
	}
}

func TestClaimRefreshHonorsInterval(t *testing.T) {
	reg := newFakeRegistry()
	sup, collector := testSupervisor(reg)
	defer collector.Close()

	v := store.View{ID: "v1", Name: "totals", RefreshSeconds: 60}
	now := time.Now()

	if !sup.claimRefresh(v, now) {
		t.Fatal("first claim should refresh an unseen view")
	}
	if sup.claimRefresh(v, now.Add(30*time.Second)) {
		t.Error("claim inside the interval should be refused")
	}
	if !sup.claimRefresh(v, now.Add(61*time.Second)) {
		t.Error("claim past the interval should refresh")
	}

	// Zero interval falls back to the default, not a hot loop.
	z := store.View{ID: "v2", Name: "zeroed"}
	if !sup.claimRefresh(z, now) {
		t.Fatal("first claim should refresh")
	}
	if sup.claimRefresh(z, now.Add(time.Second)) {
		t.Error("zero-interval view must not refresh every tick")
	}
	if !sup.claimRefresh(z, now.Add(DefaultViewRefresh+time.Second)) {
		t.Error("zero-interval view should refresh after the default interval")
	}
}

func TestEnablementFor(t *testing.T) {
	desc, err := idl.Parse([]byte(testIDL), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	all := enablementFor(desc, store.Subscription{})
	if !all.Events["swap_executed"] || !all.Instructions["swap"] {
		t.Errorf("empty lists should enable everything: %+v", all)
	}

	some := enablementFor(desc, store.Subscription{EnabledEvents: []string{"swap_executed"}})
	if !some.Events["swap_executed"] || len(some.Events) != 1 {
		t.Errorf("events = %+v", some.Events)
	}
	if !some.Instructions["swap"] {
		t.Error("instruction list untouched when only events are restricted")
	}
}
