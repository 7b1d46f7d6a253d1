package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/testutil"
)

func TestProvisionAppliesTenantSchema(t *testing.T) {
	testutil.RequireDB(t)
	ctx := context.Background()

	database, err := db.Open(ctx, testutil.DSN(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(database.Close)

	st := store.New(database.Pool)
	collector := metrics.NewCollector(zerolog.Nop())
	t.Cleanup(collector.Close)

	s := New(Config{}, database, st, nil, nil, nil, nil, collector, zerolog.Nop())

	tenant := "itest-" + uuid.NewString()[:8]
	ns := db.TenantNamespace(tenant)
	testutil.DropSchema(t, database.Pool, ns)
	t.Cleanup(func() {
		testutil.DropSchema(t, database.Pool, ns)
		_, _ = database.Pool.Exec(context.Background(),
			"DELETE FROM subscriptions WHERE tenant_id = $1", tenant)
	})

	sub := &store.Subscription{
		TenantID: tenant,
		Chain:    "solana",
		IDL:      []byte(testIDL),
	}
	desc, err := s.Provision(ctx, sub)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	if sub.ID == "" {
		t.Error("provision left subscription id empty")
	}
	if sub.ProgramID != desc.ProgramID {
		t.Errorf("program id %q not taken from IDL (%q)", sub.ProgramID, desc.ProgramID)
	}
	if desc.ProgramName != "swap" {
		t.Errorf("program name = %q", desc.ProgramName)
	}

	if !testutil.SchemaExists(t, database.Pool, ns) {
		t.Fatalf("tenant schema %s missing", ns)
	}
	for _, table := range []string{
		schema.StateTable,
		schema.EventTableName("swap", "swap_executed"),
		schema.InstructionTableName("swap", "swap"),
	} {
		if !testutil.TableExists(t, database.Pool, ns, table) {
			t.Errorf("table %s.%s missing after provision", ns, table)
		}
	}

	// The subscription row is the reconcile source of truth.
	stored, ok, err := st.GetSubscription(ctx, sub.ID)
	if err != nil || !ok {
		t.Fatalf("get provisioned subscription: ok=%v err=%v", ok, err)
	}
	if stored.Dialect != "anchor" {
		t.Errorf("dialect = %q", stored.Dialect)
	}

	// Restricting enablement persists and leaves existing tables alone.
	if err := s.SetEnablement(ctx, sub.ID, []string{"swap_executed"}, nil); err != nil {
		t.Fatalf("set enablement: %v", err)
	}
	stored, _, err = st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if len(stored.EnabledEvents) != 1 || stored.EnabledEvents[0] != "swap_executed" {
		t.Errorf("enabled events = %v", stored.EnabledEvents)
	}
	if !testutil.TableExists(t, database.Pool, ns, schema.EventTableName("swap", "swap_executed")) {
		t.Error("event table missing after enablement update")
	}

	// Materialized view lifecycle: create in the tenant namespace,
	// refresh on demand, drop on delete.
	view, err := s.CreateView(ctx, sub.ID, schema.View{
		Name:   "swap_totals",
		Source: "swap_executed",
		Select: []schema.ViewColumn{{Column: "amount", Agg: "sum"}},
	})
	if err != nil {
		t.Fatalf("create view: %v", err)
	}
	if view.RefreshSeconds != int(DefaultViewRefresh/time.Second) {
		t.Errorf("refresh seconds = %d", view.RefreshSeconds)
	}
	if !testutil.MatViewExists(t, database.Pool, ns, "swap_totals") {
		t.Fatal("materialized view missing after create")
	}
	if err := s.refreshView(ctx, view); err != nil {
		t.Errorf("refresh view: %v", err)
	}

	views, err := s.ListViews(ctx, sub.ID)
	if err != nil || len(views) != 1 {
		t.Fatalf("list views: n=%d err=%v", len(views), err)
	}

	if err := s.DeleteView(ctx, sub.ID, "swap_totals"); err != nil {
		t.Fatalf("delete view: %v", err)
	}
	if testutil.MatViewExists(t, database.Pool, ns, "swap_totals") {
		t.Error("materialized view still present after delete")
	}
	if err := s.DeleteView(ctx, sub.ID, "swap_totals"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double delete: want ErrNotFound, got %v", err)
	}
}
