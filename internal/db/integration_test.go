package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/testutil"
)

func TestTenantSchemaLifecycle(t *testing.T) {
	testutil.RequireDB(t)
	ctx := context.Background()

	database, err := Open(ctx, testutil.DSN(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(database.Close)

	ns := TenantNamespace("itest-tenant")
	testutil.DropSchema(t, database.Pool, ns)
	t.Cleanup(func() { testutil.DropSchema(t, database.Pool, ns) })

	if err := database.EnsureTenantSchema(ctx, ns); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if !testutil.SchemaExists(t, database.Pool, ns) {
		t.Fatalf("schema %s missing after ensure", ns)
	}

	// Idempotent.
	if err := database.EnsureTenantSchema(ctx, ns); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	err = database.WithTenant(ctx, ns, func(conn *pgx.Conn) error {
		var current string
		if err := conn.QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
			return err
		}
		if current != ns {
			t.Errorf("current_schema = %q, want %q", current, ns)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with tenant: %v", err)
	}

	// search_path must not leak back into the pool.
	var current string
	if err := database.Pool.QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
		t.Fatalf("current_schema after release: %v", err)
	}
	if current == ns {
		t.Errorf("search_path leaked: still %q after WithTenant returned", ns)
	}
}
