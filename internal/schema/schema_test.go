package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/uholabs/uho/internal/idl"
)

func testDescriptor() *idl.ProgramDescriptor {
	return &idl.ProgramDescriptor{
		ProgramID:   "SwapProg1111111111111111111111111111111111",
		ProgramName: "demo_swap",
		Events: []idl.Event{
			{
				Name: "swap_event",
				Fields: []idl.Field{
					{Name: "amount", SQLType: "BIGINT"},
					{Name: "min_out", SQLType: "BIGINT", Nullable: true},
					{Name: "trader", SQLType: "TEXT"},
				},
			},
			{Name: "pool_created", Fields: []idl.Field{{Name: "pool", SQLType: "TEXT"}}},
		},
		Instructions: []idl.Instruction{
			{
				Name:     "swap",
				Accounts: []string{"user", "pool_vault_a"},
				Args:     []idl.Field{{Name: "amount_in", SQLType: "BIGINT"}},
			},
		},
	}
}

func TestDDL(t *testing.T) {
	desc := testDescriptor()

	t.Run("always emits state and log tables", func(t *testing.T) {
		stmts, err := DDL(desc, Enablement{}, FeatureFlags{})
		if err != nil {
			t.Fatalf("ddl: %v", err)
		}
		joined := strings.Join(stmts, ";\n")
		if !strings.Contains(joined, StateTable) || !strings.Contains(joined, TxLogsTable) {
			t.Errorf("missing state/log tables:\n%s", joined)
		}
		if strings.Contains(joined, "demo_swap_swap_event") {
			t.Errorf("disabled event table emitted")
		}
	})

	t.Run("enabled event table with metadata and field columns", func(t *testing.T) {
		enable := Enablement{Events: map[string]bool{"swap_event": true}}
		stmts, err := DDL(desc, enable, FeatureFlags{})
		if err != nil {
			t.Fatalf("ddl: %v", err)
		}
		joined := strings.Join(stmts, ";\n")

		if !strings.Contains(joined, `CREATE TABLE IF NOT EXISTS "demo_swap_swap_event"`) {
			t.Fatalf("missing event table:\n%s", joined)
		}
		for _, want := range []string{
			`"amount" BIGINT NOT NULL`,
			`"min_out" BIGINT,`, // option<T> column is nullable
			`"trader" TEXT NOT NULL`,
			`(tx_signature, ix_index, COALESCE(inner_ix_index, -1))`,
		} {
			if !strings.Contains(joined, want) {
				t.Errorf("missing %q", want)
			}
		}
		if strings.Contains(joined, "pool_created") {
			t.Errorf("disabled sibling event emitted")
		}
	})

	t.Run("instruction table binds accounts as text columns", func(t *testing.T) {
		enable := Enablement{Instructions: map[string]bool{"swap": true}}
		stmts, err := DDL(desc, enable, FeatureFlags{})
		if err != nil {
			t.Fatalf("ddl: %v", err)
		}
		joined := strings.Join(stmts, ";\n")
		if !strings.Contains(joined, `CREATE TABLE IF NOT EXISTS "demo_swap_swap_ix"`) {
			t.Fatalf("missing instruction table:\n%s", joined)
		}
		for _, want := range []string{`"acct_user" TEXT`, `"acct_pool_vault_a" TEXT`, `(tx_signature, ix_index)`} {
			if !strings.Contains(joined, want) {
				t.Errorf("missing %q", want)
			}
		}
	})

	t.Run("feature flags gate token tables", func(t *testing.T) {
		stmts, err := DDL(desc, Enablement{}, FeatureFlags{CPITransfers: true, BalanceDeltas: true})
		if err != nil {
			t.Fatalf("ddl: %v", err)
		}
		joined := strings.Join(stmts, ";\n")
		if !strings.Contains(joined, CPITransfersTable) || !strings.Contains(joined, BalanceChangesTable) {
			t.Errorf("token tables missing")
		}
	})

	t.Run("every statement is idempotent", func(t *testing.T) {
		stmts, err := DDL(desc, EnableAll(desc), FeatureFlags{CPITransfers: true, BalanceDeltas: true})
		if err != nil {
			t.Fatalf("ddl: %v", err)
		}
		for _, s := range stmts {
			if !strings.Contains(s, "IF NOT EXISTS") {
				t.Errorf("statement not idempotent: %s", s)
			}
		}
	})

	t.Run("field shadowing a metadata column is rejected", func(t *testing.T) {
		bad := testDescriptor()
		bad.Events[0].Fields = append(bad.Events[0].Fields, idl.Field{Name: "slot", SQLType: "BIGINT"})
		_, err := DDL(bad, EnableAll(bad), FeatureFlags{})
		if !errors.Is(err, ErrInvalidIdent) {
			t.Fatalf("want ErrInvalidIdent, got %v", err)
		}
	})

	t.Run("bad program name is rejected", func(t *testing.T) {
		bad := testDescriptor()
		bad.ProgramName = `x"; DROP TABLE users; --`
		_, err := DDL(bad, Enablement{}, FeatureFlags{})
		if !errors.Is(err, ErrInvalidIdent) {
			t.Fatalf("want ErrInvalidIdent, got %v", err)
		}
	})
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("QuoteIdent = %s", got)
	}
}
