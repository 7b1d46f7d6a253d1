package query

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/uholabs/uho/internal/idl"
)

func testDesc() *idl.ProgramDescriptor {
	return &idl.ProgramDescriptor{
		ProgramID:   "Prog1",
		ProgramName: "swap",
		Events: []idl.Event{
			{Name: "swap_executed", Fields: []idl.Field{
				{Name: "amount", SQLType: "NUMERIC(20,0)"},
				{Name: "trader", SQLType: "TEXT"},
			}},
		},
	}
}

func u64(v uint64) *uint64 { return &v }

func TestBuildEventSelect(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		sql, args, err := buildEventSelect(testDesc(), Params{EventName: "swap_executed"})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		want := `SELECT * FROM "swap_swap_executed" ORDER BY "slot" ASC, id ASC LIMIT $1`
		if sql != want {
			t.Errorf("sql = %q\nwant %q", sql, want)
		}
		if len(args) != 1 || args[0] != DefaultLimit {
			t.Errorf("args = %v", args)
		}
	})

	t.Run("all filters", func(t *testing.T) {
		from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sql, args, err := buildEventSelect(testDesc(), Params{
			EventName: "swap_executed",
			SlotFrom:  u64(100),
			SlotTo:    u64(200),
			From:      &from,
			Equals:    map[string]any{"trader": "Pk1", "amount": "5"},
			OrderBy:   "block_time",
			Desc:      true,
			Limit:     10,
		})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		for _, frag := range []string{
			`slot >= $1`, `slot <= $2`, `block_time >= $3`,
			`"amount" = $4`, `"trader" = $5`,
			`ORDER BY "block_time" DESC, id DESC`, `LIMIT $6`,
		} {
			if !strings.Contains(sql, frag) {
				t.Errorf("sql %q missing %q", sql, frag)
			}
		}
		if len(args) != 6 {
			t.Errorf("args = %v", args)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		_, _, err := buildEventSelect(testDesc(), Params{EventName: "nope"})
		if !errors.Is(err, ErrUnknownEvent) {
			t.Errorf("want ErrUnknownEvent, got %v", err)
		}
	})

	t.Run("undeclared equality field", func(t *testing.T) {
		_, _, err := buildEventSelect(testDesc(), Params{
			EventName: "swap_executed",
			Equals:    map[string]any{`x"; DROP TABLE t; --`: 1},
		})
		if !errors.Is(err, ErrBadParams) {
			t.Errorf("want ErrBadParams, got %v", err)
		}
	})

	t.Run("bad order column", func(t *testing.T) {
		_, _, err := buildEventSelect(testDesc(), Params{EventName: "swap_executed", OrderBy: "amount"})
		if !errors.Is(err, ErrBadParams) {
			t.Errorf("want ErrBadParams, got %v", err)
		}
	})

	t.Run("limit over cap", func(t *testing.T) {
		_, _, err := buildEventSelect(testDesc(), Params{EventName: "swap_executed", Limit: MaxLimit + 1})
		if !errors.Is(err, ErrBadParams) {
			t.Errorf("want ErrBadParams, got %v", err)
		}
	})
}

func TestBuildEventCount(t *testing.T) {
	sql, args, err := buildEventCount(testDesc(), Params{
		EventName: "swap_executed",
		SlotFrom:  u64(50),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `SELECT count(*) FROM "swap_swap_executed" WHERE slot >= $1`
	if sql != want {
		t.Errorf("sql = %q\nwant %q", sql, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v", args)
	}
}

func TestEventTable(t *testing.T) {
	table, err := eventTable(testDesc(), "swap_executed")
	if err != nil || table != "swap_swap_executed" {
		t.Errorf("table = %q, err = %v", table, err)
	}
	if _, err := eventTable(testDesc(), "other"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("want ErrUnknownEvent, got %v", err)
	}
}
