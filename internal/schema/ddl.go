// Package schema compiles a ProgramDescriptor into the tenant-scoped
// relational DDL the writer targets: one table per enabled event or
// instruction, the ingestion checkpoint and raw-log tables, and the
// optional token-movement tables.
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uholabs/uho/internal/idl"
)

// ErrInvalidIdent is wrapped when a generated identifier fails validation.
var ErrInvalidIdent = errors.New("invalid identifier")

var identRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)

// Metadata columns present on every event/instruction table. IDL field
// names may not shadow them.
var reservedColumns = map[string]bool{
	"id": true, "slot": true, "block_time": true, "tx_signature": true,
	"ix_index": true, "inner_ix_index": true, "indexed_at": true,
}

const (
	StateTable           = "_uho_state"
	TxLogsTable          = "_tx_logs"
	CPITransfersTable    = "_cpi_transfers"
	BalanceChangesTable  = "_token_balance_changes"
	maxIndexBaseNameSize = 52 // leaves room for the index suffix under Postgres' 63-byte limit
)

// Enablement selects which descriptor names get tables.
type Enablement struct {
	Events       map[string]bool
	Instructions map[string]bool
}

// EnableAll returns an Enablement covering every event and instruction of
// the descriptor.
func EnableAll(desc *idl.ProgramDescriptor) Enablement {
	e := Enablement{
		Events:       make(map[string]bool, len(desc.Events)),
		Instructions: make(map[string]bool, len(desc.Instructions)),
	}
	for _, ev := range desc.Events {
		e.Events[ev.Name] = true
	}
	for _, ix := range desc.Instructions {
		e.Instructions[ix.Name] = true
	}
	return e
}

// FeatureFlags gate the cross-cutting token-movement tables.
type FeatureFlags struct {
	CPITransfers  bool
	BalanceDeltas bool
}

// EventTableName returns the table holding rows for one event.
func EventTableName(programName, eventName string) string {
	return programName + "_" + eventName
}

// InstructionTableName returns the table holding rows for one instruction.
func InstructionTableName(programName, ixName string) string {
	return programName + "_" + ixName + "_ix"
}

// QuoteIdent double-quotes an identifier for safe interpolation.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func checkIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidIdent, s)
	}
	return nil
}

// DDL emits the ordered statement list that provisions a tenant namespace
// for the given descriptor. Every statement is IF NOT EXISTS so
// re-provisioning an existing namespace is a no-op.
func DDL(desc *idl.ProgramDescriptor, enable Enablement, flags FeatureFlags) ([]string, error) {
	if err := checkIdent(desc.ProgramName); err != nil {
		return nil, err
	}

	stmts := []string{stateDDL, txLogsDDL}

	for _, ev := range desc.Events {
		if !enable.Events[ev.Name] {
			continue
		}
		s, err := eventTableDDL(desc.ProgramName, ev)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s...)
	}

	for _, ix := range desc.Instructions {
		if !enable.Instructions[ix.Name] {
			continue
		}
		s, err := instructionTableDDL(desc.ProgramName, ix)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s...)
	}

	if flags.CPITransfers {
		stmts = append(stmts, cpiTransfersDDL...)
	}
	if flags.BalanceDeltas {
		stmts = append(stmts, balanceChangesDDL...)
	}
	return stmts, nil
}

func eventTableDDL(programName string, ev idl.Event) ([]string, error) {
	table := EventTableName(programName, ev.Name)
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	var cols strings.Builder
	cols.WriteString("\tid BIGSERIAL PRIMARY KEY,\n")
	cols.WriteString("\tslot BIGINT NOT NULL,\n")
	cols.WriteString("\tblock_time TIMESTAMPTZ,\n")
	cols.WriteString("\ttx_signature TEXT NOT NULL,\n")
	cols.WriteString("\tix_index INT NOT NULL,\n")
	cols.WriteString("\tinner_ix_index INT,\n")
	if err := appendFieldColumns(&cols, ev.Fields); err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Name, err)
	}
	cols.WriteString("\tindexed_at TIMESTAMPTZ NOT NULL DEFAULT now()")

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", QuoteIdent(table), cols.String())

	stmts := []string{create}
	stmts = append(stmts, uniqueIndex(table, "uniq", "(tx_signature, ix_index, COALESCE(inner_ix_index, -1))"))
	stmts = append(stmts, standardIndexes(table)...)
	return stmts, nil
}

func instructionTableDDL(programName string, ix idl.Instruction) ([]string, error) {
	table := InstructionTableName(programName, ix.Name)
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	var cols strings.Builder
	cols.WriteString("\tslot BIGINT NOT NULL,\n")
	cols.WriteString("\tblock_time TIMESTAMPTZ,\n")
	cols.WriteString("\ttx_signature TEXT NOT NULL,\n")
	cols.WriteString("\tix_index INT NOT NULL,\n")
	if err := appendFieldColumns(&cols, ix.Args); err != nil {
		return nil, fmt.Errorf("instruction %s: %w", ix.Name, err)
	}
	for _, acct := range ix.Accounts {
		col := AccountColumn(acct)
		if err := checkIdent(col); err != nil {
			return nil, fmt.Errorf("instruction %s: %w", ix.Name, err)
		}
		fmt.Fprintf(&cols, "\t%s TEXT,\n", QuoteIdent(col))
	}
	cols.WriteString("\tindexed_at TIMESTAMPTZ NOT NULL DEFAULT now()")

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", QuoteIdent(table), cols.String())

	stmts := []string{create}
	stmts = append(stmts, uniqueIndex(table, "uniq", "(tx_signature, ix_index)"))
	stmts = append(stmts, standardIndexes(table)...)
	return stmts, nil
}

// AccountColumn names the column carrying one bound account pubkey. The
// prefix keeps account names from shadowing arg or metadata columns.
func AccountColumn(accountName string) string {
	return "acct_" + accountName
}

func appendFieldColumns(cols *strings.Builder, fields []idl.Field) error {
	for _, f := range fields {
		if reservedColumns[f.Name] {
			return fmt.Errorf("%w: field %q shadows a metadata column", ErrInvalidIdent, f.Name)
		}
		if err := checkIdent(f.Name); err != nil {
			return err
		}
		null := " NOT NULL"
		if f.Nullable {
			null = ""
		}
		fmt.Fprintf(cols, "\t%s %s%s,\n", QuoteIdent(f.Name), f.SQLType, null)
	}
	return nil
}

func standardIndexes(table string) []string {
	return []string{
		plainIndex(table, "slot", "(slot)"),
		plainIndex(table, "sig", "(tx_signature)"),
		plainIndex(table, "time", "(block_time)"),
	}
}

func indexBase(table string) string {
	if len(table) > maxIndexBaseNameSize {
		return table[:maxIndexBaseNameSize]
	}
	return table
}

func plainIndex(table, suffix, cols string) string {
	name := indexBase(table) + "_" + suffix + "_idx"
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s %s", QuoteIdent(name), QuoteIdent(table), cols)
}

func uniqueIndex(table, suffix, cols string) string {
	name := indexBase(table) + "_" + suffix + "_idx"
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s %s", QuoteIdent(name), QuoteIdent(table), cols)
}

const stateDDL = `CREATE TABLE IF NOT EXISTS "` + StateTable + `" (
	program_id TEXT PRIMARY KEY,
	last_slot BIGINT NOT NULL DEFAULT 0,
	last_signature TEXT,
	events_indexed BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'stopped',
	started_at TIMESTAMPTZ,
	last_poll_at TIMESTAMPTZ,
	error TEXT
)`

const txLogsDDL = `CREATE TABLE IF NOT EXISTS "` + TxLogsTable + `" (
	tx_signature TEXT PRIMARY KEY,
	slot BIGINT NOT NULL,
	log_messages TEXT[] NOT NULL
)`

var cpiTransfersDDL = []string{
	`CREATE TABLE IF NOT EXISTS "` + CPITransfersTable + `" (
	id BIGSERIAL PRIMARY KEY,
	tx_signature TEXT NOT NULL,
	slot BIGINT NOT NULL,
	block_time TIMESTAMPTZ,
	parent_ix_index INT NOT NULL,
	inner_ix_index INT,
	instruction_type TEXT NOT NULL,
	source TEXT,
	destination TEXT,
	authority TEXT,
	mint TEXT,
	amount NUMERIC(20,0) NOT NULL,
	decimals INT,
	token_program TEXT NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS "_cpi_transfers_uniq_idx" ON "` + CPITransfersTable + `" (tx_signature, parent_ix_index, COALESCE(inner_ix_index, -1))`,
	`CREATE INDEX IF NOT EXISTS "_cpi_transfers_slot_idx" ON "` + CPITransfersTable + `" (slot)`,
	`CREATE INDEX IF NOT EXISTS "_cpi_transfers_mint_idx" ON "` + CPITransfersTable + `" (mint)`,
}

var balanceChangesDDL = []string{
	`CREATE TABLE IF NOT EXISTS "` + BalanceChangesTable + `" (
	id BIGSERIAL PRIMARY KEY,
	tx_signature TEXT NOT NULL,
	slot BIGINT NOT NULL,
	block_time TIMESTAMPTZ,
	account_index INT NOT NULL,
	account TEXT,
	mint TEXT,
	owner TEXT,
	pre_amount NUMERIC(20,0) NOT NULL,
	post_amount NUMERIC(20,0) NOT NULL,
	delta NUMERIC(20,0) NOT NULL,
	decimals INT,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS "_token_balance_changes_uniq_idx" ON "` + BalanceChangesTable + `" (tx_signature, account_index)`,
	`CREATE INDEX IF NOT EXISTS "_token_balance_changes_slot_idx" ON "` + BalanceChangesTable + `" (slot)`,
}

// Execer is the slice of pgx used to apply statements (pool, conn or tx).
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Apply runs the statements in order. Statements are all IF NOT EXISTS,
// so a partial earlier run is completed rather than duplicated.
func Apply(ctx context.Context, q Execer, stmts []string) error {
	for _, s := range stmts {
		if _, err := q.Exec(ctx, s); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}
