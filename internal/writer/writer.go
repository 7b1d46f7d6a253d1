// Package writer commits decoded rows into tenant tables. All rows of
// one batch land in a single transaction together with the checkpoint
// update, so a crash either keeps or loses the whole poll cycle; the
// unique indexes plus ON CONFLICT DO NOTHING make replays idempotent.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/decode"
	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/schema"
)

// Checkpoint is the per-program resume position inside a tenant
// namespace.
type Checkpoint struct {
	Slot      uint64
	Signature string
}

// TxLog is one transaction's raw log block, kept for re-decoding after
// IDL upgrades.
type TxLog struct {
	Signature string
	Slot      uint64
	Messages  []string
}

// Batch is the unit of commit: every row decoded from one poll cycle,
// plus the checkpoint the cycle ends on.
type Batch struct {
	Rows       []decode.Row
	TxLogs     []TxLog
	Checkpoint Checkpoint
	// Subscribers is attached to fanout messages for downstream
	// webhook matching.
	Subscribers []string
}

// Result reports what one batch actually changed.
type Result struct {
	RowsInserted   int64
	EventsInserted int64
	Duplicates     int64
}

type Writer struct {
	db     *db.DB
	bus    *fanout.Bus
	logger zerolog.Logger
}

func New(database *db.DB, bus *fanout.Bus, logger zerolog.Logger) *Writer {
	return &Writer{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "writer").Logger(),
	}
}

// WriteBatch commits the batch into the tenant namespace and, after the
// commit succeeds, publishes one fanout message per event row that was
// actually inserted (replayed duplicates stay silent). Rows are written
// in their slice order, which the poller keeps slot-ascending.
func (w *Writer) WriteBatch(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, batch Batch) (Result, error) {
	var res Result
	var pending []fanout.Message

	err := w.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, row := range batch.Rows {
			inserted, err := w.insertRow(ctx, tx, desc, row)
			if err != nil {
				return err
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			res.RowsInserted++
			if ev, ok := row.(decode.Event); ok {
				res.EventsInserted++
				pending = append(pending, fanout.Message{
					ProgramID:   ev.ProgramID,
					EventName:   ev.EventName,
					Slot:        ev.Slot,
					TxSignature: ev.TxSignature,
					Data:        ev.Data,
					Subscribers: batch.Subscribers,
				})
			}
		}

		for _, l := range batch.TxLogs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO "`+schema.TxLogsTable+`" (tx_signature, slot, log_messages)
				 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				l.Signature, l.Slot, l.Messages); err != nil {
				return fmt.Errorf("insert tx logs: %w", err)
			}
		}

		if err := upsertCheckpoint(ctx, tx, desc.ProgramID, batch.Checkpoint, res.EventsInserted); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return Result{}, err
	}

	for _, msg := range pending {
		w.bus.Publish(msg)
	}
	return res, nil
}

// GetCheckpoint reads the program's resume position; zero values when
// the program has never been polled.
func (w *Writer) GetCheckpoint(ctx context.Context, namespace, programID string) (Checkpoint, error) {
	var cp Checkpoint
	err := w.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		err := conn.QueryRow(ctx,
			`SELECT last_slot, COALESCE(last_signature, '') FROM "`+schema.StateTable+`" WHERE program_id = $1`,
			programID,
		).Scan(&cp.Slot, &cp.Signature)
		if err == pgx.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// SetStatus records the pipeline lifecycle state in the tenant's state
// table.
func (w *Writer) SetStatus(ctx context.Context, namespace, programID, status, errMsg string) error {
	return w.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO "`+schema.StateTable+`" (program_id, status, error, started_at)
			VALUES ($1, $2, NULLIF($3, ''), now())
			ON CONFLICT (program_id) DO UPDATE SET
				status = EXCLUDED.status,
				error = EXCLUDED.error
		`, programID, status, errMsg)
		if err != nil {
			return fmt.Errorf("set pipeline status: %w", err)
		}
		return nil
	})
}

func upsertCheckpoint(ctx context.Context, tx pgx.Tx, programID string, cp Checkpoint, events int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO "`+schema.StateTable+`" (program_id, last_slot, last_signature, events_indexed, last_poll_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, now())
		ON CONFLICT (program_id) DO UPDATE SET
			last_slot = GREATEST("`+schema.StateTable+`".last_slot, EXCLUDED.last_slot),
			last_signature = COALESCE(EXCLUDED.last_signature, "`+schema.StateTable+`".last_signature),
			events_indexed = "`+schema.StateTable+`".events_indexed + $4,
			last_poll_at = now()
	`, programID, cp.Slot, cp.Signature, events)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return nil
}

func (w *Writer) insertRow(ctx context.Context, tx pgx.Tx, desc *idl.ProgramDescriptor, row decode.Row) (bool, error) {
	switch r := row.(type) {
	case decode.Event:
		return w.insertEvent(ctx, tx, desc, r)
	case decode.Instruction:
		return w.insertInstruction(ctx, tx, desc, r)
	case decode.TokenTransfer:
		return insertStatement(ctx, tx, schema.CPITransfersTable,
			[]string{"tx_signature", "slot", "block_time", "parent_ix_index", "inner_ix_index",
				"instruction_type", "source", "destination", "authority", "mint", "amount", "decimals", "token_program"},
			[]any{r.TxSignature, r.Slot, r.BlockTime, r.IxIndex, r.InnerIxIndex,
				r.InstructionType, r.Source, r.Destination, r.Authority, r.Mint, r.Amount, r.Decimals, r.TokenProgram})
	case decode.BalanceDelta:
		return insertStatement(ctx, tx, schema.BalanceChangesTable,
			[]string{"tx_signature", "slot", "block_time", "account_index", "account",
				"mint", "owner", "pre_amount", "post_amount", "delta", "decimals"},
			[]any{r.TxSignature, r.Slot, r.BlockTime, r.AccountIndex, r.Account,
				r.Mint, r.Owner, r.PreAmount, r.PostAmount, r.Delta, r.Decimals})
	default:
		return false, fmt.Errorf("unknown row type %T", row)
	}
}

func (w *Writer) insertEvent(ctx context.Context, tx pgx.Tx, desc *idl.ProgramDescriptor, ev decode.Event) (bool, error) {
	decl := eventDecl(desc, ev.EventName)
	if decl == nil {
		return false, fmt.Errorf("event %q not in descriptor", ev.EventName)
	}

	cols := []string{"slot", "block_time", "tx_signature", "ix_index", "inner_ix_index"}
	args := []any{ev.Slot, ev.BlockTime, ev.TxSignature, ev.IxIndex, ev.InnerIxIndex}
	for _, f := range decl.Fields {
		v, ok := ev.Data[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		args = append(args, bindValue(f, v))
	}
	w.dropUnknownColumns(ev.EventName, decl.Fields, ev.Data)

	return insertStatement(ctx, tx, schema.EventTableName(desc.ProgramName, ev.EventName), cols, args)
}

func (w *Writer) insertInstruction(ctx context.Context, tx pgx.Tx, desc *idl.ProgramDescriptor, r decode.Instruction) (bool, error) {
	decl := instructionDecl(desc, r.InstructionName)
	if decl == nil {
		return false, fmt.Errorf("instruction %q not in descriptor", r.InstructionName)
	}

	cols := []string{"slot", "block_time", "tx_signature", "ix_index"}
	args := []any{r.Slot, r.BlockTime, r.TxSignature, r.IxIndex}
	for _, f := range decl.Args {
		v, ok := r.Args[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		args = append(args, bindValue(f, v))
	}
	for _, acct := range decl.Accounts {
		if pk, ok := r.Accounts[acct]; ok {
			cols = append(cols, schema.AccountColumn(acct))
			args = append(args, pk)
		}
	}
	w.dropUnknownColumns(r.InstructionName, decl.Args, r.Args)

	return insertStatement(ctx, tx, schema.InstructionTableName(desc.ProgramName, r.InstructionName), cols, args)
}

// dropUnknownColumns counts data keys with no declared column. They are
// silently dropped from the insert; a warning surfaces the drift.
func (w *Writer) dropUnknownColumns(name string, fields []idl.Field, data map[string]any) {
	if len(data) <= len(fields) {
		return
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
	}
	for k := range data {
		if !known[k] {
			w.logger.Warn().Str("source", name).Str("column", k).Msg("dropping value with no declared column")
		}
	}
}

// bindValue adapts a decoded value for its column type. JSONB columns
// take the JSON encoding; everything else passes through (u128 strings
// bind to NUMERIC natively).
func bindValue(f idl.Field, v any) any {
	if v == nil {
		return nil
	}
	if f.SQLType == "JSONB" {
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
	return v
}

func buildInsert(table string, cols []string) string {
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = schema.QuoteIdent(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		schema.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
}

func insertStatement(ctx context.Context, tx pgx.Tx, table string, cols []string, args []any) (bool, error) {
	tag, err := tx.Exec(ctx, buildInsert(table, cols), args...)
	if err != nil {
		return false, fmt.Errorf("insert into %s: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func eventDecl(desc *idl.ProgramDescriptor, name string) *idl.Event {
	for i := range desc.Events {
		if desc.Events[i].Name == name {
			return &desc.Events[i]
		}
	}
	return nil
}

func instructionDecl(desc *idl.ProgramDescriptor, name string) *idl.Instruction {
	for i := range desc.Instructions {
		if desc.Instructions[i].Name == name {
			return &desc.Instructions[i]
		}
	}
	return nil
}
