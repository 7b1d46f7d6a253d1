// Package query reads decoded rows back out of a tenant's event tables:
// filtered, ordered, paginated SELECTs built only from identifiers the
// program descriptor declares, so caller input never reaches SQL as an
// identifier.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/schema"
)

var (
	// ErrUnknownEvent is returned when the requested event is not
	// declared by the subscription's IDL.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrBadParams is wrapped by every parameter validation failure.
	ErrBadParams = errors.New("invalid query parameters")
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// orderable lists the metadata columns results may be sorted by.
var orderable = map[string]bool{
	"slot": true, "block_time": true, "tx_signature": true, "indexed_at": true,
}

// Params narrows and orders one event listing.
type Params struct {
	EventName string
	SlotFrom  *uint64
	SlotTo    *uint64
	From      *time.Time
	To        *time.Time
	// Equals filters decoded columns by exact value. Keys must be
	// fields the event declares.
	Equals  map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// Engine runs read queries inside a tenant namespace.
type Engine struct {
	db *db.DB
}

func NewEngine(database *db.DB) *Engine {
	return &Engine{db: database}
}

// ListEvents returns rows from one event table as generic maps keyed by
// column name.
func (e *Engine) ListEvents(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, p Params) ([]map[string]any, error) {
	sql, args, err := buildEventSelect(desc, p)
	if err != nil {
		return nil, err
	}
	return e.query(ctx, namespace, sql, args)
}

// CountEvents returns the number of rows matching the filters; ordering
// and limit are ignored.
func (e *Engine) CountEvents(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, p Params) (int64, error) {
	sql, args, err := buildEventCount(desc, p)
	if err != nil {
		return 0, err
	}
	var count int64
	err = e.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, sql, args...).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// EventsByTx returns every occurrence of one event within a single
// transaction, in instruction order.
func (e *Engine) EventsByTx(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, eventName, signature string) ([]map[string]any, error) {
	table, err := eventTable(desc, eventName)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(
		`SELECT * FROM %s WHERE tx_signature = $1 ORDER BY ix_index, COALESCE(inner_ix_index, -1)`,
		schema.QuoteIdent(table))
	return e.query(ctx, namespace, sql, []any{signature})
}

func (e *Engine) query(ctx context.Context, namespace, sql string, args []any) ([]map[string]any, error) {
	var out []map[string]any
	err := e.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return err
			}
			m := make(map[string]any, len(fields))
			for i, f := range fields {
				m[f.Name] = values[i]
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// eventTable resolves an event name to its table, failing on events the
// descriptor does not declare.
func eventTable(desc *idl.ProgramDescriptor, eventName string) (string, error) {
	for _, ev := range desc.Events {
		if ev.Name == eventName {
			return schema.EventTableName(desc.ProgramName, ev.Name), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, eventName)
}

func buildEventSelect(desc *idl.ProgramDescriptor, p Params) (string, []any, error) {
	table, where, args, err := buildFilter(desc, p)
	if err != nil {
		return "", nil, err
	}

	orderBy := p.OrderBy
	if orderBy == "" {
		orderBy = "slot"
	}
	if !orderable[orderBy] {
		return "", nil, fmt.Errorf("%w: cannot order by %q", ErrBadParams, p.OrderBy)
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		return "", nil, fmt.Errorf("%w: limit %d exceeds %d", ErrBadParams, limit, MaxLimit)
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`SELECT * FROM %s%s ORDER BY %s %s, id %s LIMIT $%d`,
		schema.QuoteIdent(table), where, schema.QuoteIdent(orderBy), dir, dir, len(args))
	return sql, args, nil
}

func buildEventCount(desc *idl.ProgramDescriptor, p Params) (string, []any, error) {
	table, where, args, err := buildFilter(desc, p)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(`SELECT count(*) FROM %s%s`, schema.QuoteIdent(table), where), args, nil
}

// buildFilter emits the shared WHERE clause. Decoded-column equality is
// restricted to fields the event declares.
func buildFilter(desc *idl.ProgramDescriptor, p Params) (table, where string, args []any, err error) {
	table, err = eventTable(desc, p.EventName)
	if err != nil {
		return "", "", nil, err
	}
	declared := make(map[string]bool)
	for _, ev := range desc.Events {
		if ev.Name != p.EventName {
			continue
		}
		for _, f := range ev.Fields {
			declared[f.Name] = true
		}
	}

	var conds []string
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if p.SlotFrom != nil {
		add("slot >= $%d", *p.SlotFrom)
	}
	if p.SlotTo != nil {
		add("slot <= $%d", *p.SlotTo)
	}
	if p.From != nil {
		add("block_time >= $%d", *p.From)
	}
	if p.To != nil {
		add("block_time <= $%d", *p.To)
	}

	// Deterministic clause order for equality filters.
	keys := make([]string, 0, len(p.Equals))
	for k := range p.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !declared[k] {
			return "", "", nil, fmt.Errorf("%w: event %q has no field %q", ErrBadParams, p.EventName, k)
		}
		args = append(args, p.Equals[k])
		conds = append(conds, fmt.Sprintf("%s = $%d", schema.QuoteIdent(k), len(args)))
	}

	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	return table, where, args, nil
}
