package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uholabs/uho/internal/idl"
)

// ErrInvalidView is wrapped by every view compilation failure.
var ErrInvalidView = errors.New("invalid view")

// Aggregates the view compiler accepts. first/last compile to
// ARRAY_AGG ordered by slot.
var viewAggregates = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"first": true, "last": true,
}

var viewOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// ViewColumn is one projected column: either a bare field or an
// aggregate over one.
type ViewColumn struct {
	Column string `json:"column"`
	Agg    string `json:"agg,omitempty"`
	Alias  string `json:"alias,omitempty"`
}

// Condition is a single WHERE predicate. Values are restricted to
// numbers, booleans and strings.
type Condition struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// View is a declarative materialized-view definition over one event or
// instruction of a program.
type View struct {
	Name            string        `json:"name"`
	Source          string        `json:"source"`
	Select          []ViewColumn  `json:"select"`
	GroupBy         []string      `json:"group_by,omitempty"`
	Where           []Condition   `json:"where,omitempty"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`
}

// CompileView validates the view against the descriptor and emits the
// CREATE MATERIALIZED VIEW statement. Every identifier referenced must be
// a field of the source or a metadata column; aggregates come from the
// closed set; values interpolate with single-quote doubling only.
func CompileView(desc *idl.ProgramDescriptor, v View) (string, error) {
	if err := checkIdent(v.Name); err != nil {
		return "", fmt.Errorf("%w: view name: %v", ErrInvalidView, err)
	}
	table, fields, err := resolveSource(desc, v.Source)
	if err != nil {
		return "", err
	}
	if len(v.Select) == 0 {
		return "", fmt.Errorf("%w: empty select", ErrInvalidView)
	}

	known := make(map[string]bool, len(fields)+len(reservedColumns))
	for _, f := range fields {
		known[f.Name] = true
	}
	for c := range reservedColumns {
		known[c] = true
	}

	var sel []string
	for _, col := range v.Select {
		expr, err := compileColumn(col, known)
		if err != nil {
			return "", err
		}
		sel = append(sel, expr)
	}

	var where []string
	for _, cond := range v.Where {
		expr, err := compileCondition(cond, known)
		if err != nil {
			return "", err
		}
		where = append(where, expr)
	}

	var group []string
	for _, g := range v.GroupBy {
		if !known[g] {
			return "", fmt.Errorf("%w: unknown group by column %q", ErrInvalidView, g)
		}
		group = append(group, QuoteIdent(g))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS\nSELECT %s\nFROM %s",
		QuoteIdent(v.Name), strings.Join(sel, ", "), QuoteIdent(table))
	if len(where) > 0 {
		fmt.Fprintf(&b, "\nWHERE %s", strings.Join(where, " AND "))
	}
	if len(group) > 0 {
		fmt.Fprintf(&b, "\nGROUP BY %s", strings.Join(group, ", "))
	}
	return b.String(), nil
}

// RefreshView emits the periodic refresh statement for a compiled view.
func RefreshView(name string) (string, error) {
	if err := checkIdent(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidView, err)
	}
	return "REFRESH MATERIALIZED VIEW " + QuoteIdent(name), nil
}

// DropView emits the teardown statement for a registered view.
func DropView(name string) (string, error) {
	if err := checkIdent(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidView, err)
	}
	return "DROP MATERIALIZED VIEW IF EXISTS " + QuoteIdent(name), nil
}

func resolveSource(desc *idl.ProgramDescriptor, source string) (string, []idl.Field, error) {
	for _, ev := range desc.Events {
		if ev.Name == source {
			return EventTableName(desc.ProgramName, ev.Name), ev.Fields, nil
		}
	}
	for _, ix := range desc.Instructions {
		if ix.Name == source {
			return InstructionTableName(desc.ProgramName, ix.Name), ix.Args, nil
		}
	}
	return "", nil, fmt.Errorf("%w: source %q is not an event or instruction of %s", ErrInvalidView, source, desc.ProgramName)
}

func compileColumn(col ViewColumn, known map[string]bool) (string, error) {
	if !known[col.Column] {
		return "", fmt.Errorf("%w: unknown column %q", ErrInvalidView, col.Column)
	}
	alias := col.Alias
	if alias == "" {
		alias = col.Column
		if col.Agg != "" {
			alias = col.Agg + "_" + col.Column
		}
	}
	if err := checkIdent(alias); err != nil {
		return "", fmt.Errorf("%w: alias: %v", ErrInvalidView, err)
	}

	q := QuoteIdent(col.Column)
	var expr string
	switch col.Agg {
	case "":
		expr = q
	case "count":
		expr = "COUNT(" + q + ")"
	case "sum", "avg", "min", "max":
		expr = strings.ToUpper(col.Agg) + "(" + q + ")"
	case "first":
		expr = "(ARRAY_AGG(" + q + " ORDER BY slot ASC))[1]"
	case "last":
		expr = "(ARRAY_AGG(" + q + " ORDER BY slot DESC))[1]"
	default:
		return "", fmt.Errorf("%w: unknown aggregate %q", ErrInvalidView, col.Agg)
	}
	return expr + " AS " + QuoteIdent(alias), nil
}

func compileCondition(cond Condition, known map[string]bool) (string, error) {
	if !known[cond.Column] {
		return "", fmt.Errorf("%w: unknown where column %q", ErrInvalidView, cond.Column)
	}
	if !viewOps[cond.Op] {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidView, cond.Op)
	}
	lit, err := literal(cond.Value)
	if err != nil {
		return "", err
	}
	return QuoteIdent(cond.Column) + " " + cond.Op + " " + lit, nil
}

// literal renders a value for interpolation. Only numbers, booleans and
// strings are accepted; strings double embedded single quotes.
func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return fmt.Sprintf("%d", x), nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	case uint64:
		return fmt.Sprintf("%d", x), nil
	case float64:
		return fmt.Sprintf("%g", x), nil
	default:
		return "", fmt.Errorf("%w: unsupported literal type %T", ErrInvalidView, v)
	}
}
