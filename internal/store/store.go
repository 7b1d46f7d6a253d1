// Package store is the control-plane persistence layer: program
// subscriptions, backfill jobs and webhook targets in the shared
// namespace. Tenant event tables are written by the writer, not here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by updates and deletes that match no row.
var ErrNotFound = errors.New("not found")

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionArchived SubscriptionStatus = "archived"
)

// Subscription is one registered (tenant, program) pair with its IDL
// blob and decode configuration.
type Subscription struct {
	ID                  string             `json:"id"`
	TenantID            string             `json:"tenant_id"`
	ProgramID           string             `json:"program_id"`
	ProgramName         string             `json:"program_name"`
	Chain               string             `json:"chain"`
	Dialect             string             `json:"dialect"`
	IDL                 []byte             `json:"-"`
	Status              SubscriptionStatus `json:"status"`
	EnabledEvents       []string           `json:"enabled_events"`
	EnabledInstructions []string           `json:"enabled_instructions"`
	CPITransfers        bool               `json:"cpi_transfers"`
	BalanceDeltas       bool               `json:"balance_deltas"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const subscriptionCols = `id, tenant_id, program_id, program_name, chain, dialect, idl, status,
       enabled_events, enabled_instructions, cpi_transfers, balance_deltas, created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	if err := ValidateSubscription(*sub); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, tenant_id, program_id, program_name, chain, dialect, idl, status,
		                           enabled_events, enabled_instructions, cpi_transfers, balance_deltas)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sub.ID, sub.TenantID, sub.ProgramID, sub.ProgramName, sub.Chain, sub.Dialect, sub.IDL, sub.Status,
		sub.EnabledEvents, sub.EnabledInstructions, sub.CPITransfers, sub.BalanceDeltas)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("get subscription: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Subscription{}, false, rows.Err()
	}
	sub, err := scanSubscription(rows)
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// ListSubscriptions returns a tenant's subscriptions, or every tenant's
// when tenantID is empty (the supervisor's reconcile view).
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	q := `SELECT ` + subscriptionCols + ` FROM subscriptions`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	list := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sub)
	}
	return list, rows.Err()
}

// ActiveSubscriptions is the supervisor's declarative target set.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE status = $1 ORDER BY created_at`,
		SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	list := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sub)
	}
	return list, rows.Err()
}

// SubscriptionsByProgram returns the active subscriptions indexing one
// program, across tenants (the webhook matcher's view).
func (s *Store) SubscriptionsByProgram(ctx context.Context, programID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE program_id = $1 AND status = $2`,
		programID, SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by program: %w", err)
	}
	defer rows.Close()

	list := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sub)
	}
	return list, rows.Err()
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus) error {
	switch status {
	case SubscriptionActive, SubscriptionPaused, SubscriptionArchived:
	default:
		return fmt.Errorf("invalid subscription status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateEnablement replaces a subscription's enabled event and
// instruction lists. Empty lists mean "everything the IDL declares".
func (s *Store) UpdateEnablement(ctx context.Context, id string, events, instructions []string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET enabled_events = $2, enabled_instructions = $3, updated_at = now()
		WHERE id = $1`, id, events, instructions)
	if err != nil {
		return fmt.Errorf("update enablement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSubscription(rows pgx.Rows) (Subscription, error) {
	var sub Subscription
	err := rows.Scan(
		&sub.ID, &sub.TenantID, &sub.ProgramID, &sub.ProgramName, &sub.Chain, &sub.Dialect,
		&sub.IDL, &sub.Status, &sub.EnabledEvents, &sub.EnabledInstructions,
		&sub.CPITransfers, &sub.BalanceDeltas, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

func ValidateSubscription(sub Subscription) error {
	var errs []error
	if _, err := uuid.Parse(sub.ID); err != nil {
		errs = append(errs, fmt.Errorf("subscription id must be a uuid: %w", err))
	}
	if sub.TenantID == "" {
		errs = append(errs, errors.New("tenant id is required"))
	}
	if sub.ProgramID == "" {
		errs = append(errs, errors.New("program id is required"))
	}
	if sub.ProgramName == "" {
		errs = append(errs, errors.New("program name is required"))
	}
	if len(sub.IDL) == 0 {
		errs = append(errs, errors.New("idl blob is required"))
	}
	return errors.Join(errs...)
}
