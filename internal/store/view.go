package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// View is one registered materialized view: the declarative definition
// plus its refresh interval. The view itself lives in the tenant's
// namespace; this row is the refresh scheduler's source of truth.
type View struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	Definition     json.RawMessage `json:"definition"`
	RefreshSeconds int             `json:"refresh_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
}

const viewCols = `id, subscription_id, tenant_id, name, definition, refresh_seconds, created_at`

func (s *Store) CreateView(ctx context.Context, v *View) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.RefreshSeconds <= 0 {
		v.RefreshSeconds = 60
	}
	if err := ValidateView(*v); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO views (id, subscription_id, tenant_id, name, definition, refresh_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.SubscriptionID, v.TenantID, v.Name, v.Definition, v.RefreshSeconds)
	if err != nil {
		return fmt.Errorf("create view: %w", err)
	}
	return nil
}

// ViewsBySubscription returns one subscription's registered views.
func (s *Store) ViewsBySubscription(ctx context.Context, subscriptionID string) ([]View, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+viewCols+` FROM views WHERE subscription_id = $1 ORDER BY created_at`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	list := []View{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// AllViews returns every registered view across tenants (the refresh
// scheduler's working set).
func (s *Store) AllViews(ctx context.Context) ([]View, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+viewCols+` FROM views ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all views: %w", err)
	}
	defer rows.Close()

	list := []View{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func (s *Store) DeleteView(ctx context.Context, subscriptionID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM views WHERE subscription_id = $1 AND name = $2`, subscriptionID, name)
	if err != nil {
		return fmt.Errorf("delete view: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("view %s: %w", name, ErrNotFound)
	}
	return nil
}

func scanView(rows pgx.Rows) (View, error) {
	var v View
	err := rows.Scan(
		&v.ID, &v.SubscriptionID, &v.TenantID, &v.Name,
		&v.Definition, &v.RefreshSeconds, &v.CreatedAt,
	)
	if err != nil {
		return View{}, fmt.Errorf("scan view: %w", err)
	}
	return v, nil
}

func ValidateView(v View) error {
	var errs []error
	if _, err := uuid.Parse(v.ID); err != nil {
		errs = append(errs, fmt.Errorf("view id must be a uuid: %w", err))
	}
	if v.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription id is required"))
	}
	if v.TenantID == "" {
		errs = append(errs, errors.New("tenant id is required"))
	}
	if v.Name == "" {
		errs = append(errs, errors.New("view name is required"))
	}
	if len(v.Definition) == 0 {
		errs = append(errs, errors.New("view definition is required"))
	}
	return errors.Join(errs...)
}
