package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/store"
)

// viewRefreshTick is the scheduler granularity; each view refreshes on
// its own interval, checked at this resolution.
const viewRefreshTick = 15 * time.Second

// DefaultViewRefresh applies when a view declares no interval.
const DefaultViewRefresh = time.Minute

// CreateView compiles a declarative view against the subscription's
// IDL, creates the materialized view in the tenant's namespace and
// registers it for periodic refresh.
func (s *Supervisor) CreateView(ctx context.Context, subscriptionID string, def schema.View) (store.View, error) {
	sub, ok, err := s.registry.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return store.View{}, err
	}
	if !ok {
		return store.View{}, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}

	desc, err := idl.Parse(sub.IDL, sub.ProgramID)
	if err != nil {
		return store.View{}, fmt.Errorf("parse stored idl: %w", err)
	}
	stmt, err := schema.CompileView(desc, def)
	if err != nil {
		return store.View{}, err
	}

	namespace := db.TenantNamespace(sub.TenantID)
	err = s.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, stmt)
		return err
	})
	if err != nil {
		return store.View{}, fmt.Errorf("create view in %s: %w", namespace, err)
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return store.View{}, fmt.Errorf("marshal view definition: %w", err)
	}
	interval := def.RefreshInterval
	if interval <= 0 {
		interval = DefaultViewRefresh
	}
	v := store.View{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Name:           def.Name,
		Definition:     raw,
		RefreshSeconds: int(interval / time.Second),
	}
	if err := s.registry.CreateView(ctx, &v); err != nil {
		return store.View{}, err
	}

	// A fresh view was just populated by CREATE; start its clock now.
	s.viewMu.Lock()
	s.viewRefreshed[v.ID] = time.Now()
	s.viewMu.Unlock()

	s.logger.Info().
		Str("subscription", sub.ID).
		Str("view", v.Name).
		Int("refresh_seconds", v.RefreshSeconds).
		Msg("view created")
	return v, nil
}

// ListViews returns one subscription's registered views.
func (s *Supervisor) ListViews(ctx context.Context, subscriptionID string) ([]store.View, error) {
	return s.registry.ViewsBySubscription(ctx, subscriptionID)
}

// DeleteView unregisters the view and drops it from the tenant's
// namespace.
func (s *Supervisor) DeleteView(ctx context.Context, subscriptionID, name string) error {
	sub, ok, err := s.registry.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}

	if err := s.registry.DeleteView(ctx, subscriptionID, name); err != nil {
		return err
	}

	stmt, err := schema.DropView(name)
	if err != nil {
		return err
	}
	namespace := db.TenantNamespace(sub.TenantID)
	err = s.db.WithTenant(ctx, namespace, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, stmt)
		return err
	})
	if err != nil {
		return fmt.Errorf("drop view in %s: %w", namespace, err)
	}
	s.logger.Info().Str("subscription", subscriptionID).Str("view", name).Msg("view deleted")
	return nil
}

// refreshDueViews walks the registered views and refreshes those whose
// interval has elapsed. One failing view never blocks the others.
func (s *Supervisor) refreshDueViews(ctx context.Context) {
	views, err := s.registry.AllViews(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list views for refresh")
		return
	}
	now := time.Now()
	for _, v := range views {
		if !s.claimRefresh(v, now) {
			continue
		}
		if err := s.refreshView(ctx, v); err != nil {
			s.logger.Warn().Err(err).Str("view", v.Name).Str("tenant", v.TenantID).Msg("view refresh failed")
		}
	}
}

// claimRefresh reports whether the view's interval has elapsed and, if
// so, advances its clock. Advancing even before the refresh runs keeps
// a broken view from being retried every tick.
func (s *Supervisor) claimRefresh(v store.View, now time.Time) bool {
	interval := time.Duration(v.RefreshSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultViewRefresh
	}
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	last, seen := s.viewRefreshed[v.ID]
	if seen && now.Sub(last) < interval {
		return false
	}
	s.viewRefreshed[v.ID] = now
	return true
}

func (s *Supervisor) refreshView(ctx context.Context, v store.View) error {
	stmt, err := schema.RefreshView(v.Name)
	if err != nil {
		return err
	}
	return s.db.WithTenant(ctx, db.TenantNamespace(v.TenantID), func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, stmt)
		return err
	})
}
