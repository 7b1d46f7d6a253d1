package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
)

const resetTimeout = 5 * time.Second

// ErrInvalidTenant rejects namespace identifiers outside the u_<hex>
// alphabet. The pattern is the only thing standing between a tenant id
// and interpolated DDL, so nothing else is accepted.
var ErrInvalidTenant = errors.New("invalid tenant namespace")

var tenantRe = regexp.MustCompile(`^u_[a-f0-9]{8,12}$`)

// TenantNamespace derives the stable schema name for a tenant id:
// "u_" plus the first 12 hex characters of sha256(tenantID).
func TenantNamespace(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return "u_" + hex.EncodeToString(sum[:6])
}

// ValidateTenant checks a tenant namespace identifier.
func ValidateTenant(namespace string) error {
	if !tenantRe.MatchString(namespace) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, namespace)
	}
	return nil
}

// EnsureTenantSchema creates the tenant's schema if absent.
func (d *DB) EnsureTenantSchema(ctx context.Context, namespace string) error {
	if err := ValidateTenant(namespace); err != nil {
		return err
	}
	if _, err := d.Pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, namespace)); err != nil {
		return fmt.Errorf("create schema %s: %w", namespace, err)
	}
	return nil
}

// WithTenant runs fn on a dedicated connection whose search_path is
// pinned to the tenant's schema. The path is reset before the
// connection returns to the pool, on every exit including panic.
func (d *DB) WithTenant(ctx context.Context, namespace string, fn func(conn *pgx.Conn) error) error {
	if err := ValidateTenant(namespace); err != nil {
		return err
	}

	poolConn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	if _, err := conn.Exec(ctx, fmt.Sprintf(`SET search_path TO %q`, namespace)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	defer func() {
		// Reset with a fresh context: the caller's may be done.
		reset, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()
		if _, err := conn.Exec(reset, `SET search_path TO DEFAULT`); err != nil {
			d.logger.Error().Err(err).Str("tenant", namespace).Msg("failed to reset search_path, closing connection")
			conn.Close(reset)
		}
	}()

	return fn(conn)
}
