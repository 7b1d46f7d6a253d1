package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Webhook is one delivery target bound to a subscription. The secret is
// generated at creation and returned exactly once.
type Webhook struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SubscriptionID  string          `json:"subscription_id"`
	URL             string          `json:"url"`
	Secret          string          `json:"-"`
	EventFilter     []string        `json:"event_filter"`
	FieldFilter     map[string]any  `json:"field_filter"`
	Active          bool            `json:"active"`
	FailureCount    int             `json:"failure_count"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

const webhookCols = `id, tenant_id, subscription_id, url, secret, event_filter, field_filter,
       active, failure_count, last_triggered_at, created_at, updated_at`

// NewWebhookSecret returns a fresh 32-byte hex secret.
func NewWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Secret == "" {
		secret, err := NewWebhookSecret()
		if err != nil {
			return err
		}
		w.Secret = secret
	}
	w.Active = true
	if err := ValidateWebhook(*w); err != nil {
		return err
	}
	if w.FieldFilter == nil {
		w.FieldFilter = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, tenant_id, subscription_id, url, secret, event_filter, field_filter, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.TenantID, w.SubscriptionID, w.URL, w.Secret, w.EventFilter, w.FieldFilter, w.Active)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// ActiveWebhooks returns the active targets for one subscription.
func (s *Store) ActiveWebhooks(ctx context.Context, subscriptionID string) ([]Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE subscription_id = $1 AND active ORDER BY created_at`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()

	list := []Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

func (s *Store) ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	list := []Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

func (s *Store) DeleteWebhook(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordDeliverySuccess resets the failure streak and stamps the
// trigger time.
func (s *Store) RecordDeliverySuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET failure_count = 0, last_triggered_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure bumps the failure streak and deactivates the
// target once it reaches the limit. Returns the new count.
func (s *Store) RecordDeliveryFailure(ctx context.Context, id string, disableAt int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE webhooks SET
			failure_count = failure_count + 1,
			active = (failure_count + 1 < $2),
			updated_at = now()
		WHERE id = $1
		RETURNING failure_count
	`, id, disableAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record delivery failure: %w", err)
	}
	return count, nil
}

// InsertDeliveryRecord appends one attempt to the audit log.
func (s *Store) InsertDeliveryRecord(ctx context.Context, webhookID, deliveryID, eventName string, attempt int, status string, responseCode int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (webhook_id, delivery_id, event_name, attempt, status, response_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, webhookID, deliveryID, eventName, attempt, status, responseCode)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

func scanWebhook(rows pgx.Rows) (Webhook, error) {
	var w Webhook
	err := rows.Scan(
		&w.ID, &w.TenantID, &w.SubscriptionID, &w.URL, &w.Secret,
		&w.EventFilter, &w.FieldFilter, &w.Active, &w.FailureCount,
		&w.LastTriggeredAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return Webhook{}, fmt.Errorf("scan webhook: %w", err)
	}
	return w, nil
}

func ValidateWebhook(w Webhook) error {
	var errs []error
	if _, err := uuid.Parse(w.ID); err != nil {
		errs = append(errs, fmt.Errorf("webhook id must be a uuid: %w", err))
	}
	if w.TenantID == "" {
		errs = append(errs, errors.New("tenant id is required"))
	}
	if w.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription id is required"))
	}
	if u, err := url.Parse(w.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("webhook url %q must be absolute http(s)", w.URL))
	}
	if w.Secret == "" {
		errs = append(errs, errors.New("webhook secret is required"))
	}
	return errors.Join(errs...)
}
