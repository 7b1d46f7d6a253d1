// Package webhook delivers indexed events to external HTTP endpoints:
// subscription matching, HMAC-SHA256 signing, exponential retry and
// auto-disable of persistently failing targets.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/store"
)

// MaxConsecutiveFailures is the streak after which a target is
// deactivated.
const MaxConsecutiveFailures = 10

// retryOffsets are the attempt times measured from the first attempt.
var retryOffsets = []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute, 60 * time.Minute}

const (
	headerSignature  = "X-Uho-Signature"
	headerEvent      = "X-Uho-Event"
	headerDeliveryID = "X-Uho-Delivery-Id"
	headerTimestamp  = "X-Uho-Timestamp"
)

// Payload is the JSON body POSTed to the target.
type Payload struct {
	ID          string         `json:"id"`
	Event       string         `json:"event"`
	ProgramID   string         `json:"programId"`
	Data        map[string]any `json:"data"`
	Slot        uint64         `json:"slot"`
	TxSignature string         `json:"txSignature"`
	Timestamp   string         `json:"timestamp"`
}

// Registry is the slice of the control-plane store the dispatcher uses.
type Registry interface {
	SubscriptionsByProgram(ctx context.Context, programID string) ([]store.Subscription, error)
	ActiveWebhooks(ctx context.Context, subscriptionID string) ([]store.Webhook, error)
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string, disableAt int) (int, error)
	InsertDeliveryRecord(ctx context.Context, webhookID, deliveryID, eventName string, attempt int, status string, responseCode int) error
}

type Dispatcher struct {
	registry Registry
	client   *http.Client
	logger   zerolog.Logger

	// RequireHTTPS rejects plain-http targets (production mode).
	RequireHTTPS bool

	// Prom, when set, counts delivery outcomes.
	Prom *metrics.Prom

	// sleep is swapped in tests to skip real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(registry Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "webhook").Logger(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume drains a fanout subscription, dispatching every message. Each
// matched target is delivered on its own goroutine so one slow endpoint
// cannot stall the rest.
func (d *Dispatcher) Consume(ctx context.Context, ch <-chan fanout.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch matches one message against the registered webhooks and
// launches deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, msg fanout.Message) {
	targets, err := d.match(ctx, msg)
	if err != nil {
		d.logger.Error().Err(err).Str("program", msg.ProgramID).Msg("webhook match failed")
		return
	}
	for _, w := range targets {
		go d.deliverWithRetry(ctx, w, msg)
	}
}

// match finds the active webhooks whose subscription indexes the
// message's program and whose tenant is among its subscribers, then
// applies the event-name and field filters.
func (d *Dispatcher) match(ctx context.Context, msg fanout.Message) ([]store.Webhook, error) {
	subs, err := d.registry.SubscriptionsByProgram(ctx, msg.ProgramID)
	if err != nil {
		return nil, err
	}

	subscribed := make(map[string]bool, len(msg.Subscribers))
	for _, t := range msg.Subscribers {
		subscribed[t] = true
	}

	var targets []store.Webhook
	for _, sub := range subs {
		if !subscribed[sub.TenantID] {
			continue
		}
		hooks, err := d.registry.ActiveWebhooks(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range hooks {
			if Matches(w, msg) {
				targets = append(targets, w)
			}
		}
	}
	return targets, nil
}

// Matches applies one webhook's filters to a message: an empty event
// list matches every event, and every fieldFilter entry must equal the
// corresponding top-level data field.
func Matches(w store.Webhook, msg fanout.Message) bool {
	if len(w.EventFilter) > 0 {
		ok := false
		for _, name := range w.EventFilter {
			if name == msg.EventName {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for field, want := range w.FieldFilter {
		got, ok := msg.Data[field]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares across the numeric representations that survive
// JSON round-trips (filters arrive as float64, decoded data as
// int64/uint64/string).
func looseEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

// Sign computes the payload signature: "sha256=" + hex(HMAC-SHA256).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliverWithRetry runs the full attempt schedule for one target.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, w store.Webhook, msg fanout.Message) {
	if d.RequireHTTPS {
		if u, err := url.Parse(w.URL); err != nil || u.Scheme != "https" {
			d.logger.Warn().Str("webhook", w.ID).Str("url", w.URL).Msg("refusing non-https target")
			return
		}
	}

	deliveryID := "del_" + uuid.NewString()
	body, err := json.Marshal(Payload{
		ID:          deliveryID,
		Event:       msg.EventName,
		ProgramID:   msg.ProgramID,
		Data:        msg.Data,
		Slot:        msg.Slot,
		TxSignature: msg.TxSignature,
		Timestamp:   d.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("webhook", w.ID).Msg("marshal payload")
		return
	}

	logger := d.logger.With().Str("webhook", w.ID).Str("delivery", deliveryID).Str("event", msg.EventName).Logger()

	var elapsed time.Duration
	for attempt, offset := range retryOffsets {
		// Offsets are absolute; sleep only the gap since the last attempt.
		if err := d.sleep(ctx, offset-elapsed); err != nil {
			return
		}
		elapsed = offset

		code, err := d.post(ctx, w, deliveryID, msg.EventName, body)
		if err == nil && code >= 200 && code < 300 {
			if d.Prom != nil {
				d.Prom.WebhookDeliveries.WithLabelValues("delivered").Inc()
			}
			d.record(w.ID, deliveryID, msg.EventName, attempt+1, "delivered", code)
			if err := d.registry.RecordDeliverySuccess(context.WithoutCancel(ctx), w.ID); err != nil {
				logger.Error().Err(err).Msg("record success")
			}
			logger.Debug().Int("attempt", attempt+1).Msg("webhook delivered")
			return
		}

		if d.Prom != nil {
			d.Prom.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
		d.record(w.ID, deliveryID, msg.EventName, attempt+1, "failed", code)
		logger.Warn().Int("attempt", attempt+1).Int("status", code).Err(err).Msg("webhook delivery failed")
	}

	count, err := d.registry.RecordDeliveryFailure(context.WithoutCancel(ctx), w.ID, MaxConsecutiveFailures)
	if err != nil {
		logger.Error().Err(err).Msg("record failure")
		return
	}
	if count >= MaxConsecutiveFailures {
		logger.Warn().Int("failures", count).Msg("webhook auto-disabled after persistent failures")
	}
}

func (d *Dispatcher) post(ctx context.Context, w store.Webhook, deliveryID, event string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, Sign(w.Secret, body))
	req.Header.Set(headerEvent, event)
	req.Header.Set(headerDeliveryID, deliveryID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(d.now().Unix(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(webhookID, deliveryID, event string, attempt int, status string, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.registry.InsertDeliveryRecord(ctx, webhookID, deliveryID, event, attempt, status, code); err != nil {
		d.logger.Error().Err(err).Str("webhook", webhookID).Msg("record delivery attempt")
	}
}
