package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/backfill"
	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/query"
	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/supervisor"
)

// TenantHeader identifies the caller on tenant-scoped routes.
const TenantHeader = "X-Uho-Tenant"

// ControlStore is the slice of the control-plane store the handlers
// read and write.
type ControlStore interface {
	GetSubscription(ctx context.Context, id string) (store.Subscription, bool, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]store.Subscription, error)
	GetBackfillJob(ctx context.Context, id string) (store.BackfillJob, bool, error)
	ListBackfillJobs(ctx context.Context, tenantID string) ([]store.BackfillJob, error)
	CreateWebhook(ctx context.Context, w *store.Webhook) error
	ListWebhooks(ctx context.Context, tenantID string) ([]store.Webhook, error)
	DeleteWebhook(ctx context.Context, tenantID, id string) error
}

// PipelineAPI is the supervisor surface the handlers drive.
type PipelineAPI interface {
	Provision(ctx context.Context, sub *store.Subscription) (*idl.ProgramDescriptor, error)
	Pause(ctx context.Context, subscriptionID string) error
	Resume(ctx context.Context, subscriptionID string) error
	Archive(ctx context.Context, subscriptionID string) error
	SetEnablement(ctx context.Context, subscriptionID string, events, instructions []string) error
	IsRunning(subscriptionID string) bool

	CreateView(ctx context.Context, subscriptionID string, def schema.View) (store.View, error)
	ListViews(ctx context.Context, subscriptionID string) ([]store.View, error)
	DeleteView(ctx context.Context, subscriptionID, name string) error
}

// BackfillAPI is the job manager surface the handlers drive.
type BackfillAPI interface {
	Create(ctx context.Context, tenantID, subscriptionID string, rng backfill.Range) (string, error)
	Start(ctx context.Context, jobID string) error
	Cancel(jobID string) error
	Retry(ctx context.Context, jobID string) (string, error)
	IsRunning(jobID string) bool
}

// EventReader runs read queries against a tenant's event tables.
type EventReader interface {
	ListEvents(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, p query.Params) ([]map[string]any, error)
	CountEvents(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, p query.Params) (int64, error)
	EventsByTx(ctx context.Context, namespace string, desc *idl.ProgramDescriptor, eventName, signature string) ([]map[string]any, error)
}

// ChainInfo is the RPC surface the handlers need directly.
type ChainInfo interface {
	GetCurrentSlot(ctx context.Context) (uint64, error)
}

type handlers struct {
	registry  ControlStore
	pipelines PipelineAPI
	backfills BackfillAPI
	events    EventReader
	chain     ChainInfo
	bus       *fanout.Bus
	collector *metrics.Collector
	logger    zerolog.Logger
}

func NewHandlers(registry ControlStore, pipelines PipelineAPI, backfills BackfillAPI, events EventReader,
	chain ChainInfo, bus *fanout.Bus, collector *metrics.Collector, logger zerolog.Logger) *handlers {
	return &handlers{
		registry:  registry,
		pipelines: pipelines,
		backfills: backfills,
		events:    events,
		chain:     chain,
		bus:       bus,
		collector: collector,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

var _ PipelineAPI = (*supervisor.Supervisor)(nil)
var _ BackfillAPI = (*backfill.Manager)(nil)
var _ EventReader = (*query.Engine)(nil)
var _ ControlStore = (*store.Store)(nil)

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Snapshot())
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Logs())
}

// tenant reads the caller identity; empty means the request is
// unauthenticated and has already been answered.
func (h *handlers) tenant(w http.ResponseWriter, r *http.Request) string {
	t := r.Header.Get(TenantHeader)
	if t == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing "+TenantHeader+" header"))
	}
	return t
}

// ownedSubscription loads the subscription and enforces tenant
// ownership; foreign subscriptions read as not found.
func (h *handlers) ownedSubscription(w http.ResponseWriter, r *http.Request, tenantID string) (store.Subscription, bool) {
	id := r.PathValue("id")
	sub, ok, err := h.registry.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return store.Subscription{}, false
	}
	if !ok || sub.TenantID != tenantID {
		writeError(w, http.StatusNotFound, errors.New("subscription not found"))
		return store.Subscription{}, false
	}
	return sub, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeStatusJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeStatusJSON(w, status, map[string]string{"error": err.Error()})
}
