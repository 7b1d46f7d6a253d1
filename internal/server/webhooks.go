package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/uholabs/uho/internal/store"
)

type webhookRequest struct {
	URL         string         `json:"url"`
	EventFilter []string       `json:"event_filter,omitempty"`
	FieldFilter map[string]any `json:"field_filter,omitempty"`
}

// webhookCreated carries the signing secret. This is the only response
// that ever includes it.
type webhookCreated struct {
	store.Webhook
	Secret string `json:"secret"`
}

func (h *handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	hook := &store.Webhook{
		TenantID:       tenant,
		SubscriptionID: sub.ID,
		URL:            req.URL,
		EventFilter:    req.EventFilter,
		FieldFilter:    req.FieldFilter,
	}
	if err := h.registry.CreateWebhook(r.Context(), hook); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, webhookCreated{Webhook: *hook, Secret: hook.Secret})
}

func (h *handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	hooks, err := h.registry.ListWebhooks(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, hooks)
}

func (h *handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	if err := h.registry.DeleteWebhook(r.Context(), tenant, r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
