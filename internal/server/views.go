package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/uholabs/uho/internal/schema"
	"github.com/uholabs/uho/internal/store"
)

// viewRequest is the view registration payload. The refresh interval
// rides as whole seconds.
type viewRequest struct {
	schema.View
	RefreshSeconds int `json:"refresh_seconds,omitempty"`
}

// createView registers a materialized view over one of the
// subscription's event or instruction tables.
func (h *handlers) createView(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}

	var req viewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	def := req.View
	if req.RefreshSeconds > 0 {
		def.RefreshInterval = time.Duration(req.RefreshSeconds) * time.Second
	}

	v, err := h.pipelines.CreateView(r.Context(), sub.ID, def)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, schema.ErrInvalidView) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, v)
}

func (h *handlers) listViews(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}
	views, err := h.pipelines.ListViews(r.Context(), sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, views)
}

func (h *handlers) deleteView(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}
	if err := h.pipelines.DeleteView(r.Context(), sub.ID, r.PathValue("name")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
