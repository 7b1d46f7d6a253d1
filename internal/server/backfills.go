package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/uholabs/uho/internal/backfill"
	"github.com/uholabs/uho/internal/store"
)

type backfillRequest struct {
	StartSlot uint64 `json:"start_slot"`
	// EndSlot zero means "up to the chain head".
	EndSlot uint64 `json:"end_slot,omitempty"`
}

func (h *handlers) createBackfill(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	head, err := h.chain.GetCurrentSlot(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	rng, err := backfill.ClampRange(backfill.Range{StartSlot: req.StartSlot, EndSlot: req.EndSlot}, head)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	jobID, err := h.backfills.Create(r.Context(), tenant, sub.ID, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.backfills.Start(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeStatusJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"start_slot": rng.StartSlot,
		"end_slot":   rng.EndSlot,
	})
}

func (h *handlers) listBackfills(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	jobs, err := h.registry.ListBackfillJobs(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, jobs)
}

type backfillStatus struct {
	store.BackfillJob
	Running bool `json:"running"`
}

// ownedBackfill loads the job and enforces tenant ownership.
func (h *handlers) ownedBackfill(w http.ResponseWriter, r *http.Request, tenantID string) (store.BackfillJob, bool) {
	id := r.PathValue("id")
	job, ok, err := h.registry.GetBackfillJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return store.BackfillJob{}, false
	}
	if !ok || job.TenantID != tenantID {
		writeError(w, http.StatusNotFound, errors.New("backfill job not found"))
		return store.BackfillJob{}, false
	}
	return job, true
}

func (h *handlers) getBackfill(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	job, ok := h.ownedBackfill(w, r, tenant)
	if !ok {
		return
	}
	writeJSON(w, backfillStatus{BackfillJob: job, Running: h.backfills.IsRunning(job.ID)})
}

func (h *handlers) cancelBackfill(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	job, ok := h.ownedBackfill(w, r, tenant)
	if !ok {
		return
	}
	if err := h.backfills.Cancel(job.ID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]string{"job_id": job.ID, "status": "cancelling"})
}

func (h *handlers) retryBackfill(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	job, ok := h.ownedBackfill(w, r, tenant)
	if !ok {
		return
	}
	newID, err := h.backfills.Retry(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeStatusJSON(w, http.StatusAccepted, map[string]string{"job_id": newID, "retried_from": job.ID})
}
