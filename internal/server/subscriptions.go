package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/store"
)

// registerRequest is the program registration payload. The IDL document
// rides embedded; its dialect is detected server-side.
type registerRequest struct {
	ProgramID           string          `json:"program_id"`
	ProgramName         string          `json:"program_name,omitempty"`
	IDL                 json.RawMessage `json:"idl"`
	EnabledEvents       []string        `json:"enabled_events,omitempty"`
	EnabledInstructions []string        `json:"enabled_instructions,omitempty"`
	CPITransfers        bool            `json:"cpi_transfers,omitempty"`
	BalanceDeltas       bool            `json:"balance_deltas,omitempty"`
}

type registerResponse struct {
	Subscription store.Subscription `json:"subscription"`
	Events       []string           `json:"events"`
	Instructions []string           `json:"instructions"`
}

func (h *handlers) registerProgram(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	if len(req.IDL) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("idl document is required"))
		return
	}

	sub := &store.Subscription{
		TenantID:            tenant,
		ProgramID:           req.ProgramID,
		ProgramName:         req.ProgramName,
		IDL:                 []byte(req.IDL),
		EnabledEvents:       req.EnabledEvents,
		EnabledInstructions: req.EnabledInstructions,
		CPITransfers:        req.CPITransfers,
		BalanceDeltas:       req.BalanceDeltas,
	}

	desc, err := h.pipelines.Provision(r.Context(), sub)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, idl.ErrInvalidIDL) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}

	resp := registerResponse{Subscription: *sub}
	for _, ev := range desc.Events {
		resp.Events = append(resp.Events, ev.Name)
	}
	for _, ix := range desc.Instructions {
		resp.Instructions = append(resp.Instructions, ix.Name)
	}
	writeStatusJSON(w, http.StatusCreated, resp)
}

func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	subs, err := h.registry.ListSubscriptions(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, subs)
}

type subscriptionStatus struct {
	store.Subscription
	Running bool `json:"running"`
}

func (h *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}
	writeJSON(w, subscriptionStatus{Subscription: sub, Running: h.pipelines.IsRunning(sub.ID)})
}

func (h *handlers) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.pipelines.Pause, "paused")
}

func (h *handlers) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.pipelines.Resume, "resumed")
}

func (h *handlers) archiveSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.pipelines.Archive, "archived")
}

type enablementRequest struct {
	EnabledEvents       []string `json:"enabled_events"`
	EnabledInstructions []string `json:"enabled_instructions"`
}

// setEnablement replaces the subscription's decode lists. Empty lists
// mean "everything the IDL declares".
func (h *handlers) setEnablement(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}

	var req enablementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	if err := h.pipelines.SetEnablement(r.Context(), sub.ID, req.EnabledEvents, req.EnabledInstructions); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	sub, ok, err := h.registry.GetSubscription(r.Context(), sub.ID)
	if err != nil || !ok {
		writeError(w, http.StatusInternalServerError, errors.New("subscription reload failed"))
		return
	}
	writeJSON(w, sub)
}

// transition applies one lifecycle change after the ownership check.
func (h *handlers) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string) error, verb string) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return
	}
	if err := op(r.Context(), sub.ID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]string{"id": sub.ID, "status": verb})
}
