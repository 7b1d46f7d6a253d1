package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/query"
	"github.com/uholabs/uho/internal/store"
)

// reservedEventParams are query keys with fixed meaning; every other
// key is treated as an equality filter on a decoded column.
var reservedEventParams = map[string]bool{
	"event": true, "slot_from": true, "slot_to": true,
	"from": true, "to": true, "order_by": true, "order": true, "limit": true,
}

// parseEventParams maps the request query string onto query.Params.
// Times are RFC 3339; order is "asc" or "desc".
func parseEventParams(values url.Values) (query.Params, error) {
	p := query.Params{
		EventName: values.Get("event"),
		OrderBy:   values.Get("order_by"),
	}
	if p.EventName == "" {
		return p, errors.New("event parameter is required")
	}

	switch values.Get("order") {
	case "", "asc":
	case "desc":
		p.Desc = true
	default:
		return p, fmt.Errorf("order must be asc or desc, got %q", values.Get("order"))
	}

	var err error
	if p.SlotFrom, err = parseSlot(values.Get("slot_from")); err != nil {
		return p, err
	}
	if p.SlotTo, err = parseSlot(values.Get("slot_to")); err != nil {
		return p, err
	}
	if p.From, err = parseTime(values.Get("from")); err != nil {
		return p, err
	}
	if p.To, err = parseTime(values.Get("to")); err != nil {
		return p, err
	}
	if raw := values.Get("limit"); raw != "" {
		if p.Limit, err = strconv.Atoi(raw); err != nil {
			return p, fmt.Errorf("invalid limit %q", raw)
		}
	}

	for key := range values {
		if reservedEventParams[key] {
			continue
		}
		if p.Equals == nil {
			p.Equals = make(map[string]any)
		}
		p.Equals[key] = values.Get(key)
	}
	return p, nil
}

func parseSlot(raw string) (*uint64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid slot %q", raw)
	}
	return &v, nil
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q (want RFC 3339)", raw)
	}
	return &t, nil
}

// eventContext resolves the subscription, its descriptor and namespace
// for one read request.
func (h *handlers) eventContext(w http.ResponseWriter, r *http.Request) (store.Subscription, *idl.ProgramDescriptor, string, bool) {
	tenant := h.tenant(w, r)
	if tenant == "" {
		return store.Subscription{}, nil, "", false
	}
	sub, ok := h.ownedSubscription(w, r, tenant)
	if !ok {
		return store.Subscription{}, nil, "", false
	}
	desc, err := idl.Parse(sub.IDL, sub.ProgramID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("stored idl: %w", err))
		return store.Subscription{}, nil, "", false
	}
	return sub, desc, db.TenantNamespace(sub.TenantID), true
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	_, desc, namespace, ok := h.eventContext(w, r)
	if !ok {
		return
	}
	p, err := parseEventParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.events.ListEvents(r.Context(), namespace, desc, p)
	if err != nil {
		writeError(w, queryErrorStatus(err), err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, map[string]any{"event": p.EventName, "count": len(rows), "rows": rows})
}

func (h *handlers) countEvents(w http.ResponseWriter, r *http.Request) {
	_, desc, namespace, ok := h.eventContext(w, r)
	if !ok {
		return
	}
	p, err := parseEventParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	count, err := h.events.CountEvents(r.Context(), namespace, desc, p)
	if err != nil {
		writeError(w, queryErrorStatus(err), err)
		return
	}
	writeJSON(w, map[string]any{"event": p.EventName, "count": count})
}

func (h *handlers) eventsByTx(w http.ResponseWriter, r *http.Request) {
	_, desc, namespace, ok := h.eventContext(w, r)
	if !ok {
		return
	}
	eventName := r.URL.Query().Get("event")
	if eventName == "" {
		writeError(w, http.StatusBadRequest, errors.New("event parameter is required"))
		return
	}
	signature := r.PathValue("signature")

	rows, err := h.events.EventsByTx(r.Context(), namespace, desc, eventName, signature)
	if err != nil {
		writeError(w, queryErrorStatus(err), err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no %s events in transaction %s", eventName, signature))
		return
	}
	writeJSON(w, map[string]any{"event": eventName, "tx_signature": signature, "rows": rows})
}

func queryErrorStatus(err error) int {
	switch {
	case errors.Is(err, query.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, query.ErrBadParams):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
