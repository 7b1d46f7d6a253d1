package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/store"
)

func TestSign(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign("topsecret", body)

	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature = %q", sig)
	}
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	if sig != "sha256="+hex.EncodeToString(mac.Sum(nil)) {
		t.Errorf("signature mismatch: %q", sig)
	}
}

func TestMatches(t *testing.T) {
	msg := fanout.Message{
		EventName: "swap_executed",
		Data:      map[string]any{"amount": int64(1500), "trader": "Pk1"},
	}

	t.Run("empty filter matches all", func(t *testing.T) {
		if !Matches(store.Webhook{}, msg) {
			t.Error("empty filters should match")
		}
	})

	t.Run("event filter inclusion", func(t *testing.T) {
		w := store.Webhook{EventFilter: []string{"other", "swap_executed"}}
		if !Matches(w, msg) {
			t.Error("listed event should match")
		}
		w.EventFilter = []string{"other"}
		if Matches(w, msg) {
			t.Error("unlisted event should not match")
		}
	})

	t.Run("field filter equality", func(t *testing.T) {
		w := store.Webhook{FieldFilter: map[string]any{"trader": "Pk1"}}
		if !Matches(w, msg) {
			t.Error("equal field should match")
		}
		w.FieldFilter = map[string]any{"trader": "Pk2"}
		if Matches(w, msg) {
			t.Error("unequal field should not match")
		}
		w.FieldFilter = map[string]any{"missing": "x"}
		if Matches(w, msg) {
			t.Error("absent field should not match")
		}
	})

	t.Run("numeric filters survive json types", func(t *testing.T) {
		// Filters arrive from JSON as float64; data carries int64.
		w := store.Webhook{FieldFilter: map[string]any{"amount": float64(1500)}}
		if !Matches(w, msg) {
			t.Error("1500.0 should equal int64(1500)")
		}
	})
}

type fakeRegistry struct {
	mu        sync.Mutex
	subs      []store.Subscription
	hooks     map[string][]store.Webhook
	successes []string
	failures  []string
	records   []string
	count     int
}

func (f *fakeRegistry) SubscriptionsByProgram(_ context.Context, _ string) ([]store.Subscription, error) {
	return f.subs, nil
}

func (f *fakeRegistry) ActiveWebhooks(_ context.Context, subID string) ([]store.Webhook, error) {
	return f.hooks[subID], nil
}

func (f *fakeRegistry) RecordDeliverySuccess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeRegistry) RecordDeliveryFailure(_ context.Context, id string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
	f.count++
	return f.count, nil
}

func (f *fakeRegistry) InsertDeliveryRecord(_ context.Context, webhookID, _, _ string, _ int, status string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, webhookID+":"+status)
	return nil
}

func instantDispatcher(reg Registry) *Dispatcher {
	d := NewDispatcher(reg, zerolog.Nop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDeliverySuccess(t *testing.T) {
	var gotSig, gotEvent, gotDelivery string
	var gotRaw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Uho-Signature")
		gotEvent = r.Header.Get("X-Uho-Event")
		gotDelivery = r.Header.Get("X-Uho-Delivery-Id")
		gotRaw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	d := instantDispatcher(reg)
	d.now = func() time.Time { return time.Date(2026, 8, 24, 12, 30, 45, 0, time.UTC) }
	hook := store.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s3cret"}
	msg := fanout.Message{
		ProgramID: "Prog1", EventName: "swap_executed", Slot: 42,
		TxSignature: "sigX", Data: map[string]any{"amount": 5},
	}

	d.deliverWithRetry(context.Background(), hook, msg)

	if len(reg.successes) != 1 || reg.successes[0] != "wh-1" {
		t.Fatalf("successes = %v", reg.successes)
	}
	if gotEvent != "swap_executed" || !strings.HasPrefix(gotDelivery, "del_") {
		t.Errorf("headers: event=%q delivery=%q", gotEvent, gotDelivery)
	}

	var gotBody Payload
	if err := json.Unmarshal(gotRaw, &gotBody); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if gotBody.TxSignature != "sigX" || gotBody.Slot != 42 || gotBody.ID != gotDelivery {
		t.Errorf("payload = %+v", gotBody)
	}
	if gotSig != Sign("s3cret", gotRaw) {
		t.Errorf("signature %q does not verify against the request body", gotSig)
	}
	if gotBody.Timestamp != "2026-08-24T12:30:45.000Z" {
		t.Errorf("timestamp = %q, want millisecond precision", gotBody.Timestamp)
	}
}

func TestRetryScheduleOffsets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	d := NewDispatcher(reg, zerolog.Nop())

	// Fake clock: accumulate sleeps so each entry is the attempt's
	// absolute time from the first.
	var clock time.Duration
	var attemptsAt []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		if dur < 0 {
			t.Errorf("negative sleep %v", dur)
		}
		clock += dur
		attemptsAt = append(attemptsAt, clock)
		return nil
	}

	d.deliverWithRetry(context.Background(), store.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s"}, fanout.Message{EventName: "e"})

	want := []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute, 60 * time.Minute}
	if len(attemptsAt) != len(want) {
		t.Fatalf("attempts = %d, want %d", len(attemptsAt), len(want))
	}
	for i, at := range attemptsAt {
		if at != want[i] {
			t.Errorf("attempt %d at t=%v, want t=%v", i+1, at, want[i])
		}
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	d := instantDispatcher(reg)
	d.deliverWithRetry(context.Background(), store.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s"}, fanout.Message{EventName: "e"})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(reg.successes) != 1 || len(reg.failures) != 0 {
		t.Errorf("successes=%v failures=%v", reg.successes, reg.failures)
	}
}

func TestDeliveryExhaustsSchedule(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	d := instantDispatcher(reg)
	d.deliverWithRetry(context.Background(), store.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s"}, fanout.Message{EventName: "e"})

	if calls != len(retryOffsets) {
		t.Errorf("calls = %d, want %d", calls, len(retryOffsets))
	}
	if len(reg.failures) != 1 {
		t.Errorf("failures = %v, want one streak increment per message", reg.failures)
	}
}

func TestRequireHTTPSRefusesPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("plain-http target should never be called")
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	d := instantDispatcher(reg)
	d.RequireHTTPS = true
	d.deliverWithRetry(context.Background(), store.Webhook{ID: "wh-1", URL: srv.URL, Secret: "s"}, fanout.Message{})

	if len(reg.failures) != 0 && len(reg.successes) != 0 {
		t.Errorf("refused target should not touch the registry")
	}
}

func TestDispatchMatching(t *testing.T) {
	var delivered int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := &fakeRegistry{
		subs: []store.Subscription{
			{ID: "sub-1", TenantID: "tenant-1", ProgramID: "Prog1"},
			{ID: "sub-2", TenantID: "tenant-2", ProgramID: "Prog1"}, // not a subscriber
		},
		hooks: map[string][]store.Webhook{
			"sub-1": {{ID: "wh-1", URL: srv.URL, Secret: "s"}},
			"sub-2": {{ID: "wh-2", URL: srv.URL, Secret: "s"}},
		},
	}
	d := instantDispatcher(reg)

	d.Dispatch(context.Background(), fanout.Message{
		ProgramID:   "Prog1",
		EventName:   "e",
		Subscribers: []string{"tenant-1"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := delivered
		mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (only the subscribed tenant)", delivered)
	}
}
