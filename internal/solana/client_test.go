package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, CommitmentConfirmed, zerolog.Nop())
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`)) //nolint:errcheck
}

func TestGetCurrentSlot(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getSlot" {
			t.Errorf("method = %q", req.Method)
		}
		writeResult(w, "123456")
	})

	slot, err := c.GetCurrentSlot(context.Background())
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if slot != 123456 {
		t.Errorf("slot = %d", slot)
	}
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		writeResult(w, "77")
	})

	slot, err := c.GetCurrentSlot(context.Background())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if slot != 77 {
		t.Errorf("slot = %d", slot)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryExhaustionIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.GetCurrentSlot(context.Background())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("want ErrTransient, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRPCErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`)) //nolint:errcheck
	})

	_, err := c.GetCurrentSlot(context.Background())
	if err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("want terminal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestGetSignaturesForAddress(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Method != "getSignaturesForAddress" {
			t.Errorf("method = %q", req.Method)
		}
		cfg := req.Params[1].(map[string]any)
		if cfg["until"] != "sigU" || cfg["before"] != "sigB" {
			t.Errorf("cursors not forwarded: %v", cfg)
		}
		if cfg["limit"].(float64) != 100 {
			t.Errorf("limit = %v", cfg["limit"])
		}
		writeResult(w, `[
			{"signature":"s2","slot":20,"err":null},
			{"signature":"s1","slot":10,"err":{"InstructionError":[0,"Custom"]}}
		]`)
	})

	sigs, err := c.GetSignaturesForAddress(context.Background(), "Prog111", SignaturesOpts{
		Limit: 100, Before: "sigB", Until: "sigU",
	})
	if err != nil {
		t.Fatalf("get signatures: %v", err)
	}
	if len(sigs) != 2 || sigs[0].Signature != "s2" || sigs[0].Slot != 20 {
		t.Errorf("sigs = %+v", sigs)
	}
	if sigs[1].Err == nil {
		t.Errorf("failed tx err should survive decoding")
	}
}

func TestGetParsedTransactionNull(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "null")
	})
	tx, err := c.GetParsedTransaction(context.Background(), "sigX")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx != nil {
		t.Errorf("want nil tx for null result")
	}
}

func TestGetParsedTransaction(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		cfg := req.Params[1].(map[string]any)
		if cfg["encoding"] != "jsonParsed" {
			t.Errorf("encoding = %v", cfg["encoding"])
		}
		writeResult(w, `{
			"slot": 200,
			"blockTime": 1700000000,
			"transaction": {
				"signatures": ["sigX"],
				"message": {
					"accountKeys": [{"pubkey":"A","signer":true,"writable":true}],
					"instructions": [{"programId":"P","accounts":["A"],"data":"3Bxs"}]
				}
			},
			"meta": {
				"err": null,
				"logMessages": ["Program data: aGVsbG8="],
				"preTokenBalances": [{"accountIndex":3,"mint":"M","uiTokenAmount":{"amount":"5"}}],
				"postTokenBalances": []
			}
		}`)
	})

	tx, err := c.GetParsedTransaction(context.Background(), "sigX")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Slot != 200 || tx.Failed() {
		t.Errorf("tx = %+v", tx)
	}
	if tx.AccountAt(0) != "A" || tx.AccountAt(5) != "" {
		t.Errorf("account resolution broken")
	}
	if tx.Meta.PreTokenBalances[0].UITokenAmount.Decimals != nil {
		t.Errorf("absent decimals should stay nil")
	}
}
