package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/uholabs/uho/internal/metrics"
)

// ErrTransient marks failures worth retrying on the next poll tick:
// network errors, 5xx responses and retry exhaustion.
var ErrTransient = errors.New("transient rpc failure")

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	baseBackoff    = 250 * time.Millisecond

	// MaxSignaturePageSize is the RPC-imposed limit per page.
	MaxSignaturePageSize = 1000
)

// Client talks JSON-RPC 2.0 to one Solana node.
type Client struct {
	endpoint   string
	commitment string
	http       *http.Client
	logger     zerolog.Logger

	// Prom, when set, counts requests by method and outcome.
	Prom *metrics.Prom

	nextID int64
}

// New creates a Client with the standard 10 s request timeout.
func New(endpoint, commitment string, logger zerolog.Logger) *Client {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	return &Client{
		endpoint:   endpoint,
		commitment: commitment,
		http:       &http.Client{Timeout: requestTimeout},
		logger:     logger.With().Str("component", "rpc").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request with retry on network errors and
// 5xx responses: 3 attempts, 250 ms × 2ⁿ backoff. JSON-RPC level errors
// are terminal.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff * time.Duration(1<<(attempt-1))
			c.logger.Debug().Str("method", method).Int("attempt", attempt+1).Dur("backoff", delay).Msg("retrying rpc call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		result, err := c.post(ctx, method, body)
		if c.Prom != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			c.Prom.RPCRequests.WithLabelValues(method, outcome).Inc()
		}
		if err == nil {
			if out == nil || string(result) == "null" {
				return nil
			}
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
			return nil
		}

		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%s: %w", method, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrTransient, method, maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &rpcError{Code: resp.StatusCode, Message: string(data)}
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

// GetCurrentSlot returns the node's current slot at the client's
// commitment.
func (c *Client) GetCurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", []any{map[string]any{"commitment": c.commitment}}, &slot)
	return slot, err
}

// SignaturesOpts controls one getSignaturesForAddress page. Before/Until
// are exclusive cursors; the page is newest-first.
type SignaturesOpts struct {
	Limit  int
	Before string
	Until  string
}

// GetSignaturesForAddress fetches one page of signatures mentioning the
// address, newest first. Pagination by the Before cursor is the caller's
// responsibility.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts SignaturesOpts) ([]SignatureInfo, error) {
	cfg := map[string]any{"commitment": c.commitment}
	if opts.Limit > 0 && opts.Limit <= MaxSignaturePageSize {
		cfg["limit"] = opts.Limit
	} else {
		cfg["limit"] = MaxSignaturePageSize
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}

	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{address, cfg}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetParsedTransaction fetches the jsonParsed form of one transaction.
// A nil result with nil error means the node does not (yet) see the
// signature; callers re-try on their next tick.
func (c *Client) GetParsedTransaction(ctx context.Context, signature string) (*ParsedTx, error) {
	cfg := map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}
	var out *ParsedTx
	if err := c.call(ctx, "getTransaction", []any{signature, cfg}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
