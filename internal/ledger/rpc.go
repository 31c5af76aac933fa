package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/resilience"
)

// maxResponseBytes bounds a single RPC response body.
const maxResponseBytes = 4 << 20

// rpcClient posts JSON bodies to a node endpoint under a resilience guard.
type rpcClient struct {
	service string
	url     string
	http    *http.Client
	guard   *resilience.Guard
	nextID  atomic.Int64
}

func newRPCClient(service, url string, rps float64, hc *http.Client) *rpcClient {
	if hc == nil {
		hc = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &rpcClient{
		service: service,
		url:     url,
		http:    hc,
		guard:   resilience.NewGuard(service, rps, resilience.DefaultRetryConfig(), nil),
	}
}

// post sends body and hands the raw response to check inside the guard, so
// transient errors reported in the body are retried like transport errors.
// Requests that are not idempotent are sent once.
func (c *rpcClient) post(ctx context.Context, operation string, idempotent bool, body any, check func(raw []byte) error) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrapf(err, "%s: marshal %s", c.service, operation)
	}

	attempt := func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, eris.Wrapf(err, "%s: create request", c.service)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, eris.Wrapf(err, "%s: %s", c.service, operation)
		}
		defer resp.Body.Close() //nolint:errcheck

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return struct{}{}, eris.Wrapf(err, "%s: read %s response", c.service, operation)
		}
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, resilience.StatusError(c.service, resp.StatusCode, string(raw))
		}
		return struct{}{}, check(raw)
	}
	if idempotent {
		_, err = resilience.Call(ctx, c.guard, operation, attempt)
	} else {
		_, err = resilience.CallOnce(ctx, c.guard, attempt)
	}
	return err
}

// --- Ethereum-style JSON-RPC 2.0 ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// callJSONRPC invokes a read-only method and decodes result into out. A null
// result leaves out untouched and reports found=false.
func (c *rpcClient) callJSONRPC(ctx context.Context, method string, out any, params ...any) (bool, error) {
	return c.jsonRPC(ctx, method, true, out, params)
}

// submitJSONRPC is callJSONRPC for methods that broadcast a transaction.
func (c *rpcClient) submitJSONRPC(ctx context.Context, method string, out any, params ...any) (bool, error) {
	return c.jsonRPC(ctx, method, false, out, params)
}

func (c *rpcClient) jsonRPC(ctx context.Context, method string, idempotent bool, out any, params []any) (bool, error) {
	if params == nil {
		params = []any{}
	}
	var found bool
	err := c.post(ctx, method, idempotent, jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}, func(raw []byte) error {
		var resp jsonRPCResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return eris.Wrapf(err, "%s: decode %s response", c.service, method)
		}
		if resp.Error != nil {
			return resilience.NodeError(c.service, method, strconv.Itoa(resp.Error.Code), resp.Error.Message)
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			return nil
		}
		found = true
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return eris.Wrapf(err, "%s: decode %s result", c.service, method)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// --- rippled JSON-RPC ---

type rippledRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rippledResult struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// rippledError is an application-level error reported by rippled.
type rippledError struct {
	Method  string
	Code    string
	Message string
}

func (e *rippledError) Error() string {
	if e.Message != "" {
		return "xrpl: " + e.Method + ": " + e.Code + ": " + e.Message
	}
	return "xrpl: " + e.Method + ": " + e.Code
}

// callRippled invokes a read-only method with a single params object and
// decodes the "result" member into out.
func (c *rpcClient) callRippled(ctx context.Context, method string, params, out any) error {
	return c.rippled(ctx, method, true, params, out)
}

// submitRippled is callRippled for methods that broadcast a transaction.
func (c *rpcClient) submitRippled(ctx context.Context, method string, params, out any) error {
	return c.rippled(ctx, method, false, params, out)
}

func (c *rpcClient) rippled(ctx context.Context, method string, idempotent bool, params, out any) error {
	return c.post(ctx, method, idempotent, rippledRequest{Method: method, Params: []any{params}}, func(raw []byte) error {
		var envelope struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return eris.Wrapf(err, "%s: decode %s response", c.service, method)
		}
		var status rippledResult
		if err := json.Unmarshal(envelope.Result, &status); err != nil {
			return eris.Wrapf(err, "%s: decode %s status", c.service, method)
		}
		if status.Status == "error" || status.Error != "" {
			rerr := &rippledError{Method: method, Code: status.Error, Message: status.ErrorMessage}
			if resilience.IsTransientNodeCode(status.Error) {
				return resilience.NewTransientError(rerr, 0)
			}
			return rerr
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return eris.Wrapf(err, "%s: decode %s result", c.service, method)
			}
		}
		return nil
	})
}
