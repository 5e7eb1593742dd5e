// Package chain provides the RPC client that signs, submits, and confirms
// swap transactions on the ledger.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Client implements domain.LedgerClient over the node's JSON RPC endpoint.
// Submission retries transient failures with exponential backoff; a payload
// whose validity window has lapsed is reported as domain.ErrStalePayload and
// never retried.
type Client struct {
	rpcURL         string
	retries        int
	confirmTimeout time.Duration
	httpClient     *http.Client
}

var _ domain.LedgerClient = (*Client)(nil)

// New creates a chain Client.
func New(rpcURL string, retries int, confirmTimeout time.Duration) *Client {
	return &Client{
		rpcURL:         strings.TrimRight(rpcURL, "/"),
		retries:        retries,
		confirmTimeout: confirmTimeout,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// rpcRequest is the JSON-RPC request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is the JSON-RPC response envelope.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// stale reports whether the node rejected the transaction for an expired
// validity window.
func (e *rpcError) stale() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "block height exceeded") ||
		strings.Contains(msg, "blockhash not found") ||
		strings.Contains(msg, "expired")
}

// Submit signs the payload with the given signer, sends it, and waits for
// confirmation. It returns the confirmed transaction signature.
func (c *Client) Submit(ctx context.Context, payload []byte, signer domain.Signer) (string, error) {
	sig, err := signer.SignPayload(payload)
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}

	signed := struct {
		Transaction string `json:"transaction"` // base64
		Signature   string `json:"signature"`
		Signer      string `json:"signer"`
	}{
		Transaction: base64.StdEncoding.EncodeToString(payload),
		Signature:   sig,
		Signer:      signer.Address(),
	}

	bo := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var txSig string
	for attempt := 0; ; attempt++ {
		var result struct {
			Signature string `json:"signature"`
		}
		err = c.call(ctx, "sendTransaction", []any{signed}, &result)
		if err == nil {
			txSig = result.Signature
			break
		}

		var rerr *rpcError
		if asRPCError(err, &rerr) && rerr.stale() {
			return "", fmt.Errorf("chain: submit: %w", domain.ErrStalePayload)
		}
		if attempt >= c.retries {
			return "", fmt.Errorf("chain: submit after %d attempts: %w", attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("chain: submit: %w", ctx.Err())
		case <-time.After(bo.Duration()):
		}
	}

	if err := c.awaitConfirmation(ctx, txSig); err != nil {
		return "", err
	}
	return txSig, nil
}

// awaitConfirmation polls the node until the transaction is finalized or the
// confirm timeout lapses.
func (c *Client) awaitConfirmation(ctx context.Context, txSig string) error {
	deadline := time.Now().Add(c.confirmTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var result struct {
			Confirmed bool   `json:"confirmed"`
			Err       string `json:"err"`
		}
		if err := c.call(ctx, "getSignatureStatus", []any{txSig}, &result); err == nil {
			if result.Err != "" {
				return fmt.Errorf("chain: transaction %s failed: %s", txSig, result.Err)
			}
			if result.Confirmed {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("chain: confirmation timeout for %s", txSig)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: await confirmation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Balance returns the address's spendable quote-currency balance.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	var result struct {
		Value float64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{address}, &result); err != nil {
		return 0, fmt.Errorf("chain: balance %s: %w", address, err)
	}
	return result.Value, nil
}

// wrappedRPCError lets callers unwrap the node error through fmt wrapping.
type wrappedRPCError struct {
	err *rpcError
}

func (w *wrappedRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", w.err.Code, w.err.Message)
}

func asRPCError(err error, out **rpcError) bool {
	for err != nil {
		if w, ok := err.(*wrappedRPCError); ok {
			*out = w.err
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// call performs a single JSON-RPC round trip.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return &wrappedRPCError{err: envelope.Error}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
