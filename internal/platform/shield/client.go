// Package shield provides the REST client for the shielded balance service
// that funds private trades and receives swept proceeds.
package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Client implements domain.ShieldProvider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.ShieldProvider = (*Client)(nil)

// New creates a shield Client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Balance returns the owner's shielded balance in the quote currency.
func (c *Client) Balance(ctx context.Context, owner string) (float64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/balance/"+url.PathEscape(owner), nil)
	if err != nil {
		return 0, fmt.Errorf("shield: balance %s: %w", owner, err)
	}

	var resp struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("shield: decode balance: %w", err)
	}
	return resp.Balance, nil
}

// fundRequest is the withdraw-to-address request envelope.
type fundRequest struct {
	Owner     string  `json:"owner"`
	ToAddress string  `json:"to_address"`
	Amount    float64 `json:"amount"`
}

// Fund moves amount from the owner's shielded balance to the target address.
// It returns domain.ErrInsufficientShield when the balance cannot cover it.
func (c *Client) Fund(ctx context.Context, owner, toAddress string, amount float64) error {
	reqBody, err := json.Marshal(fundRequest{Owner: owner, ToAddress: toAddress, Amount: amount})
	if err != nil {
		return fmt.Errorf("shield: marshal fund request: %w", err)
	}

	_, err = c.doRequest(ctx, http.MethodPost, "/fund", reqBody)
	if err != nil {
		if isInsufficient(err) {
			return fmt.Errorf("shield: fund %s: %w", owner, domain.ErrInsufficientShield)
		}
		return fmt.Errorf("shield: fund %s: %w", owner, err)
	}
	return nil
}

// depositRequest is the sweep-back request envelope. The service verifies
// ownership of the source address through a signed challenge.
type depositRequest struct {
	Owner     string  `json:"owner"`
	From      string  `json:"from"`
	Amount    float64 `json:"amount"`
	Signature string  `json:"signature"`
}

// Deposit sweeps amount from a funded address back into the owner's shielded
// balance, proving control of the address with its signer.
func (c *Client) Deposit(ctx context.Context, owner string, from domain.Signer, amount float64) error {
	challenge := fmt.Sprintf("deposit:%s:%s:%f", owner, from.Address(), amount)
	sig, err := from.SignPayload([]byte(challenge))
	if err != nil {
		return fmt.Errorf("shield: deposit %s: %w", owner, err)
	}

	reqBody, err := json.Marshal(depositRequest{
		Owner:     owner,
		From:      from.Address(),
		Amount:    amount,
		Signature: sig,
	})
	if err != nil {
		return fmt.Errorf("shield: marshal deposit request: %w", err)
	}

	if _, err := c.doRequest(ctx, http.MethodPost, "/deposit", reqBody); err != nil {
		return fmt.Errorf("shield: deposit %s: %w", owner, err)
	}
	return nil
}

// isInsufficient matches the service's insufficient-balance rejection.
func isInsufficient(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient")
}

// doRequest sends a JSON request to the shield service.
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
