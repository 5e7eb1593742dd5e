// Package aggregator provides the REST client for the DEX aggregator that
// quotes and builds swap transactions.
package aggregator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

const rateLimitKey = "aggregator"

// Client is the REST client for the swap aggregator API. It implements
// domain.SwapAggregator.
type Client struct {
	baseURL    string
	apiKey     string
	limiter    domain.RateLimiter
	httpClient *http.Client
}

var _ domain.SwapAggregator = (*Client)(nil)

// New creates an aggregator Client. limiter may be nil.
func New(baseURL, apiKey string, limiter domain.RateLimiter) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiQuote is the upstream quote envelope.
type apiQuote struct {
	QuoteID     string  `json:"quoteId"`
	InputMint   string  `json:"inputMint"`
	OutputMint  string  `json:"outputMint"`
	InAmount    float64 `json:"inAmount,string"`
	OutAmount   float64 `json:"outAmount,string"`
	Price       float64 `json:"price,string"`
	SlippageBps int     `json:"slippageBps"`
	RoutePlan   []struct {
		Label string `json:"label"`
	} `json:"routePlan"`
}

// GetQuote requests a swap quote for amount of fromAsset into toAsset.
func (c *Client) GetQuote(ctx context.Context, fromAsset, toAsset string, amount float64, slippageBps int) (domain.SwapQuote, error) {
	if err := c.wait(ctx); err != nil {
		return domain.SwapQuote{}, err
	}

	params := url.Values{}
	params.Set("inputMint", fromAsset)
	params.Set("outputMint", toAsset)
	params.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	body, err := c.doRequest(ctx, http.MethodGet, "/quote?"+params.Encode(), nil)
	if err != nil {
		return domain.SwapQuote{}, fmt.Errorf("aggregator: get quote %s->%s: %w", fromAsset, toAsset, err)
	}

	var q apiQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return domain.SwapQuote{}, fmt.Errorf("aggregator: decode quote: %w", err)
	}

	var route string
	if len(q.RoutePlan) > 0 {
		labels := make([]string, 0, len(q.RoutePlan))
		for _, leg := range q.RoutePlan {
			labels = append(labels, leg.Label)
		}
		route = strings.Join(labels, ">")
	}

	return domain.SwapQuote{
		FromAsset:   fromAsset,
		ToAsset:     toAsset,
		InAmount:    q.InAmount,
		OutAmount:   q.OutAmount,
		Price:       q.Price,
		SlippageBps: q.SlippageBps,
		Route:       route,
		QuoteID:     q.QuoteID,
	}, nil
}

// swapRequest is the payload-build request envelope.
type swapRequest struct {
	QuoteID string `json:"quoteId"`
	Payer   string `json:"payer"`
}

// swapResponse carries the unsigned serialized transaction.
type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"` // base64
	LastValidBlock  uint64 `json:"lastValidBlockHeight"`
}

// BuildSwap builds an unsigned transaction for the quote, bound to payer.
func (c *Client) BuildSwap(ctx context.Context, quote domain.SwapQuote, payer string) (domain.SwapPayload, error) {
	if err := c.wait(ctx); err != nil {
		return domain.SwapPayload{}, err
	}

	reqBody, err := json.Marshal(swapRequest{QuoteID: quote.QuoteID, Payer: payer})
	if err != nil {
		return domain.SwapPayload{}, fmt.Errorf("aggregator: marshal swap request: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/swap", reqBody)
	if err != nil {
		return domain.SwapPayload{}, fmt.Errorf("aggregator: build swap %s: %w", quote.QuoteID, err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SwapPayload{}, fmt.Errorf("aggregator: decode swap: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return domain.SwapPayload{}, fmt.Errorf("aggregator: decode swap transaction: %w", err)
	}

	return domain.SwapPayload{
		Raw:            raw,
		QuoteID:        quote.QuoteID,
		LastValidBlock: resp.LastValidBlock,
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
		return fmt.Errorf("aggregator: rate limit: %w", err)
	}
	return nil
}

// doRequest sends a JSON request to the aggregator API.
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
		req.Header.Set("X-API-Key", c.apiKey)
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
