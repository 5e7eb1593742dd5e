// Package pricing provides the REST client for the spot-price service.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// rateLimitKey throttles all pricing calls under one shared budget.
const rateLimitKey = "pricing"

// Client is the REST client for the spot-price API. It implements
// domain.PriceProvider with a short in-process cache so tight evaluation
// loops do not hammer the upstream.
type Client struct {
	baseURL    string
	apiKey     string
	cacheTTL   time.Duration
	limiter    domain.RateLimiter
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price float64
	at    time.Time
}

var _ domain.PriceProvider = (*Client)(nil)

// New creates a pricing Client. limiter may be nil, in which case requests
// go out unthrottled.
func New(baseURL, apiKey string, cacheTTL time.Duration, limiter domain.RateLimiter) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   strings.TrimSpace(apiKey),
		cacheTTL: cacheTTL,
		limiter:  limiter,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: make(map[string]cachedPrice),
	}
}

// priceResponse is the upstream response envelope.
type priceResponse struct {
	Data map[string]struct {
		Price float64 `json:"price,string"`
	} `json:"data"`
}

// GetPrice returns the asset's spot price in the quote currency. It serves
// from the in-process cache within the TTL and returns
// domain.ErrPriceUnavailable when the upstream has no quote.
func (c *Client) GetPrice(ctx context.Context, asset string) (float64, error) {
	if c.cacheTTL > 0 {
		c.mu.RLock()
		if cp, ok := c.cache[asset]; ok && time.Since(cp.at) < c.cacheTTL {
			c.mu.RUnlock()
			return cp.price, nil
		}
		c.mu.RUnlock()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			return 0, fmt.Errorf("pricing: rate limit: %w", err)
		}
	}

	params := url.Values{}
	params.Set("ids", asset)

	body, err := c.doGet(ctx, "/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("pricing: get price %s: %w", asset, err)
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("pricing: decode price %s: %w", asset, err)
	}

	entry, ok := resp.Data[asset]
	if !ok || entry.Price <= 0 {
		return 0, fmt.Errorf("pricing: %s: %w", asset, domain.ErrPriceUnavailable)
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.cache[asset] = cachedPrice{price: entry.Price, at: time.Now()}
		c.mu.Unlock()
	}
	return entry.Price, nil
}

// doGet sends a GET request to the pricing API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
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
