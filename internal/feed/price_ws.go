// Package feed streams real-time prices from the pricing service into the
// engine's exit evaluation loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// PriceUpdate is one spot price observation from the feed.
type PriceUpdate struct {
	Asset     string
	Price     float64
	Timestamp time.Time
}

// PriceHandler is called for each received price update.
type PriceHandler func(PriceUpdate)

// wsCommand is the subscribe/unsubscribe envelope the pricing feed accepts.
type wsCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets"`
}

// priceMessage is the wire shape of a price update. Prices arrive as strings
// to keep full precision over JSON.
type priceMessage struct {
	Type      string `json:"type"`
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSClient is a WebSocket client for the pricing service's streaming feed.
// It manages the connection lifecycle, the asset subscription set, and
// dispatches price updates to registered handlers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscribed assets, restored on reconnect.
	assets map[string]struct{}

	handlerMu sync.RWMutex
	handlers  []PriceHandler

	done chan struct{}
}

// NewWSClient creates a client for the given feed endpoint, e.g.
// "wss://stream.price.jup.ag/v1/prices".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		assets: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores the current
// subscription set.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.assets) > 0 {
		if err := w.sendCommand(wsCommand{Type: "subscribe", Assets: w.assetList()}); err != nil {
			return fmt.Errorf("feed: restore subscriptions: %w", err)
		}
	}
	return nil
}

// SetAssets replaces the subscription set, unsubscribing from assets no
// longer wanted and subscribing to new ones.
func (w *WSClient) SetAssets(assets []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	want := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		want[a] = struct{}{}
	}

	var added, removed []string
	for a := range want {
		if _, ok := w.assets[a]; !ok {
			added = append(added, a)
		}
	}
	for a := range w.assets {
		if _, ok := want[a]; !ok {
			removed = append(removed, a)
		}
	}
	w.assets = want

	if w.conn == nil {
		return nil // applied on next Connect
	}
	if len(added) > 0 {
		if err := w.sendCommand(wsCommand{Type: "subscribe", Assets: added}); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	if len(removed) > 0 {
		if err := w.sendCommand(wsCommand{Type: "unsubscribe", Assets: removed}); err != nil {
			return fmt.Errorf("feed: unsubscribe: %w", err)
		}
	}
	return nil
}

// OnPrice registers a handler called for every price update received.
func (w *WSClient) OnPrice(handler PriceHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendCommand sends a JSON command. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// assetList snapshots the subscription set. Caller must hold w.mu.
func (w *WSClient) assetList() []string {
	out := make([]string, 0, len(w.assets))
	for a := range w.assets {
		out = append(out, a)
	}
	return out
}

// readLoop reads messages and dispatches price updates. On disconnect it
// reconnects with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return // a fresh readLoop starts from reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one raw message and fans it out. Unparseable or
// non-price messages are dropped silently.
func (w *WSClient) handleMessage(raw []byte) {
	var msg priceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "" && msg.Type != "price" {
		return
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || price <= 0 || msg.Asset == "" {
		return
	}

	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	update := PriceUpdate{Asset: msg.Asset, Price: price, Timestamp: ts}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	b := &backoff.Backoff{
		Min:    reconnectDelay,
		Max:    maxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(b.Duration())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}
