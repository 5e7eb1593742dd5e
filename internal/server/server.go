package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/server/handler"
	"github.com/halcyonlabs/swapbot/internal/server/middleware"
	"github.com/halcyonlabs/swapbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Pending   *handler.PendingHandler
	Status    *handler.StatusHandler
	Strategy  *handler.StrategyHandler
	Archive   *handler.ArchiveHandler
	Shield    *handler.ShieldHandler
	Events    *handler.EventsHandler
}

// Server is the headless HTTP + WebSocket API server for the swap bot.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, logging, CORS, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// DCA order endpoints.
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", handlers.Orders.CreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("POST /api/orders/{id}/pause", handlers.Orders.PauseOrder)
	mux.HandleFunc("POST /api/orders/{id}/resume", handlers.Orders.ResumeOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{owner}/{asset}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{owner}/{asset}/exit", handlers.Positions.ExitPosition)

	// Pending buy / sell approval endpoints.
	mux.HandleFunc("GET /api/pending/buys", handlers.Pending.ListPendingBuys)
	mux.HandleFunc("POST /api/pending/buys/{order_id}/{buy_number}/confirm", handlers.Pending.ConfirmPendingBuy)
	mux.HandleFunc("DELETE /api/pending/buys/{order_id}/{buy_number}", handlers.Pending.DismissPendingBuy)
	mux.HandleFunc("GET /api/pending/sells", handlers.Pending.ListPendingSells)
	mux.HandleFunc("POST /api/pending/sells/{id}/confirm", handlers.Pending.ConfirmPendingSell)
	mux.HandleFunc("DELETE /api/pending/sells/{id}", handlers.Pending.CancelPendingSell)

	// Status, strategy catalog, and shielded balance endpoints.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/strategies", handlers.Strategy.ListStrategies)
	mux.HandleFunc("GET /api/shield/{owner}/balance", handlers.Shield.GetBalance)

	// Trade archive endpoints.
	mux.HandleFunc("GET /api/archives", handlers.Archive.ListArchives)
	mux.HandleFunc("GET /api/archives/{path...}", handlers.Archive.GetArchive)

	// Durable event stream replay.
	mux.HandleFunc("GET /api/events/{channel}", handlers.Events.ListEvents)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-IP rate limiting when a limiter is configured.
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
