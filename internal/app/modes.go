package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/halcyonlabs/swapbot/internal/blob/s3"
	"github.com/halcyonlabs/swapbot/internal/engine"
	"github.com/halcyonlabs/swapbot/internal/feed"
	"github.com/halcyonlabs/swapbot/internal/server"
	"github.com/halcyonlabs/swapbot/internal/server/handler"
	"github.com/halcyonlabs/swapbot/internal/server/ws"
)

// TradeMode runs the full trading loop: the DCA scheduler, the price feed
// driving exit evaluation, maintenance sweeps, and (when enabled) the HTTP
// API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	eng := a.buildEngine(deps, a.cfg.Engine.AutoExecute)

	g.Go(func() error {
		return eng.RunScheduler(ctx)
	})
	g.Go(func() error {
		return eng.RunMaintenance(ctx)
	})

	a.startPriceFeed(ctx, g, eng)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}

	return g.Wait()
}

// MonitorMode runs the price feed and exit evaluation without automatic
// execution: exits are staged for manual approval, no DCA buys are scheduled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	eng := a.buildEngine(deps, false)

	a.startPriceFeed(ctx, g, eng)

	// The HTTP server is always started in monitor mode so staged work can
	// be reviewed and confirmed.
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// ServerMode runs only the HTTP API and WebSocket hub over the shared stores.
// No scheduling, feeds, or sweeps run in this process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	eng := a.buildEngine(deps, a.cfg.Engine.AutoExecute)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// FullMode runs every subsystem in one process: scheduler, price feed,
// maintenance sweeps, HTTP API, and WebSocket hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	eng := a.buildEngine(deps, a.cfg.Engine.AutoExecute)

	g.Go(func() error {
		return eng.RunScheduler(ctx)
	})
	g.Go(func() error {
		return eng.RunMaintenance(ctx)
	})

	a.startPriceFeed(ctx, g, eng)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// buildEngine assembles the lifecycle engine from the wired dependencies.
func (a *App) buildEngine(deps *Dependencies, autoExecute bool) *engine.Engine {
	cfg := engine.Config{
		AutoExecute:          autoExecute,
		TickInterval:         a.cfg.Engine.TickInterval.Duration,
		ExitDebounce:         a.cfg.Engine.ExitDebounce.Duration,
		PendingBuyTTL:        a.cfg.Engine.PendingBuyTTL.Duration,
		PendingSellTTL:       a.cfg.Engine.PendingSellTTL.Duration,
		LockTTL:              a.cfg.Engine.LockTTL.Duration,
		MaxPositions:         a.cfg.Engine.MaxPositions,
		SettleDelay:          a.cfg.Shield.SettleDelay.Duration,
		QuoteAsset:           a.cfg.Aggregator.QuoteAsset,
		DefaultSlippageBps:   a.cfg.Aggregator.DefaultSlippageBps,
		PurgeAfterDays:       a.cfg.Engine.PurgeAfterDays,
		ArchiveRetentionDays: a.cfg.Engine.ArchiveRetention,
	}

	ed := engine.Deps{
		Positions:    deps.PositionStore,
		Orders:       deps.OrderStore,
		Trades:       deps.TradeStore,
		Audit:        deps.AuditStore,
		PendingBuys:  deps.PendingBuys,
		PendingSells: deps.PendingSells,
		PriceCache:   deps.PriceCache,
		Prices:       deps.Prices,
		Aggregator:   deps.Aggregator,
		Ledger:       deps.Ledger,
		Shield:       deps.Shield,
		Signers:      deps.Signers,
		Locks:        deps.LockManager,
		Bus:          deps.SignalBus,
		Notifier:     deps.Notifier,
	}
	// A nil *Archiver must stay a nil interface so the engine skips archival.
	if deps.Archiver != nil {
		ed.Archiver = deps.Archiver
	}

	return engine.New(cfg, ed, a.logger)
}

// startPriceFeed adds the WebSocket price feed goroutine to the errgroup. The
// feed pushes ticks into the engine, which evaluates exit conditions for the
// affected asset. When no feed URL is configured the feed is skipped and only
// scheduler-driven price reads happen.
func (a *App) startPriceFeed(ctx context.Context, g *errgroup.Group, eng *engine.Engine) {
	if a.cfg.Pricing.WsURL == "" {
		a.logger.InfoContext(ctx, "pricing.ws_url not set, skipping live price feed")
		return
	}

	client := feed.NewWSClient(a.cfg.Pricing.WsURL)
	feeder := feed.NewFeeder(client, eng, eng.WatchedAssets, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:        a.cfg.Mode,
		AutoExecute: a.cfg.Engine.AutoExecute,
		StartedAt:   time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Orders:    handler.NewOrderHandler(eng, a.logger),
		Positions: handler.NewPositionHandler(eng, a.logger),
		Pending:   handler.NewPendingHandler(eng, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.AutoExecute, eng, a.logger),
		Strategy:  handler.NewStrategyHandler(),
		Archive:   handler.NewArchiveHandler(deps.BlobReader, s3blob.TradeArchivePrefix, a.logger),
		Shield:    handler.NewShieldHandler(deps.Shield, a.logger),
		Events:    handler.NewEventsHandler(deps.SignalBus, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
