package feed

import (
	"context"
	"log/slog"
	"time"
)

// refreshInterval paces the watched-asset refresh. New orders and positions
// start streaming within one interval of being created.
const refreshInterval = 30 * time.Second

// TickSink consumes price observations. The engine implements it.
type TickSink interface {
	HandleTick(ctx context.Context, asset string, price float64, now time.Time)
}

// AssetSource resolves the set of assets worth streaming.
type AssetSource func(ctx context.Context) ([]string, error)

// Feeder connects the price WebSocket to the engine: it keeps the feed's
// subscription set aligned with the assets the engine cares about and pushes
// every update into the engine's tick handler.
type Feeder struct {
	client *WSClient
	sink   TickSink
	source AssetSource
	logger *slog.Logger
}

// NewFeeder creates a Feeder over the given WebSocket client.
func NewFeeder(client *WSClient, sink TickSink, source AssetSource, logger *slog.Logger) *Feeder {
	return &Feeder{
		client: client,
		sink:   sink,
		source: source,
		logger: logger.With(slog.String("component", "price_feed")),
	}
}

// Run connects and streams until the context is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	f.client.OnPrice(func(update PriceUpdate) {
		f.sink.HandleTick(ctx, update.Asset, update.Price, update.Timestamp)
	})

	if err := f.refreshAssets(ctx); err != nil {
		f.logger.WarnContext(ctx, "initial asset refresh failed",
			slog.String("error", err.Error()),
		)
	}
	if err := f.client.Connect(ctx); err != nil {
		return err
	}
	defer f.client.Close()
	f.logger.InfoContext(ctx, "price feed connected")

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.InfoContext(ctx, "price feed stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := f.refreshAssets(ctx); err != nil {
				f.logger.WarnContext(ctx, "asset refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (f *Feeder) refreshAssets(ctx context.Context) error {
	assets, err := f.source(ctx)
	if err != nil {
		return err
	}
	return f.client.SetAssets(assets)
}
