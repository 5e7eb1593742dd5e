package strategy

import (
	"fmt"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// catalog holds the built-in named exit strategies. Orders reference these
// by name; the engine resolves them at evaluation time.
var catalog = map[string]domain.ExitStrategy{
	"conservative": {
		Name:        "conservative",
		Kind:        domain.StrategyFixed,
		StopLossPct: -5,
		Stages: []domain.ExitStage{
			{MinProfitPct: 3, TimeMinutes: 30, SellPct: 50},
			{MinProfitPct: 6, TimeMinutes: 60, SellPct: 50},
			{MinProfitPct: 10, SellPct: 100},
		},
		MaxHoldMinutes: 24 * 60,
	},
	"standard": {
		Name:        "standard",
		Kind:        domain.StrategyFixed,
		StopLossPct: -10,
		Stages: []domain.ExitStage{
			{MinProfitPct: 5, TimeMinutes: 15, SellPct: 33},
			{MinProfitPct: 10, TimeMinutes: 30, SellPct: 50},
			{MinProfitPct: 20, SellPct: 100},
		},
		MaxHoldMinutes: 3 * 24 * 60,
	},
	"aggressive": {
		Name:        "aggressive",
		Kind:        domain.StrategyFixed,
		StopLossPct: -20,
		Stages: []domain.ExitStage{
			{MinProfitPct: 15, SellPct: 25},
			{MinProfitPct: 35, SellPct: 50},
			{MinProfitPct: 75, SellPct: 100},
		},
	},
	"scalp": {
		Name:         "scalp",
		Kind:         domain.StrategyFixed,
		StopLossPct:  -8,
		PercentBased: true, // stage time gates are advisory, profit decides
		Stages: []domain.ExitStage{
			{MinProfitPct: 3, TimeMinutes: 10, SellPct: 33},
			{MinProfitPct: 6, TimeMinutes: 20, SellPct: 50},
			{MinProfitPct: 12, SellPct: 100},
		},
		MaxHoldMinutes: 12 * 60,
	},
	"trailing": {
		Name:        "trailing",
		Kind:        domain.StrategyTrailing,
		StopLossPct: 8, // max drawdown from peak
		Stages: []domain.ExitStage{
			{MinProfitPct: 25, SellPct: 50},
			{MinProfitPct: 60, SellPct: 100},
		},
	},
}

// DefaultName is the strategy used when an order does not name one.
const DefaultName = "standard"

// Lookup resolves a named exit strategy from the catalog.
func Lookup(name string) (domain.ExitStrategy, error) {
	if name == "" {
		name = DefaultName
	}
	s, ok := catalog[name]
	if !ok {
		return domain.ExitStrategy{}, fmt.Errorf("strategy: unknown strategy %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// Names returns the catalog's strategy names for API discovery.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	return out
}
