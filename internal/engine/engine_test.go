package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/store/memory"
)

// fakePrices serves a fixed price per asset.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakePrices) set(asset string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = price
}

func (f *fakePrices) GetPrice(_ context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[asset]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return p, nil
}

// fakeAggregator quotes at the fakePrices price with no slippage and counts
// quote/build calls.
type fakeAggregator struct {
	prices     *fakePrices
	quoteCalls int
	buildCalls int
}

func (f *fakeAggregator) GetQuote(ctx context.Context, from, to string, amount float64, slippageBps int) (domain.SwapQuote, error) {
	f.quoteCalls++
	asset := to
	out := 0.0
	switch {
	case from == "USDC": // buy: spend quote currency, receive asset
		p, err := f.prices.GetPrice(ctx, to)
		if err != nil {
			return domain.SwapQuote{}, err
		}
		out = amount / p
		return domain.SwapQuote{
			FromAsset: from, ToAsset: to, InAmount: amount, OutAmount: out,
			Price: p, SlippageBps: slippageBps, QuoteID: fmt.Sprintf("q%d", f.quoteCalls),
		}, nil
	default: // sell: dispose of asset, receive quote currency
		asset = from
		p, err := f.prices.GetPrice(ctx, asset)
		if err != nil {
			return domain.SwapQuote{}, err
		}
		out = amount * p
		return domain.SwapQuote{
			FromAsset: from, ToAsset: to, InAmount: amount, OutAmount: out,
			Price: p, SlippageBps: slippageBps, QuoteID: fmt.Sprintf("q%d", f.quoteCalls),
		}, nil
	}
}

func (f *fakeAggregator) BuildSwap(_ context.Context, quote domain.SwapQuote, payer string) (domain.SwapPayload, error) {
	f.buildCalls++
	return domain.SwapPayload{
		Raw:     []byte("tx:" + quote.QuoteID + ":" + payer),
		QuoteID: quote.QuoteID,
	}, nil
}

// fakeLedger confirms everything, optionally failing the first N submits
// with a stale-payload error.
type fakeLedger struct {
	mu          sync.Mutex
	submits     int
	staleFirst  int
	balances    map[string]float64
	lastPayload []byte
}

func (f *fakeLedger) Submit(_ context.Context, payload []byte, _ domain.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastPayload = payload
	if f.submits <= f.staleFirst {
		return "", domain.ErrStalePayload
	}
	return fmt.Sprintf("sig-%d", f.submits), nil
}

func (f *fakeLedger) Balance(_ context.Context, address string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

// fakeShield tracks per-owner shielded balances.
type fakeShield struct {
	mu       sync.Mutex
	balances map[string]float64
	deposits []float64
}

func (f *fakeShield) Balance(_ context.Context, owner string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[owner], nil
}

func (f *fakeShield) Fund(_ context.Context, owner, _ string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[owner] < amount {
		return domain.ErrInsufficientShield
	}
	f.balances[owner] -= amount
	return nil
}

func (f *fakeShield) Deposit(_ context.Context, owner string, _ domain.Signer, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] += amount
	f.deposits = append(f.deposits, amount)
	return nil
}

// stubSigner is a no-crypto signer with a fixed address.
type stubSigner struct{ addr string }

func (s stubSigner) Address() string                  { return s.addr }
func (s stubSigner) SignPayload([]byte) (string, error) { return "sig:" + s.addr, nil }

// fakeResolver hands out the custodial stub and sequentially numbered
// ephemeral identities.
type fakeResolver struct {
	mu        sync.Mutex
	minted    int
	ephemeral map[string]domain.Signer
	discarded []string
}

func (f *fakeResolver) ResolveOwner(context.Context, string) (domain.Signer, error) {
	return stubSigner{addr: "custodial"}, nil
}

func (f *fakeResolver) ResolveAddress(_ context.Context, address string) (domain.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.ephemeral[address]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeResolver) NewEphemeral(context.Context, string) (domain.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	s := stubSigner{addr: fmt.Sprintf("eph-%d", f.minted)}
	if f.ephemeral == nil {
		f.ephemeral = make(map[string]domain.Signer)
	}
	f.ephemeral[s.addr] = s
	return s, nil
}

func (f *fakeResolver) Discard(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ephemeral, address)
	f.discarded = append(f.discarded, address)
	return nil
}

type harness struct {
	engine    *Engine
	positions *memory.PositionStore
	orders    *memory.DCAOrderStore
	trades    *memory.TradeStore
	buys      *memory.PendingBuyRegistry
	sells     *memory.PendingSellRegistry
	prices    *fakePrices
	agg       *fakeAggregator
	ledger    *fakeLedger
	shield    *fakeShield
	resolver  *fakeResolver
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		positions: memory.NewPositionStore(),
		orders:    memory.NewDCAOrderStore(),
		trades:    memory.NewTradeStore(),
		buys:      memory.NewPendingBuyRegistry(time.Hour),
		sells:     memory.NewPendingSellRegistry(),
		prices:    &fakePrices{prices: map[string]float64{"SOL": 100}},
		ledger:    &fakeLedger{balances: map[string]float64{}},
		shield:    &fakeShield{balances: map[string]float64{"alice": 10_000}},
		resolver:  &fakeResolver{},
	}
	h.agg = &fakeAggregator{prices: h.prices}

	cfg := Config{
		AutoExecute:        true,
		TickInterval:       time.Minute,
		ExitDebounce:       time.Minute,
		PendingBuyTTL:      time.Hour,
		PendingSellTTL:     90 * time.Second,
		LockTTL:            30 * time.Second,
		MaxPositions:       10,
		SettleDelay:        time.Millisecond,
		QuoteAsset:         "USDC",
		DefaultSlippageBps: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(cfg, Deps{
		Positions:    h.positions,
		Orders:       h.orders,
		Trades:       h.trades,
		Audit:        memory.NewAuditStore(),
		PendingBuys:  h.buys,
		PendingSells: h.sells,
		PriceCache:   memory.NewPriceCache(),
		Prices:       h.prices,
		Aggregator:   h.agg,
		Ledger:       h.ledger,
		Shield:       h.shield,
		Signers:      h.resolver,
		Locks:        memory.NewLockManager(),
		Bus:          memory.NewSignalBus(),
	}, logger)
	return h
}

func (h *harness) createOrder(t *testing.T, mutate func(*CreateOrderInput)) domain.DCAOrder {
	t.Helper()
	in := CreateOrderInput{
		Owner:           "alice",
		Asset:           "SOL",
		Kind:            domain.OrderKindTime,
		TotalBudget:     300,
		NumBuys:         3,
		IntervalMinutes: 60,
		ExitStrategy:    "standard",
	}
	if mutate != nil {
		mutate(&in)
	}
	order, err := h.engine.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	return order
}

func TestCreateOrderValidates(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.CreateOrder(context.Background(), CreateOrderInput{
		Owner: "alice", Asset: "SOL", Kind: "weekly",
		TotalBudget: -1, NumBuys: 0, IntervalMinutes: 0,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order kind")
	assert.Contains(t, err.Error(), "budget")
	assert.Contains(t, err.Error(), "num buys")
	assert.Contains(t, err.Error(), "interval")
}

func TestCreateOrderRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.CreateOrder(context.Background(), CreateOrderInput{
		Owner: "alice", Asset: "SOL", Kind: domain.OrderKindTime,
		TotalBudget: 300, NumBuys: 3, IntervalMinutes: 60,
		ExitStrategy: "moonshot",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateOrderSnapshotsReferencePrice(t *testing.T) {
	h := newHarness(t, nil)

	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.Kind = domain.OrderKindPrice
	})
	assert.Equal(t, 100.0, order.ReferencePrice)
}

func TestTickExecutesFirstBuyAndOpensPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, nil)

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBuy)
	require.Len(t, got.Buys, 1)
	assert.Equal(t, 100.0, got.Buys[0].Spend) // 300 budget over 3 buys
	require.NotNil(t, got.NextBuyAt)

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, pos.Status)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9) // 100 USDC at 100
	assert.Equal(t, 100.0, pos.EntryPrice)

	trades, err := h.trades.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeSideBuy, trades[0].Side)
}

func TestTickRespectsNextBuyAt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, nil)

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBuy, "second tick must not buy before the interval")
}

func TestBuySizingAveragesIntoPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.NumBuys = 2
		in.TotalBudget = 200
		in.IntervalMinutes = 1
	})

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	// Price halves; run the next buy without waiting out the interval.
	h.prices.set("SOL", 50)
	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.engine.executeBuy(ctx, got, NextBuyAmount(got, 50), 50)
	require.NoError(t, err)

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	// 1 SOL at 100 plus 2 SOL at 50: 200 cost over 3 units.
	assert.InDelta(t, 3.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 200.0/3.0, pos.EntryPrice, 1e-9)
}

func TestPriceSizedBuyScalesInversely(t *testing.T) {
	order := domain.DCAOrder{
		Kind: domain.OrderKindPrice, TotalBudget: 300, NumBuys: 3,
		ReferencePrice: 100,
	}

	assert.InDelta(t, 100, NextBuyAmount(order, 100), 1e-9)
	assert.InDelta(t, 125, NextBuyAmount(order, 80), 1e-9)
	assert.InDelta(t, 200, NextBuyAmount(order, 25), 1e-9, "clamped at 2x")
	assert.InDelta(t, 50, NextBuyAmount(order, 500), 1e-9, "clamped at 0.5x")
}

func TestPriceSizedBuyCapsAtRemainingBudget(t *testing.T) {
	order := domain.DCAOrder{
		Kind: domain.OrderKindPrice, TotalBudget: 300, NumBuys: 3,
		ReferencePrice: 100, CurrentBuy: 2,
		Buys: []domain.BuyRecord{
			{BuyNumber: 1, Spend: 150},
			{BuyNumber: 2, Spend: 120},
		},
	}
	assert.InDelta(t, 30, NextBuyAmount(order, 50), 1e-9)
}

func TestTimeSizedBuyAbsorbsDrift(t *testing.T) {
	order := domain.DCAOrder{
		Kind: domain.OrderKindTime, TotalBudget: 300, NumBuys: 3,
		CurrentBuy: 1,
		Buys:       []domain.BuyRecord{{BuyNumber: 1, Spend: 120}},
	}
	assert.InDelta(t, 90, NextBuyAmount(order, 100), 1e-9)
}

func TestManualModeStagesBuy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, nil)

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	staged, err := h.engine.ListPendingBuys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, order.ID, staged[0].OrderID)
	assert.Equal(t, 1, staged[0].BuyNumber)
	assert.Equal(t, 100.0, staged[0].Amount)

	// Nothing executed yet.
	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentBuy)
}

func TestConfirmPendingBuyRecordsExternalExecution(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, nil)
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	quotesBefore := h.agg.quoteCalls
	submitsBefore := h.ledger.submits

	// The caller executed the swap themselves and reports the actual fill.
	updated, err := h.engine.ConfirmPendingBuy(ctx, order.ID, 1, BuyExecution{
		Signature: "0xfill-1",
		Quantity:  0.99,
		Spend:     100,
		Price:     101,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentBuy)

	// Confirmation only records results; it never quotes or submits.
	assert.Equal(t, quotesBefore, h.agg.quoteCalls)
	assert.Equal(t, submitsBefore, h.ledger.submits)

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, 101.0, pos.EntryPrice, "position must reflect the actual fill")
	assert.InDelta(t, 0.99, pos.Quantity, 1e-9)

	trades, err := h.trades.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "0xfill-1", trades[0].Signature)

	// A replayed confirmation finds no staged entry.
	_, err = h.engine.ConfirmPendingBuy(ctx, order.ID, 1, BuyExecution{
		Signature: "0xfill-1", Quantity: 0.99, Spend: 100, Price: 101,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBuy)
}

func TestConfirmPendingBuyRejectsIncompleteResults(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, nil)
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	_, err := h.engine.ConfirmPendingBuy(ctx, order.ID, 1, BuyExecution{
		Quantity: 1, Spend: 100, Price: 100, // no signature
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")

	// Nothing recorded; the staged entry survives for a complete retry.
	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentBuy)
	staged, err := h.engine.ListPendingBuys(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, staged, 1)
}

func TestDismissPendingBuy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, nil)
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	require.NoError(t, h.engine.DismissPendingBuy(ctx, order.ID, 1))
	err := h.engine.DismissPendingBuy(ctx, order.ID, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderCompletesAfterLastBuy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.NumBuys = 1
		in.TotalBudget = 100
	})

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DCAStatusCompleted, got.Status)
	assert.Nil(t, got.NextBuyAt)
}

func TestPauseResumeCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, nil)

	require.NoError(t, h.engine.PauseOrder(ctx, order.ID))
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))
	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentBuy, "paused order must not buy")

	require.NoError(t, h.engine.ResumeOrder(ctx, order.ID))
	require.NoError(t, h.engine.CancelOrder(ctx, order.ID))

	err = h.engine.ResumeOrder(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPrivateBuyFundsEphemeralFromShield(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, func(in *CreateOrderInput) { in.Private = true })

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.True(t, pos.Private)
	assert.Equal(t, "eph-1", pos.ExecAddress)
	assert.Equal(t, 9_900.0, h.shield.balances["alice"])
}

func TestPrivateBuysReuseExecIdentity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.Private = true
		in.NumBuys = 2
		in.TotalBudget = 200
		in.IntervalMinutes = 1
	})

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))
	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.engine.executeBuy(ctx, got, NextBuyAmount(got, 100), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, h.resolver.minted, "second buy must not mint a new identity")
}

func TestPrivateBuyInsufficientShield(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.shield.balances["alice"] = 10
	order := h.createOrder(t, func(in *CreateOrderInput) { in.Private = true })

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentBuy, "unfunded buy must not execute")
	assert.NotEmpty(t, h.resolver.discarded, "unfunded identity must be discarded")
}

func TestPositionCapBlocksNewPositions(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxPositions = 1 })
	ctx := context.Background()
	h.prices.set("BTC", 50_000)

	h.createOrder(t, nil)
	orderBTC := h.createOrder(t, func(in *CreateOrderInput) { in.Asset = "BTC" })

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	gotBTC, err := h.orders.Get(ctx, orderBTC.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotBTC.CurrentBuy, "cap must block the second position")

	// Extending the existing position still passes.
	count, err := h.positions.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStaleBuyPayloadIsRebuiltOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ledger.staleFirst = 1
	order := h.createOrder(t, nil)

	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	got, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBuy)
	assert.Equal(t, 2, h.ledger.submits)
	assert.GreaterOrEqual(t, h.agg.buildCalls, 2, "stale payload must be rebuilt, not resubmitted")
}

func TestHandleTickStagesExit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	// The scalp strategy is percentage-based: stage time gates are advisory
	// and the exit fires on profit alone, even on a young position.
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	h.prices.set("SOL", 106)
	h.engine.HandleTick(ctx, "SOL", 106, time.Now().UTC())

	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, 33.0, staged[0].SellPct)
	assert.Contains(t, staged[0].Reason, "stage_1")
	assert.NotEmpty(t, staged[0].Payload)
}

func TestStageTimeGateFollowsStrategyNotOrderKind(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	// A price-sized order on a time-gated strategy: the sizing kind must not
	// leak into exit gating, so the fresh position's 6% profit satisfies
	// stage 1's profit gate but not its 15 minute hold.
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.Kind = domain.OrderKindPrice
	})
	h.executeFirstBuy(t, order.ID)

	h.engine.HandleTick(ctx, "SOL", 106, time.Now().UTC())

	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, staged, "time-gated stage must hold on a young position")

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.False(t, pos.PercentBased)
}

func TestHandleTickDebouncesRepeatStaging(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	now := time.Now().UTC()
	h.engine.HandleTick(ctx, "SOL", 106, now)
	quotesAfterFirst := h.agg.quoteCalls
	h.engine.HandleTick(ctx, "SOL", 106, now.Add(time.Second))

	assert.Equal(t, quotesAfterFirst, h.agg.quoteCalls, "debounce must suppress re-staging")
}

func TestRestagedSellKeepsLiveEntry(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.AutoExecute = false
		c.ExitDebounce = 0 // the registry alone must carry idempotence
	})
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	now := time.Now().UTC()
	h.engine.HandleTick(ctx, "SOL", 106, now)
	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	first := staged[0]

	quotesAfterFirst := h.agg.quoteCalls
	// Well inside the payload validity window: the staged sell an approver
	// may be looking at must keep its identity.
	h.engine.HandleTick(ctx, "SOL", 106, now.Add(30*time.Second))

	staged, err = h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, first.ID, staged[0].ID, "a live staged sell must not be replaced")
	assert.Equal(t, quotesAfterFirst, h.agg.quoteCalls)
}

func TestStaleStagedSellIsReplacedOnNextTick(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.AutoExecute = false
		c.ExitDebounce = 0
		c.PendingSellTTL = -time.Second // staged entries are born expired
	})
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	now := time.Now().UTC()
	h.engine.HandleTick(ctx, "SOL", 106, now)
	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	first := staged[0]

	h.engine.HandleTick(ctx, "SOL", 106, now.Add(time.Second))
	staged, err = h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.NotEqual(t, first.ID, staged[0].ID, "a lapsed staged sell must be rebuilt")
}

func TestAutoExitClosesOnStopLoss(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, func(in *CreateOrderInput) {
		in.NumBuys = 1
		in.TotalBudget = 100
	})
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	// Standard strategy stops out at -10%.
	h.prices.set("SOL", 85)
	h.engine.HandleTick(ctx, "SOL", 85, time.Now().UTC())

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Zero(t, pos.Quantity)

	trades, err := h.trades.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
}

func TestStagedExitWalksStages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
		in.NumBuys = 1
		in.TotalBudget = 100
	})
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	h.prices.set("SOL", 106)
	h.engine.HandleTick(ctx, "SOL", 106, time.Now().UTC())

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)
	assert.Equal(t, 1, pos.ExitStagesDone)
	assert.InDelta(t, 0.67, pos.Quantity, 0.01)
}

func TestConfirmPendingSellRecordsExternalExecution(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	h.engine.HandleTick(ctx, "SOL", 106, time.Now().UTC())
	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)

	quotesBefore := h.agg.quoteCalls
	submitsBefore := h.ledger.submits

	pos, err := h.engine.ConfirmPendingSell(ctx, staged[0].ID, "0xsell-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos.ExitStagesDone)

	// The caller submitted the transaction; confirmation only records it.
	assert.Equal(t, quotesBefore, h.agg.quoteCalls)
	assert.Equal(t, submitsBefore, h.ledger.submits)

	trades, err := h.trades.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	var sell domain.Trade
	for _, tr := range trades {
		if tr.Side == domain.TradeSideSell {
			sell = tr
		}
	}
	assert.Equal(t, "0xsell-1", sell.Signature)

	// The entry is consumed.
	_, err = h.engine.ConfirmPendingSell(ctx, staged[0].ID, "0xsell-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmPendingSellRequiresSignature(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	h.engine.HandleTick(ctx, "SOL", 106, time.Now().UTC())
	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)

	_, err = h.engine.ConfirmPendingSell(ctx, staged[0].ID, "  ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")

	// Still confirmable once the signature is supplied.
	_, err = h.engine.ConfirmPendingSell(ctx, staged[0].ID, "0xsell-1")
	require.NoError(t, err)
}

func TestPendingSellStatusTransitions(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.AutoExecute = false
		c.ExitDebounce = 0
	})
	ctx := context.Background()
	order := h.createOrder(t, func(in *CreateOrderInput) {
		in.ExitStrategy = "scalp"
	})
	h.executeFirstBuy(t, order.ID)

	now := time.Now().UTC()
	h.engine.HandleTick(ctx, "SOL", 106, now)
	staged, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, domain.PendingSellPending, staged[0].Status)

	// Confirmation keeps the consumed entry visible as executed.
	_, err = h.engine.ConfirmPendingSell(ctx, staged[0].ID, "0xsell-1")
	require.NoError(t, err)
	listed, err := h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.PendingSellExecuted, listed[0].Status)

	// At 6% profit the next stage fires and replaces the executed entry
	// with a fresh pending one; cancelling marks it rather than erasing it.
	h.engine.HandleTick(ctx, "SOL", 106, now.Add(time.Second))
	listed, err = h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, domain.PendingSellPending, listed[0].Status)

	require.NoError(t, h.engine.CancelPendingSell(ctx, listed[0].ID))
	listed, err = h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.PendingSellCancelled, listed[0].Status)

	// A consumed entry cannot be cancelled again.
	err = h.engine.CancelPendingSell(ctx, listed[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A pending entry past its payload window is reported expired.
	require.NoError(t, h.sells.Put(ctx, domain.PendingSell{
		ID: "ps-old", Owner: "alice", Asset: "ETH",
		Status:    domain.PendingSellPending,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}))
	listed, err = h.engine.ListPendingSells(ctx, "alice")
	require.NoError(t, err)
	for _, ps := range listed {
		if ps.ID == "ps-old" {
			assert.Equal(t, domain.PendingSellExpired, ps.Status)
		}
	}
}

func TestManualExitSellsImmediately(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoExecute = false })
	ctx := context.Background()
	order := h.createOrder(t, nil)
	h.executeFirstBuy(t, order.ID)

	pos, err := h.engine.ManualExit(ctx, "alice", "SOL", 100)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)

	_, err = h.engine.ManualExit(ctx, "alice", "SOL", 50)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManualExitPrefersFreshFeedPrice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, func(in *CreateOrderInput) {
		in.NumBuys = 1
		in.TotalBudget = 100
	})
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	// The feed has observed 104; the provider lags at 90.
	h.engine.HandleTick(ctx, "SOL", 104, time.Now().UTC())
	h.prices.set("SOL", 90)

	_, err := h.engine.ManualExit(ctx, "alice", "SOL", 100)
	require.NoError(t, err)

	trades, err := h.trades.ListByOwner(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	var sell domain.Trade
	for _, tr := range trades {
		if tr.Side == domain.TradeSideSell {
			sell = tr
		}
	}
	assert.Equal(t, 104.0, sell.Price, "fresh feed observation must win over the provider")
}

func TestPrivateExitSweepsProceedsAndDiscardsIdentity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, func(in *CreateOrderInput) {
		in.Private = true
		in.NumBuys = 1
		in.TotalBudget = 100
	})
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	pos, err := h.positions.Get(ctx, "alice", "SOL")
	require.NoError(t, err)
	h.ledger.mu.Lock()
	h.ledger.balances[pos.ExecAddress] = 120 // settled sell proceeds
	h.ledger.mu.Unlock()

	h.prices.set("SOL", 85)
	h.engine.HandleTick(ctx, "SOL", 85, time.Now().UTC())

	require.Eventually(t, func() bool {
		h.resolver.mu.Lock()
		defer h.resolver.mu.Unlock()
		return len(h.resolver.discarded) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.shield.mu.Lock()
	defer h.shield.mu.Unlock()
	assert.Equal(t, []float64{120}, h.shield.deposits)
	assert.Equal(t, 10_000.0-100+120, h.shield.balances["alice"])
}

func TestSweepPurgesExpiredSellsAndOldOrders(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PurgeAfterDays = 30 })
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, h.sells.Put(ctx, domain.PendingSell{
		ID: "ps1", Owner: "alice", Asset: "SOL",
		Status:    domain.PendingSellPending,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, h.orders.Create(ctx, domain.DCAOrder{
		ID: "old", Owner: "alice", Asset: "SOL",
		Kind: domain.OrderKindTime, TotalBudget: 1, NumBuys: 1,
		Status:    domain.DCAStatusCancelled,
		CreatedAt: now.AddDate(0, 0, -60),
	}))

	h.engine.Sweep(ctx, now)

	count, err := h.sells.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = h.orders.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// executeFirstBuy stages the order's first buy in manual mode and confirms
// it with a fill matching the staged estimate.
func (h *harness) executeFirstBuy(t *testing.T, orderID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.engine.Tick(ctx, time.Now().UTC()))

	pb, err := h.buys.Get(ctx, orderID, 1)
	require.NoError(t, err)
	_, err = h.engine.ConfirmPendingBuy(ctx, orderID, 1, BuyExecution{
		Signature: "0xfill-" + orderID,
		Quantity:  pb.EstimatedQty,
		Spend:     pb.Amount,
		Price:     pb.PricedAt,
	})
	require.NoError(t, err)
}
