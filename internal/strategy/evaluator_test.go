package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

func openPosition(entry float64, openedAgo time.Duration) domain.Position {
	return domain.Position{
		Owner:      "alice",
		Asset:      "SOL",
		EntryPrice: entry,
		Quantity:   10,
		TotalCost:  entry * 10,
		Status:     domain.PositionStatusActive,
		OpenedAt:   time.Now().Add(-openedAgo),
	}
}

func TestEvaluateHoldsWhenNothingFires(t *testing.T) {
	pos := openPosition(100, 5*time.Minute)
	strat, err := Lookup("standard")
	require.NoError(t, err)

	d := Evaluate(pos, strat, 101, time.Now())
	assert.False(t, d.ShouldExit)
}

func TestEvaluateFixedStopLoss(t *testing.T) {
	pos := openPosition(100, time.Minute)
	strat, err := Lookup("standard") // stop at -10%
	require.NoError(t, err)

	d := Evaluate(pos, strat, 89, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 100.0, d.SellPct)
	assert.Contains(t, d.Reason, "stop_loss")
}

func TestEvaluateStopLossBeatsStage(t *testing.T) {
	// A strategy whose first stage would fire at any profit, but the price
	// is below the stop floor: the stop must win.
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyFixed,
		StopLossPct: -5,
		Stages:      []domain.ExitStage{{MinProfitPct: -50, SellPct: 50}},
	}
	pos := openPosition(100, time.Hour)

	d := Evaluate(pos, strat, 90, time.Now())
	require.True(t, d.ShouldExit)
	assert.Contains(t, d.Reason, "stop_loss")
	assert.Equal(t, 100.0, d.SellPct)
}

func TestEvaluateTrailingStop(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyTrailing,
		StopLossPct: 8,
	}

	pos := openPosition(100, time.Hour)
	pos.PeakProfitPct = 20

	// Profit 13%, drawdown 7%: inside the allowance.
	d := Evaluate(pos, strat, 113, time.Now())
	assert.False(t, d.ShouldExit)

	// Profit 12%, drawdown 8%: fires.
	d = Evaluate(pos, strat, 112, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 100.0, d.SellPct)
	assert.Contains(t, d.Reason, "trailing_stop")
}

func TestEvaluateTrailingCapsLossWithoutPriorProfit(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyTrailing,
		StopLossPct: 15,
	}

	// Never been in profit: drawdown from the zero peak still counts, so
	// the trailing stop doubles as a loss cap from entry.
	pos := openPosition(100, time.Hour)
	d := Evaluate(pos, strat, 80, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 100.0, d.SellPct)
	assert.Contains(t, d.Reason, "trailing_stop")

	// A dip inside the allowance holds.
	d = Evaluate(pos, strat, 90, time.Now())
	assert.False(t, d.ShouldExit)
}

func TestEvaluateTrailingFoldsInCurrentPrice(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyTrailing,
		StopLossPct: 5,
	}

	// Stored watermark is stale at 2% but the evaluated price implies 10%;
	// evaluation must not treat the position as 8% above its peak.
	pos := openPosition(100, time.Hour)
	pos.PeakProfitPct = 2

	d := Evaluate(pos, strat, 110, time.Now())
	assert.False(t, d.ShouldExit)
}

func TestEvaluateStageProfitGate(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyFixed,
		StopLossPct: -50,
		Stages: []domain.ExitStage{
			{MinProfitPct: 5, TimeMinutes: 10, SellPct: 40},
		},
	}
	pos := openPosition(100, time.Hour)

	// Held long enough but profit below the gate.
	d := Evaluate(pos, strat, 104, time.Now())
	assert.False(t, d.ShouldExit)

	// Both gates pass.
	d = Evaluate(pos, strat, 106, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 40.0, d.SellPct)
	assert.Contains(t, d.Reason, "stage_1")
}

func TestEvaluateStageTimeGate(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyFixed,
		StopLossPct: -50,
		Stages: []domain.ExitStage{
			{MinProfitPct: 5, TimeMinutes: 30, SellPct: 40},
		},
	}

	// Profit is there but the position is too young.
	pos := openPosition(100, 5*time.Minute)
	d := Evaluate(pos, strat, 110, time.Now())
	assert.False(t, d.ShouldExit)

	// A percentage-based position ignores the time gate.
	pos.PercentBased = true
	d = Evaluate(pos, strat, 110, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 40.0, d.SellPct)
}

func TestEvaluateOnlyNextIncompleteStageFires(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:        domain.StrategyFixed,
		StopLossPct: -50,
		Stages: []domain.ExitStage{
			{MinProfitPct: 5, SellPct: 30},
			{MinProfitPct: 10, SellPct: 50},
			{MinProfitPct: 20, SellPct: 100},
		},
	}

	// Price satisfies every stage, but only stage 1 fires first.
	pos := openPosition(100, time.Hour)
	d := Evaluate(pos, strat, 125, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 30.0, d.SellPct)
	assert.Contains(t, d.Reason, "stage_1")

	// With one stage done, the next evaluation picks stage 2.
	pos.ExitStagesDone = 1
	pos.Status = domain.PositionStatusClosing
	d = Evaluate(pos, strat, 125, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 50.0, d.SellPct)
	assert.Contains(t, d.Reason, "stage_2")
}

func TestEvaluateMaxHold(t *testing.T) {
	strat := domain.ExitStrategy{
		Kind:           domain.StrategyFixed,
		StopLossPct:    -50,
		MaxHoldMinutes: 60,
	}

	pos := openPosition(100, 2*time.Hour)
	d := Evaluate(pos, strat, 100, time.Now())
	require.True(t, d.ShouldExit)
	assert.Equal(t, 100.0, d.SellPct)
	assert.Contains(t, d.Reason, "max_hold")
}

func TestEvaluateClosedPositionHolds(t *testing.T) {
	pos := openPosition(100, time.Hour)
	pos.Status = domain.PositionStatusClosed
	pos.Quantity = 0

	strat, err := Lookup("standard")
	require.NoError(t, err)

	d := Evaluate(pos, strat, 1, time.Now())
	assert.False(t, d.ShouldExit)
}

func TestLookupUnknownStrategy(t *testing.T) {
	_, err := Lookup("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLookupDefault(t *testing.T) {
	s, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, s.Name)
}
