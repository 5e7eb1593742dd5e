// Package strategy evaluates exit conditions for open positions. Evaluation
// is pure: callers feed the position, its strategy, the current price, and
// the clock, and get back a verdict to act on.
package strategy

import (
	"fmt"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Evaluate decides whether the position should (partially) exit at the given
// price. Checks run in priority order:
//
//  1. trailing stop: drawdown from the peak profit watermark
//  2. fixed stop loss: profit at or below the configured floor
//  3. the next incomplete take-profit stage
//  4. max hold time
//
// At most one stage fires per evaluation; repeated evaluations walk the
// stages one at a time. The zero ExitDecision means hold.
func Evaluate(pos domain.Position, strat domain.ExitStrategy, price float64, now time.Time) domain.ExitDecision {
	if !pos.Open() || pos.Quantity <= 0 {
		return domain.ExitDecision{}
	}

	profit := pos.ProfitPct(price)
	// The watermark in the store only moves on MarkPrice; fold in the price
	// being evaluated so a spike and drop within one tick still counts.
	peak := pos.PeakProfitPct
	if profit > peak {
		peak = profit
	}

	switch strat.Kind {
	case domain.StrategyTrailing:
		// Drawdown is measured from the peak even when the position was
		// never in profit, so a trailing strategy also caps the loss from
		// entry at StopLossPct.
		if peak-profit >= strat.StopLossPct {
			return domain.ExitDecision{
				ShouldExit: true,
				SellPct:    100,
				Reason:     fmt.Sprintf("trailing_stop peak=%.2f%% profit=%.2f%%", peak, profit),
			}
		}
	case domain.StrategyFixed:
		if profit <= strat.StopLossPct {
			return domain.ExitDecision{
				ShouldExit: true,
				SellPct:    100,
				Reason:     fmt.Sprintf("stop_loss profit=%.2f%%", profit),
			}
		}
	}

	if d, ok := nextStage(pos, strat, profit, now); ok {
		return d
	}

	if strat.MaxHoldMinutes > 0 && pos.HeldMinutes(now) >= float64(strat.MaxHoldMinutes) {
		return domain.ExitDecision{
			ShouldExit: true,
			SellPct:    100,
			Reason:     fmt.Sprintf("max_hold %dm", strat.MaxHoldMinutes),
		}
	}

	return domain.ExitDecision{}
}

// nextStage checks only the first incomplete stage. The profit gate is
// always required; the time gate applies only to positions that are not
// percentage-based (for those, time gates are advisory and profit alone
// decides).
func nextStage(pos domain.Position, strat domain.ExitStrategy, profit float64, now time.Time) (domain.ExitDecision, bool) {
	idx := pos.ExitStagesDone
	if idx >= len(strat.Stages) {
		return domain.ExitDecision{}, false
	}
	stage := strat.Stages[idx]

	if profit < stage.MinProfitPct {
		return domain.ExitDecision{}, false
	}
	if !pos.PercentBased && stage.TimeMinutes > 0 &&
		pos.HeldMinutes(now) < float64(stage.TimeMinutes) {
		return domain.ExitDecision{}, false
	}

	return domain.ExitDecision{
		ShouldExit: true,
		SellPct:    stage.SellPct,
		Reason:     fmt.Sprintf("stage_%d profit=%.2f%%", idx+1, profit),
	}, true
}
