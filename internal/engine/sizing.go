package engine

import "github.com/halcyonlabs/swapbot/internal/domain"

// Price-based sizing scales the base amount by (reference / price), clamped
// so a crash cannot blow the whole budget on one buy and a pump cannot
// shrink buys into dust.
const (
	priceSizeMinFactor = 0.5
	priceSizeMaxFactor = 2.0
)

// NextBuyAmount sizes the next buy of an order at the given price.
//
// Time orders split the remaining budget evenly over the remaining buys, so
// rounding drift from earlier buys is absorbed rather than accumulated.
// Price orders scale a fixed base (TotalBudget / NumBuys) inversely with
// price against the order's reference price, then cap at the remaining
// budget. Returns 0 when nothing remains to spend or to buy.
func NextBuyAmount(order domain.DCAOrder, price float64) float64 {
	remBudget := order.RemainingBudget()
	remBuys := order.RemainingBuys()
	if remBudget <= 0 || remBuys <= 0 {
		return 0
	}

	if order.Kind == domain.OrderKindPrice && price > 0 && order.ReferencePrice > 0 {
		base := order.TotalBudget / float64(order.NumBuys)
		factor := order.ReferencePrice / price
		if factor < priceSizeMinFactor {
			factor = priceSizeMinFactor
		}
		if factor > priceSizeMaxFactor {
			factor = priceSizeMaxFactor
		}
		amount := base * factor
		if amount > remBudget {
			amount = remBudget
		}
		return amount
	}

	return remBudget / float64(remBuys)
}
