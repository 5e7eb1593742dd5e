package domain

import "time"

// OrderKind selects the DCA sizing model.
type OrderKind string

const (
	// OrderKindTime splits the remaining budget evenly over remaining buys.
	OrderKindTime OrderKind = "time"
	// OrderKindPrice scales buys inversely with price against ReferencePrice.
	OrderKindPrice OrderKind = "price"
)

// DCAOrderStatus tracks a DCA order's lifecycle.
type DCAOrderStatus string

const (
	DCAStatusActive    DCAOrderStatus = "active"
	DCAStatusPaused    DCAOrderStatus = "paused"
	DCAStatusCompleted DCAOrderStatus = "completed"
	DCAStatusCancelled DCAOrderStatus = "cancelled"
)

// DCAOrder is a declared plan to acquire an asset via NumBuys buys spread
// over time. CurrentBuy is the 0-based index of the next buy to execute;
// the order is completed exactly when CurrentBuy == NumBuys.
type DCAOrder struct {
	ID              string
	Owner           string
	Asset           string
	Kind            OrderKind
	TotalBudget     float64
	NumBuys         int
	IntervalMinutes int
	ExitStrategy    string
	SlippageBps     int
	CurrentBuy      int
	Status          DCAOrderStatus
	ReferencePrice  float64 // price-kind sizing baseline
	Private         bool
	CreatedAt       time.Time
	LastBuyAt       *time.Time
	NextBuyAt       *time.Time // nil means ready immediately (first buy)
	Buys            []BuyRecord
}

// BuyRecord is one completed buy in an order's append-only audit trail.
// BuyNumber is 1-based and equals the order's CurrentBuy at staging time
// plus one.
type BuyRecord struct {
	BuyNumber   int
	Quantity    float64
	Spend       float64
	Price       float64
	Signature   string
	ExecAddress string // identity that executed the buy (custodial or one-time)
	ExecutedAt  time.Time
}

// SpentBudget returns the total spend recorded across completed buys.
func (o DCAOrder) SpentBudget() float64 {
	var spent float64
	for _, b := range o.Buys {
		spent += b.Spend
	}
	return spent
}

// RemainingBudget returns the unspent portion of the total budget.
func (o DCAOrder) RemainingBudget() float64 {
	rem := o.TotalBudget - o.SpentBudget()
	if rem < 0 {
		return 0
	}
	return rem
}

// RemainingBuys returns how many buys are still to execute.
func (o DCAOrder) RemainingBuys() int {
	rem := o.NumBuys - o.CurrentBuy
	if rem < 0 {
		return 0
	}
	return rem
}

// Terminal reports whether the order has reached a final status.
func (o DCAOrder) Terminal() bool {
	return o.Status == DCAStatusCompleted || o.Status == DCAStatusCancelled
}

// ValidDCATransition reports whether a user-driven status change is legal.
// Completion is reached only through RecordBuy, never directly.
func ValidDCATransition(from, to DCAOrderStatus) bool {
	switch from {
	case DCAStatusActive:
		return to == DCAStatusPaused || to == DCAStatusCancelled
	case DCAStatusPaused:
		return to == DCAStatusActive || to == DCAStatusCancelled
	default:
		return false
	}
}
