package domain

import "time"

// PendingBuy is a staged DCA buy awaiting manual confirmation. It is keyed
// uniquely by (OrderID, BuyNumber); re-staging the same buy number
// overwrites the previous entry.
type PendingBuy struct {
	OrderID      string    `json:"order_id"`
	BuyNumber    int       `json:"buy_number"`
	Owner        string    `json:"owner"`
	Asset        string    `json:"asset"`
	Amount       float64   `json:"amount"` // sized spend
	PricedAt     float64   `json:"priced_at"`
	EstimatedQty float64   `json:"estimated_qty"`
	SlippageBps  int       `json:"slippage_bps"`
	ExitStrategy string    `json:"exit_strategy"`
	Private      bool      `json:"private"`
	CreatedAt    time.Time `json:"created_at"`
}

// PendingSellStatus tracks a staged sell's short lifecycle: pending until
// confirmed (executed) or cancelled; a pending entry whose payload window
// lapses is reported expired. Consumed entries stay readable until the
// registry reaps them.
type PendingSellStatus string

const (
	PendingSellPending   PendingSellStatus = "pending"
	PendingSellExecuted  PendingSellStatus = "executed"
	PendingSellCancelled PendingSellStatus = "cancelled"
	PendingSellExpired   PendingSellStatus = "expired"
)

// PendingSell is a staged exit awaiting approval or confirmation. At most
// one active entry exists per (owner, asset). The pre-built payload is only
// valid for a short window after CreatedAt; past that it must be rebuilt,
// never resubmitted.
type PendingSell struct {
	ID                string            `json:"id"`
	Owner             string            `json:"owner"`
	Asset             string            `json:"asset"`
	SellPct           float64           `json:"sell_pct"`
	Quantity          float64           `json:"quantity"`
	CurrentPrice      float64           `json:"current_price"`
	EntryPrice        float64           `json:"entry_price"`
	EstimatedProceeds float64           `json:"estimated_proceeds"`
	Reason            string            `json:"reason"`
	Strategy          string            `json:"strategy"`
	SlippageBps       int               `json:"slippage_bps"`
	Payload           string            `json:"payload"` // unsigned swap payload, base64
	Status            PendingSellStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// Stale reports whether the sell's payload is past the validity window.
func (ps PendingSell) Stale(now time.Time) bool {
	return now.After(ps.ExpiresAt)
}
