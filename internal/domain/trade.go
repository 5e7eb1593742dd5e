package domain

import "time"

// TradeSide indicates whether a trade acquired or disposed of the asset.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is a completed, confirmed trade as reported to the cost-basis
// ledger. The engine only ever writes trades; it never reads them back
// except for archival.
type Trade struct {
	ID         string
	Owner      string
	Asset      string
	Side       TradeSide
	Quantity   float64
	Amount     float64 // quote-currency notional
	Price      float64
	Fee        float64
	Signature  string
	Wallet     string // identity that signed the transaction
	Strategy   string
	ExecutedAt time.Time
}
