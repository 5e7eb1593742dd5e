package domain

import "time"

// PositionStatus tracks a position through its exit lifecycle. Transitions
// only move forward: active -> closing -> closed, or active -> closed on a
// single 100% exit.
type PositionStatus string

const (
	PositionStatusActive  PositionStatus = "active"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// Position is one owner's open or historical holding of a single asset.
// At most one non-closed position exists per (owner, asset).
type Position struct {
	Owner            string
	Asset            string
	Strategy         string // exit strategy name
	PercentBased     bool   // staged exits gated by profit only, time gates advisory
	EntryPrice       float64
	Quantity         float64
	TotalCost        float64
	ExitStagesDone   int
	PeakProfitPct    float64
	CurrentPrice     float64 // last observed, not authoritative
	CurrentProfitPct float64
	Status           PositionStatus
	Private          bool
	ExecAddress      string // one-time execution identity for private positions
	OpenedAt         time.Time
	ClosedAt         *time.Time
	UpdatedAt        time.Time
}

// ProfitPct returns the percent profit at the given price relative to entry.
func (p Position) ProfitPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// HeldMinutes returns how long the position has been open at the given time.
func (p Position) HeldMinutes(now time.Time) float64 {
	return now.Sub(p.OpenedAt).Minutes()
}

// Open reports whether the position still holds inventory.
func (p Position) Open() bool {
	return p.Status == PositionStatusActive || p.Status == PositionStatusClosing
}
