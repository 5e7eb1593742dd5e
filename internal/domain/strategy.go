package domain

// StrategyKind discriminates the exit strategy union. Each kind carries only
// the fields its evaluation branch reads.
type StrategyKind string

const (
	// StrategyFixed exits 100% when profit falls to or below StopLossPct
	// (a negative threshold relative to entry).
	StrategyFixed StrategyKind = "fixed"
	// StrategyTrailing exits 100% when drawdown from peak profit reaches
	// StopLossPct (a positive drawdown allowance).
	StrategyTrailing StrategyKind = "trailing"
)

// ExitStage is one step of a staged take-profit schedule: sell SellPct of
// the position once profit reaches MinProfitPct, optionally gated by a
// minimum hold time. TimeMinutes == 0 means no time gate.
type ExitStage struct {
	MinProfitPct float64
	TimeMinutes  int
	SellPct      float64
}

// ExitStrategy describes when and how much of a position to sell.
type ExitStrategy struct {
	Name        string
	Kind        StrategyKind
	StopLossPct float64 // fixed: negative profit threshold; trailing: max drawdown from peak
	Stages      []ExitStage
	// PercentBased makes stage time gates advisory: profit alone decides
	// whether a stage fires. Positions snapshot this flag when opened.
	PercentBased   bool
	MaxHoldMinutes int // 0 = unlimited
}

// ExitDecision is the evaluator's verdict for one position at one price.
type ExitDecision struct {
	ShouldExit bool
	SellPct    float64
	Reason     string
}
