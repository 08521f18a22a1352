// Package risk implements the per-bot equity drawdown/trailing-stop/
// reinforcement safety envelope (§4.6), persisted as one risk_state row per
// bot plus an append-only risk_events audit log.
package risk

import "time"

// Status is a bot's current risk standing.
type Status string

const (
	StatusOK                 Status = "OK"
	StatusPaused             Status = "PAUSED"
	StatusPendingLiquidation Status = "PENDING_LIQUIDATION"
	StatusLiquidated         Status = "LIQUIDATED"
)

// Action names what UpdateState decided to do this call.
type Action string

const (
	ActionNone               Action = "NONE"
	ActionPause              Action = "PAUSE"
	ActionPendingLiquidation Action = "PENDING_LIQUIDATION"
	ActionLiquidate          Action = "LIQUIDATE"
	ActionResume             Action = "RESUME"
)

// Config tunes the drawdown/trailing/reinforcement thresholds. It is
// process-wide, loaded once from pkg/config at startup, the same way
// circuit.Config is — the teacher's per-strategy DB-backed risk_configs /
// strategy_risk_configs override layer is dropped (see DESIGN.md); only the
// per-bot *state* keeps the teacher's DB persistence idiom.
type Config struct {
	DailyStopPercent           float64
	WeeklyStopPercent          float64
	MonthlyStopPercent         float64
	DailyPauseHours            float64
	TwoStepWaitMinutes         float64
	TrailingPercent            float64
	TrailingWaitMinutes        float64
	ActiveCapitalPercent       float64
	ReserveCapitalPercent      float64
	ReinforcementLevelsPercent []float64
}

// DefaultConfig returns the platform-standard thresholds.
func DefaultConfig() Config {
	return Config{
		DailyStopPercent:           4,
		WeeklyStopPercent:          10,
		MonthlyStopPercent:         20,
		DailyPauseHours:            24,
		TwoStepWaitMinutes:         30,
		TrailingPercent:            3,
		TrailingWaitMinutes:        30,
		ActiveCapitalPercent:       60,
		ReserveCapitalPercent:      40,
		ReinforcementLevelsPercent: []float64{8, 15},
	}
}

// State is one bot's in-memory/persisted risk snapshot.
type State struct {
	BotID string
	Status

	EquityPeak float64
	LastEquity float64

	DailyWindowStart   time.Time
	DailyPeak          float64
	WeeklyWindowStart  time.Time
	WeeklyPeak         float64
	MonthlyWindowStart time.Time
	MonthlyPeak        float64

	PausedUntil             time.Time
	TrailingPauseUntil      time.Time
	PendingLiquidationUntil time.Time
	PendingReason           string

	ReferencePrice      float64
	ReinforcementsUsed  int
	InvestmentOverride  float64
}

// Balance is the subset of account balance UpdateState needs to compute
// equity: quote_total + base_total * current_price.
type Balance struct {
	QuoteTotal float64
	BaseTotal  float64
}

// Decision is the result of one UpdateState call.
type Decision struct {
	Status   Status
	Action   Action
	Reason   string
	Metadata map[string]any
}

// CandidateOrder mirrors strategy.CandidateOrder's shape for check_order
// without importing the strategy package (risk must not depend on it).
type CandidateOrder struct {
	Side  string
	Price float64
	Qty   float64
}
