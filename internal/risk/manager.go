package risk

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autogrid-core/pkg/db"
)

// Manager evaluates the §4.6 equity-window/drawdown/trailing/reinforcement
// state machine per bot and persists the result, following the teacher's
// ON CONFLICT upsert idiom for the live state row and append-only inserts
// for the event log.
type Manager struct {
	db     *db.Database
	config Config

	mu     sync.Mutex
	states map[string]*State
}

func NewManager(database *db.Database, cfg Config) *Manager {
	return &Manager{db: database, config: cfg, states: make(map[string]*State)}
}

// UpdateState runs one evaluation cycle for a bot and persists the outcome.
// investment is the bot's configured capital base, used to size the
// reinforcement deployment amount; the drawdown checks work from the
// equity peaks alone.
func (m *Manager) UpdateState(ctx context.Context, botID string, currentPrice, investment float64, bal Balance) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx, botID)
	if err != nil {
		return Decision{}, fmt.Errorf("load risk state: %w", err)
	}

	equity := bal.QuoteTotal + bal.BaseTotal*currentPrice
	now := time.Now()

	if st.EquityPeak == 0 {
		st.EquityPeak = equity
		st.DailyWindowStart, st.DailyPeak = now, equity
		st.WeeklyWindowStart, st.WeeklyPeak = now, equity
		st.MonthlyWindowStart, st.MonthlyPeak = now, equity
		st.Status = StatusOK
	}
	st.LastEquity = equity
	if equity > st.EquityPeak {
		st.EquityPeak = equity
	}

	rollWindow(&st.DailyWindowStart, &st.DailyPeak, now, 24*time.Hour, equity)
	rollWindow(&st.WeeklyWindowStart, &st.WeeklyPeak, now, 7*24*time.Hour, equity)
	rollWindow(&st.MonthlyWindowStart, &st.MonthlyPeak, now, 30*24*time.Hour, equity)

	dec := Decision{Status: st.Status, Action: ActionNone, Metadata: map[string]any{}}

	// Step 3: apply existing pauses before evaluating new stops.
	if st.Status == StatusLiquidated {
		return m.finish(ctx, st, dec)
	}

	if !st.PendingLiquidationUntil.IsZero() {
		if now.Before(st.PendingLiquidationUntil) {
			return m.finish(ctx, st, dec)
		}
		threshold := windowThreshold(st.PendingReason, st, m.config)
		if equity < threshold {
			st.Status = StatusLiquidated
			st.PendingLiquidationUntil = time.Time{}
			dec.Status, dec.Action, dec.Reason = st.Status, ActionLiquidate, st.PendingReason
			return m.finish(ctx, st, dec)
		}
		st.PendingLiquidationUntil = time.Time{}
		st.PendingReason = ""
		st.Status = StatusOK
		dec.Status, dec.Action, dec.Reason = st.Status, ActionResume, "pending_liquidation_recovered"
		return m.finish(ctx, st, dec)
	}

	if !st.PausedUntil.IsZero() {
		if now.Before(st.PausedUntil) {
			return m.finish(ctx, st, dec)
		}
		st.PausedUntil = time.Time{}
		st.Status = StatusOK
		dec.Status, dec.Action, dec.Reason = st.Status, ActionResume, "daily_pause_expired"
		return m.finish(ctx, st, dec)
	}

	if !st.TrailingPauseUntil.IsZero() {
		if now.Before(st.TrailingPauseUntil) {
			return m.finish(ctx, st, dec)
		}
		if equity >= st.EquityPeak*(1-m.config.TrailingPercent/100) {
			st.TrailingPauseUntil = time.Time{}
			st.Status = StatusOK
			dec.Status, dec.Action, dec.Reason = st.Status, ActionResume, "trailing_recovered"
			return m.finish(ctx, st, dec)
		}
		st.TrailingPauseUntil = now.Add(time.Duration(m.config.TrailingWaitMinutes) * time.Minute)
		return m.finish(ctx, st, dec)
	}

	// Step 4: stop checks, worst-first.
	if drawdownExceeds(equity, st.MonthlyPeak, m.config.MonthlyStopPercent) {
		st.Status = StatusPendingLiquidation
		st.PendingReason = "monthly_stop"
		st.PendingLiquidationUntil = now.Add(time.Duration(m.config.TwoStepWaitMinutes) * time.Minute)
		dec.Status, dec.Action, dec.Reason = st.Status, ActionPendingLiquidation, st.PendingReason
		return m.finish(ctx, st, dec)
	}
	if drawdownExceeds(equity, st.WeeklyPeak, m.config.WeeklyStopPercent) {
		st.Status = StatusPendingLiquidation
		st.PendingReason = "weekly_stop"
		st.PendingLiquidationUntil = now.Add(time.Duration(m.config.TwoStepWaitMinutes) * time.Minute)
		dec.Status, dec.Action, dec.Reason = st.Status, ActionPendingLiquidation, st.PendingReason
		return m.finish(ctx, st, dec)
	}
	if drawdownExceeds(equity, st.DailyPeak, m.config.DailyStopPercent) {
		st.Status = StatusPaused
		st.PausedUntil = now.Add(time.Duration(m.config.DailyPauseHours) * time.Hour)
		dec.Status, dec.Action, dec.Reason = st.Status, ActionPause, "daily_stop"
		return m.finish(ctx, st, dec)
	}

	// Step 5: trailing stop.
	if equity < st.EquityPeak*(1-m.config.TrailingPercent/100) {
		st.Status = StatusPaused
		st.TrailingPauseUntil = now.Add(time.Duration(m.config.TrailingWaitMinutes) * time.Minute)
		dec.Status, dec.Action, dec.Reason = st.Status, ActionPause, "trailing_stop"
		return m.finish(ctx, st, dec)
	}

	// Step 6: reinforcement deployment.
	if st.ReferencePrice == 0 {
		st.ReferencePrice = currentPrice
	}
	levels := m.config.ReinforcementLevelsPercent
	if st.Status == StatusOK && st.ReinforcementsUsed < len(levels) {
		level := levels[st.ReinforcementsUsed]
		trigger := st.ReferencePrice * (1 - level/100)
		required := (investment * m.config.ReserveCapitalPercent / 100) / float64(len(levels))
		if currentPrice <= trigger && bal.QuoteTotal >= required {
			st.ReinforcementsUsed++
			st.InvestmentOverride += required
			dec.Metadata["reinforcement_level"] = level
			dec.Metadata["amount"] = required
			dec.Reason = "reinforcement_deployed"
		}
	}

	dec.Status = st.Status
	return m.finish(ctx, st, dec)
}

// CheckOrder denies order flow while the bot is paused, pending
// liquidation, or liquidated.
func (m *Manager) CheckOrder(ctx context.Context, botID string, _ CandidateOrder) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.load(ctx, botID)
	if err != nil {
		return true, "" // fail-open on a state-load error; order manager/circuit still gate
	}
	switch st.Status {
	case StatusPaused, StatusPendingLiquidation, StatusLiquidated:
		return false, string(st.Status)
	default:
		return true, ""
	}
}

func (m *Manager) finish(ctx context.Context, st *State, dec Decision) (Decision, error) {
	if err := m.save(ctx, st); err != nil {
		return dec, fmt.Errorf("save risk state: %w", err)
	}
	if dec.Action != ActionNone {
		if err := m.db.RecordRiskEvent(ctx, db.RiskEvent{
			ID:     uuid.NewString(),
			BotID:  st.BotID,
			Action: string(dec.Action),
			Reason: dec.Reason,
		}); err != nil {
			return dec, fmt.Errorf("record risk event: %w", err)
		}
	}
	return dec, nil
}

func (m *Manager) load(ctx context.Context, botID string) (*State, error) {
	if cached, ok := m.states[botID]; ok {
		return cached, nil
	}
	row, err := m.db.GetRiskState(ctx, botID)
	if err != nil {
		return nil, err
	}
	st := &State{BotID: botID, Status: StatusOK}
	if row != nil {
		st.Status = Status(row.Status)
		st.EquityPeak = row.EquityPeak
		st.LastEquity = row.LastEquity
		st.DailyWindowStart = nullTimeOrZero(row.DailyWindowStart)
		st.DailyPeak = row.DailyPeak
		st.WeeklyWindowStart = nullTimeOrZero(row.WeeklyWindowStart)
		st.WeeklyPeak = row.WeeklyPeak
		st.MonthlyWindowStart = nullTimeOrZero(row.MonthlyWindowStart)
		st.MonthlyPeak = row.MonthlyPeak
		st.PausedUntil = nullTimeOrZero(row.PausedUntil)
		st.TrailingPauseUntil = nullTimeOrZero(row.TrailingPauseUntil)
		st.PendingLiquidationUntil = nullTimeOrZero(row.PendingLiquidationUntil)
		st.PendingReason = row.PendingReason
		st.ReferencePrice = row.ReferencePrice
		st.ReinforcementsUsed = row.ReinforcementsUsed
		st.InvestmentOverride = row.InvestmentOverride
	}
	m.states[botID] = st
	return st, nil
}

func (m *Manager) save(ctx context.Context, st *State) error {
	row := db.RiskState{
		BotID:                   st.BotID,
		Status:                  string(st.Status),
		EquityPeak:              st.EquityPeak,
		LastEquity:              st.LastEquity,
		DailyWindowStart:        zeroOrNullTime(st.DailyWindowStart),
		DailyPeak:               st.DailyPeak,
		WeeklyWindowStart:       zeroOrNullTime(st.WeeklyWindowStart),
		WeeklyPeak:              st.WeeklyPeak,
		MonthlyWindowStart:      zeroOrNullTime(st.MonthlyWindowStart),
		MonthlyPeak:             st.MonthlyPeak,
		PausedUntil:             zeroOrNullTime(st.PausedUntil),
		TrailingPauseUntil:      zeroOrNullTime(st.TrailingPauseUntil),
		PendingLiquidationUntil: zeroOrNullTime(st.PendingLiquidationUntil),
		PendingReason:           st.PendingReason,
		ReferencePrice:          st.ReferencePrice,
		ReinforcementsUsed:      st.ReinforcementsUsed,
		InvestmentOverride:      st.InvestmentOverride,
	}
	return m.db.UpsertRiskState(ctx, row)
}

func nullTimeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func zeroOrNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// rollWindow restarts a peak-tracking window once it has aged past period,
// otherwise raises the window's peak to the latest equity.
func rollWindow(start *time.Time, peak *float64, now time.Time, period time.Duration, equity float64) {
	if start.IsZero() || now.Sub(*start) >= period {
		*start = now
		*peak = equity
		return
	}
	if equity > *peak {
		*peak = equity
	}
}

func drawdownExceeds(equity, peak, stopPercent float64) bool {
	if peak <= 0 {
		return false
	}
	drawdown := (peak - equity) / peak * 100
	return drawdown >= stopPercent
}

func windowThreshold(reason string, st *State, cfg Config) float64 {
	switch reason {
	case "monthly_stop":
		return st.MonthlyPeak * (1 - cfg.MonthlyStopPercent/100)
	case "weekly_stop":
		return st.WeeklyPeak * (1 - cfg.WeeklyStopPercent/100)
	default:
		return st.DailyPeak * (1 - cfg.DailyStopPercent/100)
	}
}
