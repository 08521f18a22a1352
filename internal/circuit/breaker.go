// Package circuit implements the per-bot safety circuit breaker: an order
// rate limit and an hourly loss limit, either of which trips the circuit
// open for a cooldown window, plus a price-deviation guard that denies a
// single order without tripping the circuit.
package circuit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autogrid-core/pkg/cache"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// TripReason names why the breaker opened.
type TripReason string

const (
	ReasonOrderRateExceeded TripReason = "order_rate_exceeded"
	ReasonLossLimitExceeded TripReason = "loss_limit_exceeded"
	ReasonPriceDeviation    TripReason = "price_deviation"
	ReasonManual            TripReason = "manual"
	ReasonError             TripReason = "error"
)

// Config tunes the breaker's thresholds; the defaults match the platform's
// historical safety envelope.
type Config struct {
	MaxOrdersPerMinute       int
	MaxLossPercentPerHour    decimal.Decimal
	MaxPriceDeviationPercent decimal.Decimal
	CooldownSeconds          int
	HalfOpenOrders           int
}

// DefaultConfig returns the platform-standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxOrdersPerMinute:       50,
		MaxLossPercentPerHour:    decimal.NewFromFloat(5.0),
		MaxPriceDeviationPercent: decimal.NewFromFloat(10.0),
		CooldownSeconds:          300,
		HalfOpenOrders:           3,
	}
}

// Status is a point-in-time snapshot for dashboards and notifications.
type Status struct {
	State             State
	OrdersLastMinute  int64
	LossLastHour      decimal.Decimal
	TripReason        TripReason
	CooldownRemaining time.Duration
}

// Breaker guards order flow for every bot sharing one KV store. One Breaker
// is shared process-wide; all counters are scoped by bot id.
type Breaker struct {
	store  *cache.TTLStore
	config Config
}

func New(store *cache.TTLStore, config Config) *Breaker {
	return &Breaker{store: store, config: config}
}

func orderCountKey(botID string) string    { return "circuit:orders:" + botID }
func lossKey(botID string) string          { return "circuit:loss:" + botID }
func stateKey(botID string) string         { return "circuit:state:" + botID }
func reasonKey(botID string) string        { return "circuit:reason:" + botID }
func cooldownKey(botID string) string      { return "circuit:cooldown:" + botID }
func halfOpenCountKey(botID string) string { return "circuit:halfopen:" + botID }

// CheckOrderAllowed runs the four-step gate from §4.5: circuit state, order
// rate, hourly loss, and (for limit orders) price deviation. orderPrice may
// be the zero value for market orders, in which case the deviation check is
// skipped. In HALF_OPEN, only HalfOpenOrders trial orders that clear every
// other check are admitted; once that budget is spent the circuit blocks
// again until RecordSuccess or RecordFailure resolves the trial.
func (b *Breaker) CheckOrderAllowed(botID string, orderPrice, currentPrice, investment decimal.Decimal, isLimit bool) (bool, string) {
	state := b.GetState(botID)
	if state == StateOpen {
		return false, "circuit_breaker_open"
	}

	orderCount, _ := b.store.Get(orderCountKey(botID))
	if int(orderCount) >= b.config.MaxOrdersPerMinute {
		b.Trip(botID, ReasonOrderRateExceeded)
		return false, fmt.Sprintf("order_rate_exceeded (%d/%d/min)", int64(orderCount), b.config.MaxOrdersPerMinute)
	}

	lossAmount := b.hourlyLoss(botID)
	lossPercent := decimal.Zero
	if investment.IsPositive() {
		lossPercent = lossAmount.Div(investment).Mul(decimal.NewFromInt(100))
	}
	if lossPercent.GreaterThanOrEqual(b.config.MaxLossPercentPerHour) {
		b.Trip(botID, ReasonLossLimitExceeded)
		return false, fmt.Sprintf("loss_limit_exceeded (%s%%/%s%%)", lossPercent.StringFixed(2), b.config.MaxLossPercentPerHour.String())
	}

	if isLimit {
		deviation := priceDeviation(orderPrice, currentPrice)
		if deviation.GreaterThan(b.config.MaxPriceDeviationPercent) {
			return false, fmt.Sprintf("price_deviation_exceeded (%s%%/%s%%)", deviation.StringFixed(2), b.config.MaxPriceDeviationPercent.String())
		}
	}

	if state == StateHalfOpen {
		trial := b.store.Incr(halfOpenCountKey(botID), time.Duration(b.config.CooldownSeconds)*time.Second)
		if int(trial) > b.config.HalfOpenOrders {
			return false, fmt.Sprintf("circuit_half_open_limit_reached (%d/%d)", int(trial), b.config.HalfOpenOrders)
		}
	}

	return true, ""
}

// RecordOrderPlaced increments the rolling one-minute order counter.
func (b *Breaker) RecordOrderPlaced(botID string) {
	b.store.Incr(orderCountKey(botID), time.Minute)
}

// RecordPnL tracks a realized fill's P&L toward the hourly loss window.
// Only losses (pnl < 0) are recorded, matching the upstream semantics.
func (b *Breaker) RecordPnL(botID string, pnl decimal.Decimal) {
	if pnl.IsZero() || pnl.IsPositive() {
		return
	}
	loss, _ := pnl.Abs().Float64()
	b.store.IncrByFloat(lossKey(botID), loss, time.Hour)
}

// Trip opens the circuit for the cooldown window.
func (b *Breaker) Trip(botID string, reason TripReason) {
	b.setState(botID, StateOpen)
	b.setReason(botID, reason)
	b.store.Delete(cooldownKey(botID))
	b.store.SetNX(cooldownKey(botID), 1, time.Duration(b.config.CooldownSeconds)*time.Second)
	b.store.Delete(halfOpenCountKey(botID))
}

// Reset clears all trip data, returning the breaker to CLOSED.
func (b *Breaker) Reset(botID string) {
	b.setState(botID, StateClosed)
	b.store.Delete(reasonKey(botID))
	b.store.Delete(cooldownKey(botID))
	b.store.Delete(halfOpenCountKey(botID))
}

// HalfOpen transitions the breaker to the limited-test state.
func (b *Breaker) HalfOpen(botID string) {
	b.setState(botID, StateHalfOpen)
}

// RecordSuccess closes the circuit once a trial order admitted during
// HALF_OPEN clears the exchange; it is a no-op outside HALF_OPEN.
func (b *Breaker) RecordSuccess(botID string) {
	if b.GetState(botID) != StateHalfOpen {
		return
	}
	b.Reset(botID)
}

// RecordFailure re-trips a HALF_OPEN circuit the moment a trial order
// fails, rather than letting the rest of the bounded trial continue to
// spend against a breaker that has already shown it isn't ready. It is a
// no-op outside HALF_OPEN.
func (b *Breaker) RecordFailure(botID string, reason TripReason) {
	if b.GetState(botID) != StateHalfOpen {
		return
	}
	b.Trip(botID, reason)
}

// GetState returns the current state, auto-transitioning OPEN to HALF_OPEN
// once the cooldown window has elapsed.
func (b *Breaker) GetState(botID string) State {
	raw, ok := b.store.Get(stateKey(botID))
	if !ok {
		return StateClosed
	}
	state := decodeState(raw)
	if state == StateOpen && !b.store.Exists(cooldownKey(botID)) {
		b.HalfOpen(botID)
		return StateHalfOpen
	}
	return state
}

// IsTripped reports whether the circuit is fully OPEN.
func (b *Breaker) IsTripped(botID string) bool {
	return b.GetState(botID) == StateOpen
}

// GetStatus returns a full snapshot for notifications/dashboards.
func (b *Breaker) GetStatus(botID string) Status {
	orderCount, _ := b.store.Get(orderCountKey(botID))
	reasonRaw, _ := b.store.Get(reasonKey(botID))
	return Status{
		State:             b.GetState(botID),
		OrdersLastMinute:  int64(orderCount),
		LossLastHour:      b.hourlyLoss(botID),
		TripReason:        decodeReason(reasonRaw),
		CooldownRemaining: b.store.TTL(cooldownKey(botID)),
	}
}

// ClearMetrics wipes the order-rate and loss counters, used when a bot is
// reset or restarted cleanly.
func (b *Breaker) ClearMetrics(botID string) {
	b.store.Delete(orderCountKey(botID))
	b.store.Delete(lossKey(botID))
}

func (b *Breaker) hourlyLoss(botID string) decimal.Decimal {
	v, ok := b.store.Get(lossKey(botID))
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func (b *Breaker) setState(botID string, s State) {
	b.store.Delete(stateKey(botID))
	b.store.SetNX(stateKey(botID), encodeState(s), 365*24*time.Hour)
}

func (b *Breaker) setReason(botID string, r TripReason) {
	b.store.Delete(reasonKey(botID))
	b.store.SetNX(reasonKey(botID), encodeReason(r), 365*24*time.Hour)
}

func priceDeviation(orderPrice, marketPrice decimal.Decimal) decimal.Decimal {
	if marketPrice.IsZero() {
		return decimal.NewFromInt(100)
	}
	return orderPrice.Sub(marketPrice).Abs().Div(marketPrice).Mul(decimal.NewFromInt(100))
}

// State/reason are stored as small integer codes in the float-valued TTL
// store rather than strings, since TTLStore's value type is float64.
func encodeState(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func decodeState(v float64) State {
	switch int(v) {
	case 1:
		return StateOpen
	case 2:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func encodeReason(r TripReason) float64 {
	switch r {
	case ReasonOrderRateExceeded:
		return 1
	case ReasonLossLimitExceeded:
		return 2
	case ReasonPriceDeviation:
		return 3
	case ReasonManual:
		return 4
	case ReasonError:
		return 5
	default:
		return 0
	}
}

func decodeReason(v float64) TripReason {
	switch int(v) {
	case 1:
		return ReasonOrderRateExceeded
	case 2:
		return ReasonLossLimitExceeded
	case 3:
		return ReasonPriceDeviation
	case 4:
		return ReasonManual
	case 5:
		return ReasonError
	default:
		return ""
	}
}
