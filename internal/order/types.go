// Package order implements the managed-order state machine: submission
// with retry, cancellation, dedupe by grid level, and exchange/WebSocket
// reconciliation (§4.3).
package order

import (
	"errors"
	"time"

	"autogrid-core/pkg/exchanges/common"
)

// State is one node of the order lifecycle state machine.
type State string

const (
	StatePending    State = "PENDING"
	StateSubmitting State = "SUBMITTING"
	StateOpen       State = "OPEN"
	StatePartial    State = "PARTIAL"
	StateFilled     State = "FILLED"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateRejected   State = "REJECTED"
	StateError      State = "ERROR"
)

// transitions enumerates every legal (from, to) edge of the §4.3 matrix.
var transitions = map[State]map[State]bool{
	StatePending:    {StateSubmitting: true, StateCancelled: true},
	StateSubmitting: {StateOpen: true, StateFilled: true, StateRejected: true, StateError: true},
	StateOpen:       {StatePartial: true, StateFilled: true, StateCancelling: true, StateError: true},
	StatePartial:    {StateFilled: true, StateCancelling: true, StateError: true},
	StateCancelling: {StateFilled: true, StateCancelled: true, StateError: true},
}

// terminal states never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateError:
		return true
	default:
		return false
	}
}

func canTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ErrInvalidTransition is returned when a caller attempts a transition not
// present in the state matrix. The order is left untouched.
var ErrInvalidTransition = errors.New("order: invalid state transition")

// Order is a managed order tracked through the local state machine,
// distinct from the raw exchange order record.
type Order struct {
	ID               string
	BotID            string
	Symbol           string
	Side             common.Side
	Type             common.OrderType
	Quantity         float64
	Price            float64 // nullable for market orders; 0 means unset
	State            State
	ExchangeID       string // empty until SUBMITTING succeeds
	FilledQuantity   float64
	AverageFillPrice float64
	Fee              float64
	FeeAsset         string
	GridLevel        *int
	RetryCount       int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (o *Order) RemainingQty() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// applyFill applies a monotonic fill update: filled quantity only
// increases, matching the convergence rule in §5.
func (o *Order) applyFill(filled, avgPrice, fee float64, feeAsset string) {
	if filled > o.FilledQuantity {
		o.FilledQuantity = filled
	}
	if avgPrice > 0 {
		o.AverageFillPrice = avgPrice
	}
	if fee > 0 {
		o.Fee = fee
	}
	if feeAsset != "" {
		o.FeeAsset = feeAsset
	}
}
