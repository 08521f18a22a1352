// Package strategy implements the grid and DCA decision engines shared by
// every bot loop: given the current price and the bot's currently open
// orders, decide what to submit next.
package strategy

import (
	"encoding/json"

	"autogrid-core/pkg/exchanges/common"
)

// OpenOrder is the engine's read-only view of one of the bot's
// currently-open orders, passed into CalculateOrders so a strategy can
// avoid re-emitting duplicates.
type OpenOrder struct {
	ID        string
	Side      common.Side
	Price     float64
	Qty       float64
	GridLevel *int
}

// CandidateOrder is a strategy's proposal; the engine still applies
// step-size rounding, budget checks, and circuit/risk gating before any
// candidate reaches the order manager.
type CandidateOrder struct {
	Side      common.Side
	Type      common.OrderType
	Price     float64 // 0 for market orders
	Qty       float64
	GridLevel *int
}

// Strategy is the decision contract both grid and DCA implement.
type Strategy interface {
	// CalculateOrders proposes zero or more orders given the latest price
	// and the bot's currently open orders.
	CalculateOrders(currentPrice float64, openOrders []OpenOrder) []CandidateOrder

	// OnOrderFilled updates internal position state for a fill and returns
	// the realized P&L delta contributed by this fill (zero for buys).
	OnOrderFilled(o OpenOrder, fillPrice, filledQty float64) float64

	// ShouldStop reports whether the strategy believes the bot should halt.
	ShouldStop() bool

	// ToStateDict/FromStateDict serialize and restore tracked state across
	// restarts.
	ToStateDict() (json.RawMessage, error)
	FromStateDict(data json.RawMessage) error
}
