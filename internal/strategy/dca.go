package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"autogrid-core/pkg/exchanges/common"
)

// DCAInterval is one of the fixed recurring-buy cadences.
type DCAInterval string

const (
	IntervalHourly DCAInterval = "hourly"
	IntervalDaily  DCAInterval = "daily"
	IntervalWeekly DCAInterval = "weekly"
)

func (i DCAInterval) duration() time.Duration {
	switch i {
	case IntervalHourly:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// DCAConfig holds the inputs to a DCA strategy instance.
type DCAConfig struct {
	Symbol             string
	Investment         float64
	AmountPerBuy       float64
	Interval           DCAInterval // empty if unused
	TriggerDropPercent float64     // 0 if unused
	TakeProfitPercent  float64     // 0 if unused
}

// Validate enforces §4.4.2: at least one trigger must be configured and the
// per-buy amount must fit inside the total investment.
func (c DCAConfig) Validate() error {
	if c.Interval == "" && c.TriggerDropPercent <= 0 {
		return fmt.Errorf("dca: interval or trigger_drop_percent must be set")
	}
	if c.AmountPerBuy > c.Investment {
		return fmt.Errorf("dca: amount_per_buy must not exceed investment")
	}
	return nil
}

// DCAStrategy implements the §4.4.2 decision ladder.
type DCAStrategy struct {
	cfg DCAConfig

	totalSpent    float64
	totalQuantity float64
	lastBuyTime   time.Time
	highestPrice  float64
}

func NewDCAStrategy(cfg DCAConfig) (*DCAStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DCAStrategy{cfg: cfg}, nil
}

func (d *DCAStrategy) remainingBudget() float64 {
	return d.cfg.Investment - d.totalSpent
}

func (d *DCAStrategy) averageEntryPrice() float64 {
	if d.totalQuantity == 0 {
		return 0
	}
	return d.totalSpent / d.totalQuantity
}

// CalculateOrders implements the five-rule decision ladder; at most one
// order is ever emitted per tick.
func (d *DCAStrategy) CalculateOrders(currentPrice float64, openOrders []OpenOrder) []CandidateOrder {
	if currentPrice <= 0 {
		return nil
	}

	// Rule 1: exhausted budget and flat -> no action.
	if d.remainingBudget() < d.cfg.AmountPerBuy && d.totalQuantity == 0 {
		return nil
	}

	// Rule 2: take-profit.
	if d.cfg.TakeProfitPercent > 0 && d.totalQuantity > 0 {
		target := d.averageEntryPrice() * (1 + d.cfg.TakeProfitPercent/100)
		if currentPrice >= target {
			return []CandidateOrder{{
				Side: common.SideSell,
				Type: common.OrderTypeMarket,
				Qty:  d.totalQuantity,
			}}
		}
	}

	canBuy := d.remainingBudget() >= d.cfg.AmountPerBuy

	// Rule 3: interval trigger.
	if canBuy && d.cfg.Interval != "" {
		due := d.lastBuyTime.IsZero() || time.Since(d.lastBuyTime) >= d.cfg.Interval.duration()
		if due {
			return []CandidateOrder{d.buyCandidate(currentPrice)}
		}
	}

	// Rule 4: drop trigger.
	if canBuy && d.cfg.TriggerDropPercent > 0 && d.highestPrice > 0 {
		drop := (d.highestPrice - currentPrice) / d.highestPrice * 100
		if drop >= d.cfg.TriggerDropPercent {
			return []CandidateOrder{d.buyCandidate(currentPrice)}
		}
	}

	// Rule 5: track the running high for the next drop check.
	if currentPrice > d.highestPrice {
		d.highestPrice = currentPrice
	}
	return nil
}

func (d *DCAStrategy) buyCandidate(currentPrice float64) CandidateOrder {
	return CandidateOrder{
		Side: common.SideBuy,
		Type: common.OrderTypeMarket,
		Qty:  d.cfg.AmountPerBuy / currentPrice,
	}
}

// OnOrderFilled updates the running cost basis on a buy, or realizes P&L
// and resets the position on a sell.
func (d *DCAStrategy) OnOrderFilled(o OpenOrder, fillPrice, filledQty float64) float64 {
	if o.Side == common.SideBuy {
		d.totalSpent += fillPrice * filledQty
		d.totalQuantity += filledQty
		d.lastBuyTime = time.Now()
		d.highestPrice = fillPrice
		return 0
	}

	avgEntry := d.averageEntryPrice()
	pnl := (fillPrice * filledQty) - (avgEntry * filledQty)
	d.totalSpent = 0
	d.totalQuantity = 0
	d.highestPrice = 0
	return pnl
}

// ShouldStop fires once the budget is gone and the position is flat.
func (d *DCAStrategy) ShouldStop() bool {
	return d.remainingBudget() < d.cfg.AmountPerBuy && d.totalQuantity == 0
}

type dcaStateDict struct {
	Config        DCAConfig `json:"config"`
	TotalSpent    float64   `json:"total_spent"`
	TotalQuantity float64   `json:"total_quantity"`
	LastBuyTime   time.Time `json:"last_buy_time"`
	HighestPrice  float64   `json:"highest_price"`
}

func (d *DCAStrategy) ToStateDict() (json.RawMessage, error) {
	return json.Marshal(dcaStateDict{
		Config:        d.cfg,
		TotalSpent:    d.totalSpent,
		TotalQuantity: d.totalQuantity,
		LastBuyTime:   d.lastBuyTime,
		HighestPrice:  d.highestPrice,
	})
}

func (d *DCAStrategy) FromStateDict(data json.RawMessage) error {
	var s dcaStateDict
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("dca: restore state: %w", err)
	}
	d.cfg = s.Config
	d.totalSpent = s.TotalSpent
	d.totalQuantity = s.TotalQuantity
	d.lastBuyTime = s.LastBuyTime
	d.highestPrice = s.HighestPrice
	return nil
}
