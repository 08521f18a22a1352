package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"autogrid-core/pkg/exchanges/common"
)

// RecenterPolicy names a gate on automatic ATR-driven regridding.
type RecenterPolicy string

const (
	RecenterBlockAny         RecenterPolicy = "block_any"
	RecenterBlockOutsideOnly RecenterPolicy = "block_outside_range"
)

// GridConfig holds the inputs to a grid strategy instance.
type GridConfig struct {
	Symbol     string
	Lower      float64
	Upper      float64
	Count      int
	Investment float64

	// DynamicRange enables ATR-driven recentering of the grid bounds.
	DynamicRange       bool
	ATRMultiplier      float64
	RecenterMinutes    int
	CooldownMinutes    int
	RecenterPolicy     RecenterPolicy
	RecenterPnLMinimum float64
	RecenterMaxWaitMin int
}

// GridLevel is one indexed price line of the ladder and its position.
type GridLevel struct {
	Index       int     `json:"index"`
	Price       float64 `json:"price"`
	PositionQty float64 `json:"position_qty"`
	AvgBuyPrice float64 `json:"avg_buy_price"`
}

// GridStrategy implements the level-ladder grid decision contract (§4.4.1).
type GridStrategy struct {
	cfg GridConfig

	spacing       float64
	amountPerGrid float64
	levels        []GridLevel

	lastPrice      float64
	lastRecenterAt time.Time
	firstTick      time.Time
}

func NewGridStrategy(cfg GridConfig) (*GridStrategy, error) {
	if cfg.Upper <= cfg.Lower {
		return nil, fmt.Errorf("grid: upper must be greater than lower")
	}
	if cfg.Count < 2 {
		return nil, fmt.Errorf("grid: grid_count must be >= 2")
	}
	g := &GridStrategy{cfg: cfg}
	g.rebuildLevels(cfg.Lower, cfg.Upper, nil)
	return g, nil
}

func (g *GridStrategy) rebuildLevels(lower, upper float64, prior []GridLevel) {
	g.cfg.Lower = lower
	g.cfg.Upper = upper
	g.spacing = (upper - lower) / float64(g.cfg.Count)
	g.amountPerGrid = g.cfg.Investment / float64(g.cfg.Count)

	levels := make([]GridLevel, g.cfg.Count+1)
	for i := 0; i <= g.cfg.Count; i++ {
		levels[i] = GridLevel{Index: i, Price: lower + float64(i)*g.spacing}
	}
	// Preserve existing per-level positions by index when regridding; only
	// price shifts, quantities stay (§4.4.1 "Applying bounds preserves
	// per-level positions").
	for _, old := range prior {
		if old.Index >= 0 && old.Index < len(levels) {
			levels[old.Index].PositionQty = old.PositionQty
			levels[old.Index].AvgBuyPrice = old.AvgBuyPrice
		}
	}
	g.levels = levels
}

// CalculateOrders implements the §4.4.1 buy/sell emission rule.
func (g *GridStrategy) CalculateOrders(currentPrice float64, openOrders []OpenOrder) []CandidateOrder {
	if g.firstTick.IsZero() {
		g.firstTick = time.Now()
	}
	g.lastPrice = currentPrice

	activeBuy := make(map[int]bool)
	activeSell := make(map[int]bool)
	for _, o := range openOrders {
		if o.GridLevel == nil {
			continue
		}
		if o.Side == common.SideBuy {
			activeBuy[*o.GridLevel] = true
		} else {
			activeSell[*o.GridLevel] = true
		}
	}

	var out []CandidateOrder
	for i := range g.levels {
		lvl := &g.levels[i]
		switch {
		case lvl.Price < currentPrice:
			if lvl.PositionQty == 0 && !activeBuy[lvl.Index] {
				idx := lvl.Index
				qty := g.amountPerGrid / lvl.Price
				out = append(out, CandidateOrder{
					Side:      common.SideBuy,
					Type:      common.OrderTypeLimit,
					Price:     lvl.Price,
					Qty:       qty,
					GridLevel: &idx,
				})
			}
		case lvl.Price > currentPrice:
			if lvl.PositionQty > 0 && !activeSell[lvl.Index] {
				idx := lvl.Index
				out = append(out, CandidateOrder{
					Side:      common.SideSell,
					Type:      common.OrderTypeLimit,
					Price:     lvl.Price,
					Qty:       lvl.PositionQty,
					GridLevel: &idx,
				})
			}
		}
		// lvl.Price == currentPrice: never emit.
	}
	return out
}

// OnOrderFilled applies the simple-pair accounting: a buy-fill opens the
// level's position, a sell-fill closes it and realizes that level's P&L.
// Cross-level P&L uses FIFO lots maintained by the reconciler instead.
func (g *GridStrategy) OnOrderFilled(o OpenOrder, fillPrice, filledQty float64) float64 {
	if o.GridLevel == nil || *o.GridLevel < 0 || *o.GridLevel >= len(g.levels) {
		return 0
	}
	lvl := &g.levels[*o.GridLevel]
	if o.Side == common.SideBuy {
		lvl.PositionQty += filledQty
		lvl.AvgBuyPrice = fillPrice
		return 0
	}
	pnl := (fillPrice - lvl.AvgBuyPrice) * filledQty
	lvl.PositionQty = 0
	lvl.AvgBuyPrice = 0
	return pnl
}

// ShouldStop trips when price has moved 5% past either bound (§4.4.1).
func (g *GridStrategy) ShouldStop() bool {
	return g.lastPrice < g.cfg.Lower*0.95 || g.lastPrice > g.cfg.Upper*1.05
}

// ConsiderRecenter evaluates the dynamic-range gates and, if all permit it,
// shifts the grid to [price-atr*mult, price+atr*mult]. Returns true if a
// recenter was applied. The engine computes atr via indicators.ATR over its
// configured timeframe and calls this on every tick; it returns false at
// once when DynamicRange is off.
func (g *GridStrategy) ConsiderRecenter(currentPrice, atr, unrealizedPnL float64, now time.Time) bool {
	if !g.cfg.DynamicRange || atr <= 0 {
		return false
	}

	outOfRange := currentPrice < g.cfg.Lower || currentPrice > g.cfg.Upper
	dueForReview := g.cfg.RecenterMinutes > 0 &&
		!g.lastRecenterAt.IsZero() &&
		now.Sub(g.lastRecenterAt) >= time.Duration(g.cfg.RecenterMinutes)*time.Minute
	if !outOfRange && !dueForReview {
		return false
	}

	if g.cfg.CooldownMinutes > 0 && !g.lastRecenterAt.IsZero() &&
		now.Sub(g.lastRecenterAt) < time.Duration(g.cfg.CooldownMinutes)*time.Minute {
		return false
	}

	newLower := currentPrice - atr*g.cfg.ATRMultiplier
	newUpper := currentPrice + atr*g.cfg.ATRMultiplier
	if newLower <= 0 || newUpper <= newLower {
		return false
	}

	if !g.positionPolicyAllows(newLower, newUpper, unrealizedPnL, now) {
		return false
	}

	g.rebuildLevels(newLower, newUpper, g.levels)
	g.lastRecenterAt = now
	return true
}

// positionPolicyAllows applies RecenterPolicy: block_any blocks while any
// level holds a position, block_outside_range blocks while a held level's
// price lies outside the proposed [newLower, newUpper] band. A block is
// lifted when unrealizedPnL reaches RecenterPnLMinimum or when
// RecenterMaxWaitMin has passed since the first tick. ConsiderRecenter
// requires this gate together with its range/review and cooldown gates.
func (g *GridStrategy) positionPolicyAllows(newLower, newUpper, unrealizedPnL float64, now time.Time) bool {
	hasAnyPosition := false
	hasOutsidePosition := false
	for _, lvl := range g.levels {
		if lvl.PositionQty <= 0 {
			continue
		}
		hasAnyPosition = true
		if lvl.Price < newLower || lvl.Price > newUpper {
			hasOutsidePosition = true
		}
	}

	blocked := false
	switch g.cfg.RecenterPolicy {
	case RecenterBlockAny:
		blocked = hasAnyPosition
	case RecenterBlockOutsideOnly:
		blocked = hasOutsidePosition
	}
	if !blocked {
		return true
	}

	if unrealizedPnL >= g.cfg.RecenterPnLMinimum && g.cfg.RecenterPnLMinimum > 0 {
		return true
	}
	if g.cfg.RecenterMaxWaitMin > 0 && !g.firstTick.IsZero() &&
		now.Sub(g.firstTick) >= time.Duration(g.cfg.RecenterMaxWaitMin)*time.Minute {
		return true
	}
	return false
}

// gridStateDict is the serialized shape of a GridStrategy.
type gridStateDict struct {
	Config         GridConfig  `json:"config"`
	Levels         []GridLevel `json:"levels"`
	LastRecenterAt time.Time   `json:"last_recenter_at"`
}

func (g *GridStrategy) ToStateDict() (json.RawMessage, error) {
	return json.Marshal(gridStateDict{
		Config:         g.cfg,
		Levels:         g.levels,
		LastRecenterAt: g.lastRecenterAt,
	})
}

func (g *GridStrategy) FromStateDict(data json.RawMessage) error {
	var s gridStateDict
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("grid: restore state: %w", err)
	}
	g.cfg = s.Config
	g.levels = s.Levels
	g.lastRecenterAt = s.LastRecenterAt
	g.spacing = (g.cfg.Upper - g.cfg.Lower) / float64(g.cfg.Count)
	g.amountPerGrid = g.cfg.Investment / float64(g.cfg.Count)
	return nil
}
