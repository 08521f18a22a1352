// Package engine implements the bot control loop's per-tick pipeline
// (§4.7): price/balance refresh, strategy decision, candidate filtering,
// and gated submission through the order manager.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"autogrid-core/internal/circuit"
	"autogrid-core/internal/events"
	"autogrid-core/internal/indicators"
	"autogrid-core/internal/notifier"
	"autogrid-core/internal/order"
	"autogrid-core/internal/risk"
	"autogrid-core/internal/strategy"
	"autogrid-core/pkg/db"
	"autogrid-core/pkg/exchanges/common"
)

// atrTimeframe/atrPeriod fix the candle window a dynamic-range grid regrids
// against; both are conservative enough to read cheaply every tick.
const (
	atrTimeframe = "1h"
	atrPeriod    = 14
)

// recenterer is implemented by strategies that support ATR-driven dynamic
// regridding (currently only *strategy.GridStrategy, whose ConsiderRecenter
// returns false unless DynamicRange is set).
type recenterer interface {
	ConsiderRecenter(currentPrice, atr, unrealizedPnL float64, now time.Time) bool
}

// Deps bundles every collaborator one bot loop needs, injected rather than
// reached for through a global (§9 "Runtime value... propagated to each bot
// loop").
type Deps struct {
	BotID      string
	UserID     string
	Symbol     string
	Investment float64

	Gateway     common.Gateway
	Orders      *order.Manager
	Circuit     *circuit.Breaker
	Risk        *risk.Manager
	Strategy    strategy.Strategy
	Bus         *events.Bus
	Notifier    notifier.Notifier
	DB          *db.Database
	CallTimeout time.Duration
}

// Engine runs one bot's tick pipeline.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = 5 * time.Second
	}
	return &Engine{deps: deps}
}

// Tick runs one iteration of the pipeline. A true return means the circuit
// is OPEN and the caller (the supervisor's per-bot loop) should stop.
func (e *Engine) Tick(ctx context.Context) (stop bool, err error) {
	d := e.deps

	// Step 1: circuit gate.
	if d.Circuit.GetState(d.BotID) == circuit.StateOpen {
		e.cancelAllOpenOrders(ctx)
		return true, nil
	}

	// Step 2: ticker.
	tickerCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	ticker, err := d.Gateway.FetchTicker(tickerCtx, d.Symbol)
	cancel()
	if err != nil {
		log.Printf("engine[%s]: fetch_ticker failed, skipping tick: %v", d.BotID, err)
		return false, nil
	}
	currentPrice := ticker.Last

	// Step 3: balance, best-effort.
	balCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	bal, balErr := d.Gateway.FetchBalance(balCtx)
	cancel()
	haveBalance := balErr == nil
	if balErr != nil {
		log.Printf("engine[%s]: fetch_balance failed, balance gating disabled this tick: %v", d.BotID, balErr)
	}

	// Step 4: market metadata.
	metaCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	meta, metaErr := d.Gateway.MarketMetadata(metaCtx, d.Symbol)
	cancel()
	haveMeta := metaErr == nil
	if metaErr != nil {
		log.Printf("engine[%s]: market_metadata failed, step/min guards disabled this tick: %v", d.BotID, metaErr)
	}

	// Refresh the safety envelope before asking the strategy for anything:
	// a stop/pause decided this tick must block the candidates it produces.
	if d.Risk != nil && haveBalance {
		quoteAsset, baseAsset := splitSymbol(d.Symbol)
		rb := risk.Balance{QuoteTotal: bal.Total[quoteAsset], BaseTotal: bal.Total[baseAsset]}
		decision, err := d.Risk.UpdateState(ctx, d.BotID, currentPrice, d.Investment, rb)
		if err != nil {
			log.Printf("engine[%s]: risk update_state failed: %v", d.BotID, err)
		} else if decision.Action != risk.ActionNone && d.Bus != nil {
			d.Bus.Publish(events.EventRiskAlert, fmt.Sprintf("bot %s: %s (%s)", d.BotID, decision.Action, decision.Reason))
		}
	}

	// Step 4.5: ATR-driven dynamic regrid, only for strategies that opt in.
	if recenterable, ok := d.Strategy.(recenterer); ok {
		e.considerRecenter(ctx, recenterable, currentPrice)
	}

	// Step 5: strategy decision.
	open := e.openOrders()
	candidates := d.Strategy.CalculateOrders(currentPrice, open)
	if len(candidates) == 0 {
		return false, nil
	}

	// Step 6: filter and normalize.
	candidates = e.filterAndNormalize(candidates, currentPrice, meta, haveMeta, bal, haveBalance)

	// Step 7: gate and submit each survivor.
	for _, c := range candidates {
		e.submitCandidate(ctx, c, currentPrice)
	}
	return false, nil
}

// considerRecenter fetches the trailing candles needed for ATR and offers
// the strategy a chance to shift its range. Best-effort: any fetch failure
// just skips the regrid check for this tick.
func (e *Engine) considerRecenter(ctx context.Context, strat recenterer, currentPrice float64) {
	d := e.deps
	klineCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	klines, err := d.Gateway.FetchOHLCV(klineCtx, d.Symbol, atrTimeframe, 0, atrPeriod+1)
	cancel()
	if err != nil {
		log.Printf("engine[%s]: fetch_ohlcv failed, skipping regrid check: %v", d.BotID, err)
		return
	}
	atr := indicators.ATR(klines, atrPeriod)
	if atr <= 0 {
		return
	}

	var unrealizedPnL float64
	if d.DB != nil {
		if b, err := d.DB.GetBot(ctx, d.BotID); err == nil && b != nil {
			unrealizedPnL = b.UnrealizedPnL
		}
	}

	if strat.ConsiderRecenter(currentPrice, atr, unrealizedPnL, time.Now()) {
		log.Printf("engine[%s]: grid recentered around %.8f (atr=%.8f)", d.BotID, currentPrice, atr)
		if d.Bus != nil {
			d.Bus.Publish(events.EventRiskAlert, fmt.Sprintf("bot %s: grid recentered around %.8f", d.BotID, currentPrice))
		}
	}
}

func (e *Engine) openOrders() []strategy.OpenOrder {
	open := e.deps.Orders.Open()
	out := make([]strategy.OpenOrder, 0, len(open))
	for _, o := range open {
		out = append(out, strategy.OpenOrder{ID: o.ID, Side: o.Side, Price: o.Price, Qty: o.Quantity, GridLevel: o.GridLevel})
	}
	return out
}

func (e *Engine) cancelAllOpenOrders(ctx context.Context) {
	log.Printf("engine[%s]: circuit open, cancelling open orders and stopping", e.deps.BotID)
	for _, o := range e.deps.Orders.Open() {
		if err := e.deps.Orders.Cancel(ctx, o.ID); err != nil {
			log.Printf("engine[%s]: cancel order %s: %v", e.deps.BotID, o.ID, err)
		}
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.EventCircuitTrip, e.deps.BotID)
	}
}

// filterAndNormalize implements the §4.7 step-6 sort/round/budget rules.
func (e *Engine) filterAndNormalize(candidates []strategy.CandidateOrder, currentPrice float64, meta common.MarketMetadata, haveMeta bool, bal common.Balance, haveBalance bool) []strategy.CandidateOrder {
	sort.SliceStable(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].Price-currentPrice) < math.Abs(candidates[j].Price-currentPrice)
	})

	quoteAsset, baseAsset := splitSymbol(e.deps.Symbol)
	freeQuote := math.Inf(1)
	freeBase := math.Inf(1)
	if haveBalance {
		freeQuote = bal.Free[quoteAsset]
		freeBase = bal.Free[baseAsset]
	}

	var out []strategy.CandidateOrder
	for _, c := range candidates {
		qty := c.Qty
		if haveMeta && meta.StepSize > 0 {
			qty = math.Floor(qty/meta.StepSize) * meta.StepSize
		}
		if haveMeta && qty < meta.MinQty {
			continue
		}

		price := c.Price
		if price == 0 {
			price = currentPrice
		}

		if c.Side == common.SideBuy {
			notional := price * qty
			if haveMeta && notional < meta.MinNotional {
				continue
			}
			if haveBalance {
				if notional > freeQuote {
					continue
				}
				freeQuote -= notional
			}
		} else {
			if haveBalance && qty > freeBase {
				qty = freeBase
				if haveMeta && meta.StepSize > 0 {
					qty = math.Floor(qty/meta.StepSize) * meta.StepSize
				}
				if haveMeta && qty < meta.MinQty {
					continue
				}
			}
			if haveBalance {
				freeBase -= qty
			}
		}

		c.Qty = qty
		out = append(out, c)
	}
	return out
}

func (e *Engine) submitCandidate(ctx context.Context, c strategy.CandidateOrder, currentPrice float64) {
	d := e.deps

	if c.GridLevel != nil && d.Orders.HasActiveGridOrder(c.Side, *c.GridLevel) {
		return
	}

	investment := d.Investment
	orderPrice := c.Price
	if orderPrice == 0 {
		orderPrice = currentPrice
	}
	allowed, reason := d.Circuit.CheckOrderAllowed(d.BotID, decimalOf(orderPrice), decimalOf(currentPrice), decimalOf(investment), c.Type == common.OrderTypeLimit)
	if !allowed {
		log.Printf("engine[%s]: order blocked by circuit: %s", d.BotID, reason)
		return
	}

	if d.Risk != nil {
		riskAllowed, riskReason := d.Risk.CheckOrder(ctx, d.BotID, risk.CandidateOrder{Side: string(c.Side), Price: orderPrice, Qty: c.Qty})
		if !riskAllowed {
			log.Printf("engine[%s]: order blocked by risk manager: %s", d.BotID, riskReason)
			return
		}
	}

	o := &order.Order{
		BotID:     d.BotID,
		Symbol:    d.Symbol,
		Side:      c.Side,
		Type:      c.Type,
		Quantity:  c.Qty,
		Price:     c.Price,
		GridLevel: c.GridLevel,
	}
	if err := d.Orders.Submit(ctx, o); err != nil {
		log.Printf("engine[%s]: submit failed: %v", d.BotID, err)
		d.Circuit.RecordFailure(d.BotID, circuit.ReasonError)
		return
	}
	d.Circuit.RecordOrderPlaced(d.BotID)
	d.Circuit.RecordSuccess(d.BotID)
}

// HandleOrderFilled is wired as the order.Manager's OnFilled callback: it
// updates the strategy's position state, records P&L, and notifies.
func (e *Engine) HandleOrderFilled(o *order.Order, fillPrice float64) {
	d := e.deps
	oo := strategy.OpenOrder{ID: o.ID, Side: o.Side, Price: o.Price, Qty: o.Quantity, GridLevel: o.GridLevel}
	pnlDelta := d.Strategy.OnOrderFilled(oo, fillPrice, o.FilledQuantity)

	if pnlDelta != 0 {
		if bot, err := d.DB.GetBot(context.Background(), d.BotID); err == nil && bot != nil {
			if err := d.DB.UpdateBotPnL(context.Background(), d.BotID, bot.RealizedPnL+pnlDelta, bot.UnrealizedPnL); err != nil {
				log.Printf("engine[%s]: update bot pnl failed: %v", d.BotID, err)
			}
		}
		if pnlDelta < 0 {
			d.Circuit.RecordPnL(d.BotID, decimalOf(pnlDelta))
		}
	}

	if d.Bus != nil {
		d.Bus.Publish(events.EventRiskDecision, map[string]any{"bot_id": d.BotID, "pnl_delta": pnlDelta})
	}
	if d.Notifier != nil {
		if err := d.Notifier.NotifyOrderFilled(d.UserID, d.Symbol, string(o.Side), o.FilledQuantity, fillPrice); err != nil {
			log.Printf("engine[%s]: notify order filled failed: %v", d.BotID, err)
		}
	}
}

func decimalOf(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func splitSymbol(symbol string) (quote, base string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[i+1:], symbol[:i]
		}
	}
	return "", symbol
}
