package strategy

import (
	"testing"
	"time"

	"autogrid-core/pkg/exchanges/common"
)

func TestDCAValidateRequiresATrigger(t *testing.T) {
	_, err := NewDCAStrategy(DCAConfig{Symbol: "BTC/USDT", Investment: 1000, AmountPerBuy: 100})
	if err == nil {
		t.Fatal("expected error when neither interval nor trigger_drop_percent is set")
	}
}

func TestDCAIntervalTriggerSequence(t *testing.T) {
	d, err := NewDCAStrategy(DCAConfig{
		Symbol:       "BTC/USDT",
		Investment:   1000,
		AmountPerBuy: 100,
		Interval:     IntervalDaily,
	})
	if err != nil {
		t.Fatalf("new dca: %v", err)
	}

	// t0: never bought before, due immediately.
	c := d.CalculateOrders(100, nil)
	if len(c) != 1 || c[0].Side != common.SideBuy {
		t.Fatalf("expected an immediate buy at t0, got %v", c)
	}
	d.OnOrderFilled(OpenOrder{Side: common.SideBuy}, 100, c[0].Qty)

	// t0 + 23h59m: not yet due.
	d.lastBuyTime = time.Now().Add(-(23*time.Hour + 59*time.Minute))
	if c := d.CalculateOrders(100, nil); len(c) != 0 {
		t.Fatalf("expected no buy before 24h elapsed, got %v", c)
	}

	// t0 + 25h: due again.
	d.lastBuyTime = time.Now().Add(-25 * time.Hour)
	c = d.CalculateOrders(100, nil)
	if len(c) != 1 || c[0].Side != common.SideBuy {
		t.Fatalf("expected a buy past 24h elapsed, got %v", c)
	}
}

func TestDCABudgetExhaustionStopsBuying(t *testing.T) {
	d, err := NewDCAStrategy(DCAConfig{
		Symbol:       "BTC/USDT",
		Investment:   250,
		AmountPerBuy: 100,
		Interval:     IntervalDaily,
	})
	if err != nil {
		t.Fatalf("new dca: %v", err)
	}

	var fills int
	for i := 0; i < 10; i++ {
		d.lastBuyTime = time.Time{}
		c := d.CalculateOrders(100, nil)
		if len(c) == 0 {
			continue
		}
		d.OnOrderFilled(OpenOrder{Side: common.SideBuy}, 100, c[0].Qty)
		fills++
	}

	if fills != 2 {
		t.Fatalf("expected exactly 2 buys to fit a 250 budget at 100/buy, got %d", fills)
	}
	if d.totalSpent > d.cfg.Investment {
		t.Fatalf("spent %v exceeds investment %v", d.totalSpent, d.cfg.Investment)
	}
	// Flat-and-exhausted stop only fires once the position closes; with no
	// take-profit or drop trigger configured it never does, so the held
	// position -- not the budget -- is what keeps the strategy running.
	if d.ShouldStop() {
		t.Fatal("ShouldStop must stay false while the bought position is still open")
	}
}

func TestDCATakeProfitSellsWholePosition(t *testing.T) {
	d, err := NewDCAStrategy(DCAConfig{
		Symbol:            "BTC/USDT",
		Investment:        1000,
		AmountPerBuy:      100,
		Interval:          IntervalDaily,
		TakeProfitPercent: 10,
	})
	if err != nil {
		t.Fatalf("new dca: %v", err)
	}

	c := d.CalculateOrders(100, nil)
	d.OnOrderFilled(OpenOrder{Side: common.SideBuy}, 100, c[0].Qty)
	avg := d.averageEntryPrice()

	c = d.CalculateOrders(avg*1.11, nil)
	if len(c) != 1 || c[0].Side != common.SideSell {
		t.Fatalf("expected a take-profit sell, got %v", c)
	}
	if c[0].Qty != d.totalQuantity {
		t.Fatalf("take-profit sell must close the whole position: qty=%v total=%v", c[0].Qty, d.totalQuantity)
	}

	pnl := d.OnOrderFilled(OpenOrder{Side: common.SideSell}, avg*1.11, c[0].Qty)
	if pnl <= 0 {
		t.Fatalf("expected positive realized pnl on take-profit, got %v", pnl)
	}
	if d.totalQuantity != 0 {
		t.Fatal("position must be flat after take-profit fill")
	}
}

func TestDCADropTrigger(t *testing.T) {
	d, err := NewDCAStrategy(DCAConfig{
		Symbol:             "BTC/USDT",
		Investment:         1000,
		AmountPerBuy:       100,
		TriggerDropPercent: 5,
	})
	if err != nil {
		t.Fatalf("new dca: %v", err)
	}

	if c := d.CalculateOrders(100, nil); len(c) != 0 {
		t.Fatalf("no trigger configured interval, drop baseline not yet set, expected no buy, got %v", c)
	}
	if c := d.CalculateOrders(96, nil); len(c) != 0 {
		t.Fatalf("4%% drop must not trigger, got %v", c)
	}
	c := d.CalculateOrders(94, nil)
	if len(c) != 1 || c[0].Side != common.SideBuy {
		t.Fatalf("6%% drop from the running high must trigger a buy, got %v", c)
	}
}
