package reconciliation

import (
	"testing"
	"time"

	"autogrid-core/pkg/db"
)

func trade(side string, price, qty, fee float64, feeCurrency string, t time.Time) db.Trade {
	return db.Trade{Side: side, Price: price, Quantity: qty, Fee: fee, FeeCurrency: feeCurrency, CreatedAt: t}
}

func TestRealizedPnLSimplePair(t *testing.T) {
	base := time.Now()
	trades := []db.Trade{
		trade("BUY", 100, 1, 0.1, "USDT", base),
		trade("SELL", 110, 1, 0.11, "USDT", base.Add(time.Minute)),
	}
	// buy lot price = 100 + 0.1/1 = 100.1
	// sell proceeds = (110 - 100.1)*1 - 0.11 = 9.9 - 0.11 = 9.79
	got := RealizedPnL(trades, "USDT", "BTC")
	want := 9.79
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("realized pnl = %v, want %v", got, want)
	}
}

func TestRealizedPnLPartialFIFOConsumption(t *testing.T) {
	base := time.Now()
	trades := []db.Trade{
		trade("BUY", 100, 1, 0, "USDT", base),
		trade("BUY", 200, 1, 0, "USDT", base.Add(time.Minute)),
		trade("SELL", 150, 1.5, 0, "USDT", base.Add(2*time.Minute)),
	}
	// consumes 1 @100 (+50) then 0.5 @200 (-25) = 25
	got := RealizedPnL(trades, "USDT", "BTC")
	want := 25.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("realized pnl = %v, want %v", got, want)
	}
}

func TestRealizedPnLIgnoresUnrelatedAssetFee(t *testing.T) {
	base := time.Now()
	trades := []db.Trade{
		trade("BUY", 100, 1, 5, "BNB", base),
		trade("SELL", 110, 1, 0, "USDT", base.Add(time.Minute)),
	}
	got := RealizedPnL(trades, "USDT", "BTC")
	want := 10.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("realized pnl = %v, want %v (BNB fee should be ignored)", got, want)
	}
}
