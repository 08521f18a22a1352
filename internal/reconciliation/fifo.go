package reconciliation

import (
	"autogrid-core/pkg/db"
	"autogrid-core/pkg/exchanges/common"
)

// lot is one open buy position in the FIFO queue, priced to include the
// buy's own fee.
type lot struct {
	priceEffective float64
	qtyRemaining   float64
}

// RealizedPnL replays a bot's trades oldest-first through a FIFO lot queue
// and returns total realized P&L (§4.10). Buys open lots priced at
// price + fee_quote/qty; sells consume lots FIFO and realize
// (sell_price - lot_price) * consumed - sell_fee_quote. A trade's fee is
// treated as quote-denominated when FeeCurrency matches the symbol's quote
// asset or is empty; fees in the base asset are folded into price via the
// trade's own price, and fees in any other asset are ignored (documented
// approximation -- a cross-asset fee rate is not observable from the trade
// record alone).
func RealizedPnL(trades []db.Trade, quoteAsset, baseAsset string) float64 {
	var lots []lot
	var realized float64

	for _, t := range trades {
		feeQuote := feeInQuote(t, quoteAsset, baseAsset)
		switch common.Side(t.Side) {
		case common.SideBuy:
			priceEffective := t.Price
			if t.Quantity > 0 {
				priceEffective += feeQuote / t.Quantity
			}
			lots = append(lots, lot{priceEffective: priceEffective, qtyRemaining: t.Quantity})

		case common.SideSell:
			remaining := t.Quantity
			for remaining > 0 && len(lots) > 0 {
				head := &lots[0]
				consumed := remaining
				if head.qtyRemaining < consumed {
					consumed = head.qtyRemaining
				}
				realized += (t.Price - head.priceEffective) * consumed
				head.qtyRemaining -= consumed
				remaining -= consumed
				if head.qtyRemaining <= 0 {
					lots = lots[1:]
				}
			}
			realized -= feeQuote
		}
	}
	return realized
}

// feeInQuote converts a trade's fee into quote-asset terms where possible.
func feeInQuote(t db.Trade, quoteAsset, baseAsset string) float64 {
	switch t.FeeCurrency {
	case "", quoteAsset:
		return t.Fee
	case baseAsset:
		return t.Fee * t.Price
	default:
		return 0
	}
}
