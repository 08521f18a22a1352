package common

import "context"

// Gateway is the uniform contract every venue adapter implements (§4.1).
// Each bot uses the one Gateway instance pooled for its credential; bots
// that share a credential share that instance.
type Gateway interface {
	// Connect validates credentials and loads market metadata. It must be
	// called before any other method.
	Connect(ctx context.Context) error

	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchBalance(ctx context.Context) (Balance, error)
	MarketMetadata(ctx context.Context, symbol string) (MarketMetadata, error)

	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderSnapshot, error)

	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Kline, error)
	FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]MyTrade, error)
}
