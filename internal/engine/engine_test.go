package engine

import (
	"context"
	"encoding/json"
	"testing"

	"autogrid-core/internal/circuit"
	"autogrid-core/internal/events"
	"autogrid-core/internal/order"
	"autogrid-core/internal/strategy"
	"autogrid-core/pkg/cache"
	"autogrid-core/pkg/db"
	"autogrid-core/pkg/exchanges/common"
)

type fakeGateway struct {
	ticker  common.Ticker
	balance common.Balance
	meta      common.MarketMetadata
	created   []common.OrderRequest
	cancelled []string
}

func (f *fakeGateway) Connect(ctx context.Context) error { return nil }
func (f *fakeGateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return f.ticker, nil
}
func (f *fakeGateway) FetchBalance(ctx context.Context) (common.Balance, error) {
	return f.balance, nil
}
func (f *fakeGateway) MarketMetadata(ctx context.Context, symbol string) (common.MarketMetadata, error) {
	return f.meta, nil
}
func (f *fakeGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.created = append(f.created, req)
	return common.OrderResult{ExchangeOrderID: "ex-1", Status: common.StatusOpen}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	f.cancelled = append(f.cancelled, exchangeOrderID)
	return nil
}
func (f *fakeGateway) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderSnapshot, error) {
	return common.OrderSnapshot{}, nil
}
func (f *fakeGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]common.Kline, error) {
	return nil, nil
}
func (f *fakeGateway) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]common.MyTrade, error) {
	return nil, nil
}

type fakeStrategy struct {
	candidates []strategy.CandidateOrder
}

func (f *fakeStrategy) CalculateOrders(currentPrice float64, open []strategy.OpenOrder) []strategy.CandidateOrder {
	return f.candidates
}
func (f *fakeStrategy) OnOrderFilled(o strategy.OpenOrder, fillPrice, filledQty float64) float64 {
	return 0
}
func (f *fakeStrategy) ShouldStop() bool                         { return false }
func (f *fakeStrategy) ToStateDict() (json.RawMessage, error)    { return json.RawMessage("{}"), nil }
func (f *fakeStrategy) FromStateDict(data json.RawMessage) error { return nil }

func newTestDeps(t *testing.T, gw *fakeGateway, st *fakeStrategy) (*Engine, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bot := db.Bot{ID: "bot-1", UserID: "user-1", CredentialID: "cred-1", Strategy: "grid", Symbol: "BTC/USDT", Status: "running"}
	if err := database.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("create bot: %v", err)
	}

	om := order.NewManager(order.Config{BotID: "bot-1", Gateway: gw, DB: database, Bus: events.NewBus()})
	cb := circuit.New(cache.NewTTLStore(), circuit.DefaultConfig())

	deps := Deps{
		BotID:      "bot-1",
		UserID:     "user-1",
		Symbol:     "BTC/USDT",
		Investment: 1000,
		Gateway:    gw,
		Orders:     om,
		Circuit:    cb,
		Strategy:   st,
		Bus:        events.NewBus(),
		DB:         database,
	}
	return New(deps), database
}

func TestTickSkipsWhenCircuitOpen(t *testing.T) {
	gw := &fakeGateway{ticker: common.Ticker{Last: 100}}
	st := &fakeStrategy{}
	eng, _ := newTestDeps(t, gw, st)
	eng.deps.Circuit.Trip("bot-1", circuit.ReasonOrderRateExceeded)

	stop, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !stop {
		t.Fatalf("expected stop=true when circuit is open")
	}
	if len(gw.created) != 0 {
		t.Fatalf("expected no orders submitted while circuit open")
	}
}

func TestTickCancelsOpenOrdersWhenCircuitTrips(t *testing.T) {
	gw := &fakeGateway{ticker: common.Ticker{Last: 100}}
	st := &fakeStrategy{}
	eng, _ := newTestDeps(t, gw, st)

	o := &order.Order{Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Quantity: 1, Price: 99}
	if err := eng.deps.Orders.Submit(context.Background(), o); err != nil {
		t.Fatalf("submit: %v", err)
	}

	eng.deps.Circuit.Trip("bot-1", circuit.ReasonOrderRateExceeded)

	stop, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !stop {
		t.Fatalf("expected stop=true when circuit is open")
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != o.ExchangeID {
		t.Fatalf("expected the resting order to be cancelled on the exchange, got %v", gw.cancelled)
	}
	if len(eng.deps.Orders.Open()) != 0 {
		t.Fatalf("expected no open orders left after circuit trip")
	}
}

func TestTickSubmitsFilteredCandidates(t *testing.T) {
	gw := &fakeGateway{
		ticker:  common.Ticker{Last: 100},
		balance: common.Balance{Free: map[string]float64{"USDT": 1000, "BTC": 10}},
		meta:    common.MarketMetadata{MinNotional: 10, MinQty: 0.001, StepSize: 0.001},
	}
	st := &fakeStrategy{candidates: []strategy.CandidateOrder{
		{Side: common.SideBuy, Type: common.OrderTypeLimit, Price: 99, Qty: 0.5},
		{Side: common.SideBuy, Type: common.OrderTypeLimit, Price: 1, Qty: 0.0001}, // below min qty, dropped
	}}
	eng, _ := newTestDeps(t, gw, st)

	stop, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stop {
		t.Fatalf("did not expect stop")
	}
	if len(gw.created) != 1 {
		t.Fatalf("expected exactly one order submitted, got %d", len(gw.created))
	}
}
