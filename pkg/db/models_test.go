package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestCreateAndGetBotRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	b := Bot{
		ID:           uuid.NewString(),
		UserID:       "user-1",
		CredentialID: "cred-1",
		Strategy:     "grid",
		Symbol:       "BTC/USDT",
		Config:       `{"Lower":45000}`,
		Status:       "stopped",
	}
	if err := d.CreateBot(ctx, b); err != nil {
		t.Fatalf("create bot: %v", err)
	}

	got, err := d.GetBot(ctx, b.ID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if got == nil || got.Symbol != "BTC/USDT" || got.Strategy != "grid" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if missing, err := d.GetBot(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil, nil for a missing bot, got %+v, %v", missing, err)
	}
}

func TestListBotsByStatusAndListAllBots(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	running := Bot{ID: uuid.NewString(), UserID: "u", CredentialID: "c", Strategy: "dca", Symbol: "ETH/USDT", Status: "running"}
	stopped := Bot{ID: uuid.NewString(), UserID: "u", CredentialID: "c", Strategy: "dca", Symbol: "ETH/USDT", Status: "stopped"}
	if err := d.CreateBot(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}
	if err := d.CreateBot(ctx, stopped); err != nil {
		t.Fatalf("create stopped: %v", err)
	}

	runningOnly, err := d.ListBotsByStatus(ctx, "running")
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(runningOnly) != 1 || runningOnly[0].ID != running.ID {
		t.Fatalf("expected exactly the one running bot, got %+v", runningOnly)
	}

	all, err := d.ListAllBots(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 bots total, got %d", len(all))
	}
}

func TestUpdateBotStatusPnLAndStrategyState(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	b := Bot{ID: uuid.NewString(), UserID: "u", CredentialID: "c", Strategy: "grid", Symbol: "BTC/USDT", Status: "stopped"}
	if err := d.CreateBot(ctx, b); err != nil {
		t.Fatalf("create bot: %v", err)
	}

	if err := d.UpdateBotStatus(ctx, b.ID, "error", "exchange unreachable"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := d.UpdateBotPnL(ctx, b.ID, 12.5, -3.25); err != nil {
		t.Fatalf("update pnl: %v", err)
	}
	if err := d.UpdateBotStrategyState(ctx, b.ID, `{"levels":[1,2,3]}`); err != nil {
		t.Fatalf("update strategy state: %v", err)
	}

	got, err := d.GetBot(ctx, b.ID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if got.Status != "error" || got.ErrorMessage != "exchange unreachable" {
		t.Fatalf("status/error not persisted: %+v", got)
	}
	if got.RealizedPnL != 12.5 || got.UnrealizedPnL != -3.25 {
		t.Fatalf("pnl not persisted: %+v", got)
	}
	if got.StrategyState != `{"levels":[1,2,3]}` {
		t.Fatalf("strategy state not persisted: %+v", got)
	}
}

func TestUpsertOrderInsertsThenUpdatesOnConflict(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := Order{
		ID:        uuid.NewString(),
		BotID:     "bot-1",
		Symbol:    "BTC/USDT",
		Side:      "buy",
		Type:      "limit",
		Quantity:  0.1,
		Price:     50000,
		State:     "SUBMITTED",
		GridLevel: sql.NullInt64{Int64: 3, Valid: true},
	}
	if err := d.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	o.State = "FILLED"
	o.FilledQuantity = 0.1
	o.AverageFillPrice = 49950
	o.ExchangeID = "ex-123"
	if err := d.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("update order via upsert: %v", err)
	}

	active, err := d.ListActiveOrders(ctx, "bot-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected a FILLED order to be excluded from active orders, got %+v", active)
	}

	byExchange, err := d.ListOrdersByExchangeID(ctx, "ex-123")
	if err != nil {
		t.Fatalf("list by exchange id: %v", err)
	}
	if len(byExchange) != 1 || byExchange[0].AverageFillPrice != 49950 {
		t.Fatalf("expected the upserted fill to be found by exchange id, got %+v", byExchange)
	}
}

func TestListActiveOrdersExcludesTerminalStates(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	open := Order{ID: uuid.NewString(), BotID: "bot-1", Symbol: "BTC/USDT", Side: "buy", Type: "limit", State: "OPEN"}
	cancelled := Order{ID: uuid.NewString(), BotID: "bot-1", Symbol: "BTC/USDT", Side: "buy", Type: "limit", State: "CANCELLED"}
	if err := d.UpsertOrder(ctx, open); err != nil {
		t.Fatalf("insert open: %v", err)
	}
	if err := d.UpsertOrder(ctx, cancelled); err != nil {
		t.Fatalf("insert cancelled: %v", err)
	}

	active, err := d.ListActiveOrders(ctx, "bot-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != open.ID {
		t.Fatalf("expected only the open order, got %+v", active)
	}
}

func TestTradeExistsByExchangeTradeIDAndFallback(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	tr := Trade{
		ID:              uuid.NewString(),
		BotID:           "bot-1",
		OrderID:         "order-1",
		ExchangeTradeID: "trade-xyz",
		Symbol:          "BTC/USDT",
		Side:            "buy",
		Price:           50000,
		Quantity:        0.1,
	}
	if err := d.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("create trade: %v", err)
	}

	exists, err := d.TradeExists(ctx, "bot-1", "trade-xyz", "order-1", 50000, 0.1)
	if err != nil {
		t.Fatalf("trade exists by exchange id: %v", err)
	}
	if !exists {
		t.Fatal("expected trade to be found by exchange_trade_id")
	}

	exists, err = d.TradeExists(ctx, "bot-1", "", "order-1", 50000, 0.1)
	if err != nil {
		t.Fatalf("trade exists via fallback: %v", err)
	}
	if !exists {
		t.Fatal("expected trade to be found via (order_id, price, quantity) fallback")
	}

	exists, err = d.TradeExists(ctx, "bot-1", "", "order-1", 51000, 0.1)
	if err != nil {
		t.Fatalf("trade exists mismatch: %v", err)
	}
	if exists {
		t.Fatal("expected no match for a differing price")
	}
}

func TestListAllTradesAndListTradesSinceOrderingAndFilter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	t1 := Trade{ID: uuid.NewString(), BotID: "bot-1", OrderID: "o1", Symbol: "BTC/USDT", Side: "buy", Price: 100, Quantity: 1, CreatedAt: older}
	t2 := Trade{ID: uuid.NewString(), BotID: "bot-1", OrderID: "o2", Symbol: "BTC/USDT", Side: "sell", Price: 110, Quantity: 1, CreatedAt: newer}
	if err := d.CreateTrade(ctx, t1); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	if err := d.CreateTrade(ctx, t2); err != nil {
		t.Fatalf("create t2: %v", err)
	}

	all, err := d.ListAllTrades(ctx, "bot-1")
	if err != nil {
		t.Fatalf("list all trades: %v", err)
	}
	if len(all) != 2 || all[0].ID != t1.ID || all[1].ID != t2.ID {
		t.Fatalf("expected both trades oldest first, got %+v", all)
	}

	sinceNewer, err := d.ListTradesSince(ctx, "bot-1", newer.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list trades since: %v", err)
	}
	if len(sinceNewer) != 1 || sinceNewer[0].ID != t2.ID {
		t.Fatalf("expected only the newer trade, got %+v", sinceNewer)
	}
}

func TestCreateTradeIgnoresDuplicateID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	tr := Trade{ID: uuid.NewString(), BotID: "bot-1", OrderID: "o1", Symbol: "BTC/USDT", Side: "buy", Price: 100, Quantity: 1}
	if err := d.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := d.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("duplicate insert should be ignored, not erred: %v", err)
	}

	all, err := d.ListAllTrades(ctx, "bot-1")
	if err != nil {
		t.Fatalf("list all trades: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the duplicate id to be ignored, got %d rows", len(all))
	}
}

func TestRiskStateUpsertAndGet(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	r := RiskState{
		BotID:       "bot-1",
		Status:      "normal",
		EquityPeak:  1000,
		LastEquity:  950,
		PausedUntil: sql.NullTime{},
	}
	if err := d.UpsertRiskState(ctx, r); err != nil {
		t.Fatalf("insert risk state: %v", err)
	}

	got, err := d.GetRiskState(ctx, "bot-1")
	if err != nil {
		t.Fatalf("get risk state: %v", err)
	}
	if got == nil || got.Status != "normal" || got.EquityPeak != 1000 {
		t.Fatalf("risk state round trip mismatch: %+v", got)
	}

	r.Status = "paused"
	r.PausedUntil = sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true}
	if err := d.UpsertRiskState(ctx, r); err != nil {
		t.Fatalf("update risk state via upsert: %v", err)
	}
	got, err = d.GetRiskState(ctx, "bot-1")
	if err != nil {
		t.Fatalf("get risk state after update: %v", err)
	}
	if got.Status != "paused" || !got.PausedUntil.Valid {
		t.Fatalf("expected updated risk state to persist, got %+v", got)
	}

	if missing, err := d.GetRiskState(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil, nil for a bot with no risk state, got %+v, %v", missing, err)
	}
}

func TestRecordRiskEventAndBotEvent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.RecordRiskEvent(ctx, RiskEvent{ID: uuid.NewString(), BotID: "bot-1", Action: "pause", Reason: "daily stop hit"}); err != nil {
		t.Fatalf("record risk event: %v", err)
	}
	if err := d.RecordBotEvent(ctx, BotEvent{ID: uuid.NewString(), BotID: "bot-1", EventType: "started", Message: "bot started"}); err != nil {
		t.Fatalf("record bot event: %v", err)
	}
}

func TestCreateUserAndGetUserByEmailIsCaseInsensitive(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	u := User{ID: uuid.NewString(), Email: "Trader@Example.com", PasswordHash: "hash"}
	if err := d.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := d.GetUserByEmail(ctx, "trader@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if got == nil || got.ID != u.ID {
		t.Fatalf("expected case-insensitive email lookup to find the user, got %+v", got)
	}
}

func TestCredentialCreateGetAndListByUser(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	c := ExchangeCredential{
		ID:                 uuid.NewString(),
		UserID:             "user-1",
		Venue:              "bybit",
		Label:              "main",
		APIKeyEncrypted:    "enc-key",
		APISecretEncrypted: "enc-secret",
		IsActive:           true,
	}
	if err := d.CreateCredential(ctx, c); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	got, err := d.GetCredential(ctx, c.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got == nil || got.Venue != "bybit" || !got.IsActive {
		t.Fatalf("credential round trip mismatch: %+v", got)
	}

	list, err := d.ListCredentialsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list credentials by user: %v", err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("expected exactly one credential for user-1, got %+v", list)
	}
}
