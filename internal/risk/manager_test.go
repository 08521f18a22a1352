package risk

import (
	"context"
	"testing"
	"time"

	"autogrid-core/pkg/db"
)

func newTestManager(t *testing.T) (*Manager, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := database.CreateBot(context.Background(), testBot()); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	return NewManager(database, DefaultConfig()), database
}

func testBot() db.Bot {
	return db.Bot{ID: "bot-1", UserID: "user-1", CredentialID: "cred-1", Strategy: "grid", Symbol: "BTC/USDT", Status: "running"}
}

// Scenario 5: initial equity 10000, daily stop 4%. Equity falls to 9600 ->
// PAUSED/PAUSE/daily_stop with paused_until = now + 24h. During the pause,
// further updates return NONE. After expiry with recovered equity, RESUME.
func TestDailyStopPauseAndResume(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	dec, err := mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 10000})
	if err != nil {
		t.Fatalf("seed update: %v", err)
	}
	if dec.Action != ActionNone {
		t.Fatalf("expected no action on first observation, got %v", dec.Action)
	}

	dec, err = mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 9600})
	if err != nil {
		t.Fatalf("drawdown update: %v", err)
	}
	if dec.Status != StatusPaused || dec.Action != ActionPause || dec.Reason != "daily_stop" {
		t.Fatalf("expected PAUSED/PAUSE/daily_stop, got %+v", dec)
	}

	dec, err = mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 9600})
	if err != nil {
		t.Fatalf("during-pause update: %v", err)
	}
	if dec.Action != ActionNone {
		t.Fatalf("expected NONE during pause, got %v", dec.Action)
	}

	mgr.mu.Lock()
	mgr.states["bot-1"].PausedUntil = time.Now().Add(-time.Second)
	mgr.mu.Unlock()

	dec, err = mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 9700})
	if err != nil {
		t.Fatalf("post-expiry update: %v", err)
	}
	if dec.Action != ActionResume {
		t.Fatalf("expected RESUME after pause expiry, got %v", dec.Action)
	}
}

func TestCheckOrderDeniesWhilePaused(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 10000})
	mgr.UpdateState(ctx, "bot-1", 1, 10000, Balance{QuoteTotal: 9600})

	allowed, reason := mgr.CheckOrder(ctx, "bot-1", CandidateOrder{Side: "BUY", Price: 1, Qty: 1})
	if allowed {
		t.Fatalf("expected order denied while paused")
	}
	if reason != string(StatusPaused) {
		t.Fatalf("expected reason %q, got %q", StatusPaused, reason)
	}
}

func TestReinforcementDeploysOnDrop(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	// Reference price set on first tick at 100.
	if _, err := mgr.UpdateState(ctx, "bot-1", 100, 1000, Balance{QuoteTotal: 1000}); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	// Drop 8% triggers the first reinforcement level.
	dec, err := mgr.UpdateState(ctx, "bot-1", 92, 1000, Balance{QuoteTotal: 1000})
	if err != nil {
		t.Fatalf("drop update: %v", err)
	}
	if dec.Reason != "reinforcement_deployed" {
		t.Fatalf("expected reinforcement_deployed, got %+v", dec)
	}
}
