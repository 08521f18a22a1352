package bot

import (
	"context"
	"encoding/json"
	"testing"

	"autogrid-core/pkg/crypto"
	"autogrid-core/pkg/db"
)

func newTestStores(t *testing.T) (*Store, *CredentialStore) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}

	return NewStore(database, km), NewCredentialStore(database, km)
}

func TestCreateAndGetBotRoundTrip(t *testing.T) {
	store, _ := newTestStores(t)
	params, _ := json.Marshal(map[string]any{"Investment": 1000, "Lower": 45000, "Upper": 55000, "Count": 20})

	created, err := store.Create(context.Background(), Bot{
		UserID:       "user-1",
		CredentialID: "cred-1",
		Strategy:     StrategyGrid,
		Symbol:       "BTC/USDT",
		Params:       params,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusStopped {
		t.Fatalf("expected default status stopped, got %s", created.Status)
	}

	got, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Symbol != "BTC/USDT" || got.Strategy != StrategyGrid {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestListByStatusFiltersCorrectly(t *testing.T) {
	store, _ := newTestStores(t)
	ctx := context.Background()

	running, err := store.Create(ctx, Bot{UserID: "u", CredentialID: "c", Strategy: StrategyDCA, Symbol: "ETH/USDT", Status: StatusRunning})
	if err != nil {
		t.Fatalf("create running: %v", err)
	}
	_, err = store.Create(ctx, Bot{UserID: "u", CredentialID: "c", Strategy: StrategyDCA, Symbol: "ETH/USDT", Status: StatusStopped})
	if err != nil {
		t.Fatalf("create stopped: %v", err)
	}

	matches, err := store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != running.ID {
		t.Fatalf("expected exactly the one running bot, got %+v", matches)
	}
}

func TestSetStatusAndSaveStrategyStatePersist(t *testing.T) {
	store, _ := newTestStores(t)
	ctx := context.Background()

	b, err := store.Create(ctx, Bot{UserID: "u", CredentialID: "c", Strategy: StrategyGrid, Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SetStatus(ctx, b.ID, StatusError, "exchange unreachable"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusError || got.ErrorMessage != "exchange unreachable" {
		t.Fatalf("status/error message not persisted: %+v", got)
	}

	state := json.RawMessage(`{"levels":[]}`)
	if err := store.SaveStrategyState(ctx, b.ID, state); err != nil {
		t.Fatalf("save strategy state: %v", err)
	}
	got, err = store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.StrategyState) != string(state) {
		t.Fatalf("strategy state not persisted: got %s", got.StrategyState)
	}
}

func TestCredentialRoundTripDecryptsToOriginal(t *testing.T) {
	_, credStore := newTestStores(t)
	ctx := context.Background()

	id, err := credStore.Create(ctx, "user-1", "binance", "api-key-123", "api-secret-456", true)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	cred, err := credStore.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.APIKey != "api-key-123" || cred.APISecret != "api-secret-456" {
		t.Fatalf("decrypted credential mismatch: %+v", cred)
	}
	if !cred.Testnet || cred.Venue != "binance" {
		t.Fatalf("credential metadata mismatch: %+v", cred)
	}
}
