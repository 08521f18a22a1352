// Package bot holds the domain types for a configured trading bot and its
// exchange credential, plus a thin store over the persistence layer.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autogrid-core/pkg/crypto"
	"autogrid-core/pkg/db"
)

// Status is the desired/observed lifecycle state of a bot.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// Strategy names the strategy engine a bot runs.
type Strategy string

const (
	StrategyGrid Strategy = "grid"
	StrategyDCA  Strategy = "dca"
)

// Credential is the decrypted view of an exchange API key pair, held only
// in memory for the lifetime of a gateway connection.
type Credential struct {
	ID       string
	UserID   string
	Venue    string
	APIKey   string
	APISecret string
	Testnet  bool
}

// Bot is the strategy-agnostic envelope a bot is configured with;
// strategy-specific parameters live under Params as raw JSON, decoded by
// the strategy engine that owns them.
type Bot struct {
	ID            string
	UserID        string
	CredentialID  string
	Strategy      Strategy
	Symbol        string
	Params        json.RawMessage
	Status        Status
	RealizedPnL   float64
	UnrealizedPnL float64
	StrategyState json.RawMessage
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store adapts the SQL persistence layer to bot/credential domain types,
// handling credential encryption at the boundary.
type Store struct {
	db  *db.Database
	key *crypto.KeyManager
}

func NewStore(database *db.Database, key *crypto.KeyManager) *Store {
	return &Store{db: database, key: key}
}

// Create inserts a new bot row with a freshly generated id.
func (s *Store) Create(ctx context.Context, b Bot) (Bot, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusStopped
	}
	row := db.Bot{
		ID:            b.ID,
		UserID:        b.UserID,
		CredentialID:  b.CredentialID,
		Strategy:      string(b.Strategy),
		Symbol:        b.Symbol,
		Config:        string(b.Params),
		Status:        string(b.Status),
		RealizedPnL:   b.RealizedPnL,
		UnrealizedPnL: b.UnrealizedPnL,
		StrategyState: string(b.StrategyState),
		ErrorMessage:  b.ErrorMessage,
	}
	if err := s.db.CreateBot(ctx, row); err != nil {
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	return s.Get(ctx, b.ID)
}

// Get loads one bot by id.
func (s *Store) Get(ctx context.Context, id string) (Bot, error) {
	row, err := s.db.GetBot(ctx, id)
	if err != nil {
		return Bot{}, fmt.Errorf("get bot %s: %w", id, err)
	}
	if row == nil {
		return Bot{}, fmt.Errorf("bot %s not found", id)
	}
	return fromRow(*row), nil
}

// ListAll returns every configured bot, used by the supervisor on startup.
func (s *Store) ListAll(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.ListAllBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	out := make([]Bot, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// ListByStatus returns every bot whose persisted desired status matches.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Bot, error) {
	rows, err := s.db.ListBotsByStatus(ctx, string(status))
	if err != nil {
		return nil, fmt.Errorf("list bots by status: %w", err)
	}
	out := make([]Bot, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// SetStatus updates a bot's status and, for the error status, its message.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	return s.db.UpdateBotStatus(ctx, id, string(status), errMsg)
}

// SetPnL persists the latest realized/unrealized P&L snapshot.
func (s *Store) SetPnL(ctx context.Context, id string, realized, unrealized float64) error {
	return s.db.UpdateBotPnL(ctx, id, realized, unrealized)
}

// SaveStrategyState persists the strategy engine's serialized snapshot so a
// restart can rehydrate exactly where it left off.
func (s *Store) SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error {
	return s.db.UpdateBotStrategyState(ctx, id, string(state))
}

func fromRow(r db.Bot) Bot {
	return Bot{
		ID:            r.ID,
		UserID:        r.UserID,
		CredentialID:  r.CredentialID,
		Strategy:      Strategy(r.Strategy),
		Symbol:        r.Symbol,
		Params:        json.RawMessage(r.Config),
		Status:        Status(r.Status),
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		StrategyState: json.RawMessage(r.StrategyState),
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// CredentialStore resolves exchange credentials, decrypting API secrets on
// read and encrypting on write so plaintext keys never touch disk.
type CredentialStore struct {
	db  *db.Database
	key *crypto.KeyManager
}

func NewCredentialStore(database *db.Database, key *crypto.KeyManager) *CredentialStore {
	return &CredentialStore{db: database, key: key}
}

// Create encrypts and stores a new credential.
func (c *CredentialStore) Create(ctx context.Context, userID, venue, apiKey, apiSecret string, testnet bool) (string, error) {
	encKey, err := c.key.Encrypt(apiKey)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := c.key.Encrypt(apiSecret)
	if err != nil {
		return "", fmt.Errorf("encrypt api secret: %w", err)
	}
	row := db.ExchangeCredential{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Venue:              venue,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         c.key.CurrentVersion(),
		Testnet:            testnet,
		IsActive:           true,
	}
	if err := c.db.CreateCredential(ctx, row); err != nil {
		return "", fmt.Errorf("create credential: %w", err)
	}
	return row.ID, nil
}

// Resolve loads and decrypts a credential by id.
func (c *CredentialStore) Resolve(ctx context.Context, id string) (Credential, error) {
	row, err := c.db.GetCredential(ctx, id)
	if err != nil {
		return Credential{}, fmt.Errorf("get credential %s: %w", id, err)
	}
	if row == nil {
		return Credential{}, fmt.Errorf("credential %s not found", id)
	}
	apiKey, err := c.key.Decrypt(row.APIKeyEncrypted)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := c.key.Decrypt(row.APISecretEncrypted)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return Credential{
		ID:        row.ID,
		UserID:    row.UserID,
		Venue:     row.Venue,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Testnet:   row.Testnet,
	}, nil
}
