package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// User represents an application account that owns credentials and bots.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExchangeCredential is an encrypted API key/secret pair scoped to a venue.
type ExchangeCredential struct {
	ID                 string
	UserID             string
	Venue              string
	Label              string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	Testnet            bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Bot is a single strategy instance bound to a symbol and a credential.
type Bot struct {
	ID            string
	UserID        string
	CredentialID  string
	Strategy      string
	Symbol        string
	Config        string // JSON-encoded strategy parameters
	Status        string // stopped, running, paused, error
	RealizedPnL   float64
	UnrealizedPnL float64
	StrategyState string // JSON snapshot for rehydration
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order mirrors the order state machine's row, persisted for rehydration.
type Order struct {
	ID               string
	BotID            string
	Symbol           string
	Side             string
	Type             string
	Quantity         float64
	Price            float64
	State            string
	ExchangeID       string
	FilledQuantity   float64
	AverageFillPrice float64
	Fee              float64
	FeeAsset         string
	GridLevel        sql.NullInt64
	RetryCount       int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Trade is a confirmed fill, either local (order manager) or reconciled
// from exchange trade history.
type Trade struct {
	ID              string
	BotID           string
	OrderID         string
	ExchangeTradeID string
	Symbol          string
	Side            string
	Price           float64
	Quantity        float64
	Fee             float64
	FeeCurrency     string
	RealizedPnL     float64
	CreatedAt       time.Time
}

// RiskState is the persisted snapshot of a bot's risk manager.
type RiskState struct {
	BotID                   string
	Status                  string
	EquityPeak              float64
	LastEquity              float64
	DailyWindowStart        sql.NullTime
	DailyPeak               float64
	WeeklyWindowStart       sql.NullTime
	WeeklyPeak              float64
	MonthlyWindowStart      sql.NullTime
	MonthlyPeak             float64
	PausedUntil             sql.NullTime
	TrailingPauseUntil      sql.NullTime
	PendingLiquidationUntil sql.NullTime
	PendingReason           string
	ReferencePrice          float64
	ReinforcementsUsed      int
	InvestmentOverride      float64
	UpdatedAt               time.Time
}

// RiskEvent records an action the risk manager took, for audit/notification.
type RiskEvent struct {
	ID        string
	BotID     string
	Action    string
	Reason    string
	Metadata  string
	CreatedAt time.Time
}

// BotEvent is a generic lifecycle/notification record for a bot.
type BotEvent struct {
	ID        string
	BotID     string
	EventType string
	Message   string
	CreatedAt time.Time
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateCredential inserts a new exchange credential.
func (d *Database) CreateCredential(ctx context.Context, c ExchangeCredential) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchange_credentials (
			id, user_id, venue, label, api_key_encrypted, api_secret_encrypted,
			key_version, testnet, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		c.ID, c.UserID, c.Venue, c.Label, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.KeyVersion, c.Testnet, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetCredential fetches one credential by id.
func (d *Database) GetCredential(ctx context.Context, id string) (*ExchangeCredential, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, venue, label, api_key_encrypted, api_secret_encrypted,
		       key_version, testnet, is_active, created_at, updated_at
		FROM exchange_credentials WHERE id = ?
	`, id)
	var c ExchangeCredential
	if err := row.Scan(&c.ID, &c.UserID, &c.Venue, &c.Label, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.KeyVersion, &c.Testnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListCredentialsByUser returns all credentials for a user.
func (d *Database) ListCredentialsByUser(ctx context.Context, userID string) ([]ExchangeCredential, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, venue, label, api_key_encrypted, api_secret_encrypted,
		       key_version, testnet, is_active, created_at, updated_at
		FROM exchange_credentials WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ExchangeCredential
	for rows.Next() {
		var c ExchangeCredential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Venue, &c.Label, &c.APIKeyEncrypted, &c.APISecretEncrypted,
			&c.KeyVersion, &c.Testnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CreateBot inserts a new bot row.
func (d *Database) CreateBot(ctx context.Context, b Bot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bots (
			id, user_id, credential_id, strategy, symbol, config, status,
			realized_pnl, unrealized_pnl, strategy_state, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		b.ID, b.UserID, b.CredentialID, b.Strategy, b.Symbol, b.Config, b.Status,
		b.RealizedPnL, b.UnrealizedPnL, b.StrategyState, b.ErrorMessage, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// GetBot fetches one bot by id.
func (d *Database) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, credential_id, strategy, symbol, config, status,
		       realized_pnl, unrealized_pnl, strategy_state, error_message, created_at, updated_at
		FROM bots WHERE id = ?
	`, id)
	var b Bot
	if err := row.Scan(&b.ID, &b.UserID, &b.CredentialID, &b.Strategy, &b.Symbol, &b.Config, &b.Status,
		&b.RealizedPnL, &b.UnrealizedPnL, &b.StrategyState, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// ListBotsByStatus returns every bot whose desired status matches, used by
// the supervisor's reconciliation pass against in-memory running loops.
func (d *Database) ListBotsByStatus(ctx context.Context, status string) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, credential_id, strategy, symbol, config, status,
		       realized_pnl, unrealized_pnl, strategy_state, error_message, created_at, updated_at
		FROM bots WHERE status = ?
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(&b.ID, &b.UserID, &b.CredentialID, &b.Strategy, &b.Symbol, &b.Config, &b.Status,
			&b.RealizedPnL, &b.UnrealizedPnL, &b.StrategyState, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListAllBots returns every bot row, for supervisor startup rehydration.
func (d *Database) ListAllBots(ctx context.Context) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, credential_id, strategy, symbol, config, status,
		       realized_pnl, unrealized_pnl, strategy_state, error_message, created_at, updated_at
		FROM bots
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(&b.ID, &b.UserID, &b.CredentialID, &b.Strategy, &b.Symbol, &b.Config, &b.Status,
			&b.RealizedPnL, &b.UnrealizedPnL, &b.StrategyState, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBotStatus sets a bot's runtime status and overwrites its error
// message with errMsg.
func (d *Database) UpdateBotStatus(ctx context.Context, id, status, errMsg string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, errMsg, id)
	return err
}

// UpdateBotPnL persists realized/unrealized P&L after a tick.
func (d *Database) UpdateBotPnL(ctx context.Context, id string, realized, unrealized float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET realized_pnl = ?, unrealized_pnl = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, realized, unrealized, id)
	return err
}

// UpdateBotStrategyState persists the strategy's serialized state for
// rehydration after a restart.
func (d *Database) UpdateBotStrategyState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET strategy_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	return err
}

// UpsertOrder inserts a new order row or overwrites the existing one by id.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, bot_id, symbol, side, type, quantity, price, state, exchange_id,
			filled_quantity, average_fill_price, fee, fee_asset, grid_level,
			retry_count, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			exchange_id = excluded.exchange_id,
			filled_quantity = excluded.filled_quantity,
			average_fill_price = excluded.average_fill_price,
			fee = excluded.fee,
			fee_asset = excluded.fee_asset,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`,
		o.ID, o.BotID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.State, o.ExchangeID,
		o.FilledQuantity, o.AverageFillPrice, o.Fee, o.FeeAsset, o.GridLevel,
		o.RetryCount, o.LastError, o.CreatedAt,
	)
	return err
}

// ListActiveOrders returns every order for a bot not yet in a terminal state.
func (d *Database) ListActiveOrders(ctx context.Context, botID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, symbol, side, type, quantity, price, state, exchange_id,
		       filled_quantity, average_fill_price, fee, fee_asset, grid_level,
		       retry_count, last_error, created_at, updated_at
		FROM orders
		WHERE bot_id = ? AND state NOT IN ('FILLED','CANCELLED','REJECTED','ERROR')
		ORDER BY created_at ASC
	`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrdersByExchangeID looks up an order by its exchange-assigned id,
// used to route WebSocket user-data updates back to the local state machine.
func (d *Database) ListOrdersByExchangeID(ctx context.Context, exchangeID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, symbol, side, type, quantity, price, state, exchange_id,
		       filled_quantity, average_fill_price, fee, fee_asset, grid_level,
		       retry_count, last_error, created_at, updated_at
		FROM orders WHERE exchange_id = ?
	`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.BotID, &o.Symbol, &o.Side, &o.Type, &o.Quantity, &o.Price, &o.State, &o.ExchangeID,
			&o.FilledQuantity, &o.AverageFillPrice, &o.Fee, &o.FeeAsset, &o.GridLevel,
			&o.RetryCount, &o.LastError, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CreateTrade inserts a confirmed fill row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, bot_id, order_id, exchange_trade_id, symbol, side, price, quantity,
			fee, fee_currency, realized_pnl, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		ON CONFLICT DO NOTHING
	`,
		t.ID, t.BotID, t.OrderID, t.ExchangeTradeID, t.Symbol, t.Side, t.Price, t.Quantity,
		t.Fee, t.FeeCurrency, t.RealizedPnL, t.CreatedAt,
	)
	return err
}

// TradeExists reports whether a trade matching this exchange fill is
// already recorded: first by exchange_trade_id, falling back to
// (order_id, price, quantity) for venues that omit a trade id.
func (d *Database) TradeExists(ctx context.Context, botID, exchangeTradeID, orderID string, price, qty float64) (bool, error) {
	if exchangeTradeID != "" {
		var n int
		if err := d.DB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM trades WHERE bot_id = ? AND exchange_trade_id = ?`,
			botID, exchangeTradeID,
		).Scan(&n); err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	var n int
	if err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trades WHERE bot_id = ? AND order_id = ? AND price = ? AND quantity = ?`,
		botID, orderID, price, qty,
	).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAllTrades returns every trade recorded for a bot, oldest first, for a
// full FIFO realized-P&L recompute.
func (d *Database) ListAllTrades(ctx context.Context, botID string) ([]Trade, error) {
	return d.ListTradesSince(ctx, botID, time.Time{})
}

// ListTradesSince returns a bot's trades at or after a timestamp, ordered
// oldest first -- the shape the FIFO reconciler consumes.
func (d *Database) ListTradesSince(ctx context.Context, botID string, since time.Time) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, order_id, exchange_trade_id, symbol, side, price, quantity,
		       fee, fee_currency, realized_pnl, created_at
		FROM trades WHERE bot_id = ? AND created_at >= ?
		ORDER BY created_at ASC
	`, botID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.BotID, &t.OrderID, &t.ExchangeTradeID, &t.Symbol, &t.Side, &t.Price, &t.Quantity,
			&t.Fee, &t.FeeCurrency, &t.RealizedPnL, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetRiskState loads the persisted risk snapshot for a bot, or nil if none
// has been written yet.
func (d *Database) GetRiskState(ctx context.Context, botID string) (*RiskState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT bot_id, status, equity_peak, last_equity,
		       daily_window_start, daily_peak, weekly_window_start, weekly_peak,
		       monthly_window_start, monthly_peak, paused_until, trailing_pause_until,
		       pending_liquidation_until, pending_reason, reference_price,
		       reinforcements_used, investment_override, updated_at
		FROM risk_state WHERE bot_id = ?
	`, botID)
	var r RiskState
	if err := row.Scan(&r.BotID, &r.Status, &r.EquityPeak, &r.LastEquity,
		&r.DailyWindowStart, &r.DailyPeak, &r.WeeklyWindowStart, &r.WeeklyPeak,
		&r.MonthlyWindowStart, &r.MonthlyPeak, &r.PausedUntil, &r.TrailingPauseUntil,
		&r.PendingLiquidationUntil, &r.PendingReason, &r.ReferencePrice,
		&r.ReinforcementsUsed, &r.InvestmentOverride, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// UpsertRiskState persists the risk manager's full snapshot for a bot.
func (d *Database) UpsertRiskState(ctx context.Context, r RiskState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_state (
			bot_id, status, equity_peak, last_equity,
			daily_window_start, daily_peak, weekly_window_start, weekly_peak,
			monthly_window_start, monthly_peak, paused_until, trailing_pause_until,
			pending_liquidation_until, pending_reason, reference_price,
			reinforcements_used, investment_override, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bot_id) DO UPDATE SET
			status = excluded.status,
			equity_peak = excluded.equity_peak,
			last_equity = excluded.last_equity,
			daily_window_start = excluded.daily_window_start,
			daily_peak = excluded.daily_peak,
			weekly_window_start = excluded.weekly_window_start,
			weekly_peak = excluded.weekly_peak,
			monthly_window_start = excluded.monthly_window_start,
			monthly_peak = excluded.monthly_peak,
			paused_until = excluded.paused_until,
			trailing_pause_until = excluded.trailing_pause_until,
			pending_liquidation_until = excluded.pending_liquidation_until,
			pending_reason = excluded.pending_reason,
			reference_price = excluded.reference_price,
			reinforcements_used = excluded.reinforcements_used,
			investment_override = excluded.investment_override,
			updated_at = CURRENT_TIMESTAMP
	`,
		r.BotID, r.Status, r.EquityPeak, r.LastEquity,
		r.DailyWindowStart, r.DailyPeak, r.WeeklyWindowStart, r.WeeklyPeak,
		r.MonthlyWindowStart, r.MonthlyPeak, r.PausedUntil, r.TrailingPauseUntil,
		r.PendingLiquidationUntil, r.PendingReason, r.ReferencePrice,
		r.ReinforcementsUsed, r.InvestmentOverride,
	)
	return err
}

// RecordRiskEvent appends an audit row for a risk manager action.
func (d *Database) RecordRiskEvent(ctx context.Context, e RiskEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_events (id, bot_id, action, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.BotID, e.Action, e.Reason, e.Metadata, e.CreatedAt)
	return err
}

// RecordBotEvent appends a lifecycle/notification row for a bot.
func (d *Database) RecordBotEvent(ctx context.Context, e BotEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bot_events (id, bot_id, event_type, message, created_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.BotID, e.EventType, e.Message, e.CreatedAt)
	return err
}
