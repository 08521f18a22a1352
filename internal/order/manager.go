package order

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"autogrid-core/internal/events"
	"autogrid-core/pkg/db"
	"autogrid-core/pkg/exchanges/common"
)

// OnFilled is invoked once an order reaches FILLED, carrying the order and
// the fill price the strategy should reconcile against.
type OnFilled func(o *Order, fillPrice float64)

// Manager drives the order state machine for a single bot: submission with
// retry, cancellation, grid-level dedupe, and normalization of exchange
// snapshots and WebSocket execution reports back into local state.
type Manager struct {
	botID      string
	gateway    common.Gateway
	db         *db.Database
	bus        *events.Bus
	maxRetries int
	onFilled   OnFilled

	mu            sync.Mutex
	orders        map[string]*Order // internal id -> order
	exchangeIndex map[string]string // exchange id -> internal id
}

type Config struct {
	BotID      string
	Gateway    common.Gateway
	DB         *db.Database
	Bus        *events.Bus
	MaxRetries int
	OnFilled   OnFilled
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Manager{
		botID:         cfg.BotID,
		gateway:       cfg.Gateway,
		db:            cfg.DB,
		bus:           cfg.Bus,
		maxRetries:    cfg.MaxRetries,
		onFilled:      cfg.OnFilled,
		orders:        make(map[string]*Order),
		exchangeIndex: make(map[string]string),
	}
}

// HasActiveGridOrder reports whether a non-terminal order already exists
// for (side, gridLevel) on this bot, so the engine never stacks two orders
// on the same grid slot.
func (m *Manager) HasActiveGridOrder(side common.Side, gridLevel int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Side != side || o.GridLevel == nil || *o.GridLevel != gridLevel {
			continue
		}
		if !o.State.Terminal() {
			return true
		}
	}
	return false
}

// Open returns every non-terminal order currently tracked, for the engine
// to pass into a strategy's CalculateOrders call.
func (m *Manager) Open() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []*Order
	for _, o := range m.orders {
		if !o.State.Terminal() {
			open = append(open, o)
		}
	}
	return open
}

// Submit transitions a new order PENDING -> SUBMITTING and drives it to the
// exchange under a retry-with-backoff budget. The order is registered in
// the manager's in-memory index as soon as it is accepted.
func (m *Manager) Submit(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.BotID = m.botID
	if o.State == "" {
		o.State = StatePending
	}
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := m.transition(o, StateSubmitting); err != nil {
		return err
	}
	m.register(o)
	m.persist(ctx, o)

	bo := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	for {
		req := common.OrderRequest{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Type:     o.Type,
			Qty:      o.Quantity,
			Price:    o.Price,
			ClientID: o.ID,
		}
		res, err := m.gateway.CreateOrder(ctx, req)
		if err == nil {
			o.ExchangeID = res.ExchangeOrderID
			m.indexExchangeID(o)
			target := stateFromExchangeStatus(res.Status)
			if target == "" {
				target = StateOpen
			}
			if terr := m.transition(o, target); terr != nil {
				o.State = StateError
				o.LastError = terr.Error()
			}
			m.persist(ctx, o)
			m.publishSubmitResult(o)
			return nil
		}

		o.RetryCount++
		o.LastError = err.Error()

		if common.IsRetryable(err) && o.RetryCount <= m.maxRetries {
			m.persist(ctx, o)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.Duration()):
			}
			continue
		}

		if common.IsAuth(err) || common.IsRejected(err) {
			_ = m.transition(o, StateRejected)
		} else {
			_ = m.transition(o, StateError)
		}
		m.persist(ctx, o)
		m.publishSubmitResult(o)
		return fmt.Errorf("submit order %s: %w", o.ID, err)
	}
}

func (m *Manager) publishSubmitResult(o *Order) {
	if m.bus == nil {
		return
	}
	switch o.State {
	case StateOpen:
		m.bus.Publish(events.EventOrderAccepted, o)
	case StateRejected, StateError:
		m.bus.Publish(events.EventOrderRejected, o)
	case StateFilled:
		m.bus.Publish(events.EventOrderFilled, o)
	}
}

// Cancel requests cancellation of an OPEN or PARTIAL order. An order that
// never reached the exchange moves straight to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}

	if o.ExchangeID == "" {
		if err := m.transition(o, StateCancelled); err != nil {
			return err
		}
		m.persist(ctx, o)
		return nil
	}

	if err := m.transition(o, StateCancelling); err != nil {
		return err
	}
	m.persist(ctx, o)

	if err := m.gateway.CancelOrder(ctx, o.Symbol, o.ExchangeID); err != nil {
		o.LastError = err.Error()
		_ = m.transition(o, StateError)
		m.persist(ctx, o)
		return fmt.Errorf("cancel order %s: %w", o.ID, err)
	}

	if err := m.transition(o, StateCancelled); err != nil {
		return err
	}
	m.persist(ctx, o)
	return nil
}

// ApplyExchangeUpdate normalizes an exchange-reported snapshot (from the
// user-data WebSocket, or a poll-based Sync) and applies the resulting
// state transition, which is idempotent because transitions are only
// applied when legal.
func (m *Manager) ApplyExchangeUpdate(ctx context.Context, snap common.OrderSnapshot) {
	m.mu.Lock()
	internalID, ok := m.exchangeIndex[snap.ExchangeOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	o := m.orders[internalID]
	m.mu.Unlock()
	if o == nil {
		return
	}

	o.applyFill(snap.FilledQty, snap.AverageFill, snap.FeeCost, snap.FeeCurrency)

	target := stateFromExchangeStatus(snap.Status)
	if target == "" || target == o.State {
		m.persist(ctx, o)
		return
	}
	if err := m.transition(o, target); err != nil {
		return // invalid transition under a race; leave state untouched
	}
	m.persist(ctx, o)

	if o.State == StateFilled {
		if m.bus != nil {
			m.bus.Publish(events.EventOrderFilled, o)
		}
		if m.onFilled != nil {
			m.onFilled(o, o.AverageFillPrice)
		}
	} else if o.State == StatePartial && m.bus != nil {
		m.bus.Publish(events.EventOrderPartiallyFilled, o)
	}
}

// Sync polls the exchange for one order's current state and runs it
// through the same normalization pipeline as the WebSocket path.
func (m *Manager) Sync(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	if o.ExchangeID == "" {
		return nil
	}
	snap, err := m.gateway.FetchOrder(ctx, o.Symbol, o.ExchangeID)
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", o.ID, err)
	}
	m.ApplyExchangeUpdate(ctx, snap)
	return nil
}

// LoadFromDB rehydrates the in-memory index with every non-terminal order
// persisted for this bot, used on supervisor/bot restart.
func (m *Manager) LoadFromDB(ctx context.Context) error {
	rows, err := m.db.ListActiveOrders(ctx, m.botID)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		o := fromRow(r)
		m.orders[o.ID] = o
		if o.ExchangeID != "" {
			m.exchangeIndex[o.ExchangeID] = o.ID
		}
	}
	return nil
}

func (m *Manager) register(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *Manager) indexExchangeID(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchangeIndex[o.ExchangeID] = o.ID
}

// transition is the single funnel every state mutation passes through; it
// never silently no-ops.
func (m *Manager) transition(o *Order, to State) error {
	if o.State == to {
		return nil
	}
	if !canTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, to)
	}
	o.State = to
	o.UpdatedAt = time.Now()
	return nil
}

func (m *Manager) persist(ctx context.Context, o *Order) {
	row := toRow(o)
	if err := m.db.UpsertOrder(ctx, row); err != nil && m.bus != nil {
		m.bus.Publish(events.EventBotError, fmt.Sprintf("persist order %s: %v", o.ID, err))
	}
}

func stateFromExchangeStatus(s common.OrderStatus) State {
	switch s {
	case common.StatusOpen:
		return StateOpen
	case common.StatusPartial:
		return StatePartial
	case common.StatusFilled:
		return StateFilled
	case common.StatusCanceled:
		return StateCancelled
	case common.StatusRejected:
		return StateRejected
	default:
		return ""
	}
}

func toRow(o *Order) db.Order {
	var gridLevel sql.NullInt64
	if o.GridLevel != nil {
		gridLevel = sql.NullInt64{Int64: int64(*o.GridLevel), Valid: true}
	}
	return db.Order{
		ID:               o.ID,
		BotID:            o.BotID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Type:             string(o.Type),
		Quantity:         o.Quantity,
		Price:            o.Price,
		State:            string(o.State),
		ExchangeID:       o.ExchangeID,
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		Fee:              o.Fee,
		FeeAsset:         o.FeeAsset,
		GridLevel:        gridLevel,
		RetryCount:       o.RetryCount,
		LastError:        o.LastError,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func fromRow(r db.Order) *Order {
	var gridLevel *int
	if r.GridLevel.Valid {
		v := int(r.GridLevel.Int64)
		gridLevel = &v
	}
	return &Order{
		ID:               r.ID,
		BotID:            r.BotID,
		Symbol:           r.Symbol,
		Side:             common.Side(r.Side),
		Type:             common.OrderType(r.Type),
		Quantity:         r.Quantity,
		Price:            r.Price,
		State:            State(r.State),
		ExchangeID:       r.ExchangeID,
		FilledQuantity:   r.FilledQuantity,
		AverageFillPrice: r.AverageFillPrice,
		Fee:              r.Fee,
		FeeAsset:         r.FeeAsset,
		GridLevel:        gridLevel,
		RetryCount:       r.RetryCount,
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
