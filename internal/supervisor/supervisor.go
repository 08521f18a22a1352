// Package supervisor owns the fleet of running bot loops: it polls desired
// state, starts and stops per-bot loops to match it, and rehydrates every
// bot still marked running on process boot (§4.8).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"autogrid-core/internal/bot"
	"autogrid-core/internal/circuit"
	"autogrid-core/internal/engine"
	"autogrid-core/internal/events"
	"autogrid-core/internal/gateway"
	"autogrid-core/internal/notifier"
	"autogrid-core/internal/order"
	"autogrid-core/internal/reconciliation"
	"autogrid-core/internal/risk"
	"autogrid-core/internal/strategy"
	"autogrid-core/pkg/cache"
	"autogrid-core/pkg/db"
	exchange "autogrid-core/pkg/exchanges/common"
)

// Config tunes the supervisor's polling cadence and the per-bot collaborators
// it wires up.
type Config struct {
	PollInterval        time.Duration
	TickInterval        time.Duration
	ReconcileInterval   time.Duration
	CircuitConfig       circuit.Config
	RiskConfig          risk.Config
	NotifierModule      string
	ExchangeCallTimeout time.Duration
}

// Supervisor starts, stops, and rehydrates bot loops to match each bot's
// persisted desired status.
type Supervisor struct {
	cfg      Config
	bots     *bot.Store
	gateways *gateway.Manager
	database *db.Database
	bus      *events.Bus

	circuitStore *cache.TTLStore
	riskMgr      *risk.Manager
	notif        notifier.Notifier

	mu    sync.Mutex
	loops map[string]*botLoop
}

type botLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, bots *bot.Store, gateways *gateway.Manager, database *db.Database, bus *events.Bus) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		bots:         bots,
		gateways:     gateways,
		database:     database,
		bus:          bus,
		circuitStore: cache.NewTTLStore(),
		riskMgr:      risk.NewManager(database, cfg.RiskConfig),
		notif:        notifier.Resolve(cfg.NotifierModule),
		loops:        make(map[string]*botLoop),
	}
}

// Run rehydrates every running bot and then polls desired state until ctx
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.reconcileDesiredState(ctx)
		}
	}
}

// rehydrate starts a loop for every bot already marked running, without
// broadcasting a "started" event -- it is a resume, not a user action.
func (s *Supervisor) rehydrate(ctx context.Context) error {
	running, err := s.bots.ListByStatus(ctx, bot.StatusRunning)
	if err != nil {
		return err
	}
	for _, b := range running {
		if err := s.startLoop(ctx, b, false); err != nil {
			log.Printf("supervisor: rehydrate bot %s failed: %v", b.ID, err)
			_ = s.bots.SetStatus(ctx, b.ID, bot.StatusError, err.Error())
		}
	}
	return nil
}

// reconcileDesiredState starts loops for newly-running bots and stops loops
// for bots no longer desired running.
func (s *Supervisor) reconcileDesiredState(ctx context.Context) {
	desired, err := s.bots.ListByStatus(ctx, bot.StatusRunning)
	if err != nil {
		log.Printf("supervisor: list bots by status failed: %v", err)
		return
	}
	desiredIDs := make(map[string]bot.Bot, len(desired))
	for _, b := range desired {
		desiredIDs[b.ID] = b
	}

	s.mu.Lock()
	running := make(map[string]bool, len(s.loops))
	for id := range s.loops {
		running[id] = true
	}
	s.mu.Unlock()

	for id, b := range desiredIDs {
		if !running[id] {
			if err := s.startLoop(ctx, b, true); err != nil {
				log.Printf("supervisor: start bot %s failed: %v", id, err)
				_ = s.bots.SetStatus(ctx, id, bot.StatusError, err.Error())
			}
		}
	}
	for id := range running {
		if _, stillDesired := desiredIDs[id]; !stillDesired {
			s.stopLoop(id)
		}
	}
}

func (s *Supervisor) startLoop(ctx context.Context, b bot.Bot, announce bool) error {
	strat, err := buildStrategy(b)
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}

	gw, err := s.gateways.GetOrCreate(ctx, b.CredentialID)
	if err != nil {
		return fmt.Errorf("acquire gateway: %w", err)
	}

	cb := circuit.New(s.circuitStore, s.cfg.CircuitConfig)

	loopCtx, cancel := context.WithCancel(ctx)
	var eng *engine.Engine
	om := order.NewManager(order.Config{
		BotID:   b.ID,
		Gateway: gw,
		DB:      s.database,
		Bus:     s.bus,
		OnFilled: func(o *order.Order, fillPrice float64) {
			eng.HandleOrderFilled(o, fillPrice)
		},
	})
	if err := om.LoadFromDB(ctx); err != nil {
		cancel()
		return fmt.Errorf("load open orders: %w", err)
	}

	investment := investmentOf(b)
	eng = engine.New(engine.Deps{
		BotID:       b.ID,
		UserID:      b.UserID,
		Symbol:      b.Symbol,
		Investment:  investment,
		Gateway:     gw,
		Orders:      om,
		Circuit:     cb,
		Risk:        s.riskMgr,
		Strategy:    strat,
		Bus:         s.bus,
		Notifier:    s.notif,
		DB:          s.database,
		CallTimeout: s.cfg.ExchangeCallTimeout,
	})

	recon := reconciliation.NewService(b.ID, b.Symbol, gw, s.database, s.cfg.ReconcileInterval)
	recon.Start(loopCtx)

	s.startUserStream(loopCtx, b, gw, om)

	done := make(chan struct{})
	s.mu.Lock()
	s.loops[b.ID] = &botLoop{cancel: cancel, done: done}
	s.mu.Unlock()

	if announce {
		s.bus.Publish(events.EventBotStarted, b.ID)
	}

	go s.runLoop(loopCtx, done, b.ID, eng, strat, om)
	return nil
}

// startUserStream launches the venue-specific user-data stream for a bot's
// gateway, so fills are pushed into the order manager instead of waiting on
// reconciliation's next poll. A venue with no stream implementation, or a
// credential the pool hasn't resolved yet, is left to reconciliation alone.
// The stream is the only per-bot adapter state; it is torn down simply by
// cancelling loopCtx on stop. The underlying REST gateway is pooled per
// credential and outlives any one bot's loop, so it is disconnected by
// gateway.Manager's own idle-cleanup/Stop, not here.
func (s *Supervisor) startUserStream(ctx context.Context, b bot.Bot, gw exchange.Gateway, om *order.Manager) {
	cred, ok := s.gateways.Credential(b.CredentialID)
	if !ok {
		return
	}

	switch cred.Venue {
	case "binance":
		lk, ok := gw.(interface {
			CreateListenKey(ctx context.Context) (string, error)
			KeepAliveListenKey(ctx context.Context, listenKey string) error
		})
		if !ok {
			log.Printf("supervisor: bot %s: binance gateway does not support listen keys", b.ID)
			return
		}
		stream := order.NewBinanceStream(lk, om, cred.Testnet)
		go stream.Run(ctx)

	case "bybit":
		stream := order.NewBybitStream(cred.APIKey, cred.APISecret, cred.Testnet, om)
		go stream.Run(ctx)

	default:
		log.Printf("supervisor: bot %s: no user-data stream for venue %q", b.ID, cred.Venue)
	}
}

func (s *Supervisor) runLoop(ctx context.Context, done chan struct{}, botID string, eng *engine.Engine, strat strategy.Strategy, om *order.Manager) {
	defer close(done)
	defer cancelOpenOrders(botID, om)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stop, err := eng.Tick(ctx)
			if err != nil {
				log.Printf("supervisor: bot %s tick error: %v", botID, err)
				continue
			}
			if stop {
				_ = s.bots.SetStatus(context.Background(), botID, bot.StatusError, "circuit breaker open")
				s.bus.Publish(events.EventBotError, botID)
				return
			}
			if state, err := strat.ToStateDict(); err == nil {
				_ = s.bots.SaveStrategyState(context.Background(), botID, state)
			}
			if strat.ShouldStop() {
				_ = s.bots.SetStatus(context.Background(), botID, bot.StatusStopped, "")
				s.bus.Publish(events.EventBotStopped, botID)
				return
			}
		}
	}
}

// cancelOpenOrders runs on every exit path of a bot's loop -- circuit trip,
// strategy completion, or an external stop request -- so nothing is left
// resting on the exchange once the loop stops managing it.
func cancelOpenOrders(botID string, om *order.Manager) {
	for _, o := range om.Open() {
		if err := om.Cancel(context.Background(), o.ID); err != nil {
			log.Printf("supervisor: bot %s: cancel order %s on stop: %v", botID, o.ID, err)
		}
	}
}

func (s *Supervisor) stopLoop(id string) {
	s.mu.Lock()
	l, ok := s.loops[id]
	if ok {
		delete(s.loops, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
	s.bus.Publish(events.EventBotStopped, id)
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stopLoop(id)
	}
}

func buildStrategy(b bot.Bot) (strategy.Strategy, error) {
	switch b.Strategy {
	case bot.StrategyGrid:
		var cfg strategy.GridConfig
		if err := json.Unmarshal(b.Params, &cfg); err != nil {
			return nil, fmt.Errorf("decode grid config: %w", err)
		}
		cfg.Symbol = b.Symbol
		strat, err := strategy.NewGridStrategy(cfg)
		if err != nil {
			return nil, err
		}
		if len(b.StrategyState) > 0 {
			if err := strat.FromStateDict(b.StrategyState); err != nil {
				log.Printf("supervisor: bot %s strategy state rehydration failed: %v", b.ID, err)
			}
		}
		return strat, nil

	case bot.StrategyDCA:
		var cfg strategy.DCAConfig
		if err := json.Unmarshal(b.Params, &cfg); err != nil {
			return nil, fmt.Errorf("decode dca config: %w", err)
		}
		cfg.Symbol = b.Symbol
		strat, err := strategy.NewDCAStrategy(cfg)
		if err != nil {
			return nil, err
		}
		if len(b.StrategyState) > 0 {
			if err := strat.FromStateDict(b.StrategyState); err != nil {
				log.Printf("supervisor: bot %s strategy state rehydration failed: %v", b.ID, err)
			}
		}
		return strat, nil

	default:
		return nil, fmt.Errorf("unsupported strategy: %s", b.Strategy)
	}
}

func investmentOf(b bot.Bot) float64 {
	var inv struct {
		Investment float64 `json:"Investment"`
	}
	_ = json.Unmarshal(b.Params, &inv)
	return inv.Investment
}
