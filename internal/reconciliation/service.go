// Package reconciliation periodically replays a bot's exchange trade
// history against the locally recorded trades, inserting anything missing
// and recomputing realized P&L via FIFO lot accounting (§4.10).
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"autogrid-core/pkg/db"
	"autogrid-core/pkg/exchanges/common"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Timestamp    time.Time
	BotID        string
	TradesPulled int
	TradesAdded  int
	RealizedPnL  float64
}

// Service reconciles one bot's trade history against its venue.
type Service struct {
	botID    string
	symbol   string
	gateway  common.Gateway
	database *db.Database
	interval time.Duration
}

func NewService(botID, symbol string, gateway common.Gateway, database *db.Database, interval time.Duration) *Service {
	return &Service{botID: botID, symbol: symbol, gateway: gateway, database: database, interval: interval}
}

// Start runs Reconcile on a ticker until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					log.Printf("reconciliation[%s]: %v", s.botID, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reconcile pulls recent trades from the exchange, inserts any not already
// recorded, and recomputes the bot's realized P&L from the full trade
// history.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	report := Report{Timestamp: time.Now(), BotID: s.botID}

	since := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()
	trades, err := s.gateway.FetchMyTrades(ctx, s.symbol, since, 500)
	if err != nil {
		return report, fmt.Errorf("fetch my trades: %w", err)
	}
	report.TradesPulled = len(trades)

	for _, t := range trades {
		exists, err := s.database.TradeExists(ctx, s.botID, t.ID, t.ExchangeOrderID, t.Price, t.Qty)
		if err != nil {
			return report, fmt.Errorf("check trade exists: %w", err)
		}
		if exists {
			continue
		}
		row := db.Trade{
			ID:              uuid.NewString(),
			BotID:           s.botID,
			OrderID:         t.ExchangeOrderID,
			ExchangeTradeID: t.ID,
			Symbol:          s.symbol,
			Side:            string(t.Side),
			Price:           t.Price,
			Quantity:        t.Qty,
			Fee:             t.FeeCost,
			FeeCurrency:     t.FeeCurrency,
			CreatedAt:       time.UnixMilli(t.Timestamp),
		}
		if err := s.database.CreateTrade(ctx, row); err != nil {
			return report, fmt.Errorf("record trade: %w", err)
		}
		report.TradesAdded++
	}

	all, err := s.database.ListAllTrades(ctx, s.botID)
	if err != nil {
		return report, fmt.Errorf("list all trades: %w", err)
	}
	quoteAsset, baseAsset := splitSymbol(s.symbol)
	report.RealizedPnL = RealizedPnL(all, quoteAsset, baseAsset)

	bot, err := s.database.GetBot(ctx, s.botID)
	if err != nil {
		return report, fmt.Errorf("get bot: %w", err)
	}
	if bot != nil {
		if err := s.database.UpdateBotPnL(ctx, s.botID, report.RealizedPnL, bot.UnrealizedPnL); err != nil {
			return report, fmt.Errorf("update bot pnl: %w", err)
		}
	}

	if report.TradesAdded > 0 {
		log.Printf("reconciliation[%s]: added %d trades, realized pnl now %.8f", s.botID, report.TradesAdded, report.RealizedPnL)
	}
	return report, nil
}

func splitSymbol(symbol string) (quote, base string) {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[i+1:], symbol[:i]
	}
	return "", symbol
}
