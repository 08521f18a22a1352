package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"autogrid-core/internal/bot"
	"autogrid-core/internal/circuit"
	"autogrid-core/internal/events"
	"autogrid-core/internal/gateway"
	"autogrid-core/internal/monitor"
	"autogrid-core/internal/notifier"
	"autogrid-core/internal/risk"
	"autogrid-core/internal/supervisor"
	"autogrid-core/pkg/config"
	"autogrid-core/pkg/crypto"
	"autogrid-core/pkg/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("init key manager: %v", err)
	}

	bus := events.NewBus()
	botStore := bot.NewStore(database, keyMgr)
	credStore := bot.NewCredentialStore(database, keyMgr)

	gatewayMgr := gateway.NewManager(credStore, gateway.DefaultFactory, gateway.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gatewayMgr.Start(ctx)
	defer gatewayMgr.Stop()

	alertNotifier := notifier.Resolve(cfg.NotifierModule)
	riskMonitor := &monitor.Monitor{
		Bus: bus,
		AlertFn: func(msg string) {
			if err := alertNotifier.NotifyError("system", msg); err != nil {
				log.Printf("risk monitor: notify failed: %v", err)
			}
		},
	}
	riskMonitor.Start(ctx)

	sup := supervisor.New(supervisor.Config{
		PollInterval:        time.Duration(cfg.SupervisorIntervalSeconds) * time.Second,
		TickInterval:        time.Duration(cfg.TickIntervalMS) * time.Millisecond,
		ReconcileInterval:   time.Minute,
		ExchangeCallTimeout: time.Duration(cfg.ExchangeCallTimeoutMS) * time.Millisecond,
		NotifierModule:      cfg.NotifierModule,
		CircuitConfig: circuit.Config{
			MaxOrdersPerMinute:       cfg.CircuitMaxOrdersPerMinute,
			MaxLossPercentPerHour:    decimal.NewFromFloat(cfg.CircuitMaxLossPercentPerHour),
			MaxPriceDeviationPercent: decimal.NewFromFloat(cfg.CircuitMaxPriceDeviationPercent),
			CooldownSeconds:          cfg.CircuitCooldownSeconds,
			HalfOpenOrders:           circuit.DefaultConfig().HalfOpenOrders,
		},
		RiskConfig: risk.Config{
			DailyStopPercent:           cfg.RiskDailyStopPercent,
			WeeklyStopPercent:          cfg.RiskWeeklyStopPercent,
			MonthlyStopPercent:         cfg.RiskMonthlyStopPercent,
			DailyPauseHours:            cfg.RiskDailyPauseHours,
			TwoStepWaitMinutes:         cfg.RiskTwoStepWaitMinutes,
			TrailingPercent:            cfg.RiskTrailingPercent,
			TrailingWaitMinutes:        cfg.RiskTrailingWaitMinutes,
			ActiveCapitalPercent:       cfg.RiskActiveCapitalPercent,
			ReserveCapitalPercent:      cfg.RiskReserveCapitalPercent,
			ReinforcementLevelsPercent: cfg.RiskReinforcementLevelsPct,
		},
	}, botStore, gatewayMgr, database, bus)

	go func() {
		if err := sup.Run(ctx); err != nil {
			log.Fatalf("supervisor: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
}
