package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	// Database
	DBPath string

	// Engine
	TickIntervalMS            int
	SupervisorIntervalSeconds int
	ExchangeCallTimeoutMS     int

	// Circuit breaker (§4.5)
	CircuitMaxOrdersPerMinute       int
	CircuitMaxLossPercentPerHour    float64
	CircuitMaxPriceDeviationPercent float64
	CircuitCooldownSeconds          int

	// Risk manager (§4.6)
	RiskDailyStopPercent       float64
	RiskWeeklyStopPercent      float64
	RiskMonthlyStopPercent     float64
	RiskDailyPauseHours        float64
	RiskTwoStepWaitMinutes     float64
	RiskTrailingPercent        float64
	RiskTrailingWaitMinutes    float64
	RiskActiveCapitalPercent   float64
	RiskReserveCapitalPercent  float64
	RiskReinforcementLevelsPct []float64

	// Notifier (§4.9)
	NotifierModule string

	// Credential encryption
	MasterEncryptionKey string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		DBPath: dbPath,

		TickIntervalMS:            getEnvInt("TICK_INTERVAL_MS", 2000),
		SupervisorIntervalSeconds: getEnvInt("SUPERVISOR_INTERVAL_SECONDS", 5),
		ExchangeCallTimeoutMS:     getEnvInt("EXCHANGE_CALL_TIMEOUT_MS", 5000),

		CircuitMaxOrdersPerMinute:       getEnvInt("CIRCUIT_MAX_ORDERS_PER_MINUTE", 50),
		CircuitMaxLossPercentPerHour:    getEnvFloat("CIRCUIT_MAX_LOSS_PCT_PER_HOUR", 5.0),
		CircuitMaxPriceDeviationPercent: getEnvFloat("CIRCUIT_MAX_PRICE_DEVIATION_PCT", 10.0),
		CircuitCooldownSeconds:          getEnvInt("CIRCUIT_COOLDOWN_SECONDS", 300),

		RiskDailyStopPercent:       getEnvFloat("RISK_DAILY_STOP_PCT", 4),
		RiskWeeklyStopPercent:      getEnvFloat("RISK_WEEKLY_STOP_PCT", 10),
		RiskMonthlyStopPercent:     getEnvFloat("RISK_MONTHLY_STOP_PCT", 20),
		RiskDailyPauseHours:        getEnvFloat("RISK_DAILY_PAUSE_HOURS", 24),
		RiskTwoStepWaitMinutes:     getEnvFloat("RISK_TWO_STEP_WAIT_MINUTES", 30),
		RiskTrailingPercent:        getEnvFloat("RISK_TRAILING_PCT", 3),
		RiskTrailingWaitMinutes:    getEnvFloat("RISK_TRAILING_WAIT_MINUTES", 30),
		RiskActiveCapitalPercent:   getEnvFloat("RISK_ACTIVE_CAPITAL_PCT", 60),
		RiskReserveCapitalPercent:  getEnvFloat("RISK_RESERVE_CAPITAL_PCT", 40),
		RiskReinforcementLevelsPct: splitAndParseFloats(getEnv("RISK_REINFORCEMENT_LEVELS_PCT", "8,15")),

		NotifierModule: getEnv("NOTIFIER_MODULE", ""),

		MasterEncryptionKey: os.Getenv("MASTER_ENCRYPTION_KEY"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitAndParseFloats(val string) []float64 {
	parts := splitAndTrim(val)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		if f, err := strconv.ParseFloat(p, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
