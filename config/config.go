// Package config loads engine configuration from an optional JSON file
// with environment variable overrides. A .env file is honored when present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"binance-futures-engine/internal/cache"
	"binance-futures-engine/internal/database"
	"binance-futures-engine/internal/logging"
	"binance-futures-engine/internal/tuning"
	"binance-futures-engine/internal/vault"
)

// Config is the full engine configuration.
type Config struct {
	AppEnv string `json:"app_env"` // "production", "development", or "test"

	BinanceConfig  BinanceConfig   `json:"binance"`
	TradingConfig  TradingConfig   `json:"trading"`
	RiskConfig     RiskConfig      `json:"risk"`
	LoggingConfig  logging.Config  `json:"logging"`
	DatabaseConfig database.Config `json:"database"`
	RedisConfig    cache.Config    `json:"redis"`
	VaultConfig    vault.Config    `json:"vault"`
	TuningConfig   tuning.Config   `json:"tuning"`

	Strategies []StrategyConfig `json:"strategies"`
}

// BinanceConfig holds exchange connection settings.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`
	Account   string `json:"account"` // vault account name
}

// TradingConfig holds global trading behaviour settings.
type TradingConfig struct {
	CloseOnStop bool    `json:"close_on_stop"`
	FixedAmount float64 `json:"fixed_amount"` // per-trade notional; 0 means equity-based
}

// RiskConfig holds sizing adjustment settings.
type RiskConfig struct {
	ATRAdjustment    bool    `json:"atr_adjustment"`
	ATRPeriod        int     `json:"atr_period"`
	StreakAdjustment bool    `json:"streak_adjustment"`
	KellyAdjustment  bool    `json:"kelly_adjustment"`
	KellyFraction    float64 `json:"kelly_fraction"`
}

// StrategyConfig defines one strategy instance to run.
type StrategyConfig struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Symbol       string            `json:"symbol"`
	Leverage     int               `json:"leverage"`
	RiskPerTrade float64           `json:"risk_per_trade"`
	Params       map[string]string `json:"params"`
}

// IsTest reports whether the process runs under the test environment,
// which skips exchange time synchronization.
func (c *Config) IsTest() bool {
	return strings.EqualFold(c.AppEnv, "test")
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.AppEnv = getEnvOrDefault("APP_ENV", defaultString(cfg.AppEnv, "production"))

	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.Testnet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.Testnet)
	cfg.BinanceConfig.Account = getEnvOrDefault("BINANCE_ACCOUNT", defaultString(cfg.BinanceConfig.Account, "default"))

	// Trading
	cfg.TradingConfig.CloseOnStop = getEnvBoolOrDefault("TRADING_CLOSE_ON_STOP", cfg.TradingConfig.CloseOnStop)
	cfg.TradingConfig.FixedAmount = getEnvFloatOrDefault("TRADING_FIXED_AMOUNT", cfg.TradingConfig.FixedAmount)

	// Risk
	cfg.RiskConfig.ATRAdjustment = getEnvBoolOrDefault("RISK_ATR_ADJUSTMENT", true)
	cfg.RiskConfig.ATRPeriod = getEnvIntOrDefault("RISK_ATR_PERIOD", 14)
	cfg.RiskConfig.StreakAdjustment = getEnvBoolOrDefault("RISK_STREAK_ADJUSTMENT", true)
	cfg.RiskConfig.KellyAdjustment = getEnvBoolOrDefault("RISK_KELLY_ADJUSTMENT", true)
	cfg.RiskConfig.KellyFraction = getEnvFloatOrDefault("RISK_KELLY_FRACTION", 0.25)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "futures_engine"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)
	cfg.VaultConfig.FallbackAPIKey = cfg.BinanceConfig.APIKey
	cfg.VaultConfig.FallbackSecretKey = cfg.BinanceConfig.SecretKey

	// Tuning
	cfg.TuningConfig.MinTimeBetweenTuningHours = getEnvFloatOrDefault("TUNING_MIN_HOURS_BETWEEN", 24)
	cfg.TuningConfig.MinTrades = getEnvIntOrDefault("TUNING_MIN_TRADES", 20)
	cfg.TuningConfig.SnapshotDays = getEnvIntOrDefault("TUNING_SNAPSHOT_DAYS", 30)
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Symbol == "" {
			return fmt.Errorf("strategy %q has no symbol", s.ID)
		}
		if s.RiskPerTrade < 0 || s.RiskPerTrade > 1 {
			return fmt.Errorf("strategy %q risk_per_trade %v out of range", s.ID, s.RiskPerTrade)
		}
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
