package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - YAML file + environment overrides
// ═══════════════════════════════════════════════════════════════════════════════
//
// settings.yaml carries everything that is tunable; API credentials come
// exclusively from the environment ({ID}_API_KEY / {ID}_SECRET / {ID}_PASSWORD)
// and are only required in live mode.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExchangeConfig describes one exchange the engine may trade on.
type ExchangeConfig struct {
	ID          string  `yaml:"id"`
	Enabled     bool    `yaml:"enabled"`
	TakerFeePct float64 `yaml:"taker_fee_pct"`
}

// RedisConfig locates the shared persistent store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// TradingConfig controls the strategy runner.
type TradingConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	PaperTrading            bool     `yaml:"paper_trading"`
	CheckInterval           int      `yaml:"check_interval"` // seconds
	MinEntryAnnualizedPct   float64  `yaml:"min_entry_annualized_pct"`
	MinExitAnnualizedPct    float64  `yaml:"min_exit_annualized_pct"`
	MaxPositionsPerExchange int      `yaml:"max_positions_per_exchange"`
	MaxTotalPositions       int      `yaml:"max_total_positions"`
	Exchanges               []string `yaml:"exchanges"`
}

// CheckIntervalDuration returns the tick interval.
func (t TradingConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(t.CheckInterval) * time.Second
}

// FundingConfig controls the funding-rate poller.
type FundingConfig struct {
	PollInterval int `yaml:"poll_interval"` // seconds
}

// PollIntervalDuration returns the poll interval.
func (f FundingConfig) PollIntervalDuration() time.Duration {
	return time.Duration(f.PollInterval) * time.Second
}

// StalenessWindow is how old cached market data may be before it is skipped.
func (f FundingConfig) StalenessWindow() time.Duration {
	return 2 * f.PollIntervalDuration()
}

// CapitalConfig splits total capital into the operative pool and the reserve.
type CapitalConfig struct {
	Total            float64 `yaml:"total"`
	Operative        float64 `yaml:"operative"`
	ReserveRebalance float64 `yaml:"reserve_rebalance"`
	StableBuffer     float64 `yaml:"stable_buffer"`
}

// TelegramConfig toggles the notification sink.
type TelegramConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig controls the prometheus/ops HTTP endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ArchiveConfig controls the SQL mirror of closed trades.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`
}

// LoggingConfig sets the zerolog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Settings is the root configuration.
type Settings struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Symbols   []string         `yaml:"symbols"`
	Redis     RedisConfig      `yaml:"redis"`
	Logging   LoggingConfig    `yaml:"logging"`
	Trading   TradingConfig    `yaml:"trading"`
	Funding   FundingConfig    `yaml:"funding"`
	Capital   CapitalConfig    `yaml:"capital"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Archive   ArchiveConfig    `yaml:"archive"`
}

// EnabledExchanges filters the exchange list.
func (s *Settings) EnabledExchanges() []ExchangeConfig {
	out := make([]ExchangeConfig, 0, len(s.Exchanges))
	for _, e := range s.Exchanges {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// TradingExchangeIDs returns the exchanges the strategy trades on:
// trading.exchanges when set, otherwise every enabled exchange.
func (s *Settings) TradingExchangeIDs() []string {
	if len(s.Trading.Exchanges) > 0 {
		return s.Trading.Exchanges
	}
	ids := make([]string, 0, len(s.Exchanges))
	for _, e := range s.EnabledExchanges() {
		ids = append(ids, e.ID)
	}
	return ids
}

// Defaults returns a Settings with every tunable at its documented default.
func Defaults() Settings {
	return Settings{
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Logging: LoggingConfig{Level: "info"},
		Trading: TradingConfig{
			Enabled:                 false,
			PaperTrading:            true,
			CheckInterval:           60,
			MinEntryAnnualizedPct:   10.0,
			MinExitAnnualizedPct:    5.0,
			MaxPositionsPerExchange: 3,
			MaxTotalPositions:       10,
		},
		Funding: FundingConfig{PollInterval: 300},
		Capital: CapitalConfig{
			Total:            2000,
			Operative:        1800,
			ReserveRebalance: 200,
			StableBuffer:     180,
		},
		Telemetry: TelemetryConfig{Listen: ":9372"},
		Archive:   ArchiveConfig{Driver: "sqlite", DSN: "carrybot.db"},
	}
}

// Load reads settings from a YAML file over the defaults and validates them.
func Load(path string) (*Settings, error) {
	s := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(s.Symbols) == 0 {
		return nil, fmt.Errorf("config %s: no symbols configured", path)
	}
	if s.Trading.CheckInterval <= 0 {
		return nil, fmt.Errorf("config %s: trading.check_interval must be positive", path)
	}
	if s.Funding.PollInterval <= 0 {
		return nil, fmt.Errorf("config %s: funding.poll_interval must be positive", path)
	}
	if s.Capital.Operative > s.Capital.Total {
		return nil, fmt.Errorf("config %s: capital.operative exceeds capital.total", path)
	}
	return &s, nil
}

// Credentials holds API credentials for one exchange, read from env.
type Credentials struct {
	APIKey   string
	Secret   string
	Password string
}

// Empty reports whether no credentials are set.
func (c Credentials) Empty() bool { return c.APIKey == "" || c.Secret == "" }

// CredentialsFor reads {ID}_API_KEY, {ID}_SECRET and optional {ID}_PASSWORD.
func CredentialsFor(exchangeID string) Credentials {
	upper := ""
	for _, r := range exchangeID {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	return Credentials{
		APIKey:   os.Getenv(upper + "_API_KEY"),
		Secret:   os.Getenv(upper + "_SECRET"),
		Password: os.Getenv(upper + "_PASSWORD"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// ApplyEnv lets a handful of operational knobs be flipped without editing
// the config file (container deployments).
func (s *Settings) ApplyEnv() {
	s.Redis.Addr = getEnv("REDIS_ADDR", s.Redis.Addr)
	s.Logging.Level = getEnv("LOG_LEVEL", s.Logging.Level)
	s.Trading.Enabled = getEnvBool("TRADING_ENABLED", s.Trading.Enabled)
	s.Trading.PaperTrading = getEnvBool("PAPER_TRADING", s.Trading.PaperTrading)
	s.Telegram.Enabled = getEnvBool("TELEGRAM_ENABLED", s.Telegram.Enabled)
}
