package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	s := Defaults()
	assert.Equal(t, "localhost:6379", s.Redis.Addr)
	assert.False(t, s.Trading.Enabled)
	assert.True(t, s.Trading.PaperTrading)
	assert.Equal(t, 60*time.Second, s.Trading.CheckIntervalDuration())
	assert.Equal(t, 10.0, s.Trading.MinEntryAnnualizedPct)
	assert.Equal(t, 5.0, s.Trading.MinExitAnnualizedPct)
	assert.Equal(t, 300*time.Second, s.Funding.PollIntervalDuration())
	assert.Equal(t, 600*time.Second, s.Funding.StalenessWindow())
	assert.Equal(t, 2000.0, s.Capital.Total)
	assert.Equal(t, 1800.0, s.Capital.Operative)
	assert.Equal(t, "sqlite", s.Archive.Driver)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
symbols: [BTC/USDT, ETH/USDT]
redis:
  addr: redis:6380
  db: 3
trading:
  enabled: true
  check_interval: 30
funding:
  poll_interval: 120
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, s.Symbols)
	assert.Equal(t, "redis:6380", s.Redis.Addr)
	assert.Equal(t, 3, s.Redis.DB)
	assert.True(t, s.Trading.Enabled)
	assert.Equal(t, 30*time.Second, s.Trading.CheckIntervalDuration())
	assert.Equal(t, 4*time.Minute, s.Funding.StalenessWindow())

	// untouched keys keep their defaults
	assert.Equal(t, 3, s.Trading.MaxPositionsPerExchange)
	assert.Equal(t, 1800.0, s.Capital.Operative)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no symbols", `trading: {check_interval: 60}`, "no symbols"},
		{"bad interval", "symbols: [BTC/USDT]\ntrading: {check_interval: 0}", "check_interval"},
		{"bad poll", "symbols: [BTC/USDT]\nfunding: {poll_interval: -1}", "poll_interval"},
		{"operative exceeds total", "symbols: [BTC/USDT]\ncapital: {total: 100, operative: 200}", "operative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnabledExchanges(t *testing.T) {
	s := Settings{Exchanges: []ExchangeConfig{
		{ID: "bitget", Enabled: true},
		{ID: "bybit", Enabled: false},
	}}
	enabled := s.EnabledExchanges()
	require.Len(t, enabled, 1)
	assert.Equal(t, "bitget", enabled[0].ID)
}

func TestTradingExchangeIDs(t *testing.T) {
	s := Settings{
		Exchanges: []ExchangeConfig{{ID: "bitget", Enabled: true}},
	}
	assert.Equal(t, []string{"bitget"}, s.TradingExchangeIDs())

	s.Trading.Exchanges = []string{"bybit"}
	assert.Equal(t, []string{"bybit"}, s.TradingExchangeIDs(),
		"explicit trading.exchanges wins over enabled list")
}

func TestCredentialsFor(t *testing.T) {
	t.Setenv("BITGET_API_KEY", "key")
	t.Setenv("BITGET_SECRET", "sec")
	t.Setenv("BITGET_PASSWORD", "pass")

	c := CredentialsFor("bitget")
	assert.Equal(t, "key", c.APIKey)
	assert.Equal(t, "sec", c.Secret)
	assert.Equal(t, "pass", c.Password)
	assert.False(t, c.Empty())

	assert.True(t, CredentialsFor("nosuch").Empty())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "envhost:6379")
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("TRADING_ENABLED", "true")

	s := Defaults()
	s.ApplyEnv()

	assert.Equal(t, "envhost:6379", s.Redis.Addr)
	assert.False(t, s.Trading.PaperTrading)
	assert.True(t, s.Trading.Enabled)
}
