package core

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/exec"
	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/monitor"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
)

func newRunnerFixture(t *testing.T, symbols []string) (*StrategyRunner, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)

	store := storage.NewStoreFromClient(rdb)
	positions := storage.NewPositionStore(store, nil, 3, 10)
	view := storage.NewMarketDataView(store, 10*time.Minute)
	registry := risk.DefaultRegistry()
	capital := risk.CapitalFromConfig(config.CapitalConfig{
		Total: 2000, Operative: 1800, ReserveRebalance: 200, StableBuffer: 180,
	})
	guard := risk.NewReserveGuard(capital, positions)
	breakeven := risk.NewBreakevenEvaluator(registry)
	validator := risk.NewPairValidator(registry, exchange.Registry{}, view)
	executor := exec.NewExecutor(exchange.Registry{}, view, registry, true)
	deltaMonitor := monitor.NewDeltaMonitor(registry, positions, view)
	aggregator := NewMetricsAggregator(capital, positions)

	cfg := config.Defaults().Trading
	entries := NewEntryController(cfg, registry, breakeven, validator, guard,
		positions, view, executor, nil, nil)
	exits := NewExitController(cfg, registry, guard, positions, view,
		executor, deltaMonitor, nil, nil)

	runner := NewStrategyRunner(cfg, registry, entries, exits, aggregator,
		guard, positions, nil, []string{"bitget"}, symbols)
	return runner, mock
}

func TestUniverseSplit(t *testing.T) {
	runner, _ := newRunnerFixture(t, []string{
		"BTC/USDT",  // tier_1
		"WLD/USDT",  // tier_2
		"ATOM/USDT", // blacklisted
		"DOGE/USDT", // neither
	})

	active, excluded := runner.universe()
	assert.Equal(t, []string{"BTC/USDT", "WLD/USDT"}, active)
	assert.Equal(t, []string{"ATOM/USDT"}, excluded)
}

func TestTickWithBlacklistedUniverse(t *testing.T) {
	runner, mock := newRunnerFixture(t, []string{"ATOM/USDT"})

	// entries skip the blacklisted symbol before redis; the exit sweep and
	// the capital status line each scan for open positions
	mock.ExpectScan(0, "position:*", 0).SetVal(nil, 0)
	mock.ExpectScan(0, "position:*", 0).SetVal(nil, 0)

	runner.Tick(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, runner.tickCount)
}
