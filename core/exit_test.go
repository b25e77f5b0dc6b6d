package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/exec"
	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/monitor"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// recordingNotifier captures notification calls.
type recordingNotifier struct {
	opened        []*types.Position
	closed        []*types.Position
	reserveAlerts int
}

func (n *recordingNotifier) TradeOpened(p *types.Position) { n.opened = append(n.opened, p) }
func (n *recordingNotifier) TradeClosed(p *types.Position) { n.closed = append(n.closed, p) }
func (n *recordingNotifier) ReserveAlert(_, _ decimal.Decimal) {
	n.reserveAlerts++
}

type exitFixture struct {
	controller *ExitController
	monitor    *monitor.DeltaMonitor
	notifier   *recordingNotifier
	mock       redismock.ClientMock
	now        time.Time
}

func newExitFixture(t *testing.T) *exitFixture {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)

	store := storage.NewStoreFromClient(rdb)
	positions := storage.NewPositionStore(store, nil, 3, 10)
	view := storage.NewMarketDataView(store, 10*time.Minute)
	registry := risk.DefaultRegistry()
	guard := risk.NewReserveGuard(risk.CapitalFromConfig(config.CapitalConfig{
		Total: 2000, Operative: 1800, ReserveRebalance: 200, StableBuffer: 180,
	}), positions)
	executor := exec.NewExecutor(exchange.Registry{}, view, registry, true)
	deltaMonitor := monitor.NewDeltaMonitor(registry, positions, view)
	notifier := &recordingNotifier{}

	cfg := config.Defaults().Trading
	controller := NewExitController(cfg, registry, guard, positions, view,
		executor, deltaMonitor, notifier, nil)

	now := time.Now()
	controller.now = func() time.Time { return now }

	return &exitFixture{
		controller: controller,
		monitor:    deltaMonitor,
		notifier:   notifier,
		mock:       mock,
		now:        now,
	}
}

func (f *exitFixture) seedFunding(symbol string, rate float64) {
	entry := types.FundingEntry{
		Exchange:    "bitget",
		Symbol:      types.SpotToPerp(symbol),
		SpotSymbol:  symbol,
		FundingRate: rate,
		Timestamp:   types.ToUnixFloat(f.now),
	}
	raw, _ := json.Marshal(&entry)
	f.mock.ExpectGet(storage.FundingKey("bitget", symbol)).SetVal(string(raw))
}

func (f *exitFixture) seedBook(symbol string, bid, ask float64) {
	b := types.OrderBookSnapshot{
		Exchange:  "bitget",
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Timestamp: types.ToUnixFloat(f.now),
	}
	raw, _ := json.Marshal(&b)
	f.mock.ExpectGet(storage.BookKey("bitget", symbol)).SetVal(string(raw))
}

// expectClose sets up the redis traffic of a paper close: both leg books,
// then the delete+history transition.
func (f *exitFixture) expectClose(symbol string, bid, ask float64) {
	f.seedBook(symbol, bid, ask)
	f.mock.ExpectGet(storage.BookKey("bitget", types.SpotToPerp(symbol))).RedisNil()
	f.mock.ExpectDel(storage.PositionKey("bitget", symbol)).SetVal(1)
	f.mock.Regexp().ExpectRPush("trade_history", `.*`).SetVal(1)
}

func (f *exitFixture) openPosition(symbol string, entryRate float64, heldFor time.Duration) *types.Position {
	opened := f.now.Add(-heldFor)
	return &types.Position{
		ID:                  "pos-1",
		Exchange:            "bitget",
		Symbol:              symbol,
		PerpSymbol:          types.SpotToPerp(symbol),
		Direction:           types.DirectionLongSpotShortPerp,
		Status:              types.StatusOpen,
		Tier:                "tier_1",
		SizeUSDT:            decimal.NewFromInt(315),
		SpotEntryPrice:      decimal.NewFromInt(100),
		SpotQuantity:        decimal.NewFromInt(3),
		PerpEntryPrice:      decimal.NewFromInt(100),
		PerpQuantity:        decimal.NewFromInt(3),
		EntryFundingRate:    entryRate,
		EntryAnnualizedRate: types.AnnualizedPct(entryRate),
		LastFundingUpdate:   types.ToUnixFloat(opened),
		OpenedAt:            types.ToUnixFloat(opened),
		Paper:               true,
	}
}

func TestAccrueFunding(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.0002, 4*time.Hour)

	f.seedFunding("BTC/USDT", 0.0002)
	f.seedBook("BTC/USDT", 99, 101) // mid 100
	f.mock.Regexp().ExpectSet(storage.PositionKey("bitget", "BTC/USDT"), `.*`, storage.PositionTTL).SetVal("OK")

	require.NoError(t, f.controller.AccrueFunding(context.Background(), pos))

	// 3 * 100 * 0.0002 * (4h / 8h) = 0.03
	assert.Equal(t, "0.03", pos.FundingCollected.String())
	assert.Equal(t, types.ToUnixFloat(f.now), pos.LastFundingUpdate)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAccrueFundingSkipsWithoutFreshData(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.0002, 4*time.Hour)

	f.mock.ExpectGet(storage.FundingKey("bitget", "BTC/USDT")).RedisNil()

	require.NoError(t, f.controller.AccrueFunding(context.Background(), pos))
	assert.True(t, pos.FundingCollected.IsZero())
}

func TestExitFundingDropAfterMinHold(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, 10*time.Hour)

	f.seedFunding("BTC/USDT", 0.0005) // under 70% of entry
	f.expectClose("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusClosed, pos.Status)
	assert.Equal(t, ReasonFundingDrop, pos.ExitReason)
	assert.Equal(t, types.ToUnixFloat(f.now), pos.ClosedAt)
	require.Len(t, f.notifier.closed, 1)
}

func TestExitFundingDropBlockedByMinHold(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, 2*time.Hour)

	f.seedFunding("BTC/USDT", 0.0005)
	f.seedBook("BTC/USDT", 100, 100) // stop loss check reads the book

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusOpen, pos.Status, "must survive the first funding period")
	assert.Empty(t, f.notifier.closed)
}

func TestExitTwoConsecutiveNegativesIsImmediate(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, time.Hour) // well under min hold

	// first negative observation: count=1, hold too short for the fallback
	f.seedFunding("BTC/USDT", -0.0001)
	f.seedBook("BTC/USDT", 100, 100)
	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))
	assert.Equal(t, types.StatusOpen, pos.Status)

	// second negative observation closes regardless of hold time
	f.seedFunding("BTC/USDT", -0.0001)
	f.expectClose("BTC/USDT", 100, 100)
	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusClosed, pos.Status)
	assert.Equal(t, ReasonFundingNegative, pos.ExitReason)

	// counter was reset on close
	assert.Equal(t, 1, f.monitor.TrackNegativeFunding("bitget", "BTC/USDT", true))
}

func TestExitSingleNegativeAfterMinHold(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, 10*time.Hour)

	f.seedFunding("BTC/USDT", -0.0001)
	f.seedBook("BTC/USDT", 100, 100) // stop loss check reads the book first
	f.expectClose("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusClosed, pos.Status)
	assert.Equal(t, ReasonFundingNegative, pos.ExitReason)
}

func TestExitStopLoss(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, time.Hour)
	// legs priced so unrealized is a constant -3, past the 315*0.5% limit
	pos.PerpEntryPrice = decimal.NewFromInt(99)

	f.seedFunding("BTC/USDT", 0.001) // healthy funding, only the stop fires
	f.seedBook("BTC/USDT", 100, 100)
	f.expectClose("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusClosed, pos.Status)
	assert.Equal(t, ReasonStopLoss, pos.ExitReason, "stop loss closes inside min hold")
}

func TestExitStopLossCoveredByFunding(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, time.Hour)
	pos.PerpEntryPrice = decimal.NewFromInt(99)
	pos.FundingCollected = decimal.NewFromInt(5) // covers the 3 USDT loss

	f.seedFunding("BTC/USDT", 0.001)
	f.seedBook("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusOpen, pos.Status,
		"collected funding covering the loss holds the position")
}

func TestExitFallbackLowAnnualized(t *testing.T) {
	f := newExitFixture(t)
	// entry low enough that the 70% drop trigger stays quiet
	pos := f.openPosition("BTC/USDT", 0.0000125, 10*time.Hour)

	f.seedFunding("BTC/USDT", 0.00001) // 1.1% annualized, under the 5% floor
	f.seedBook("BTC/USDT", 100, 100)
	f.expectClose("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	assert.Equal(t, types.StatusClosed, pos.Status)
	assert.Equal(t, ReasonFundingDrop, pos.ExitReason)
}

func TestExitRealizedPnLIncludesFunding(t *testing.T) {
	f := newExitFixture(t)
	pos := f.openPosition("BTC/USDT", 0.001, 10*time.Hour)
	pos.FundingCollected = decimal.NewFromFloat(1.5)

	f.seedFunding("BTC/USDT", 0.0005)
	f.expectClose("BTC/USDT", 100, 100)

	require.NoError(t, f.controller.EvaluateExit(context.Background(), pos))

	// both legs exit at entry price, PnL is the funding alone
	assert.Equal(t, "1.5", pos.RealizedPnL.String())
	assert.Equal(t, "100", pos.SpotExitPrice.String())
	assert.Equal(t, "100", pos.PerpExitPrice.String())
}

func TestCheckExitsReserveProtectionCascade(t *testing.T) {
	f := newExitFixture(t)

	tier2 := f.openPosition("WLD/USDT", 0.001, 10*time.Hour)
	tier2.Tier = "tier_2"
	tier2.SizeUSDT = decimal.NewFromInt(180)
	rawTier2, _ := json.Marshal(tier2)

	tier1 := f.openPosition("BTC/USDT", 0.001, 10*time.Hour)
	rawTier1, _ := json.Marshal(tier1)

	f.mock.ExpectScan(0, "position:*", 0).SetVal([]string{
		storage.PositionKey("bitget", "WLD/USDT"),
		storage.PositionKey("bitget", "BTC/USDT"),
	}, 0)
	f.mock.ExpectGet(storage.PositionKey("bitget", "WLD/USDT")).SetVal(string(rawTier2))
	f.mock.ExpectGet(storage.PositionKey("bitget", "BTC/USDT")).SetVal(string(rawTier1))

	// first balance check: 2000 - 300 = 1700, reserve breached
	loss := types.Position{Status: types.StatusClosed, RealizedPnL: decimal.NewFromInt(-300)}
	rawLoss, _ := json.Marshal(&loss)
	f.mock.ExpectLRange("trade_history", 0, -1).SetVal([]string{string(rawLoss)})

	// tier_2 close: funding lookup, paper close, transition
	f.mock.ExpectGet(storage.FundingKey("bitget", "WLD/USDT")).RedisNil()
	f.expectClose("WLD/USDT", 2, 2)

	// second balance check: recovered, tier_1 survives
	recovered := types.Position{Status: types.StatusClosed, RealizedPnL: decimal.NewFromInt(-150)}
	rawRecovered, _ := json.Marshal(&recovered)
	f.mock.ExpectLRange("trade_history", 0, -1).SetVal([]string{string(rawRecovered)})

	// per-position pass afterwards: tier_1 accrual + exit eval find no funding
	f.mock.ExpectGet(storage.FundingKey("bitget", "BTC/USDT")).RedisNil()
	f.mock.ExpectGet(storage.FundingKey("bitget", "BTC/USDT")).RedisNil()

	require.NoError(t, f.controller.CheckExits(context.Background()))

	assert.Equal(t, 1, f.notifier.reserveAlerts)
	require.Len(t, f.notifier.closed, 1, "only the tier_2 position is closed")
	assert.Equal(t, "WLD/USDT", f.notifier.closed[0].Symbol)
	assert.Equal(t, ReasonReserveProtection, f.notifier.closed[0].ExitReason)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
