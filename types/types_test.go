package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpotToPerp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "BTC/USDT:USDT"},
		{"ETH/USDT", "ETH/USDT:USDT"},
		{"BTC/USDT:USDT", "BTC/USDT:USDT"}, // already perp
		{"SOL/USDC", "SOL/USDC:USDC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SpotToPerp(tt.in), tt.in)
	}
}

func TestAnnualizedPct(t *testing.T) {
	// 0.01% per 8h, 3 periods/day, 365 days.
	assert.InDelta(t, 10.95, AnnualizedPct(0.0001), 1e-9)
	assert.InDelta(t, -10.95, AnnualizedPct(-0.0001), 1e-9)
	assert.Zero(t, AnnualizedPct(0))
}

func TestOrderBookSnapshotMid(t *testing.T) {
	b := OrderBookSnapshot{
		Bid: decimal.NewFromInt(100),
		Ask: decimal.NewFromInt(102),
	}
	assert.True(t, b.Mid().Equal(decimal.NewFromInt(101)))
}

func TestPositionCalculatePnL(t *testing.T) {
	p := &Position{
		Status:           StatusClosed,
		SpotEntryPrice:   decimal.NewFromInt(100),
		SpotExitPrice:    decimal.NewFromInt(105),
		SpotQuantity:     decimal.NewFromInt(2),
		PerpEntryPrice:   decimal.NewFromInt(101),
		PerpExitPrice:    decimal.NewFromInt(106),
		PerpQuantity:     decimal.NewFromInt(2),
		FundingCollected: decimal.NewFromFloat(1.5),
	}
	// spot: (105-100)*2 = +10, perp short: (101-106)*2 = -10, funding +1.5
	assert.True(t, p.CalculatePnL().Equal(decimal.NewFromFloat(1.5)),
		"price legs cancel, funding remains: got %s", p.CalculatePnL())
}

func TestPositionCalculatePnLOpenIsZero(t *testing.T) {
	p := &Position{
		Status:         StatusOpen,
		SpotEntryPrice: decimal.NewFromInt(100),
		SpotQuantity:   decimal.NewFromInt(1),
	}
	assert.True(t, p.CalculatePnL().IsZero())
}

func TestEstimateUnrealizedPnLDeltaNeutral(t *testing.T) {
	p := &Position{
		SpotEntryPrice: decimal.NewFromInt(100),
		SpotQuantity:   decimal.NewFromInt(3),
		PerpEntryPrice: decimal.NewFromInt(100),
		PerpQuantity:   decimal.NewFromInt(3),
	}
	// Equal quantities: any common price move nets to zero.
	for _, price := range []int64{80, 100, 150} {
		px := decimal.NewFromInt(price)
		assert.True(t, p.EstimateUnrealizedPnL(px, px).IsZero(), "price %d", price)
	}
}

func TestHoldTime(t *testing.T) {
	opened := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	closed := opened.Add(12 * time.Hour)
	now := opened.Add(48 * time.Hour)

	open := &Position{Status: StatusOpen, OpenedAt: ToUnixFloat(opened)}
	assert.Equal(t, 48*time.Hour, open.HoldTime(now).Round(time.Second))

	done := &Position{Status: StatusClosed, OpenedAt: ToUnixFloat(opened), ClosedAt: ToUnixFloat(closed)}
	assert.Equal(t, 12*time.Hour, done.HoldTime(now).Round(time.Second))
}

func TestUnixFloatRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 30, 15, 250_000_000, time.UTC)
	got := UnixFloat(ToUnixFloat(now))
	assert.WithinDuration(t, now, got, time.Millisecond)
}

func TestPositionJSONWireFormat(t *testing.T) {
	p := &Position{
		ID:       "abc",
		Exchange: "bitget",
		Symbol:   "BTC/USDT",
		Status:   StatusOpen,
		SizeUSDT: decimal.NewFromInt(315),
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "size_usdt")
	assert.Contains(t, m, "spot_entry_price")
	assert.Contains(t, m, "opened_at")
	assert.Equal(t, "open", m["status"])

	var back Position
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.SizeUSDT.Equal(p.SizeUSDT))
}
