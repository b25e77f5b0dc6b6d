package risk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

func testCapital() Capital {
	return CapitalFromConfig(config.CapitalConfig{
		Total:            2000,
		Operative:        1800,
		ReserveRebalance: 200,
		StableBuffer:     180,
	})
}

func guardWithHistory(t *testing.T, pnls ...float64) (*ReserveGuard, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	positions := storage.NewPositionStore(storage.NewStoreFromClient(rdb), nil, 3, 10)

	raws := make([]string, 0, len(pnls))
	for _, pnl := range pnls {
		p := types.Position{
			Status:      types.StatusClosed,
			RealizedPnL: decimal.NewFromFloat(pnl),
		}
		raw, _ := json.Marshal(&p)
		raws = append(raws, string(raw))
	}
	mock.ExpectLRange("trade_history", 0, -1).SetVal(raws)

	return NewReserveGuard(testCapital(), positions), mock
}

func tierPosition(tier string, size int64) *types.Position {
	return &types.Position{
		Status:   types.StatusOpen,
		Tier:     tier,
		SizeUSDT: decimal.NewFromInt(size),
	}
}

func TestEstimatedBalance(t *testing.T) {
	guard, _ := guardWithHistory(t, 10.5, -4.5)

	balance, err := guard.EstimatedBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2006", balance.String())
}

func TestReserveIntactBoundary(t *testing.T) {
	// balance exactly at the operative pool still counts as intact
	guard, _ := guardWithHistory(t, -200)

	intact, balance, err := guard.ReserveIntact(context.Background())
	require.NoError(t, err)
	assert.True(t, intact)
	assert.Equal(t, "1800", balance.String())
}

func TestReserveBreached(t *testing.T) {
	guard, _ := guardWithHistory(t, -200.01)

	intact, _, err := guard.ReserveIntact(context.Background())
	require.NoError(t, err)
	assert.False(t, intact)
}

func TestDeployed(t *testing.T) {
	open := []*types.Position{
		tierPosition("tier_1", 315),
		tierPosition("tier_2", 180),
		{Status: types.StatusClosed, SizeUSDT: decimal.NewFromInt(999)},
	}
	assert.Equal(t, "495", Deployed(open).String(), "closed positions do not count")
}

func TestCheckCapitalInsufficientFree(t *testing.T) {
	guard, _ := guardWithHistory(t)
	tier := DefaultRegistry().TierFor("BTC/USDT")

	// 5 x 315 deployed leaves 225 free, under the 315 pair size
	open := make([]*types.Position, 5)
	for i := range open {
		open[i] = tierPosition("tier_1", 315)
	}

	check, err := guard.CheckCapital(context.Background(), tier, open)
	require.NoError(t, err)
	assert.False(t, check.CanOpen)
	assert.Contains(t, check.Reason, "insufficient free capital")
	assert.Equal(t, "1575", check.CapitalDeployed.String())
	assert.Equal(t, "225", check.CapitalFree.String())
}

func TestCheckCapitalTierPairCap(t *testing.T) {
	guard, _ := guardWithHistory(t)
	tier := DefaultRegistry().TierFor("WLD/USDT") // tier_2, max 2 pairs

	open := []*types.Position{
		tierPosition("tier_2", 180),
		tierPosition("tier_2", 180),
	}

	check, err := guard.CheckCapital(context.Background(), tier, open)
	require.NoError(t, err)
	assert.False(t, check.CanOpen)
	assert.Equal(t, 2, check.PairsOpenInTier)
	assert.Contains(t, check.Reason, "max pairs for tier_2: 2/2")
}

func TestCheckCapitalReserveCompromised(t *testing.T) {
	guard, _ := guardWithHistory(t, -300)
	tier := DefaultRegistry().TierFor("BTC/USDT")

	check, err := guard.CheckCapital(context.Background(), tier, nil)
	require.NoError(t, err)
	assert.False(t, check.CanOpen)
	assert.False(t, check.ReserveIntact)
	assert.Contains(t, check.Reason, "reserve compromised")
}

func TestCheckCapitalApproved(t *testing.T) {
	guard, _ := guardWithHistory(t)
	tier := DefaultRegistry().TierFor("BTC/USDT")

	open := []*types.Position{tierPosition("tier_1", 315)}

	check, err := guard.CheckCapital(context.Background(), tier, open)
	require.NoError(t, err)
	assert.True(t, check.CanOpen)
	assert.Empty(t, check.Reason)
	assert.Equal(t, 1, check.PairsOpenInTier)
	assert.Equal(t, "1485", check.CapitalFree.String())
}
