package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carryops/carrybot/types"
)

func fixedView(store *Store, staleness time.Duration, now time.Time) *MarketDataView {
	v := NewMarketDataView(store, staleness)
	v.now = func() time.Time { return now }
	return v
}

func TestLatestBookFresh(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rdb, mock := redismock.NewClientMock()
	view := fixedView(NewStoreFromClient(rdb), 10*time.Minute, now)

	book := types.OrderBookSnapshot{
		Exchange:  "bitget",
		Symbol:    "BTC/USDT",
		Timestamp: types.ToUnixFloat(now.Add(-time.Minute)),
	}
	raw, _ := json.Marshal(book)
	mock.ExpectGet("latest:bitget:BTC/USDT").SetVal(string(raw))

	got, err := view.LatestBook(context.Background(), "bitget", "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BTC/USDT", got.Symbol)
}

func TestLatestBookStaleIsNil(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rdb, mock := redismock.NewClientMock()
	view := fixedView(NewStoreFromClient(rdb), 10*time.Minute, now)

	book := types.OrderBookSnapshot{
		Timestamp: types.ToUnixFloat(now.Add(-11 * time.Minute)),
	}
	raw, _ := json.Marshal(book)
	mock.ExpectGet("latest:bitget:BTC/USDT").SetVal(string(raw))

	got, err := view.LatestBook(context.Background(), "bitget", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got, "stale data must read as missing")
}

func TestLatestBookAbsent(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	view := NewMarketDataView(NewStoreFromClient(rdb), 10*time.Minute)

	mock.ExpectGet("latest:bitget:BTC/USDT").RedisNil()

	got, err := view.LatestBook(context.Background(), "bitget", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLatestFundingStaleness(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rdb, mock := redismock.NewClientMock()
	view := fixedView(NewStoreFromClient(rdb), 10*time.Minute, now)

	fresh := types.FundingEntry{
		Exchange:    "bitget",
		SpotSymbol:  "BTC/USDT",
		FundingRate: 0.0002,
		Timestamp:   types.ToUnixFloat(now.Add(-5 * time.Minute)),
	}
	rawFresh, _ := json.Marshal(fresh)
	stale := fresh
	stale.Timestamp = types.ToUnixFloat(now.Add(-30 * time.Minute))
	rawStale, _ := json.Marshal(stale)

	mock.ExpectGet("funding:bitget:BTC/USDT").SetVal(string(rawFresh))
	mock.ExpectGet("funding:bitget:BTC/USDT").SetVal(string(rawStale))

	got, err := view.LatestFunding(context.Background(), "bitget", "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.0002, got.FundingRate)

	got, err = view.LatestFunding(context.Background(), "bitget", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordBasis(t *testing.T) {
	at := time.Unix(1756200000, 0)
	rdb, mock := redismock.NewClientMock()
	view := NewMarketDataView(NewStoreFromClient(rdb), time.Minute)

	mock.ExpectSet("basis:bitget:BTC/USDT:1756200000", "0.012345", BasisTTL).SetVal("OK")

	require.NoError(t, view.RecordBasis(context.Background(), "bitget", "BTC/USDT", 0.012345, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}
