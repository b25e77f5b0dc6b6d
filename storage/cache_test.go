package storage

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "latest:bitget:BTC/USDT", BookKey("bitget", "BTC/USDT"))
	assert.Equal(t, "funding:bitget:BTC/USDT", FundingKey("bitget", "BTC/USDT"))
	assert.Equal(t, "position:bitget:BTC/USDT", PositionKey("bitget", "BTC/USDT"))
	assert.Equal(t, "basis:bitget:BTC/USDT:1756200000", BasisKey("bitget", "BTC/USDT", 1756200000))
	assert.Equal(t, "prices:bitget:BTC/USDT", PricesChannel("bitget", "BTC/USDT"))
	assert.Equal(t, "funding:bitget:BTC/USDT", FundingChannel("bitget", "BTC/USDT"))
}

func TestGetMissingKey(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStoreFromClient(rdb)

	mock.ExpectGet("latest:bitget:BTC/USDT").RedisNil()

	v, ok, err := store.Get(context.Background(), "latest:bitget:BTC/USDT")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPresent(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStoreFromClient(rdb)

	mock.ExpectGet("k").SetVal("v")

	v, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetClampsNegativeTTL(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStoreFromClient(rdb)

	mock.ExpectSet("k", "v", 0).SetVal("OK")

	require.NoError(t, store.Set(context.Background(), "k", "v", -time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanKeys(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStoreFromClient(rdb)

	mock.ExpectScan(0, "position:*", 0).SetVal(
		[]string{"position:bitget:BTC/USDT", "position:bitget:ETH/USDT"}, 0)

	keys, err := store.ScanKeys(context.Background(), "position:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStoreFromClient(rdb)

	mock.ExpectRPush("trade_history", "rec1").SetVal(1)
	mock.ExpectLRange("trade_history", 0, -1).SetVal([]string{"rec1"})

	require.NoError(t, store.AppendHistory(context.Background(), "rec1"))

	got, err := store.History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rec1"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
