package feeds

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carryops/carrybot/storage"
)

func TestInstID(t *testing.T) {
	assert.Equal(t, "BTCUSDT", instID("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", instID("BTC/USDT:USDT"))
	assert.Equal(t, "WLDUSDT", instID("WLD/USDT"))
}

func TestCollectorTracksBothMarkets(t *testing.T) {
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, nil)

	assert.Equal(t, "BTC/USDT", c.instToSymbol["SPOT:BTCUSDT"])
	assert.Equal(t, "BTC/USDT:USDT", c.instToSymbol["USDT-FUTURES:BTCUSDT"])
}

func TestHandleSnapshotWritesBook(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, storage.NewStoreFromClient(rdb))

	mock.Regexp().
		ExpectSet(storage.BookKey("bitget", "BTC/USDT"), `.*"bid":"64000.1".*`, 0).
		SetVal("OK")
	mock.Regexp().
		ExpectPublish(storage.PricesChannel("bitget", "BTC/USDT"), `.*`).
		SetVal(1)

	raw := []byte(`{
		"action": "snapshot",
		"arg": {"instType": "SPOT", "channel": "books1", "instId": "BTCUSDT"},
		"data": [{
			"bids": [["64000.1", "1.5"]],
			"asks": [["64000.9", "2.0"]],
			"ts": "1756200000000"
		}]
	}`)
	c.handleMessage(context.Background(), raw)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePerpUpdateUsesPerpSymbol(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, storage.NewStoreFromClient(rdb))

	mock.Regexp().
		ExpectSet(storage.BookKey("bitget", "BTC/USDT:USDT"), `.*`, 0).
		SetVal("OK")
	mock.Regexp().
		ExpectPublish(storage.PricesChannel("bitget", "BTC/USDT:USDT"), `.*`).
		SetVal(1)

	raw := []byte(`{
		"action": "update",
		"arg": {"instType": "USDT-FUTURES", "channel": "books1", "instId": "BTCUSDT"},
		"data": [{"bids": [["64010", "1"]], "asks": [["64011", "1"]], "ts": "1756200000000"}]
	}`)
	c.handleMessage(context.Background(), raw)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleErrorDropsSubscription(t *testing.T) {
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, nil)

	raw := []byte(`{
		"event": "error",
		"code": "30001",
		"msg": "instId not exist",
		"arg": {"instType": "SPOT", "channel": "books1", "instId": "BTCUSDT"}
	}`)
	c.handleMessage(context.Background(), raw)

	assert.True(t, c.dropped["SPOT:BTCUSDT"])
	assert.False(t, c.dropped["USDT-FUTURES:BTCUSDT"], "only the rejected market is dropped")
}

func TestHandleIgnoresUnknownInst(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, storage.NewStoreFromClient(rdb))

	raw := []byte(`{
		"action": "snapshot",
		"arg": {"instType": "SPOT", "channel": "books1", "instId": "DOGEUSDT"},
		"data": [{"bids": [["0.1", "1"]], "asks": [["0.2", "1"]], "ts": "1"}]
	}`)
	c.handleMessage(context.Background(), raw)

	assert.NoError(t, mock.ExpectationsWereMet(), "untracked instrument must not hit redis")
}

func TestHandleSkipsEmptyLevels(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, storage.NewStoreFromClient(rdb))

	raw := []byte(`{
		"action": "update",
		"arg": {"instType": "SPOT", "channel": "books1", "instId": "BTCUSDT"},
		"data": [{"bids": [], "asks": [["64000", "1"]], "ts": "1"}]
	}`)
	c.handleMessage(context.Background(), raw)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGarbageIsIgnored(t *testing.T) {
	c := NewBookCollector("bitget", []string{"BTC/USDT"}, nil)
	require.NotPanics(t, func() {
		c.handleMessage(context.Background(), []byte("not json"))
	})
}

func TestParseLevel(t *testing.T) {
	level := []string{"64000.5", "1.25"}
	assert.Equal(t, "64000.5", parseLevel(level, 0).String())
	assert.Equal(t, "1.25", parseLevel(level, 1).String())
	assert.True(t, parseLevel(level, 2).IsZero(), "missing index")
	assert.True(t, parseLevel([]string{"x"}, 0).IsZero(), "unparseable")
}
