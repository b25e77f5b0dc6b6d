package feeds

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/storage"
)

// fundingStub serves one canned funding rate.
type fundingStub struct {
	rate *exchange.FundingRate
	err  error
}

func (s *fundingStub) ID() string { return "bitget" }

func (s *fundingStub) FetchFundingRate(context.Context, string) (*exchange.FundingRate, error) {
	return s.rate, s.err
}

func (s *fundingStub) FetchTicker(context.Context, string) (*exchange.Ticker, error) {
	return nil, exchange.ErrNotSupported
}

func (s *fundingStub) FetchFundingHistory(context.Context, string, time.Time, int) ([]exchange.FundingSample, error) {
	return nil, exchange.ErrNotSupported
}

func (s *fundingStub) FetchOpenInterest(context.Context, string) (*exchange.OpenInterest, error) {
	return nil, exchange.ErrNotSupported
}

func (s *fundingStub) FetchOpenInterestHistory(context.Context, string, time.Time, int) ([]exchange.OpenInterest, error) {
	return nil, exchange.ErrNotSupported
}

func (s *fundingStub) CreateMarketOrder(context.Context, string, exchange.Side, decimal.Decimal) (*exchange.OrderResult, error) {
	return nil, exchange.ErrNotSupported
}

func TestPublishWritesSpotKeyedEntry(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	stub := &fundingStub{}
	p := NewFundingPoller(stub, []string{"BTC/USDT"}, storage.NewStoreFromClient(rdb), time.Minute)

	mock.Regexp().
		ExpectSet(storage.FundingKey("bitget", "BTC/USDT"), `.*"funding_rate":0\.000125.*`, 0).
		SetVal("OK")
	mock.Regexp().
		ExpectPublish(storage.FundingChannel("bitget", "BTC/USDT"), `.*"spot_symbol":"BTC/USDT".*`).
		SetVal(1)

	rate := &exchange.FundingRate{
		Symbol:          "BTC/USDT:USDT",
		Rate:            0.000125,
		Timestamp:       1756200000,
		NextFundingTime: 1756224000,
	}
	require.NoError(t, p.publish(context.Background(), "BTC/USDT", rate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollSymbolStopsOnBadSymbol(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	stub := &fundingStub{err: exchange.ErrBadSymbol}
	p := NewFundingPoller(stub, []string{"FAKE/USDT"}, storage.NewStoreFromClient(rdb), time.Minute)

	done := make(chan struct{})
	go func() {
		p.pollSymbol(context.Background(), "FAKE/USDT")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pollSymbol did not stop on a permanently bad symbol")
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))

	assert.True(t, sleep(context.Background(), time.Millisecond))
}
