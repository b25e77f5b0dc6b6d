package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carryops/carrybot/types"
)

// MarketDataView is the read side of the collector/poller pipeline. Every
// lookup enforces the staleness window: data older than the window is
// reported as missing so the strategy skips the pair instead of acting on
// a dead feed.
type MarketDataView struct {
	store     *Store
	staleness time.Duration
	now       func() time.Time
}

// NewMarketDataView builds a view with the given staleness window.
func NewMarketDataView(store *Store, staleness time.Duration) *MarketDataView {
	return &MarketDataView{store: store, staleness: staleness, now: time.Now}
}

// LatestBook returns the freshest order book for (exchange, symbol), or nil
// when absent or stale.
func (v *MarketDataView) LatestBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, error) {
	raw, ok, err := v.store.Get(ctx, BookKey(exchange, symbol))
	if err != nil || !ok {
		return nil, err
	}
	var b types.OrderBookSnapshot
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decode book %s:%s: %w", exchange, symbol, err)
	}
	if b.Age(v.now()) > v.staleness {
		return nil, nil
	}
	return &b, nil
}

// LatestFunding returns the freshest funding entry, or nil when absent or
// stale.
func (v *MarketDataView) LatestFunding(ctx context.Context, exchange, symbol string) (*types.FundingEntry, error) {
	raw, ok, err := v.store.Get(ctx, FundingKey(exchange, symbol))
	if err != nil || !ok {
		return nil, err
	}
	var f types.FundingEntry
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode funding %s:%s: %w", exchange, symbol, err)
	}
	if f.Age(v.now()) > v.staleness {
		return nil, nil
	}
	return &f, nil
}

// RecordBasis stores one timestamped basis sample (percent) with a 24h TTL.
func (v *MarketDataView) RecordBasis(ctx context.Context, exchange, symbol string, basisPct float64, at time.Time) error {
	key := BasisKey(exchange, symbol, at.Unix())
	return v.store.Set(ctx, key, fmt.Sprintf("%.6f", basisPct), BasisTTL)
}
