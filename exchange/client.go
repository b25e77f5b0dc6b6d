package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE GATEWAY - Boundary to the venues
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine never touches a venue SDK directly; everything goes through
// Client. Symbols use the unified spot form BASE/QUOTE and the perp form
// BASE/QUOTE:SETTLE, translated to venue notation inside each adapter.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotSupported marks endpoints a venue does not offer (funding history,
// OI history). Callers treat it as non-blocking.
var ErrNotSupported = errors.New("exchange: endpoint not supported")

// ErrBadSymbol marks a permanently unavailable symbol; the subscription for
// that (exchange, symbol) is dropped, the tick continues.
var ErrBadSymbol = errors.New("exchange: bad symbol")

// Ticker is a 24h rolling ticker for one market.
type Ticker struct {
	Symbol         string
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Last           decimal.Decimal
	QuoteVolume24h decimal.Decimal
	Timestamp      float64
}

// FundingRate is the current funding observation for a perpetual.
type FundingRate struct {
	Symbol          string
	Rate            float64 // signed fraction per 8h period
	Timestamp       float64
	NextFundingTime float64
}

// FundingSample is one historical funding payment.
type FundingSample struct {
	Rate      float64
	Timestamp float64
}

// OpenInterest is a point-in-time OI reading in quote currency.
type OpenInterest struct {
	Symbol    string
	ValueUSDT decimal.Decimal
	Timestamp float64
}

// OrderResult reports the fill of a market order.
type OrderResult struct {
	OrderID  string
	AvgPrice decimal.Decimal
	Filled   decimal.Decimal
	FeeCost  decimal.Decimal
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Client is the per-venue gateway the engine depends on.
type Client interface {
	// ID returns the venue identifier (e.g. "bitget").
	ID() string

	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchFundingRate(ctx context.Context, perpSymbol string) (*FundingRate, error)
	// FetchFundingHistory returns samples since the given time, oldest first.
	FetchFundingHistory(ctx context.Context, perpSymbol string, since time.Time, limit int) ([]FundingSample, error)
	FetchOpenInterest(ctx context.Context, perpSymbol string) (*OpenInterest, error)
	FetchOpenInterestHistory(ctx context.Context, perpSymbol string, since time.Time, limit int) ([]OpenInterest, error)

	// CreateMarketOrder places a market order; the market (spot vs perp) is
	// derived from the symbol form. Requires credentials.
	CreateMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal) (*OrderResult, error)
}

// Registry is a fixed id -> Client map assembled at startup.
type Registry map[string]Client

// Get returns the client for an exchange id.
func (r Registry) Get(id string) (Client, bool) {
	c, ok := r[id]
	return c, ok
}
