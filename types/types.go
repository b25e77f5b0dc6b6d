package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wire types stored in redis as JSON. Timestamps are unix seconds (float)
// so the values stay readable with redis-cli and stable across restarts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of every position this engine opens. The short leg on the
// perpetual collects funding while the spot leg cancels price exposure.
const DirectionLongSpotShortPerp = "long_spot_short_perp"

// FundingPeriodSeconds is one 8h funding interval (3 per day).
const FundingPeriodSeconds = 8 * 3600

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	StatusOpen        PositionStatus = "open"
	StatusClosed      PositionStatus = "closed"
	StatusStaleClosed PositionStatus = "stale_closed"
)

// SpotToPerp converts a spot symbol to its perpetual symbol.
// "BTC/USDT" -> "BTC/USDT:USDT"; symbols already carrying a settle
// currency pass through unchanged.
func SpotToPerp(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	quote := "USDT"
	if i := strings.Index(symbol, "/"); i >= 0 {
		quote = symbol[i+1:]
	}
	return symbol + ":" + quote
}

// AnnualizedPct converts a per-8h funding rate fraction to an annualized
// percentage (3 payments per day).
func AnnualizedPct(fundingRate float64) float64 {
	return fundingRate * 3 * 365 * 100
}

// OrderBookSnapshot is the latest top-of-book for an exchange/symbol pair,
// written by the collector under latest:{exchange}:{symbol}.
type OrderBookSnapshot struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidVolume decimal.Decimal `json:"bid_volume"`
	AskVolume decimal.Decimal `json:"ask_volume"`
	Timestamp float64         `json:"timestamp"`
}

// Mid returns the mid price (bid+ask)/2.
func (b *OrderBookSnapshot) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// Age reports how old the snapshot is relative to now.
func (b *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(UnixFloat(b.Timestamp))
}

// FundingEntry is the latest funding rate observation for a perpetual,
// written by the funding poller under funding:{exchange}:{spot_symbol}.
type FundingEntry struct {
	Exchange             string  `json:"exchange"`
	Symbol               string  `json:"symbol"`      // perp symbol, e.g. BTC/USDT:USDT
	SpotSymbol           string  `json:"spot_symbol"` // e.g. BTC/USDT
	FundingRate          float64 `json:"funding_rate"` // signed fraction per 8h period
	FundingTimestamp     float64 `json:"funding_timestamp"`
	NextFundingTimestamp float64 `json:"next_funding_timestamp,omitempty"`
	NextFundingRate      float64 `json:"next_funding_rate,omitempty"`
	Timestamp            float64 `json:"timestamp"` // ingest time
}

// AnnualizedPct returns the annualized funding rate in percent.
func (f *FundingEntry) AnnualizedPct() float64 {
	return AnnualizedPct(f.FundingRate)
}

// Age reports how long ago the entry was ingested.
func (f *FundingEntry) Age(now time.Time) time.Duration {
	return now.Sub(UnixFloat(f.Timestamp))
}

// Position is a delta-neutral spot+perp pair. Identity is (exchange, symbol);
// open positions live under position:{exchange}:{symbol}, closed ones are
// appended to the trade_history list.
type Position struct {
	ID         string         `json:"id"`
	Exchange   string         `json:"exchange"`
	Symbol     string         `json:"symbol"` // spot symbol
	PerpSymbol string         `json:"perp_symbol"`
	Direction  string         `json:"direction"`
	Status     PositionStatus `json:"status"`
	Tier       string         `json:"tier"`

	SizeUSDT decimal.Decimal `json:"size_usdt"`

	SpotEntryPrice decimal.Decimal `json:"spot_entry_price"`
	SpotQuantity   decimal.Decimal `json:"spot_quantity"`
	SpotExitPrice  decimal.Decimal `json:"spot_exit_price"`
	PerpEntryPrice decimal.Decimal `json:"perp_entry_price"`
	PerpQuantity   decimal.Decimal `json:"perp_quantity"`
	PerpExitPrice  decimal.Decimal `json:"perp_exit_price"`

	EntryFundingRate    float64         `json:"entry_funding_rate"`
	EntryAnnualizedRate float64         `json:"entry_annualized_rate"`
	FundingCollected    decimal.Decimal `json:"funding_collected"`
	LastFundingUpdate   float64         `json:"last_funding_update"`

	OpenedAt    float64         `json:"opened_at"`
	ClosedAt    float64         `json:"closed_at"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	Paper       bool            `json:"paper"`
}

// IsOpen reports whether the position still holds both legs.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// HoldTime is the time the position has been (or was) held.
func (p *Position) HoldTime(now time.Time) time.Duration {
	end := now
	if p.Status != StatusOpen && p.ClosedAt > 0 {
		end = UnixFloat(p.ClosedAt)
	}
	return end.Sub(UnixFloat(p.OpenedAt))
}

// CalculatePnL computes realized PnL for a closed position:
// spot leg (exit-entry)*qty, short perp leg (entry-exit)*qty, plus funding.
func (p *Position) CalculatePnL() decimal.Decimal {
	if p.Status == StatusOpen {
		return decimal.Zero
	}
	spotPnL := p.SpotExitPrice.Sub(p.SpotEntryPrice).Mul(p.SpotQuantity)
	perpPnL := p.PerpEntryPrice.Sub(p.PerpExitPrice).Mul(p.PerpQuantity)
	return spotPnL.Add(perpPnL).Add(p.FundingCollected)
}

// EstimateUnrealizedPnL applies the closed-position formula at current prices.
func (p *Position) EstimateUnrealizedPnL(spotPrice, perpPrice decimal.Decimal) decimal.Decimal {
	spotPnL := spotPrice.Sub(p.SpotEntryPrice).Mul(p.SpotQuantity)
	perpPnL := p.PerpEntryPrice.Sub(perpPrice).Mul(p.PerpQuantity)
	return spotPnL.Add(perpPnL).Add(p.FundingCollected)
}

// TradeSignal is an open/close intent handed to the execution adapter.
type TradeSignal struct {
	Action         string          `json:"action"` // "open" or "close"
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	PerpSymbol     string          `json:"perp_symbol"`
	Direction      string          `json:"direction"`
	SizeUSDT       decimal.Decimal `json:"size_usdt"`
	FundingRate    float64         `json:"funding_rate"`
	AnnualizedRate float64         `json:"annualized_rate"`
	Reason         string          `json:"reason"`
	Timestamp      float64         `json:"timestamp"`
}

// LegFill is one executed leg of a two-leg trade.
type LegFill struct {
	Side       string          `json:"side"`        // "buy" or "sell"
	MarketType string          `json:"market_type"` // "spot" or "perp"
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  float64         `json:"timestamp"`
}

// UnixFloat converts unix seconds (with fraction) to time.Time.
func UnixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ToUnixFloat converts a time.Time to unix seconds with fraction.
func ToUnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
