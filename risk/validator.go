package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAIR VALIDATOR - Entry pre-trade checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Hard checks (blacklist, tier, funding floor, spot-perp spread, volume)
// reject the pair. Funding history and open interest reject on bad data;
// a venue that cannot serve those endpoints does not block the trade, it
// just loses that signal.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// MinFundingRateFloor is the global per-8h floor; rates at or below it
	// are rejected regardless of tier.
	MinFundingRateFloor = 0.0001
	// MaxSpreadFraction is the widest acceptable gap between the spot and
	// perp prices, as a fraction of the perp price.
	MaxSpreadFraction = 0.0005
	// MinQuoteVolume24h is the minimum 24h quote volume in USDT.
	MinQuoteVolume24h = 5_000_000
	// MaxOpenInterestDrop rejects pairs whose OI fell more than 10% over
	// the lookback, a sign the crowd is exiting the carry.
	MaxOpenInterestDrop = 0.10
	// FundingHistorySamples is 7 days of 8h periods.
	FundingHistorySamples = 21
)

// ValidationResult is the full outcome of a pair check.
type ValidationResult struct {
	Approved           bool
	Reasons            []string
	Tier               *Tier
	FundingRate        float64
	Funding7dAvg       float64
	SpreadFraction     float64
	QuoteVolume24h     decimal.Decimal
	OpenInterestChange float64 // fraction, negative = drop; 0 when unknown
}

func (r *ValidationResult) reject(reason string) {
	r.Approved = false
	r.Reasons = append(r.Reasons, reason)
}

// PairValidator screens (exchange, symbol) candidates before entry.
type PairValidator struct {
	registry *Registry
	clients  exchange.Registry
	view     *storage.MarketDataView
}

// NewPairValidator wires the validator.
func NewPairValidator(registry *Registry, clients exchange.Registry, view *storage.MarketDataView) *PairValidator {
	return &PairValidator{registry: registry, clients: clients, view: view}
}

// Validate runs every check for one candidate pair. It never returns an
// error for venue failures on soft checks; only store access can fail.
func (v *PairValidator) Validate(ctx context.Context, exchangeID, symbol string) (*ValidationResult, error) {
	res := &ValidationResult{Approved: true}

	// 1. Blacklist.
	if v.registry.IsBlacklisted(symbol) {
		res.reject(fmt.Sprintf("%s is blacklisted", symbol))
		return res, nil
	}

	// 2. Tier membership.
	tier := v.registry.TierFor(symbol)
	if tier == nil {
		res.reject(fmt.Sprintf("%s is not in any tier", symbol))
		return res, nil
	}
	res.Tier = tier

	// 3. Current funding rate vs floor and tier minimum.
	funding, err := v.view.LatestFunding(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if funding == nil {
		res.reject("no fresh funding data")
		return res, nil
	}
	res.FundingRate = funding.FundingRate
	if funding.FundingRate <= MinFundingRateFloor {
		res.reject(fmt.Sprintf("funding %.6f at or below floor %.6f", funding.FundingRate, MinFundingRateFloor))
	}
	if funding.FundingRate < tier.MinFundingRate {
		res.reject(fmt.Sprintf("funding %.6f below %s minimum %.6f", funding.FundingRate, tier.Name, tier.MinFundingRate))
	}

	// Spot mid for the spread check.
	book, err := v.view.LatestBook(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if book == nil {
		res.reject("no fresh order book")
		return res, nil
	}

	client, ok := v.clients.Get(exchangeID)
	if !ok {
		res.reject(fmt.Sprintf("no client for exchange %s", exchangeID))
		return res, nil
	}
	perpSymbol := types.SpotToPerp(symbol)

	ticker, tickerErr := client.FetchTicker(ctx, perpSymbol)

	// 4. Spot vs perp price gap. The perp price comes from its own cached
	// book when the collector tracks it, from the venue ticker otherwise.
	perpPrice := decimal.Zero
	perpBook, err := v.view.LatestBook(ctx, exchangeID, perpSymbol)
	if err != nil {
		return nil, err
	}
	switch {
	case perpBook != nil:
		perpPrice = perpBook.Mid()
	case tickerErr == nil:
		perpPrice = ticker.Last
	}
	if !perpPrice.IsPositive() {
		res.reject("no perp price for spread check")
	} else {
		res.SpreadFraction = book.Mid().Sub(perpPrice).Abs().Div(perpPrice).InexactFloat64()
		if res.SpreadFraction > MaxSpreadFraction {
			res.reject(fmt.Sprintf("spot-perp spread %.5f exceeds %.5f", res.SpreadFraction, MaxSpreadFraction))
		}
	}

	// 5. 24h volume on the perp market. A failed fetch vetoes: volume is a
	// hard check and an unreadable venue is not a tradeable one.
	switch {
	case tickerErr != nil:
		res.reject(fmt.Sprintf("failed to fetch 24h volume: %v", tickerErr))
	case ticker.QuoteVolume24h.LessThan(decimal.NewFromInt(MinQuoteVolume24h)):
		res.QuoteVolume24h = ticker.QuoteVolume24h
		res.reject(fmt.Sprintf("24h volume %s below %d", ticker.QuoteVolume24h.StringFixed(0), int64(MinQuoteVolume24h)))
	default:
		res.QuoteVolume24h = ticker.QuoteVolume24h
	}

	// 6a. Funding consistency over the last 7 days: every sample must be
	// strictly positive, and a venue that serves history but has none for
	// this pair is rejected.
	since := time.Now().Add(-7 * 24 * time.Hour)
	history, err := client.FetchFundingHistory(ctx, perpSymbol, since, FundingHistorySamples)
	switch {
	case errors.Is(err, exchange.ErrNotSupported):
		// Venue has no history endpoint; signal unavailable.
	case err != nil:
		log.Warn().Err(err).Str("symbol", symbol).Msg("funding history check skipped")
	case len(history) == 0:
		res.reject("no funding history available")
	default:
		sum := 0.0
		nonPositive := 0
		for _, s := range history {
			sum += s.Rate
			if s.Rate <= 0 {
				nonPositive++
			}
		}
		res.Funding7dAvg = sum / float64(len(history))
		if nonPositive > 0 {
			res.reject(fmt.Sprintf("%d non-positive funding periods in last %d", nonPositive, len(history)))
		}
	}

	// 6b. Open interest trend.
	v.checkOpenInterest(ctx, client, perpSymbol, symbol, res)

	return res, nil
}

func (v *PairValidator) checkOpenInterest(ctx context.Context, client exchange.Client, perpSymbol, symbol string, res *ValidationResult) {
	current, err := client.FetchOpenInterest(ctx, perpSymbol)
	if err != nil {
		if !errors.Is(err, exchange.ErrNotSupported) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("open interest check skipped")
		}
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	history, err := client.FetchOpenInterestHistory(ctx, perpSymbol, since, 24)
	if err != nil || len(history) == 0 {
		if err != nil && !errors.Is(err, exchange.ErrNotSupported) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("open interest history skipped")
		}
		return
	}

	past := history[0].ValueUSDT
	if !past.IsPositive() {
		return
	}
	change := current.ValueUSDT.Sub(past).Div(past).InexactFloat64()
	res.OpenInterestChange = change
	if change < -MaxOpenInterestDrop {
		res.reject(fmt.Sprintf("open interest dropped %.1f%% in 24h", -change*100))
	}
}
