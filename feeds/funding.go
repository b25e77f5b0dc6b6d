package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FUNDING POLLER - Periodic funding snapshots -> redis
// ═══════════════════════════════════════════════════════════════════════════════
//
// One goroutine per symbol polls the venue's current funding rate and
// writes it under funding:{exchange}:{spot_symbol}. Keys are indexed by the
// SPOT symbol so the strategy joins books and funding on one identity. A
// symbol the venue rejects outright is skipped permanently.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FundingPoller polls current funding rates for one exchange.
type FundingPoller struct {
	client       exchange.Client
	symbols      []string // spot symbols
	store        *storage.Store
	pollInterval time.Duration
}

// NewFundingPoller builds the poller.
func NewFundingPoller(client exchange.Client, symbols []string, store *storage.Store, pollInterval time.Duration) *FundingPoller {
	return &FundingPoller{
		client:       client,
		symbols:      symbols,
		store:        store,
		pollInterval: pollInterval,
	}
}

// Run polls every symbol until ctx is cancelled.
func (p *FundingPoller) Run(ctx context.Context) error {
	log.Info().
		Str("exchange", p.client.ID()).
		Int("symbols", len(p.symbols)).
		Dur("poll_interval", p.pollInterval).
		Msg("💸 funding poller started")

	var wg sync.WaitGroup
	for _, symbol := range p.symbols {
		wg.Add(1)
		go func(spotSymbol string) {
			defer wg.Done()
			p.pollSymbol(ctx, spotSymbol)
		}(symbol)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *FundingPoller) pollSymbol(ctx context.Context, spotSymbol string) {
	perpSymbol := types.SpotToPerp(spotSymbol)
	retry := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}

	for {
		rate, err := p.client.FetchFundingRate(ctx, perpSymbol)
		switch {
		case errors.Is(err, exchange.ErrBadSymbol):
			log.Warn().
				Str("exchange", p.client.ID()).
				Str("symbol", perpSymbol).
				Msg("symbol not available for funding, skipping permanently")
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			wait := retry.Duration()
			log.Error().Err(err).
				Str("exchange", p.client.ID()).
				Str("symbol", perpSymbol).
				Dur("retry_in", wait).
				Msg("funding poll failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		retry.Reset()
		if err := p.publish(ctx, spotSymbol, rate); err != nil {
			log.Warn().Err(err).Str("symbol", spotSymbol).Msg("funding write failed")
		}
		if !sleep(ctx, p.pollInterval) {
			return
		}
	}
}

func (p *FundingPoller) publish(ctx context.Context, spotSymbol string, rate *exchange.FundingRate) error {
	entry := types.FundingEntry{
		Exchange:             p.client.ID(),
		Symbol:               rate.Symbol,
		SpotSymbol:           spotSymbol,
		FundingRate:          rate.Rate,
		FundingTimestamp:     rate.Timestamp,
		NextFundingTimestamp: rate.NextFundingTime,
		Timestamp:            types.ToUnixFloat(time.Now()),
	}
	payload, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, storage.FundingKey(p.client.ID(), spotSymbol), string(payload), 0); err != nil {
		return err
	}
	return p.store.Publish(ctx, storage.FundingChannel(p.client.ID(), spotSymbol), string(payload))
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
