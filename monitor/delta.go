package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DELTA MONITOR - Drift and basis watch for open positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every 30 seconds: recompute spot vs perp notionals per open position,
// alert when the gap exceeds the tier threshold, record the live basis,
// and attempt a rebalance on drift. Live auto-rebalance is deliberately
// not implemented; drifted live positions page a human.
//
// The monitor also owns the consecutive-negative-funding counters the exit
// controller consults: they are in-memory on purpose, so a restart starts
// the count fresh instead of acting on stale observations.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// CheckInterval is the drift scan cadence.
	CheckInterval = 30 * time.Second
	// RebalanceTimeout bounds one rebalance attempt.
	RebalanceTimeout = 60 * time.Second
	// fallbackDeltaAlertPct applies to positions whose symbol left the tiers.
	fallbackDeltaAlertPct = 0.02
)

// DeltaMonitor scans open positions for delta drift.
type DeltaMonitor struct {
	registry  *risk.Registry
	positions *storage.PositionStore
	view      *storage.MarketDataView

	mu             sync.Mutex
	negativeCounts map[string]int
}

// NewDeltaMonitor wires the monitor.
func NewDeltaMonitor(registry *risk.Registry, positions *storage.PositionStore, view *storage.MarketDataView) *DeltaMonitor {
	return &DeltaMonitor{
		registry:       registry,
		positions:      positions,
		view:           view,
		negativeCounts: make(map[string]int),
	}
}

// Run blocks until ctx is cancelled, scanning on every tick.
func (m *DeltaMonitor) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", CheckInterval).
		Dur("rebalance_timeout", RebalanceTimeout).
		Msg("📐 delta monitor started")

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("delta monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				log.Error().Err(err).Msg("delta monitor scan failed")
			}
		}
	}
}

// CheckAll runs one scan over every open position.
func (m *DeltaMonitor) CheckAll(ctx context.Context) error {
	open, err := m.positions.List(ctx, "")
	if err != nil {
		return err
	}
	for _, pos := range open {
		if !pos.IsOpen() {
			continue
		}
		if err := m.checkPosition(ctx, pos); err != nil {
			log.Warn().Err(err).
				Str("exchange", pos.Exchange).
				Str("symbol", pos.Symbol).
				Msg("delta check failed")
		}
	}
	return nil
}

func (m *DeltaMonitor) checkPosition(ctx context.Context, pos *types.Position) error {
	spotBook, err := m.view.LatestBook(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		return err
	}
	if spotBook == nil {
		return nil // no fresh data, nothing to judge
	}
	spotPrice := spotBook.Mid()

	// Perp price from its own book when the collector tracks it, spot mid
	// as a proxy otherwise (basis is well under the alert threshold).
	perpPrice := spotPrice
	if perpBook, err := m.view.LatestBook(ctx, pos.Exchange, pos.PerpSymbol); err != nil {
		return err
	} else if perpBook != nil {
		perpPrice = perpBook.Mid()
	}

	spotNotional := pos.SpotQuantity.Mul(spotPrice)
	perpNotional := pos.PerpQuantity.Mul(perpPrice)
	delta := spotNotional.Sub(perpNotional)

	threshold := m.thresholdFor(pos)

	// Spot premium over perp, as a percent of the perp price.
	basisPct := 0.0
	if perpPrice.IsPositive() {
		basisPct = spotPrice.Sub(perpPrice).Div(perpPrice).InexactFloat64() * 100
	}
	now := time.Now()
	if err := m.view.RecordBasis(ctx, pos.Exchange, pos.Symbol, basisPct, now); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("basis write failed")
	}

	if delta.Abs().LessThanOrEqual(threshold) {
		log.Debug().
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Str("delta", delta.StringFixed(4)).
			Str("threshold", threshold.StringFixed(2)).
			Float64("basis_pct", basisPct).
			Msg("delta ok")
		return nil
	}

	log.Warn().
		Str("exchange", pos.Exchange).
		Str("symbol", pos.Symbol).
		Str("delta", delta.StringFixed(4)).
		Str("threshold", threshold.StringFixed(2)).
		Str("spot_notional", spotNotional.StringFixed(2)).
		Str("perp_notional", perpNotional.StringFixed(2)).
		Float64("basis_pct", basisPct).
		Msg("⚠️ delta drift")

	rebalanceCtx, cancel := context.WithTimeout(ctx, RebalanceTimeout)
	defer cancel()
	if !m.attemptRebalance(rebalanceCtx, pos, delta) {
		log.Error().
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Str("delta", delta.StringFixed(4)).
			Msg("🚨 rebalance failed, manual intervention may be required")
	}
	return nil
}

func (m *DeltaMonitor) thresholdFor(pos *types.Position) decimal.Decimal {
	if tier := m.registry.TierFor(pos.Symbol); tier != nil {
		return tier.SizePerPair.Mul(decimal.NewFromFloat(tier.DeltaAlertPct))
	}
	return pos.SizeUSDT.Mul(decimal.NewFromFloat(fallbackDeltaAlertPct))
}

// attemptRebalance narrows the drift with maker orders. Paper positions
// simulate success; live auto-rebalance is withheld until it has been
// proven on paper, so it reports failure and the drift stays visible.
func (m *DeltaMonitor) attemptRebalance(_ context.Context, pos *types.Position, delta decimal.Decimal) bool {
	if pos.Paper {
		log.Warn().
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Str("delta", delta.StringFixed(4)).
			Msg("📝 PAPER: would rebalance via maker orders")
		return true
	}
	log.Warn().
		Str("exchange", pos.Exchange).
		Str("symbol", pos.Symbol).
		Str("delta", delta.StringFixed(4)).
		Msg("LIVE rebalance needed, auto-rebalance not enabled")
	return false
}

// TrackNegativeFunding updates the consecutive-negative counter for a pair
// and returns the new count. A non-negative observation resets it to zero.
func (m *DeltaMonitor) TrackNegativeFunding(exchange, symbol string, isNegative bool) int {
	key := fmt.Sprintf("%s:%s", exchange, symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if isNegative {
		m.negativeCounts[key]++
	} else {
		m.negativeCounts[key] = 0
	}
	return m.negativeCounts[key]
}

// ResetTracking clears the counter when a position closes.
func (m *DeltaMonitor) ResetTracking(exchange, symbol string) {
	key := fmt.Sprintf("%s:%s", exchange, symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.negativeCounts, key)
}
