package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY RUNNER - The engine's heartbeat
// ═══════════════════════════════════════════════════════════════════════════════
//
// One tick = entries across every (exchange, symbol), then exits across
// every open position, then a capital status line. Every 10th tick also
// prints the full PnL report. A failed tick is logged and the loop keeps
// going; only context cancellation stops it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// pnlReportEvery is the tick interval between full reports.
const pnlReportEvery = 10

// StrategyRunner drives entry and exit evaluation on a fixed interval.
type StrategyRunner struct {
	cfg        config.TradingConfig
	registry   *risk.Registry
	entries    *EntryController
	exits      *ExitController
	aggregator *MetricsAggregator
	guard      *risk.ReserveGuard
	positions  *storage.PositionStore
	metrics    *telemetry.Metrics

	exchanges []string
	symbols   []string
	tickCount int
}

// NewStrategyRunner wires the runner over the configured universe.
func NewStrategyRunner(
	cfg config.TradingConfig,
	registry *risk.Registry,
	entries *EntryController,
	exits *ExitController,
	aggregator *MetricsAggregator,
	guard *risk.ReserveGuard,
	positions *storage.PositionStore,
	metrics *telemetry.Metrics,
	exchanges, symbols []string,
) *StrategyRunner {
	return &StrategyRunner{
		cfg:        cfg,
		registry:   registry,
		entries:    entries,
		exits:      exits,
		aggregator: aggregator,
		guard:      guard,
		positions:  positions,
		metrics:    metrics,
		exchanges:  exchanges,
		symbols:    symbols,
	}
}

// Run blocks until ctx is cancelled, ticking every check interval.
func (r *StrategyRunner) Run(ctx context.Context) error {
	mode := "LIVE"
	if r.entries.executor.IsPaper() {
		mode = "PAPER"
	}

	active, excluded := r.universe()
	log.Info().
		Str("mode", mode).
		Dur("check_interval", r.cfg.CheckIntervalDuration()).
		Strs("tier_symbols", active).
		Strs("blacklisted", excluded).
		Msg("📈 strategy runner started")

	ticker := time.NewTicker(r.cfg.CheckIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("strategy runner stopping")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation cycle.
func (r *StrategyRunner) Tick(ctx context.Context) {
	started := time.Now()

	for _, exchangeID := range r.exchanges {
		for _, symbol := range r.symbols {
			if _, err := r.entries.EvaluateEntry(ctx, exchangeID, symbol); err != nil {
				log.Error().Err(err).
					Str("exchange", exchangeID).
					Str("symbol", symbol).
					Msg("entry evaluation failed")
			}
		}
	}

	if err := r.exits.CheckExits(ctx); err != nil {
		log.Error().Err(err).Msg("exit sweep failed")
	}

	r.tickCount++
	r.logCapitalStatus(ctx)
	if r.tickCount%pnlReportEvery == 0 {
		r.logPnLReport(ctx)
	}

	if r.metrics != nil {
		r.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}
}

// universe splits the configured symbols into tier-eligible and
// blacklisted, for the startup log.
func (r *StrategyRunner) universe() (active, excluded []string) {
	tierSymbols := map[string]bool{}
	for _, s := range r.registry.AllTierSymbols() {
		tierSymbols[s] = true
	}
	for _, s := range r.symbols {
		switch {
		case r.registry.IsBlacklisted(s):
			excluded = append(excluded, s)
		case tierSymbols[s]:
			active = append(active, s)
		}
	}
	return active, excluded
}

func (r *StrategyRunner) logCapitalStatus(ctx context.Context) {
	open, err := r.positions.List(ctx, "")
	if err != nil {
		log.Warn().Err(err).Msg("capital status skipped")
		return
	}
	deployed := risk.Deployed(open)
	capital := r.guard.Capital()
	log.Info().
		Str("deployed", deployed.StringFixed(2)).
		Str("free", capital.Operative.Sub(deployed).StringFixed(2)).
		Str("reserve", capital.ReserveRebalance.StringFixed(0)).
		Msg("💰 capital status")
}

func (r *StrategyRunner) logPnLReport(ctx context.Context) {
	snap, err := r.aggregator.Compute(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("pnl report skipped")
		return
	}
	r.aggregator.UpdateGauges(snap, r.metrics)
	log.Info().Msg(r.aggregator.Report(snap))
}
