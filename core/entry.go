package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/exec"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/telemetry"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY CONTROLLER - The gate between a funding signal and real orders
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every (exchange, symbol) candidate passes the full gate each tick, in a
// fixed order from cheapest to most expensive check:
//
//   blacklist -> tier -> funding (fresh, positive, above minimums)
//   -> capital -> position limits -> breakeven -> pair validation
//
// Any failed step silently skips the pair; the gate runs again next tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EntryController evaluates and executes new positions.
type EntryController struct {
	cfg       config.TradingConfig
	registry  *risk.Registry
	breakeven *risk.BreakevenEvaluator
	validator *risk.PairValidator
	guard     *risk.ReserveGuard
	positions *storage.PositionStore
	view      *storage.MarketDataView
	executor  *exec.Executor
	notifier  Notifier
	metrics   *telemetry.Metrics
}

// NewEntryController wires the gate. notifier and metrics may be nil.
func NewEntryController(
	cfg config.TradingConfig,
	registry *risk.Registry,
	breakeven *risk.BreakevenEvaluator,
	validator *risk.PairValidator,
	guard *risk.ReserveGuard,
	positions *storage.PositionStore,
	view *storage.MarketDataView,
	executor *exec.Executor,
	notifier Notifier,
	metrics *telemetry.Metrics,
) *EntryController {
	return &EntryController{
		cfg:       cfg,
		registry:  registry,
		breakeven: breakeven,
		validator: validator,
		guard:     guard,
		positions: positions,
		view:      view,
		executor:  executor,
		notifier:  notifier,
		metrics:   metrics,
	}
}

// EvaluateEntry runs the full gate for one candidate and opens the position
// when every step passes. Returns the opened position, or nil when skipped.
func (c *EntryController) EvaluateEntry(ctx context.Context, exchangeID, symbol string) (*types.Position, error) {
	// Blacklist and tier are static lookups; do them before touching redis.
	if c.registry.IsBlacklisted(symbol) {
		return nil, nil
	}
	tier := c.registry.TierFor(symbol)
	if tier == nil {
		return nil, nil
	}

	funding, err := c.view.LatestFunding(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if funding == nil {
		return nil, nil // absent or stale
	}
	// Only positive funding pays the short perp leg.
	if funding.FundingRate <= 0 {
		return nil, nil
	}
	if funding.FundingRate < tier.MinFundingRate {
		return nil, nil
	}

	annualized := funding.AnnualizedPct()
	if annualized < c.cfg.MinEntryAnnualizedPct {
		return nil, nil
	}

	open, err := c.positions.List(ctx, "")
	if err != nil {
		return nil, err
	}
	capital, err := c.guard.CheckCapital(ctx, tier, open)
	if err != nil {
		return nil, err
	}
	if !capital.CanOpen {
		log.Debug().
			Str("exchange", exchangeID).
			Str("symbol", symbol).
			Str("reason", capital.Reason).
			Msg("entry blocked by capital check")
		return nil, nil
	}

	allowed, reason, err := c.positions.CanOpen(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if !allowed {
		log.Debug().
			Str("exchange", exchangeID).
			Str("symbol", symbol).
			Str("reason", reason).
			Msg("entry blocked by position limits")
		return nil, nil
	}

	book, err := c.view.LatestBook(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, nil
	}

	be := c.breakeven.Evaluate(risk.BreakevenInput{
		SizeUSDT:       tier.SizePerPair,
		SpotEntryPrice: book.Ask,
		PerpEntryPrice: book.Bid, // proxy until the perp book is collected
		FundingRate:    funding.FundingRate,
		Exchange:       exchangeID,
	})
	if !be.Viable {
		log.Debug().
			Str("exchange", exchangeID).
			Str("symbol", symbol).
			Float64("breakeven_periods", be.BreakevenPeriods).
			Float64("breakeven_hours", be.BreakevenHours).
			Float64("funding_pct", funding.FundingRate*100).
			Msg("breakeven not viable")
		return nil, nil
	}

	check, err := c.validator.Validate(ctx, exchangeID, symbol)
	if err != nil {
		return nil, err
	}
	if !check.Approved {
		log.Debug().
			Str("exchange", exchangeID).
			Str("symbol", symbol).
			Strs("reasons", check.Reasons).
			Msg("pair validation failed")
		return nil, nil
	}

	perpSymbol := types.SpotToPerp(symbol)
	signal := &types.TradeSignal{
		Action:         "open",
		Exchange:       exchangeID,
		Symbol:         symbol,
		PerpSymbol:     perpSymbol,
		Direction:      types.DirectionLongSpotShortPerp,
		SizeUSDT:       tier.SizePerPair,
		FundingRate:    funding.FundingRate,
		AnnualizedRate: annualized,
		Reason: fmt.Sprintf("funding %.1f%% ann, breakeven %.1f periods, tier=%s",
			annualized, be.BreakevenPeriods, tier.Name),
		Timestamp: types.ToUnixFloat(time.Now()),
	}

	fill, err := c.executor.ExecuteOpen(ctx, signal)
	if err != nil {
		log.Error().Err(err).
			Str("exchange", exchangeID).
			Str("symbol", symbol).
			Msg("open execution failed")
		return nil, nil
	}

	now := time.Now()
	position := &types.Position{
		ID:                  uuid.NewString(),
		Exchange:            exchangeID,
		Symbol:              symbol,
		PerpSymbol:          perpSymbol,
		Direction:           types.DirectionLongSpotShortPerp,
		Status:              types.StatusOpen,
		Tier:                tier.Name,
		SizeUSDT:            tier.SizePerPair,
		SpotEntryPrice:      fill.Spot.Price,
		SpotQuantity:        fill.Spot.Quantity,
		PerpEntryPrice:      fill.Perp.Price,
		PerpQuantity:        fill.Perp.Quantity,
		EntryFundingRate:    funding.FundingRate,
		EntryAnnualizedRate: annualized,
		LastFundingUpdate:   types.ToUnixFloat(now),
		OpenedAt:            types.ToUnixFloat(now),
		Paper:               c.executor.IsPaper(),
	}
	if err := c.positions.Save(ctx, position); err != nil {
		return nil, err
	}

	mode := "LIVE"
	if position.Paper {
		mode = "PAPER"
	}
	log.Warn().
		Str("mode", mode).
		Str("exchange", exchangeID).
		Str("symbol", symbol).
		Str("tier", tier.Name).
		Str("size_usdt", tier.SizePerPair.StringFixed(0)).
		Float64("funding_pct", funding.FundingRate*100).
		Float64("annualized_pct", annualized).
		Float64("breakeven_periods", be.BreakevenPeriods).
		Msg("🟢 OPENED position")

	if c.metrics != nil {
		c.metrics.EntriesOpened.Inc()
	}
	if c.notifier != nil {
		c.notifier.TradeOpened(position)
	}
	return position, nil
}
