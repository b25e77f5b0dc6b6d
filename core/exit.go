package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/exec"
	"github.com/carryops/carrybot/monitor"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/telemetry"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT CONTROLLER - Funding accrual and close triggers
// ═══════════════════════════════════════════════════════════════════════════════
//
// Triggers, evaluated in order:
//   a) funding_drop       current rate fell under 70% of the entry rate
//   b) funding_negative   two consecutive negative observations
//   c) stop_loss          unrealized loss past the tier limit, funding
//                         does not cover it
//   d) fallback           negative rate, or annualized under the exit
//                         floor (both gated by the minimum hold)
//
// stop_loss and funding_negative close immediately; everything else
// respects the 8h minimum hold so a position always survives at least one
// funding payment.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MinHold is one full funding period.
const MinHold = 8 * time.Hour

// Exit reasons recorded on closed positions.
const (
	ReasonFundingDrop       = "funding_drop"
	ReasonFundingNegative   = "funding_negative"
	ReasonStopLoss          = "stop_loss"
	ReasonReserveProtection = "reserve_protection"
)

// ExitController accrues funding and closes positions.
type ExitController struct {
	cfg       config.TradingConfig
	registry  *risk.Registry
	guard     *risk.ReserveGuard
	positions *storage.PositionStore
	view      *storage.MarketDataView
	executor  *exec.Executor
	monitor   *monitor.DeltaMonitor
	notifier  Notifier
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewExitController wires the controller. notifier and metrics may be nil.
func NewExitController(
	cfg config.TradingConfig,
	registry *risk.Registry,
	guard *risk.ReserveGuard,
	positions *storage.PositionStore,
	view *storage.MarketDataView,
	executor *exec.Executor,
	deltaMonitor *monitor.DeltaMonitor,
	notifier Notifier,
	metrics *telemetry.Metrics,
) *ExitController {
	return &ExitController{
		cfg:       cfg,
		registry:  registry,
		guard:     guard,
		positions: positions,
		view:      view,
		executor:  executor,
		monitor:   deltaMonitor,
		notifier:  notifier,
		metrics:   metrics,
		now:       time.Now,
	}
}

// CheckExits runs reserve protection and then per-position accrual and
// exit evaluation over every open position.
func (c *ExitController) CheckExits(ctx context.Context) error {
	open, err := c.positions.List(ctx, "")
	if err != nil {
		return err
	}

	if err := c.checkReserveProtection(ctx, open); err != nil {
		log.Error().Err(err).Msg("reserve protection check failed")
	}

	for _, pos := range open {
		if !pos.IsOpen() {
			continue
		}
		if err := c.AccrueFunding(ctx, pos); err != nil {
			log.Warn().Err(err).
				Str("exchange", pos.Exchange).
				Str("symbol", pos.Symbol).
				Msg("funding accrual failed")
		}
		if err := c.EvaluateExit(ctx, pos); err != nil {
			log.Warn().Err(err).
				Str("exchange", pos.Exchange).
				Str("symbol", pos.Symbol).
				Msg("exit evaluation failed")
		}
	}
	return nil
}

// AccrueFunding credits the position with funding earned since the last
// update, pro-rated over the 8h period at the current mark price.
func (c *ExitController) AccrueFunding(ctx context.Context, pos *types.Position) error {
	funding, err := c.view.LatestFunding(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		return err
	}
	if funding == nil {
		return nil
	}
	book, err := c.view.LatestBook(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		return err
	}
	if book == nil {
		return nil
	}

	now := c.now()
	elapsed := types.ToUnixFloat(now) - pos.LastFundingUpdate
	if elapsed <= 0 {
		return nil
	}

	markPrice := book.Mid()
	payment := pos.PerpQuantity.
		Mul(markPrice).
		Mul(decimal.NewFromFloat(funding.FundingRate)).
		Mul(decimal.NewFromFloat(elapsed / types.FundingPeriodSeconds))

	pos.FundingCollected = pos.FundingCollected.Add(payment)
	pos.LastFundingUpdate = types.ToUnixFloat(now)
	if err := c.positions.Save(ctx, pos); err != nil {
		return err
	}

	log.Debug().
		Str("exchange", pos.Exchange).
		Str("symbol", pos.Symbol).
		Str("payment", payment.StringFixed(6)).
		Float64("rate_pct", funding.FundingRate*100).
		Str("total", pos.FundingCollected.StringFixed(6)).
		Msg("funding accrual")
	return nil
}

// EvaluateExit applies all triggers to one open position and closes it
// when one fires.
func (c *ExitController) EvaluateExit(ctx context.Context, pos *types.Position) error {
	funding, err := c.view.LatestFunding(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		return err
	}
	if funding == nil {
		return nil // no fresh data, keep holding
	}

	rate := funding.FundingRate
	annualized := funding.AnnualizedPct()
	holdTime := pos.HoldTime(c.now())

	shouldExit := false
	exitReason := ""

	// a) Funding dropped under 70% of the entry rate.
	if rate > 0 && pos.EntryFundingRate > 0 && rate < pos.EntryFundingRate*0.70 {
		if holdTime >= MinHold {
			shouldExit = true
			exitReason = ReasonFundingDrop
			log.Warn().
				Str("exchange", pos.Exchange).
				Str("symbol", pos.Symbol).
				Float64("current", rate).
				Float64("entry", pos.EntryFundingRate).
				Msg("⚠️ funding dropped under 70% of entry")
		}
	}

	// b) Two consecutive negative observations close immediately.
	if c.monitor != nil {
		if rate < 0 {
			count := c.monitor.TrackNegativeFunding(pos.Exchange, pos.Symbol, true)
			if count >= 2 {
				shouldExit = true
				exitReason = ReasonFundingNegative
				log.Error().
					Str("exchange", pos.Exchange).
					Str("symbol", pos.Symbol).
					Int("consecutive", count).
					Float64("rate", rate).
					Msg("🚨 funding negative twice, immediate close")
			}
		} else {
			c.monitor.TrackNegativeFunding(pos.Exchange, pos.Symbol, false)
		}
	}

	// c) Tier stop loss, only when collected funding does not cover it.
	if !shouldExit {
		if tier := c.registry.TierFor(pos.Symbol); tier != nil {
			if fired, unrealized, limit, err := c.stopLossHit(ctx, pos, tier); err != nil {
				return err
			} else if fired {
				shouldExit = true
				exitReason = ReasonStopLoss
				log.Error().
					Str("exchange", pos.Exchange).
					Str("symbol", pos.Symbol).
					Str("unrealized", unrealized.StringFixed(4)).
					Str("limit", limit.StringFixed(4)).
					Str("funding_collected", pos.FundingCollected.StringFixed(4)).
					Msg("🚨 stop loss")
			}
		}
	}

	// d) Fallback: single negative rate, or annualized under the exit floor.
	if !shouldExit {
		if rate < 0 {
			if holdTime >= MinHold {
				shouldExit = true
				exitReason = ReasonFundingNegative
			}
		} else if annualized < c.cfg.MinExitAnnualizedPct {
			if holdTime >= MinHold {
				shouldExit = true
				exitReason = ReasonFundingDrop
			}
		}
	}

	// Minimum hold applies to everything except hard closes.
	if shouldExit && exitReason == ReasonFundingDrop && holdTime < MinHold {
		log.Debug().
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Float64("hold_hours", holdTime.Hours()).
			Msg("minimum hold not met, skipping exit")
		shouldExit = false
	}

	if !shouldExit {
		return nil
	}
	return c.ExecuteExit(ctx, pos, exitReason, rate, annualized)
}

func (c *ExitController) stopLossHit(ctx context.Context, pos *types.Position, tier *risk.Tier) (bool, decimal.Decimal, decimal.Decimal, error) {
	book, err := c.view.LatestBook(ctx, pos.Exchange, pos.Symbol)
	if err != nil || book == nil {
		return false, decimal.Zero, decimal.Zero, err
	}
	mid := book.Mid()
	unrealized := pos.EstimateUnrealizedPnL(mid, mid)
	limit := tier.SizePerPair.Mul(decimal.NewFromFloat(tier.StopLossPct)).Neg()

	fired := unrealized.LessThan(limit) && pos.FundingCollected.LessThan(unrealized.Abs())
	return fired, unrealized, limit, nil
}

// ExecuteExit closes both legs and finalizes the position record.
func (c *ExitController) ExecuteExit(ctx context.Context, pos *types.Position, exitReason string, rate, annualized float64) error {
	fill, err := c.executor.ExecuteClose(ctx, pos)
	if err != nil {
		log.Error().Err(err).
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Str("reason", exitReason).
			Msg("close execution failed")
		return nil // retried next tick, position stays open
	}

	pos.SpotExitPrice = fill.Spot.Price
	pos.PerpExitPrice = fill.Perp.Price
	pos.Status = types.StatusClosed
	pos.ClosedAt = types.ToUnixFloat(c.now())
	pos.RealizedPnL = pos.CalculatePnL()
	pos.ExitReason = exitReason

	if err := c.positions.Save(ctx, pos); err != nil {
		return err
	}
	if c.monitor != nil {
		c.monitor.ResetTracking(pos.Exchange, pos.Symbol)
	}

	mode := "LIVE"
	if pos.Paper {
		mode = "PAPER"
	}
	log.Warn().
		Str("mode", mode).
		Str("exchange", pos.Exchange).
		Str("symbol", pos.Symbol).
		Str("pnl", pos.RealizedPnL.StringFixed(4)).
		Str("funding", pos.FundingCollected.StringFixed(4)).
		Str("reason", exitReason).
		Float64("held_hours", pos.HoldTime(c.now()).Hours()).
		Msg("🔴 CLOSED position")

	if c.metrics != nil {
		c.metrics.ExitsClosed.WithLabelValues(exitReason).Inc()
	}
	if c.notifier != nil {
		c.notifier.TradeClosed(pos)
	}
	return nil
}

// checkReserveProtection force-closes tiers smallest-first when the
// estimated balance falls under the operative pool, re-checking the
// balance after each tier.
func (c *ExitController) checkReserveProtection(ctx context.Context, open []*types.Position) error {
	if len(open) == 0 {
		return nil
	}

	intact, balance, err := c.guard.ReserveIntact(ctx)
	if err != nil {
		return err
	}
	if intact {
		return nil
	}

	operative := c.guard.Capital().Operative
	log.Error().
		Str("balance", balance.StringFixed(2)).
		Str("operative", operative.StringFixed(2)).
		Msg("🚨 RESERVE PROTECTION: closing positions, smallest tier first")
	if c.notifier != nil {
		c.notifier.ReserveAlert(balance, operative)
	}

	for _, tierName := range risk.CascadeOrder {
		for _, pos := range open {
			if !pos.IsOpen() || pos.Tier != tierName {
				continue
			}
			rate := 0.0
			if funding, err := c.view.LatestFunding(ctx, pos.Exchange, pos.Symbol); err == nil && funding != nil {
				rate = funding.FundingRate
			}
			if err := c.ExecuteExit(ctx, pos, ReasonReserveProtection, rate, types.AnnualizedPct(rate)); err != nil {
				return err
			}
		}

		intact, balance, err = c.guard.ReserveIntact(ctx)
		if err != nil {
			return err
		}
		if intact {
			log.Info().
				Str("balance", balance.StringFixed(2)).
				Str("tier", tierName).
				Msg("reserve restored after closing tier")
			return nil
		}
	}
	return nil
}
