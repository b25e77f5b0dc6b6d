package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKEVEN EVALUATOR - Cycle cost vs funding income
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// PeriodsPerDay is the number of 8h funding intervals per day.
	PeriodsPerDay = 3
	// MaxBreakevenPeriods caps acceptable breakeven at 3 days of funding.
	MaxBreakevenPeriods = 3 * PeriodsPerDay
)

// BreakevenInput describes one candidate cycle.
type BreakevenInput struct {
	SizeUSDT       decimal.Decimal
	SpotEntryPrice decimal.Decimal
	PerpEntryPrice decimal.Decimal
	FundingRate    float64 // per 8h period
	Exchange       string

	// Optional overrides; when set they replace the schedule fees.
	SpotFee *float64
	PerpFee *float64
}

// BreakevenResult exposes every intermediate for logging and tests.
type BreakevenResult struct {
	EntryCostUSDT    decimal.Decimal
	ExitCostUSDT     decimal.Decimal
	TotalCostUSDT    decimal.Decimal
	FundingPerPeriod decimal.Decimal
	BreakevenPeriods float64 // +Inf when funding is non-positive
	BreakevenHours   float64
	Viable           bool
}

// BreakevenEvaluator computes cycle viability from real fee schedules.
type BreakevenEvaluator struct {
	registry *Registry
}

// NewBreakevenEvaluator wires the evaluator to the fee tables.
func NewBreakevenEvaluator(registry *Registry) *BreakevenEvaluator {
	return &BreakevenEvaluator{registry: registry}
}

// Evaluate prices a full open+close cycle. Entry pays taker on both legs
// (market orders); the exit targets maker on the perp leg.
func (e *BreakevenEvaluator) Evaluate(in BreakevenInput) BreakevenResult {
	fees := e.registry.Fees(in.Exchange)

	spotFee := fees.Spot
	perpEntryFee := fees.PerpTaker
	perpExitFee := fees.PerpMaker
	if in.SpotFee != nil {
		spotFee = *in.SpotFee
	}
	if in.PerpFee != nil {
		perpEntryFee = *in.PerpFee
		perpExitFee = *in.PerpFee
	}

	entryCost := in.SizeUSDT.Mul(decimal.NewFromFloat(spotFee + perpEntryFee))
	exitCost := in.SizeUSDT.Mul(decimal.NewFromFloat(spotFee + perpExitFee))
	totalCost := entryCost.Add(exitCost)

	fundingPerPeriod := in.SizeUSDT.Mul(decimal.NewFromFloat(in.FundingRate))

	periods := math.Inf(1)
	if fundingPerPeriod.IsPositive() {
		periods = totalCost.InexactFloat64() / fundingPerPeriod.InexactFloat64()
	}

	return BreakevenResult{
		EntryCostUSDT:    entryCost.Round(6),
		ExitCostUSDT:     exitCost.Round(6),
		TotalCostUSDT:    totalCost.Round(6),
		FundingPerPeriod: fundingPerPeriod.Round(6),
		BreakevenPeriods: periods,
		BreakevenHours:   periods * 8,
		Viable:           periods < MaxBreakevenPeriods,
	}
}
