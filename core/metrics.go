package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/telemetry"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS AGGREGATOR - Performance and capital reporting
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsSnapshot is one full computation over the trade record.
type MetricsSnapshot struct {
	TotalTrades           int
	WinRatePct            float64
	AvgPnLPerTrade        float64
	TotalRealizedPnL      float64
	TotalFundingCollected float64
	FundingYieldPct       float64
	AvgBasisCostPct       float64
	NetPnLRatioPct        float64
	FundingVsDrift        float64 // +Inf when drift is zero
	ProjectedMonthlyPct   float64

	BestPair       string
	BestPairRatio  float64
	WorstPair      string
	WorstPairRatio float64

	CapitalTotal     float64
	CapitalDeployed  float64
	CapitalFree      float64
	ReserveRebalance float64
	ReserveStatus    string
	OpenPositions    int
	DaysActive       float64
}

// MetricsAggregator computes snapshots from the position store.
type MetricsAggregator struct {
	capital   risk.Capital
	positions *storage.PositionStore
	now       func() time.Time
}

// NewMetricsAggregator wires the aggregator.
func NewMetricsAggregator(capital risk.Capital, positions *storage.PositionStore) *MetricsAggregator {
	return &MetricsAggregator{capital: capital, positions: positions, now: time.Now}
}

// Compute reads history and open positions and derives every metric.
func (m *MetricsAggregator) Compute(ctx context.Context) (*MetricsSnapshot, error) {
	history, err := m.positions.History(ctx)
	if err != nil {
		return nil, err
	}
	open, err := m.positions.List(ctx, "")
	if err != nil {
		return nil, err
	}

	closed := make([]*types.Position, 0, len(history))
	for _, t := range history {
		if t.Status == types.StatusClosed || t.Status == types.StatusStaleClosed {
			closed = append(closed, t)
		}
	}

	snap := &MetricsSnapshot{
		TotalTrades:      len(closed),
		BestPair:         "N/A",
		WorstPair:        "N/A",
		CapitalTotal:     m.capital.Total.InexactFloat64(),
		ReserveRebalance: m.capital.ReserveRebalance.InexactFloat64(),
		OpenPositions:    len(open),
		ReserveStatus:    "OK",
		FundingVsDrift:   math.Inf(1),
	}

	totalPnL := decimal.Zero
	totalFunding := decimal.Zero
	totalSize := decimal.Zero
	wins := 0
	basisCostSum := 0.0
	basisCostN := 0
	pairPnL := map[string]decimal.Decimal{}
	pairSize := map[string]decimal.Decimal{}
	var firstOpened float64

	for _, t := range closed {
		totalPnL = totalPnL.Add(t.RealizedPnL)
		totalFunding = totalFunding.Add(t.FundingCollected)
		totalSize = totalSize.Add(t.SizeUSDT)
		if t.RealizedPnL.IsPositive() {
			wins++
		}
		if t.PerpEntryPrice.IsPositive() {
			bc := t.SpotEntryPrice.Sub(t.PerpEntryPrice).Abs().
				Div(t.PerpEntryPrice).InexactFloat64() * 100
			basisCostSum += bc
			basisCostN++
		}
		key := fmt.Sprintf("%s:%s", t.Exchange, t.Symbol)
		pairPnL[key] = pairPnL[key].Add(t.RealizedPnL)
		pairSize[key] = pairSize[key].Add(t.SizeUSDT)
		if firstOpened == 0 || t.OpenedAt < firstOpened {
			firstOpened = t.OpenedAt
		}
	}

	snap.TotalRealizedPnL = round(totalPnL.InexactFloat64(), 6)
	snap.TotalFundingCollected = round(totalFunding.InexactFloat64(), 6)
	if len(closed) > 0 {
		snap.WinRatePct = round(float64(wins)/float64(len(closed))*100, 2)
		snap.AvgPnLPerTrade = round(totalPnL.InexactFloat64()/float64(len(closed)), 6)
	}
	if totalSize.IsPositive() {
		snap.FundingYieldPct = round(totalFunding.Div(totalSize).InexactFloat64()*100, 4)
		snap.NetPnLRatioPct = round(totalPnL.Div(totalSize).InexactFloat64()*100, 4)
	}
	if basisCostN > 0 {
		snap.AvgBasisCostPct = round(basisCostSum/float64(basisCostN), 4)
	}

	// Per-pair net ratio, best and worst.
	bestRatio, worstRatio := math.Inf(-1), math.Inf(1)
	for key, pnl := range pairPnL {
		size := pairSize[key]
		if !size.IsPositive() {
			continue
		}
		ratio := pnl.Div(size).InexactFloat64() * 100
		if ratio > bestRatio {
			bestRatio, snap.BestPair = ratio, key
		}
		if ratio < worstRatio {
			worstRatio, snap.WorstPair = ratio, key
		}
	}
	if snap.BestPair != "N/A" {
		snap.BestPairRatio = round(bestRatio, 4)
		snap.WorstPairRatio = round(worstRatio, 4)
	}

	// Funding earned vs price drift suffered.
	drift := totalPnL.Sub(totalFunding)
	if !drift.IsZero() {
		snap.FundingVsDrift = round(math.Abs(totalFunding.Div(drift).InexactFloat64()), 2)
	}

	// Capital.
	deployed := risk.Deployed(open)
	snap.CapitalDeployed = round(deployed.InexactFloat64(), 2)
	snap.CapitalFree = round(m.capital.Operative.Sub(deployed).InexactFloat64(), 2)
	estimated := m.capital.Total.Add(totalPnL)
	if estimated.LessThan(m.capital.Operative) {
		snap.ReserveStatus = "ALERT"
	}

	// Yield projection from the first closed trade onward.
	if len(closed) > 0 {
		days := (types.ToUnixFloat(m.now()) - firstOpened) / 86400
		if days < 1 {
			days = 1
		}
		snap.DaysActive = round(days, 1)
		snap.ProjectedMonthlyPct = round(snap.FundingYieldPct/days*30, 4)
	}
	return snap, nil
}

// UpdateGauges pushes a snapshot into the prometheus instruments.
func (m *MetricsAggregator) UpdateGauges(snap *MetricsSnapshot, tm *telemetry.Metrics) {
	if tm == nil {
		return
	}
	tm.OpenPositions.Set(float64(snap.OpenPositions))
	tm.CapitalDeployed.Set(snap.CapitalDeployed)
	tm.RealizedPnL.Set(snap.TotalRealizedPnL)
	tm.FundingCollected.Set(snap.TotalFundingCollected)
}

// Report renders the snapshot as the fixed-width text report.
func (m *MetricsAggregator) Report(snap *MetricsSnapshot) string {
	sep := strings.Repeat("=", 55)
	dash := strings.Repeat("-", 55)
	fundingVsDrift := "inf"
	if !math.IsInf(snap.FundingVsDrift, 1) {
		fundingVsDrift = fmt.Sprintf("%.1fx", snap.FundingVsDrift)
	}
	deployedPct := 0.0
	if snap.CapitalTotal > 0 {
		deployedPct = snap.CapitalDeployed / snap.CapitalTotal * 100
	}

	lines := []string{
		"",
		sep,
		"  BASIS TRADE REPORT",
		sep,
		"",
		"  CAPITAL OVERVIEW",
		fmt.Sprintf("  Total:       %10.0f USDT", snap.CapitalTotal),
		fmt.Sprintf("  Deployed:    %10.2f USDT (%.0f%%)", snap.CapitalDeployed, deployedPct),
		fmt.Sprintf("  Free:        %10.2f USDT", snap.CapitalFree),
		fmt.Sprintf("  Reserve:     %10.0f USDT [%s]", snap.ReserveRebalance, snap.ReserveStatus),
		"",
		dash,
		"",
		"  PERFORMANCE",
		fmt.Sprintf("  Total trades:       %8d", snap.TotalTrades),
		fmt.Sprintf("  Win rate:           %7.1f%%", snap.WinRatePct),
		fmt.Sprintf("  Avg PnL/trade:     $%10.4f", snap.AvgPnLPerTrade),
		fmt.Sprintf("  Total realized:    $%10.4f", snap.TotalRealizedPnL),
		fmt.Sprintf("  Total funding:     $%10.4f", snap.TotalFundingCollected),
		fmt.Sprintf("  Funding yield:      %7.2f%%", snap.FundingYieldPct),
		fmt.Sprintf("  Avg basis cost:     %7.4f%%", snap.AvgBasisCostPct),
		fmt.Sprintf("  Funding/drift:      %7s", fundingVsDrift),
		fmt.Sprintf("  Projected monthly:  %7.2f%%", snap.ProjectedMonthlyPct),
		"",
		fmt.Sprintf("  Best pair:   %s (%.2f%%)", snap.BestPair, snap.BestPairRatio),
		fmt.Sprintf("  Worst pair:  %s (%.2f%%)", snap.WorstPair, snap.WorstPairRatio),
		"",
		fmt.Sprintf("  Open positions: %d", snap.OpenPositions),
		fmt.Sprintf("  Days active:    %.1f", snap.DaysActive),
		"",
		sep,
	}
	return strings.Join(lines, "\n")
}

func round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
