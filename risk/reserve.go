package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESERVE GUARD - Capital accounting and reserve checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine has no exchange balance feed; balance is estimated as
// configured total capital plus the sum of realized PnL across the closed
// trade history. When the estimate falls below the operative pool the
// reserve has been eaten into and no new entries are allowed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CascadeOrder is the tier order for forced closes under reserve
// protection: smaller-cap tiers go first.
var CascadeOrder = []string{"tier_2", "tier_1"}

// CapitalCheck is the outcome of the pre-entry capital validation.
type CapitalCheck struct {
	CanOpen         bool
	CapitalDeployed decimal.Decimal
	CapitalFree     decimal.Decimal
	ReserveIntact   bool
	PairsOpenInTier int
	Reason          string
}

// ReserveGuard answers balance and capital questions from the trade record.
type ReserveGuard struct {
	capital   Capital
	positions *storage.PositionStore
}

// NewReserveGuard wires the guard.
func NewReserveGuard(capital Capital, positions *storage.PositionStore) *ReserveGuard {
	return &ReserveGuard{capital: capital, positions: positions}
}

// Capital returns the configured capital split.
func (g *ReserveGuard) Capital() Capital { return g.capital }

// EstimatedBalance is total capital plus all realized PnL to date.
func (g *ReserveGuard) EstimatedBalance(ctx context.Context) (decimal.Decimal, error) {
	history, err := g.positions.History(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	balance := g.capital.Total
	for _, t := range history {
		balance = balance.Add(t.RealizedPnL)
	}
	return balance, nil
}

// ReserveIntact reports whether the estimated balance still covers the
// operative pool, along with the estimate itself.
func (g *ReserveGuard) ReserveIntact(ctx context.Context) (bool, decimal.Decimal, error) {
	balance, err := g.EstimatedBalance(ctx)
	if err != nil {
		return false, decimal.Zero, err
	}
	return balance.GreaterThanOrEqual(g.capital.Operative), balance, nil
}

// Deployed sums the notional of the given open positions.
func Deployed(open []*types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range open {
		if p.IsOpen() {
			total = total.Add(p.SizeUSDT)
		}
	}
	return total
}

// CheckCapital validates that a new position of tier size can be funded:
// enough free operative capital, tier pair cap not hit, reserve intact.
func (g *ReserveGuard) CheckCapital(ctx context.Context, tier *Tier, open []*types.Position) (*CapitalCheck, error) {
	deployed := Deployed(open)
	free := g.capital.Operative.Sub(deployed)

	pairsInTier := 0
	for _, p := range open {
		if p.IsOpen() && p.Tier == tier.Name {
			pairsInTier++
		}
	}

	intact, balance, err := g.ReserveIntact(ctx)
	if err != nil {
		return nil, err
	}

	check := &CapitalCheck{
		CanOpen:         true,
		CapitalDeployed: deployed,
		CapitalFree:     free,
		ReserveIntact:   intact,
		PairsOpenInTier: pairsInTier,
	}

	switch {
	case free.LessThan(tier.SizePerPair):
		check.CanOpen = false
		check.Reason = fmt.Sprintf("insufficient free capital: $%s < $%s",
			free.StringFixed(2), tier.SizePerPair.StringFixed(2))
	case pairsInTier >= tier.MaxPairsOpen:
		check.CanOpen = false
		check.Reason = fmt.Sprintf("max pairs for %s: %d/%d",
			tier.Name, pairsInTier, tier.MaxPairsOpen)
	case !intact:
		check.CanOpen = false
		check.Reason = fmt.Sprintf("reserve compromised: balance=$%s < operative=$%s",
			balance.StringFixed(2), g.capital.Operative.StringFixed(2))
	}
	return check, nil
}
