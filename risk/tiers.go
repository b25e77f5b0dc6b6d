package risk

import (
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIER REGISTRY - Capital allocation, fee schedules, blacklist
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tiers are an ordered collection: first tier containing a symbol wins,
// blacklist always wins. Everything here is immutable after construction.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is one capital bucket with its sizing and risk thresholds.
type Tier struct {
	Name            string
	Symbols         []string
	CapitalTotal    decimal.Decimal
	SizePerPair     decimal.Decimal
	MaxPairsOpen    int
	MinFundingRate  float64 // per-8h fraction
	StopLossPct     float64 // fraction of SizePerPair
	DeltaAlertPct   float64 // drift threshold fraction
}

// FeeSchedule holds standard (non-VIP) fee fractions for one exchange.
type FeeSchedule struct {
	Spot      float64
	PerpMaker float64
	PerpTaker float64
}

// Capital mirrors the configured capital split as decimals.
type Capital struct {
	Total            decimal.Decimal
	Operative        decimal.Decimal
	ReserveRebalance decimal.Decimal
	StableBuffer     decimal.Decimal
}

// CapitalFromConfig converts the YAML capital block.
func CapitalFromConfig(c config.CapitalConfig) Capital {
	return Capital{
		Total:            decimal.NewFromFloat(c.Total),
		Operative:        decimal.NewFromFloat(c.Operative),
		ReserveRebalance: decimal.NewFromFloat(c.ReserveRebalance),
		StableBuffer:     decimal.NewFromFloat(c.StableBuffer),
	}
}

// Registry answers symbol->tier and exchange->fees lookups.
type Registry struct {
	tiers     []Tier
	blacklist map[string]bool
	fees      map[string]FeeSchedule
	fallback  FeeSchedule
}

// NewRegistry builds a registry from an ordered tier list.
func NewRegistry(tiers []Tier, blacklist []string, fees map[string]FeeSchedule, fallback FeeSchedule) *Registry {
	bl := make(map[string]bool, len(blacklist))
	for _, s := range blacklist {
		bl[s] = true
	}
	return &Registry{tiers: tiers, blacklist: bl, fees: fees, fallback: fallback}
}

// DefaultRegistry returns the production tier tables.
func DefaultRegistry() *Registry {
	tiers := []Tier{
		{
			Name:           "tier_1",
			Symbols:        []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT"},
			CapitalTotal:   decimal.NewFromInt(1260),
			SizePerPair:    decimal.NewFromInt(315), // 1260 / 4
			MaxPairsOpen:   4,
			MinFundingRate: 0.00008,
			StopLossPct:    0.005,
			DeltaAlertPct:  0.02,
		},
		{
			Name:           "tier_2",
			Symbols:        []string{"WLD/USDT", "NEAR/USDT", "AVAX/USDT"},
			CapitalTotal:   decimal.NewFromInt(360),
			SizePerPair:    decimal.NewFromInt(180), // max 2 open simultaneously
			MaxPairsOpen:   2,
			MinFundingRate: 0.00015,
			StopLossPct:    0.005,
			DeltaAlertPct:  0.02,
		},
	}
	blacklist := []string{"ATOM/USDT", "DOT/USDT", "OP/USDT", "AAVE/USDT"}
	fees := map[string]FeeSchedule{
		"bitget": {Spot: 0.001, PerpMaker: 0.0002, PerpTaker: 0.0006},
		"okx":    {Spot: 0.001, PerpMaker: 0.0002, PerpTaker: 0.0005},
		"mexc":   {Spot: 0.0002, PerpMaker: 0.0, PerpTaker: 0.0006},
	}
	fallback := FeeSchedule{Spot: 0.001, PerpMaker: 0.0005, PerpTaker: 0.001}
	return NewRegistry(tiers, blacklist, fees, fallback)
}

// TierFor returns the tier containing symbol, or nil. Blacklist wins.
func (r *Registry) TierFor(symbol string) *Tier {
	if r.blacklist[symbol] {
		return nil
	}
	for i := range r.tiers {
		for _, s := range r.tiers[i].Symbols {
			if s == symbol {
				return &r.tiers[i]
			}
		}
	}
	return nil
}

// IsBlacklisted reports whether a symbol is permanently excluded.
func (r *Registry) IsBlacklisted(symbol string) bool {
	return r.blacklist[symbol]
}

// Fees returns the fee schedule for an exchange, with safe defaults
// for unknown venues.
func (r *Registry) Fees(exchange string) FeeSchedule {
	if f, ok := r.fees[exchange]; ok {
		return f
	}
	return r.fallback
}

// AllTierSymbols returns every tier symbol in tier order.
func (r *Registry) AllTierSymbols() []string {
	var out []string
	for _, t := range r.tiers {
		out = append(out, t.Symbols...)
	}
	return out
}

// ActiveSymbols returns the tier symbols that are not blacklisted, the set
// an open position may legitimately reference.
func (r *Registry) ActiveSymbols() []string {
	var out []string
	for _, t := range r.tiers {
		for _, s := range t.Symbols {
			if !r.blacklist[s] {
				out = append(out, s)
			}
		}
	}
	return out
}

// Tiers returns the ordered tier list.
func (r *Registry) Tiers() []Tier {
	return r.tiers
}
