package core

import (
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/types"
)

// Notifier pushes trade lifecycle events to an external sink. Declared here
// so core does not import the telegram package. Implementations must not
// block the strategy loop.
type Notifier interface {
	TradeOpened(p *types.Position)
	TradeClosed(p *types.Position)
	ReserveAlert(estimatedBalance, operative decimal.Decimal)
}
