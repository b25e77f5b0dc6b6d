package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTOR - Two-leg open/close
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every trade is two market orders: spot buy + perp sell on open, the
// mirror on close. Paper mode fills both legs instantly from the cached
// order book (buy at ask, sell at bid) with standard taker fees; live mode
// routes through the venue gateway. If the second leg of a live open
// fails, the first leg is unwound so the book never carries a naked leg.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	marketSpot = "spot"
	marketPerp = "perp"
)

// PairFill is the result of one two-leg execution.
type PairFill struct {
	Spot types.LegFill
	Perp types.LegFill
}

// Executor places the paired legs in paper or live mode.
type Executor struct {
	clients exchange.Registry
	view    *storage.MarketDataView
	fees    *risk.Registry
	paper   bool
}

// NewExecutor wires the executor. paper selects simulated fills.
func NewExecutor(clients exchange.Registry, view *storage.MarketDataView, fees *risk.Registry, paper bool) *Executor {
	mode := "LIVE"
	if paper {
		mode = "PAPER"
	}
	log.Info().Str("mode", mode).Msg("🚀 executor initialized")
	return &Executor{clients: clients, view: view, fees: fees, paper: paper}
}

// IsPaper reports whether fills are simulated.
func (e *Executor) IsPaper() bool { return e.paper }

// ExecuteOpen buys the spot leg and sells the perp leg for a trade signal.
func (e *Executor) ExecuteOpen(ctx context.Context, sig *types.TradeSignal) (*PairFill, error) {
	spotBook, perpBook, err := e.books(ctx, sig.Exchange, sig.Symbol, sig.PerpSymbol)
	if err != nil {
		return nil, err
	}

	spotQty := sig.SizeUSDT.Div(spotBook.Ask)
	perpQty := sig.SizeUSDT.Div(perpBook.Bid)

	if e.paper {
		fees := e.fees.Fees(sig.Exchange)
		fill := &PairFill{
			Spot: e.paperFill(sig.Symbol, "buy", marketSpot, spotBook.Ask, spotQty, fees.Spot),
			Perp: e.paperFill(sig.PerpSymbol, "sell", marketPerp, perpBook.Bid, perpQty, fees.PerpTaker),
		}
		log.Info().
			Str("exchange", sig.Exchange).
			Str("symbol", sig.Symbol).
			Str("spot_price", fill.Spot.Price.StringFixed(4)).
			Str("perp_price", fill.Perp.Price.StringFixed(4)).
			Str("size_usdt", sig.SizeUSDT.StringFixed(2)).
			Msg("📝 PAPER: opened spot+perp pair")
		return fill, nil
	}

	client, ok := e.clients.Get(sig.Exchange)
	if !ok {
		return nil, fmt.Errorf("no client for exchange %s", sig.Exchange)
	}

	spotRes, err := client.CreateMarketOrder(ctx, sig.Symbol, exchange.SideBuy, spotQty)
	if err != nil {
		return nil, fmt.Errorf("spot leg failed: %w", err)
	}

	perpRes, err := client.CreateMarketOrder(ctx, sig.PerpSymbol, exchange.SideSell, perpQty)
	if err != nil {
		// Unwind the spot leg; a naked long is price exposure we never signed
		// up for.
		log.Error().Err(err).
			Str("exchange", sig.Exchange).
			Str("symbol", sig.Symbol).
			Msg("🚨 perp leg failed, unwinding spot leg")
		if _, uerr := client.CreateMarketOrder(ctx, sig.Symbol, exchange.SideSell, spotRes.Filled); uerr != nil {
			log.Error().Err(uerr).
				Str("exchange", sig.Exchange).
				Str("symbol", sig.Symbol).
				Msg("🚨 spot unwind ALSO failed, manual intervention required")
		}
		return nil, fmt.Errorf("perp leg failed: %w", err)
	}

	return &PairFill{
		Spot: liveFill(sig.Symbol, "buy", marketSpot, spotRes),
		Perp: liveFill(sig.PerpSymbol, "sell", marketPerp, perpRes),
	}, nil
}

// ExecuteClose sells the spot leg and buys back the perp leg of a position.
func (e *Executor) ExecuteClose(ctx context.Context, pos *types.Position) (*PairFill, error) {
	spotBook, perpBook, err := e.books(ctx, pos.Exchange, pos.Symbol, pos.PerpSymbol)
	if err != nil {
		return nil, err
	}

	if e.paper {
		fees := e.fees.Fees(pos.Exchange)
		fill := &PairFill{
			Spot: e.paperFill(pos.Symbol, "sell", marketSpot, spotBook.Bid, pos.SpotQuantity, fees.Spot),
			Perp: e.paperFill(pos.PerpSymbol, "buy", marketPerp, perpBook.Ask, pos.PerpQuantity, fees.PerpTaker),
		}
		log.Info().
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Str("spot_price", fill.Spot.Price.StringFixed(4)).
			Str("perp_price", fill.Perp.Price.StringFixed(4)).
			Msg("📝 PAPER: closed spot+perp pair")
		return fill, nil
	}

	client, ok := e.clients.Get(pos.Exchange)
	if !ok {
		return nil, fmt.Errorf("no client for exchange %s", pos.Exchange)
	}

	spotRes, err := client.CreateMarketOrder(ctx, pos.Symbol, exchange.SideSell, pos.SpotQuantity)
	if err != nil {
		return nil, fmt.Errorf("spot close failed: %w", err)
	}
	perpRes, err := client.CreateMarketOrder(ctx, pos.PerpSymbol, exchange.SideBuy, pos.PerpQuantity)
	if err != nil {
		log.Error().Err(err).
			Str("exchange", pos.Exchange).
			Str("symbol", pos.Symbol).
			Msg("🚨 perp close failed after spot close, position is naked short")
		return nil, fmt.Errorf("perp close failed: %w", err)
	}

	return &PairFill{
		Spot: liveFill(pos.Symbol, "sell", marketSpot, spotRes),
		Perp: liveFill(pos.PerpSymbol, "buy", marketPerp, perpRes),
	}, nil
}

// books resolves both legs' books. The perp book falls back to the spot
// book when the collector only tracks the spot market; basis between the
// two is small enough for sizing.
func (e *Executor) books(ctx context.Context, exchangeID, symbol, perpSymbol string) (spot, perp *types.OrderBookSnapshot, err error) {
	spot, err = e.view.LatestBook(ctx, exchangeID, symbol)
	if err != nil {
		return nil, nil, err
	}
	if spot == nil {
		return nil, nil, fmt.Errorf("no fresh order book for %s:%s", exchangeID, symbol)
	}
	perp, err = e.view.LatestBook(ctx, exchangeID, perpSymbol)
	if err != nil {
		return nil, nil, err
	}
	if perp == nil {
		perp = spot
	}
	return spot, perp, nil
}

func (e *Executor) paperFill(symbol, side, market string, price, qty decimal.Decimal, feeRate float64) types.LegFill {
	return types.LegFill{
		Side:       side,
		MarketType: market,
		Symbol:     symbol,
		Price:      price,
		Quantity:   qty,
		Fee:        price.Mul(qty).Mul(decimal.NewFromFloat(feeRate)),
		Timestamp:  types.ToUnixFloat(time.Now()),
	}
}

func liveFill(symbol, side, market string, res *exchange.OrderResult) types.LegFill {
	return types.LegFill{
		Side:       side,
		MarketType: market,
		Symbol:     symbol,
		Price:      res.AvgPrice,
		Quantity:   res.Filled,
		Fee:        res.FeeCost,
		Timestamp:  types.ToUnixFloat(time.Now()),
	}
}
