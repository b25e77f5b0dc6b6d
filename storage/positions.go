package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION STORE - Open positions + closed trade history
// ═══════════════════════════════════════════════════════════════════════════════
//
// Identity is (exchange, spot symbol): at most one open position per pair.
// Saving a closed position is a transition, not an update: the live key is
// deleted, the record lands in trade_history and, when configured, in the
// SQL archive.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReasonReconciled marks positions closed administratively by Reconcile.
const ReasonReconciled = "reconciled"

// TradeArchiver mirrors closed trades into durable storage. Implemented by
// Archive; nil disables mirroring.
type TradeArchiver interface {
	RecordClosed(ctx context.Context, p *types.Position) error
}

// PositionStore manages position lifecycle on top of the Store.
type PositionStore struct {
	store          *Store
	archive        TradeArchiver
	maxPerExchange int
	maxTotal       int
}

// NewPositionStore wires the store with concurrency limits. archive may be nil.
func NewPositionStore(store *Store, archive TradeArchiver, maxPerExchange, maxTotal int) *PositionStore {
	return &PositionStore{
		store:          store,
		archive:        archive,
		maxPerExchange: maxPerExchange,
		maxTotal:       maxTotal,
	}
}

// Get returns the open position for (exchange, symbol), or nil.
func (ps *PositionStore) Get(ctx context.Context, exchange, symbol string) (*types.Position, error) {
	raw, ok, err := ps.store.Get(ctx, PositionKey(exchange, symbol))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var p types.Position
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode position %s:%s: %w", exchange, symbol, err)
	}
	return &p, nil
}

// Save persists a position. Open positions are re-written under the live key
// with a 7d TTL; closed positions are moved to trade_history.
func (ps *PositionStore) Save(ctx context.Context, p *types.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %s:%s: %w", p.Exchange, p.Symbol, err)
	}

	if p.IsOpen() {
		return ps.store.Set(ctx, PositionKey(p.Exchange, p.Symbol), string(raw), PositionTTL)
	}

	if err := ps.store.Delete(ctx, PositionKey(p.Exchange, p.Symbol)); err != nil {
		return err
	}
	if err := ps.store.AppendHistory(ctx, string(raw)); err != nil {
		return err
	}
	if ps.archive != nil {
		if err := ps.archive.RecordClosed(ctx, p); err != nil {
			// History already holds the record; the archive is a mirror.
			log.Warn().Err(err).
				Str("exchange", p.Exchange).
				Str("symbol", p.Symbol).
				Msg("trade archive write failed")
		}
	}
	return nil
}

// List returns open positions, optionally filtered by exchange ("" = all).
func (ps *PositionStore) List(ctx context.Context, exchange string) ([]*types.Position, error) {
	pattern := "position:*"
	if exchange != "" {
		pattern = fmt.Sprintf("position:%s:*", exchange)
	}
	keys, err := ps.store.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Position, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := ps.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // expired between scan and get
		}
		var p types.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping undecodable position")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// CanOpen checks duplicate identity and both concurrency caps. The returned
// reason is empty when opening is allowed.
func (ps *PositionStore) CanOpen(ctx context.Context, exchange, symbol string) (bool, string, error) {
	existing, err := ps.Get(ctx, exchange, symbol)
	if err != nil {
		return false, "", err
	}
	if existing != nil {
		return false, fmt.Sprintf("position already open for %s on %s", symbol, exchange), nil
	}

	all, err := ps.List(ctx, "")
	if err != nil {
		return false, "", err
	}
	if len(all) >= ps.maxTotal {
		return false, fmt.Sprintf("max total positions reached (%d)", ps.maxTotal), nil
	}
	onExchange := 0
	for _, p := range all {
		if p.Exchange == exchange {
			onExchange++
		}
	}
	if onExchange >= ps.maxPerExchange {
		return false, fmt.Sprintf("max positions on %s reached (%d)", exchange, ps.maxPerExchange), nil
	}
	return true, "", nil
}

// Reconcile closes positions that no longer belong to the live universe:
// older than maxAge, or whose symbol left the configured set. Closed with
// zero PnL and exit reason "reconciled"; exit prices stay unset so the
// record is visibly administrative. Idempotent.
func (ps *PositionStore) Reconcile(ctx context.Context, maxAge time.Duration, validSymbols []string, now time.Time) (int, error) {
	valid := make(map[string]bool, len(validSymbols))
	for _, s := range validSymbols {
		valid[s] = true
	}

	open, err := ps.List(ctx, "")
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, p := range open {
		age := p.HoldTime(now)
		stale := maxAge > 0 && age > maxAge
		orphaned := len(valid) > 0 && !valid[p.Symbol]
		if !stale && !orphaned {
			continue
		}

		p.Status = types.StatusStaleClosed
		p.ClosedAt = types.ToUnixFloat(now)
		p.ExitReason = ReasonReconciled
		p.RealizedPnL = decimal.Zero
		if err := ps.Save(ctx, p); err != nil {
			return closed, err
		}
		log.Warn().
			Str("exchange", p.Exchange).
			Str("symbol", p.Symbol).
			Str("hold_time", age.Truncate(time.Second).String()).
			Bool("orphaned", orphaned).
			Msg("🧹 reconciled stale position")
		closed++
	}
	return closed, nil
}

// History decodes the full closed-trade list in write order.
func (ps *PositionStore) History(ctx context.Context) ([]*types.Position, error) {
	raws, err := ps.store.History(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(raws))
	for _, raw := range raws {
		var p types.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable history record")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}
