package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK COLLECTOR - Bitget public websocket -> redis
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to top-of-book (books1) for every configured symbol on both
// the spot and the USDT-futures market, and writes each update to
// latest:{exchange}:{symbol} plus the matching pub/sub channel. The
// connection reconnects with exponential backoff; a symbol rejected by the
// venue is dropped permanently for the process lifetime.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	bitgetWSURL = "wss://ws.bitget.com/v2/ws/public"

	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

type wsSubArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsRequest struct {
	Op   string     `json:"op"`
	Args []wsSubArg `json:"args"`
}

type wsMessage struct {
	Event  string   `json:"event"`
	Code   string   `json:"code"`
	Msg    string   `json:"msg"`
	Action string   `json:"action"`
	Arg    wsSubArg `json:"arg"`
	Data   []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

// BookCollector streams Bitget top-of-book updates into the store.
type BookCollector struct {
	exchangeID string
	wsURL      string
	symbols    []string
	store      *storage.Store

	// instType:instId -> unified symbol
	instToSymbol map[string]string
	dropped      map[string]bool
}

// NewBookCollector builds a collector for the given spot symbols. Each spot
// symbol is tracked on both markets.
func NewBookCollector(exchangeID string, symbols []string, store *storage.Store) *BookCollector {
	c := &BookCollector{
		exchangeID:   exchangeID,
		wsURL:        bitgetWSURL,
		symbols:      symbols,
		store:        store,
		instToSymbol: make(map[string]string, len(symbols)*2),
		dropped:      make(map[string]bool),
	}
	for _, s := range symbols {
		inst := instID(s)
		c.instToSymbol["SPOT:"+inst] = s
		c.instToSymbol["USDT-FUTURES:"+inst] = types.SpotToPerp(s)
	}
	return c
}

// instID converts "BTC/USDT" or "BTC/USDT:USDT" to Bitget's "BTCUSDT".
func instID(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

// Run maintains the subscription until ctx is cancelled.
func (c *BookCollector) Run(ctx context.Context) error {
	retry := &backoff.Backoff{Min: time.Second, Max: 5 * time.Minute, Jitter: true}

	for {
		if err := c.session(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Str("exchange", c.exchangeID).Msg("book collector stopping")
				return ctx.Err()
			}
			wait := retry.Duration()
			log.Warn().Err(err).
				Str("exchange", c.exchangeID).
				Dur("retry_in", wait).
				Msg("book collector disconnected")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
}

// session runs one connect-subscribe-read cycle.
func (c *BookCollector) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	if err := c.subscribe(conn); err != nil {
		return err
	}
	log.Info().
		Str("exchange", c.exchangeID).
		Int("symbols", len(c.symbols)).
		Msg("📡 book collector connected")

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go c.pingLoop(ctx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(raw) == "pong" {
			continue
		}
		c.handleMessage(ctx, raw)
	}
}

func (c *BookCollector) subscribe(conn *websocket.Conn) error {
	args := make([]wsSubArg, 0, len(c.instToSymbol))
	for key := range c.instToSymbol {
		if c.dropped[key] {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		args = append(args, wsSubArg{InstType: parts[0], Channel: "books1", InstID: parts[1]})
	}
	if len(args) == 0 {
		return fmt.Errorf("no symbols left to subscribe")
	}
	return conn.WriteJSON(wsRequest{Op: "subscribe", Args: args})
}

func (c *BookCollector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (c *BookCollector) handleMessage(ctx context.Context, raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("undecodable ws message")
		return
	}

	if msg.Event == "error" {
		key := msg.Arg.InstType + ":" + msg.Arg.InstID
		c.dropped[key] = true
		log.Warn().
			Str("exchange", c.exchangeID).
			Str("inst", key).
			Str("code", msg.Code).
			Str("msg", msg.Msg).
			Msg("subscription rejected, dropping symbol")
		return
	}
	if msg.Action != "snapshot" && msg.Action != "update" {
		return
	}

	key := msg.Arg.InstType + ":" + msg.Arg.InstID
	symbol, ok := c.instToSymbol[key]
	if !ok {
		return
	}

	for _, d := range msg.Data {
		if len(d.Bids) == 0 || len(d.Asks) == 0 {
			continue
		}
		snap := types.OrderBookSnapshot{
			Exchange:  c.exchangeID,
			Symbol:    symbol,
			Bid:       parseLevel(d.Bids[0], 0),
			Ask:       parseLevel(d.Asks[0], 0),
			BidVolume: parseLevel(d.Bids[0], 1),
			AskVolume: parseLevel(d.Asks[0], 1),
			Timestamp: types.ToUnixFloat(time.Now()),
		}
		if !snap.Bid.IsPositive() || !snap.Ask.IsPositive() {
			continue
		}
		payload, err := json.Marshal(&snap)
		if err != nil {
			continue
		}
		if err := c.store.Set(ctx, storage.BookKey(c.exchangeID, symbol), string(payload), 0); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("book write failed")
			continue
		}
		_ = c.store.Publish(ctx, storage.PricesChannel(c.exchangeID, symbol), string(payload))
	}
}

func parseLevel(level []string, idx int) decimal.Decimal {
	if idx >= len(level) {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(level[idx])
	if err != nil {
		return decimal.Zero
	}
	return d
}
