package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/carryops/carrybot/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BITGET CLIENT - REST adapter (v2 API)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Public market data needs no credentials; order placement signs with
// HMAC-SHA256 (timestamp + method + path + body). All calls share one
// rate limiter and one circuit breaker; transient failures retry with
// exponential backoff, each attempt under its own timeout.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetProductType = "USDT-FUTURES"

	callTimeout = 15 * time.Second
	maxAttempts = 4
)

// Bitget implements Client against the Bitget v2 REST API.
type Bitget struct {
	baseURL string
	creds   config.Credentials
	timeout time.Duration // per attempt, not per call
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewBitget builds the adapter. Credentials may be empty in paper mode.
func NewBitget(creds config.Credentials) *Bitget {
	st := gobreaker.Settings{Name: "bitget"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Bitget{
		baseURL: bitgetBaseURL,
		creds:   creds,
		timeout: callTimeout,
		http:    &http.Client{Timeout: callTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20), // 10 req/s, burst 20
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// ID returns "bitget".
func (b *Bitget) ID() string { return "bitget" }

// venueSymbol strips the unified form down to Bitget notation:
// "BTC/USDT" and "BTC/USDT:USDT" both map to "BTCUSDT".
func venueSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

// isPerp reports whether the unified symbol names a perpetual.
func isPerp(symbol string) bool { return strings.Contains(symbol, ":") }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// FetchTicker returns the 24h ticker for a spot or perp market.
func (b *Bitget) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var path string
	q := url.Values{"symbol": {venueSymbol(symbol)}}
	if isPerp(symbol) {
		path = "/api/v2/mix/market/ticker"
		q.Set("productType", bitgetProductType)
	} else {
		path = "/api/v2/spot/market/tickers"
	}

	var rows []struct {
		BidPr      string `json:"bidPr"`
		AskPr      string `json:"askPr"`
		LastPr     string `json:"lastPr"`
		QuoteVol   string `json:"quoteVolume"`
		UsdtVol    string `json:"usdtVolume"`
		Ts         string `json:"ts"`
	}
	if err := b.get(ctx, path, q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadSymbol, symbol)
	}
	r := rows[0]
	vol := r.UsdtVol
	if vol == "" {
		vol = r.QuoteVol
	}
	return &Ticker{
		Symbol:         symbol,
		Bid:            parseDec(r.BidPr),
		Ask:            parseDec(r.AskPr),
		Last:           parseDec(r.LastPr),
		QuoteVolume24h: parseDec(vol),
		Timestamp:      parseMs(r.Ts),
	}, nil
}

// FetchFundingRate returns the current funding rate for a perpetual.
func (b *Bitget) FetchFundingRate(ctx context.Context, perpSymbol string) (*FundingRate, error) {
	q := url.Values{
		"symbol":      {venueSymbol(perpSymbol)},
		"productType": {bitgetProductType},
	}
	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
		Ts              string `json:"ts"`
	}
	if err := b.get(ctx, "/api/v2/mix/market/current-fund-rate", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadSymbol, perpSymbol)
	}
	fr, err := strconv.ParseFloat(rows[0].FundingRate, 64)
	if err != nil {
		return nil, fmt.Errorf("bitget: bad funding rate %q: %w", rows[0].FundingRate, err)
	}
	return &FundingRate{
		Symbol:          perpSymbol,
		Rate:            fr,
		Timestamp:       parseMs(rows[0].Ts),
		NextFundingTime: parseMs(rows[0].NextFundingTime),
	}, nil
}

// FetchFundingHistory returns settled funding rates since the given time,
// oldest first.
func (b *Bitget) FetchFundingHistory(ctx context.Context, perpSymbol string, since time.Time, limit int) ([]FundingSample, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{
		"symbol":      {venueSymbol(perpSymbol)},
		"productType": {bitgetProductType},
		"pageSize":    {strconv.Itoa(limit)},
	}
	var rows []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	if err := b.get(ctx, "/api/v2/mix/market/history-fund-rate", q, &rows); err != nil {
		return nil, err
	}

	sinceTs := float64(since.Unix())
	out := make([]FundingSample, 0, len(rows))
	// Bitget returns newest first.
	for i := len(rows) - 1; i >= 0; i-- {
		fr, err := strconv.ParseFloat(rows[i].FundingRate, 64)
		if err != nil {
			continue
		}
		ts := parseMs(rows[i].FundingTime)
		if ts < sinceTs {
			continue
		}
		out = append(out, FundingSample{Rate: fr, Timestamp: ts})
	}
	return out, nil
}

// FetchOpenInterest returns current open interest. Bitget reports OI in
// contracts of the base coin; relative comparisons are unit-agnostic.
func (b *Bitget) FetchOpenInterest(ctx context.Context, perpSymbol string) (*OpenInterest, error) {
	q := url.Values{
		"symbol":      {venueSymbol(perpSymbol)},
		"productType": {bitgetProductType},
	}
	var data struct {
		OpenInterestList []struct {
			Size string `json:"size"`
		} `json:"openInterestList"`
		Ts string `json:"ts"`
	}
	if err := b.get(ctx, "/api/v2/mix/market/open-interest", q, &data); err != nil {
		return nil, err
	}
	if len(data.OpenInterestList) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadSymbol, perpSymbol)
	}
	return &OpenInterest{
		Symbol:    perpSymbol,
		ValueUSDT: parseDec(data.OpenInterestList[0].Size),
		Timestamp: parseMs(data.Ts),
	}, nil
}

// FetchOpenInterestHistory is not offered by the Bitget v2 REST API.
func (b *Bitget) FetchOpenInterestHistory(ctx context.Context, perpSymbol string, since time.Time, limit int) ([]OpenInterest, error) {
	return nil, ErrNotSupported
}

// CreateMarketOrder places a market order and reads back the fill.
func (b *Bitget) CreateMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal) (*OrderResult, error) {
	if b.creds.Empty() {
		return nil, fmt.Errorf("bitget: live order for %s without credentials", symbol)
	}

	var path string
	body := map[string]any{
		"symbol":    venueSymbol(symbol),
		"side":      string(side),
		"orderType": "market",
		"size":      quantity.String(),
	}
	if isPerp(symbol) {
		path = "/api/v2/mix/order/place-order"
		body["productType"] = bitgetProductType
		body["marginMode"] = "crossed"
		body["marginCoin"] = "USDT"
	} else {
		path = "/api/v2/spot/trade/place-order"
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := b.post(ctx, path, body, &placed); err != nil {
		return nil, err
	}

	fill, err := b.fetchFill(ctx, symbol, placed.OrderID)
	if err != nil {
		// Order is live on the venue; report the id even if the detail
		// read failed so the caller can reconcile.
		log.Warn().Err(err).Str("order_id", placed.OrderID).Str("symbol", symbol).
			Msg("order placed but fill readback failed")
		return &OrderResult{OrderID: placed.OrderID, Filled: quantity}, nil
	}
	return fill, nil
}

func (b *Bitget) fetchFill(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	var path string
	q := url.Values{"orderId": {orderID}}
	if isPerp(symbol) {
		path = "/api/v2/mix/order/detail"
		q.Set("symbol", venueSymbol(symbol))
		q.Set("productType", bitgetProductType)
	} else {
		path = "/api/v2/spot/trade/orderInfo"
	}
	var rows []struct {
		PriceAvg   string `json:"priceAvg"`
		BaseVolume string `json:"baseVolume"`
		Fee        string `json:"fee"`
	}
	if err := b.getSigned(ctx, path, q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("bitget: order %s not found", orderID)
	}
	return &OrderResult{
		OrderID:  orderID,
		AvgPrice: parseDec(rows[0].PriceAvg),
		Filled:   parseDec(rows[0].BaseVolume),
		FeeCost:  parseDec(rows[0].Fee).Abs(),
	}, nil
}

// ── Transport ───────────────────────────────────────────────────────────────

func (b *Bitget) get(ctx context.Context, path string, q url.Values, out any) error {
	return b.do(ctx, http.MethodGet, path, q, nil, false, out)
}

func (b *Bitget) getSigned(ctx context.Context, path string, q url.Values, out any) error {
	return b.do(ctx, http.MethodGet, path, q, nil, true, out)
}

func (b *Bitget) post(ctx context.Context, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return b.do(ctx, http.MethodPost, path, nil, raw, true, out)
}

func (b *Bitget) do(ctx context.Context, method, path string, q url.Values, body []byte, signed bool, out any) error {
	bo := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		// The timeout scopes one attempt; a slow failure must not eat the
		// deadline of the retries behind it.
		attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
		_, err := b.breaker.Execute(func() (any, error) {
			return nil, b.doOnce(attemptCtx, method, path, q, body, signed, out)
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		// a timed-out attempt retries as long as the caller is still alive
		timedOut := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		if !isTransient(err) && !timedOut {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("bitget: http %d: %s", e.status, e.body)
}

func isTransient(err error) bool {
	if errors.Is(err, ErrBadSymbol) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.transient
	}
	// Anything else is a transport-level failure worth retrying.
	return true
}

type apiError struct {
	code      string
	msg       string
	transient bool
}

func (e *apiError) Error() string { return fmt.Sprintf("bitget: code %s: %s", e.code, e.msg) }

func (b *Bitget) doOnce(ctx context.Context, method, path string, q url.Values, body []byte, signed bool, out any) error {
	full := path
	if len(q) > 0 {
		full += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+full, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if b.creds.Empty() {
			return fmt.Errorf("bitget: signed call %s without credentials", path)
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		payload := ts + method + full + string(body)
		mac := hmac.New(sha256.New, []byte(b.creds.Secret))
		mac.Write([]byte(payload))
		req.Header.Set("ACCESS-KEY", b.creds.APIKey)
		req.Header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("ACCESS-TIMESTAMP", ts)
		req.Header.Set("ACCESS-PASSPHRASE", b.creds.Password)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var env bitgetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bitget: decode envelope: %w", err)
	}
	if env.Code != "00000" {
		// 40034: symbol does not exist.
		if env.Code == "40034" {
			return fmt.Errorf("%w: %s", ErrBadSymbol, env.Msg)
		}
		return &apiError{code: env.Code, msg: env.Msg, transient: env.Code == "429" || env.Code == "40725"}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bitget: decode data: %w", err)
		}
	}
	return nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMs(s string) float64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return float64(ms) / 1000
}
