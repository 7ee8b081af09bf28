// Package okx implements the exchange.Client surface against OKX's v5 REST
// and public WebSocket APIs.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tradingbot/internal/common"
	"tradingbot/internal/exchange"
	"tradingbot/internal/market"
)

const defaultBaseURL = "https://www.okx.com"

// restRateLimit mirrors OKX's general REST rate limit of roughly 20
// requests/2s per endpoint class; a single process-wide limiter keeps every
// symbol trader's calls under that ceiling without per-endpoint bookkeeping.
const restRateLimit = 10

// Client is a resty-backed implementation of exchange.Client.
type Client struct {
	http       *resty.Client
	limiter    *rate.Limiter
	apiKey     string
	secret     string
	passphrase string
	simulated  bool
}

// NewClient builds an okx.Client. When simulated is true, requests carry
// the `x-simulated-trading: 1` header for OKX's demo-trading environment.
func NewClient(apiKey, secret, passphrase string, simulated bool) *Client {
	c := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(0)
	return &Client{
		http:       c,
		limiter:    rate.NewLimiter(rate.Limit(restRateLimit), restRateLimit),
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		simulated:  simulated,
	}
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) signedRequest(ctx context.Context, method, path string, body interface{}, out *okxEnvelope) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &common.APIConnectionError{Op: path, Err: err}
	}

	var bodyStr string
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyBytes = b
		bodyStr = string(b)
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	sig := sign(c.secret, ts, method, path, bodyStr)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", c.apiKey).
		SetHeader("OK-ACCESS-SIGN", sig).
		SetHeader("OK-ACCESS-TIMESTAMP", ts).
		SetHeader("OK-ACCESS-PASSPHRASE", c.passphrase).
		SetHeader("Content-Type", "application/json").
		SetResult(out)
	if c.simulated {
		req.SetHeader("x-simulated-trading", "1")
	}
	if len(bodyBytes) > 0 {
		req.SetBody(bodyBytes)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &common.APIConnectionError{Op: path, Err: err}
	}
	if resp.IsError() {
		return &common.APIResponseError{Op: path, Code: strconv.Itoa(resp.StatusCode()), Message: resp.String()}
	}
	if out.Code != "" && out.Code != "0" {
		return &common.APIResponseError{Op: path, Code: out.Code, Message: out.Msg}
	}
	return nil
}

// LoadMarkets fetches instrument metadata for all SWAP instruments.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	var env okxEnvelope
	if err := c.signedRequest(ctx, "GET", "/api/v5/public/instruments?instType=SWAP", nil, &env); err != nil {
		return nil, err
	}
	var rows []struct {
		InstID  string `json:"instId"`
		CtVal   string `json:"ctVal"`
		MinSz   string `json:"minSz"`
		LotSz   string `json:"lotSz"`
		TickSz  string `json:"tickSz"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	out := make(map[string]exchange.Market, len(rows))
	for _, r := range rows {
		out[r.InstID] = exchange.Market{
			Symbol:       r.InstID,
			ContractSize: parseFloat(r.CtVal, 1),
			MinAmount:    parseFloat(r.MinSz, 0),
			MinCost:      0,
			AmountStep:   parseFloat(r.LotSz, 0),
			PriceStep:    parseFloat(r.TickSz, 0),
		}
	}
	return out, nil
}

// FetchBalance returns the unified-account equity snapshot.
func (c *Client) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	var env okxEnvelope
	if err := c.signedRequest(ctx, "GET", "/api/v5/account/balance", nil, &env); err != nil {
		return exchange.Balance{}, err
	}
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			EqUsd   string `json:"eqUsd"`
			AvailEq string `json:"availEq"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return exchange.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	bal := exchange.Balance{Holdings: map[string]float64{}}
	if len(rows) == 0 {
		return bal, nil
	}
	bal.TotalEquityUSD = parseFloat(rows[0].TotalEq, 0)
	for _, d := range rows[0].Details {
		if d.Ccy == "USDT" {
			bal.USDTFree = parseFloat(d.AvailEq, 0)
			bal.USDTUsed = parseFloat(d.FrozenBal, 0)
			continue
		}
		bal.Holdings[d.Ccy] = parseFloat(d.EqUsd, 0)
	}
	return bal, nil
}

// FetchTicker fetches the last-price snapshot for one instrument.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	var env okxEnvelope
	path := fmt.Sprintf("/api/v5/market/ticker?instId=%s", symbol)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return exchange.Ticker{}, err
	}
	var rows []struct {
		Last string `json:"last"`
		BidPx string `json:"bidPx"`
		AskPx string `json:"askPx"`
		Ts    string `json:"ts"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return exchange.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return exchange.Ticker{
		Symbol: symbol,
		Last:   parseFloat(rows[0].Last, 0),
		Bid:    parseFloat(rows[0].BidPx, 0),
		Ask:    parseFloat(rows[0].AskPx, 0),
		Ts:     tsFromMillis(rows[0].Ts),
	}, nil
}

// FetchOHLCV fetches candles newest-first from OKX and returns them
// ascending, satisfying market.OHLCVFetcher.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	var env okxEnvelope
	bar := toOKXBar(timeframe)
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", symbol, bar, limit)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		out = append(out, market.Candle{
			TimestampUTC: tsFromMillis(r[0]),
			Open:         parseFloat(r[1], 0),
			High:         parseFloat(r[2], 0),
			Low:          parseFloat(r[3], 0),
			Close:        parseFloat(r[4], 0),
			Volume:       parseFloat(r[5], 0),
		})
	}
	// OKX returns newest-first; reverse to ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FetchPositions returns open positions for the given symbols (or all, if
// symbols is empty).
func (c *Client) FetchPositions(ctx context.Context, symbols []string) ([]exchange.Position, error) {
	var env okxEnvelope
	if err := c.signedRequest(ctx, "GET", "/api/v5/account/positions?instType=SWAP", nil, &env); err != nil {
		return nil, err
	}
	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		CtVal   string `json:"ctVal"`
		AvgPx   string `json:"avgPx"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		MgnMode string `json:"mgnMode"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	want := toSet(symbols)
	out := make([]exchange.Position, 0, len(rows))
	for _, r := range rows {
		if len(want) > 0 && !want[r.InstID] {
			continue
		}
		side := exchange.SideLong
		if r.PosSide == "short" || parseFloat(r.Pos, 0) < 0 {
			side = exchange.SideShort
		}
		lev, _ := strconv.Atoi(r.Lever)
		out = append(out, exchange.Position{
			Symbol:        r.InstID,
			Side:          side,
			SizeContracts: absFloat(parseFloat(r.Pos, 0)),
			ContractSize:  parseFloat(r.CtVal, 1),
			EntryPrice:    parseFloat(r.AvgPx, 0),
			UnrealizedPnl: parseFloat(r.Upl, 0),
			Leverage:      lev,
			Mode:          r.MgnMode,
		})
	}
	return out, nil
}

// FetchMyTrades returns recent fills for a symbol.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	var env okxEnvelope
	path := fmt.Sprintf("/api/v5/trade/fills?instId=%s&limit=%d", symbol, limit)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return nil, err
	}
	var rows []struct {
		InstID string `json:"instId"`
		Side   string `json:"side"`
		FillSz string `json:"fillSz"`
		FillPx string `json:"fillPx"`
		FillPnl string `json:"fillPnl"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	out := make([]exchange.Trade, 0, len(rows))
	for _, r := range rows {
		side := exchange.SideLong
		if r.Side == "sell" {
			side = exchange.SideShort
		}
		out = append(out, exchange.Trade{
			Symbol:      r.InstID,
			Side:        side,
			Amount:      parseFloat(r.FillSz, 0),
			Price:       parseFloat(r.FillPx, 0),
			RealizedPnl: parseFloat(r.FillPnl, 0),
			Ts:          tsFromMillis(r.Ts),
		})
	}
	return out, nil
}

// FetchTradingFee returns the taker/maker fee schedule for a symbol.
func (c *Client) FetchTradingFee(ctx context.Context, symbol string) (exchange.Fee, error) {
	var env okxEnvelope
	path := fmt.Sprintf("/api/v5/account/trade-fee?instType=SWAP&instId=%s", symbol)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return exchange.Fee{}, err
	}
	var rows []struct {
		Taker string `json:"taker"`
		Maker string `json:"maker"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return exchange.Fee{TakerRate: common.DefaultTakerFeeRate}, nil
	}
	return exchange.Fee{
		TakerRate: absFloat(parseFloat(rows[0].Taker, common.DefaultTakerFeeRate)),
		MakerRate: absFloat(parseFloat(rows[0].Maker, 0)),
	}, nil
}

// FetchFundingRate returns the latest perpetual funding rate.
func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	var env okxEnvelope
	path := fmt.Sprintf("/api/v5/public/funding-rate?instId=%s", symbol)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return exchange.FundingRate{}, err
	}
	var rows []struct {
		FundingRate string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return exchange.FundingRate{Symbol: symbol}, nil
	}
	return exchange.FundingRate{
		Symbol: symbol,
		Rate:   parseFloat(rows[0].FundingRate, 0),
		NextTs: tsFromMillis(rows[0].NextFundingTime),
	}, nil
}

// FetchLedger returns recent funding-ledger entries (deposits/withdrawals/
// transfers) used by the Global Risk Manager's deposit detection.
func (c *Client) FetchLedger(ctx context.Context, currency string, limit int) ([]exchange.LedgerEntry, error) {
	var env okxEnvelope
	path := fmt.Sprintf("/api/v5/asset/bills?ccy=%s&limit=%d", currency, limit)
	if err := c.signedRequest(ctx, "GET", path, nil, &env); err != nil {
		return nil, err
	}
	var rows []struct {
		BillID string `json:"billId"`
		Ccy    string `json:"ccy"`
		Amt    string `json:"amt"`
		Type   string `json:"type"` // numeric OKX bill type, mapped below
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	out := make([]exchange.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, exchange.LedgerEntry{
			ID:       r.BillID,
			Currency: r.Ccy,
			Amount:   parseFloat(r.Amt, 0),
			Type:     mapBillType(r.Type),
			Ts:       tsFromMillis(r.Ts),
		})
	}
	return out, nil
}

// mapBillType maps OKX's numeric bill-type codes to the semantic types the
// Global Risk Manager cares about.
func mapBillType(code string) string {
	switch code {
	case "1":
		return "deposit"
	case "2":
		return "withdrawal"
	case "13", "12":
		return "transfer"
	default:
		return "trade"
	}
}

type orderRequest struct {
	InstID    string `json:"instId"`
	TdMode    string `json:"tdMode"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	Sz        string `json:"sz"`
	Px        string `json:"px,omitempty"`
	ReduceOnly bool  `json:"reduceOnly,omitempty"`
	TgtCcy    string `json:"tgtCcy,omitempty"`
	ClOrdID   string `json:"clOrdId,omitempty"`
}

// CreateMarketOrder places a market order.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, params exchange.OrderParams) (exchange.OrderResult, error) {
	return c.CreateOrder(ctx, "market", symbol, side, amount, 0, params)
}

// CreateOrder places a limit or market order.
func (c *Client) CreateOrder(ctx context.Context, orderType string, symbol string, side exchange.Side, amount, price float64, params exchange.OrderParams) (exchange.OrderResult, error) {
	req := orderRequest{
		InstID:     symbol,
		TdMode:     params.TdMode,
		Side:       okxSide(side),
		OrdType:    orderType,
		Sz:         strconv.FormatFloat(amount, 'f', -1, 64),
		ReduceOnly: params.ReduceOnly,
		TgtCcy:     params.TgtCcy,
		ClOrdID:    params.ClientID,
	}
	if orderType == "limit" && price > 0 {
		req.Px = strconv.FormatFloat(price, 'f', -1, 64)
	}

	var env okxEnvelope
	err := c.signedRequest(ctx, "POST", "/api/v5/trade/order", req, &env)
	var rows []struct {
		OrdID  string `json:"ordId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	_ = json.Unmarshal(env.Data, &rows)

	result := exchange.OrderResult{Symbol: symbol}
	if len(rows) > 0 {
		result.OrderID = rows[0].OrdID
		result.ErrorCode = rows[0].SCode
		result.ErrorMsg = rows[0].SMsg
		if rows[0].SCode == "0" {
			result.Status = "placed"
		} else {
			result.Status = "rejected"
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("order placement error")
		if result.Status == "" {
			result.Status = "rejected"
		}
		return result, err
	}
	return result, nil
}

// SetLeverage sets per-symbol leverage and margin mode.
func (c *Client) SetLeverage(ctx context.Context, leverage int, symbol string, marginMode string) error {
	body := map[string]string{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": marginMode,
	}
	var env okxEnvelope
	return c.signedRequest(ctx, "POST", "/api/v5/account/set-leverage", body, &env)
}

func okxSide(s exchange.Side) string {
	if s == exchange.SideShort {
		return "sell"
	}
	return "buy"
}

func toOKXBar(timeframe string) string {
	switch timeframe {
	case "1m", "5m", "15m", "1H", "4H", "1D":
		return timeframe
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return "1m"
	}
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func tsFromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
