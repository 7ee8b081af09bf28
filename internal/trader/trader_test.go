package trader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/advisor"
	"tradingbot/internal/cfg"
	"tradingbot/internal/exchange"
	"tradingbot/internal/exec"
	"tradingbot/internal/market"
	"tradingbot/internal/risk"
)

type fakeExchangeClient struct {
	candles      []market.Candle
	minuteCandle []market.Candle
	positions    []exchange.Position
	ticker       exchange.Ticker
	balance      exchange.Balance
	orders       []exchange.OrderParams
	orderResult  exchange.OrderResult
}

func (f *fakeExchangeClient) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	return nil, nil
}
func (f *fakeExchangeClient) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	return f.balance, nil
}
func (f *fakeExchangeClient) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return f.ticker, nil
}
func (f *fakeExchangeClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if timeframe == "1m" {
		return f.minuteCandle, nil
	}
	return f.candles, nil
}
func (f *fakeExchangeClient) FetchPositions(ctx context.Context, symbols []string) ([]exchange.Position, error) {
	return f.positions, nil
}
func (f *fakeExchangeClient) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	return nil, nil
}
func (f *fakeExchangeClient) FetchTradingFee(ctx context.Context, symbol string) (exchange.Fee, error) {
	return exchange.Fee{TakerRate: 0.0005}, nil
}
func (f *fakeExchangeClient) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{}, nil
}
func (f *fakeExchangeClient) FetchLedger(ctx context.Context, currency string, limit int) ([]exchange.LedgerEntry, error) {
	return nil, nil
}
func (f *fakeExchangeClient) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, params exchange.OrderParams) (exchange.OrderResult, error) {
	f.orders = append(f.orders, params)
	return f.orderResult, nil
}
func (f *fakeExchangeClient) CreateOrder(ctx context.Context, orderType string, symbol string, side exchange.Side, amount, price float64, params exchange.OrderParams) (exchange.OrderResult, error) {
	return f.orderResult, nil
}
func (f *fakeExchangeClient) SetLeverage(ctx context.Context, leverage int, symbol string, marginMode string) error {
	return nil
}

type memStore struct{}

func (memStore) LoadCandles(symbol, timeframe string, limit int) ([]market.Candle, error) {
	return nil, nil
}
func (memStore) SaveCandles(symbol, timeframe string, candles []market.Candle, regime string) error {
	return nil
}

type capturingObserver struct {
	ticks  int
	trades []exec.Result
	errs   []error
}

func (o *capturingObserver) OnTick(symbol string, frame *market.IndicatorFrame) { o.ticks++ }
func (o *capturingObserver) OnTrade(symbol string, result exec.Result)         { o.trades = append(o.trades, result) }
func (o *capturingObserver) OnError(symbol string, err error)                  { o.errs = append(o.errs, err) }
func (o *capturingObserver) Shutdown()                                         {}

// genCandles builds a mildly oscillating series (more up-moves than down)
// so RSI settles in a moderate range instead of pinning at an extreme,
// keeping the technical filter's chase-extremes guard from firing.
func genCandles(n int, start float64) []market.Candle {
	out := make([]market.Candle, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	price := start
	for i := 0; i < n; i++ {
		open := price
		var close float64
		if i%2 == 0 {
			close = price + 1
		} else {
			close = price - 0.5
		}
		out[i] = market.Candle{
			TimestampUTC: base.Add(time.Duration(i) * time.Minute),
			Open:         open, High: maxF(open, close) + 0.5, Low: minF(open, close) - 0.5, Close: close, Volume: 100,
		}
		price = close
	}
	return out
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func advisorTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": body}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func baseTestSettings() *cfg.Settings {
	return &cfg.Settings{
		Timeframe:          "5m",
		MinConfidence:      "MED",
		MaxSlippagePercent: 5,
		RSIMin:             25,
		RSIMax:             75,
		ADXMin:             20,
		AIInterval:         0, // no throttle for tests
		AnalysisSlackSec:   0,
		CooldownSec:        180 * time.Second,
		MinIntervalSec:     300 * time.Second,
		FailureThreshold:   3,
		CircuitBreakerCooldownSec: 600 * time.Second,
		TakerFeeRate:       0.0005,
		InitialBalanceUSDT: 1000,
	}
}

func TestTick_IdleFlat_NoPositionStaysIdle(t *testing.T) {
	srv := advisorTestServer(t, `{"signal":"HOLD","reason":"no edge","summary":"wait","stop_loss":0,"take_profit":0,"confidence":"LOW","amount":0}`)
	defer srv.Close()

	client := &fakeExchangeClient{
		candles: genCandles(40, 100),
		ticker:  exchange.Ticker{Last: 100},
		balance: exchange.Balance{TotalEquityUSD: 1000},
	}
	settings := baseTestSettings()
	advisorClient := advisor.NewClient("key", srv.URL, "test-model")
	guard := exec.NewGuard(client, settings, nil, nil)
	obs := &capturingObserver{}

	tr := New("BTC-USDT-SWAP", client, settings, memStore{}, advisorClient, guard, risk.NewDynamicRiskState(), obs)
	tr.Tick(context.Background(), TickInput{ActiveSymbolCount: 1})

	require.Equal(t, 1, obs.ticks)
	require.Empty(t, obs.errs)
	require.Equal(t, StateIdle, tr.State())
}

func TestTick_HoldingPositionStaysHolding(t *testing.T) {
	srv := advisorTestServer(t, `{"signal":"HOLD","reason":"steady","summary":"hold","stop_loss":0,"take_profit":0,"confidence":"MED","amount":0}`)
	defer srv.Close()

	client := &fakeExchangeClient{
		candles: genCandles(40, 100),
		ticker:  exchange.Ticker{Last: 101},
		balance: exchange.Balance{TotalEquityUSD: 1000},
		positions: []exchange.Position{
			{Symbol: "BTC-USDT-SWAP", Side: exchange.SideLong, SizeContracts: 1, ContractSize: 1, EntryPrice: 100, Leverage: 3, UnrealizedPnl: 1},
		},
	}
	settings := baseTestSettings()
	advisorClient := advisor.NewClient("key", srv.URL, "test-model")
	guard := exec.NewGuard(client, settings, nil, nil)
	obs := &capturingObserver{}

	tr := New("BTC-USDT-SWAP", client, settings, memStore{}, advisorClient, guard, risk.NewDynamicRiskState(), obs)
	tr.Tick(context.Background(), TickInput{ActiveSymbolCount: 1})

	require.Equal(t, StateHolding, tr.State())
	require.Empty(t, obs.errs)
}

func TestTick_HoldingPosition_HardStopLossClosesBeforeTrailingLogic(t *testing.T) {
	srv := advisorTestServer(t, `{"signal":"HOLD","reason":"steady","summary":"hold","stop_loss":0,"take_profit":0,"confidence":"MED","amount":0}`)
	defer srv.Close()

	client := &fakeExchangeClient{
		candles: genCandles(40, 100),
		ticker:  exchange.Ticker{Last: 94}, // crossed below the stop
		balance: exchange.Balance{TotalEquityUSD: 1000},
		positions: []exchange.Position{
			{Symbol: "BTC-USDT-SWAP", Side: exchange.SideLong, SizeContracts: 1, ContractSize: 1, EntryPrice: 100, Leverage: 3, UnrealizedPnl: -6},
		},
	}
	settings := baseTestSettings()
	advisorClient := advisor.NewClient("key", srv.URL, "test-model")
	guard := exec.NewGuard(client, settings, nil, nil)
	obs := &capturingObserver{}

	state := risk.NewDynamicRiskState()
	state.StopLoss = 95

	tr := New("BTC-USDT-SWAP", client, settings, memStore{}, advisorClient, guard, state, obs)
	tr.Tick(context.Background(), TickInput{ActiveSymbolCount: 1})

	require.Len(t, client.orders, 1)
	require.True(t, client.orders[0].ReduceOnly)
	require.Len(t, obs.trades, 1)
	require.Equal(t, exec.StatusExecuted, obs.trades[0].Status)
	require.Equal(t, "hard stop-loss", obs.trades[0].Summary)
	require.Equal(t, 0.0, tr.DynamicRiskState().StopLoss)
}

func TestTick_AdvisorFailureSkipsGuardWithoutPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	candles := genCandles(40, 100)
	last := candles[len(candles)-1]
	last.Volume = 10000 // volume-ratio>3 forces the surge override regardless of soft gate
	candles[len(candles)-1] = last

	client := &fakeExchangeClient{
		candles: candles,
		ticker:  exchange.Ticker{Last: 100},
		balance: exchange.Balance{TotalEquityUSD: 1000},
	}
	settings := baseTestSettings()
	advisorClient := advisor.NewClient("key", srv.URL, "test-model")
	guard := exec.NewGuard(client, settings, nil, nil)
	obs := &capturingObserver{}

	tr := New("BTC-USDT-SWAP", client, settings, memStore{}, advisorClient, guard, risk.NewDynamicRiskState(), obs)
	require.NotPanics(t, func() {
		tr.Tick(context.Background(), TickInput{ActiveSymbolCount: 1})
	})
	require.NotEmpty(t, obs.errs)
}
