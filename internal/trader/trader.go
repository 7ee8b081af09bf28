// Package trader implements the per-symbol dual-track loop: a
// high-frequency monitor tick for protective exits, and a throttled
// analysis tick that consults the advisor and drives the Execution Guard
// (spec §4.3).
package trader

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"tradingbot/internal/advisor"
	"tradingbot/internal/cfg"
	"tradingbot/internal/exchange"
	"tradingbot/internal/exec"
	"tradingbot/internal/market"
	"tradingbot/internal/metrics"
	"tradingbot/internal/risk"
	"tradingbot/internal/signal"
)

// State is the symbol trader's coarse state machine (spec §4.3).
type State int

const (
	StateIdle State = iota
	StateHolding
	StateCooldown
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateHolding:
		return "HOLDING"
	case StateCooldown:
		return "COOLDOWN"
	case StateHalted:
		return "HALTED"
	default:
		return "IDLE"
	}
}

// TickInput carries the per-tick values the scheduler owns and computes
// once for every symbol (global risk factor, sentiment, BTC context,
// active symbol count for auto-allocation).
type TickInput struct {
	GlobalRiskFactor  float64
	SentimentScore    float64
	BTC24hChangePct   float64
	ActiveSymbolCount int
}

// Trader owns one symbol's dual-track loop and its dynamic risk state.
type Trader struct {
	Symbol string

	client        exchange.Client
	settings      *cfg.Settings
	pipeline      *market.Pipeline
	advisorClient *advisor.Client
	guard         *exec.Guard
	state         *risk.DynamicRiskState
	observers     Observer

	mkt     exchange.Market
	metrics *metrics.Metrics

	machine           State
	lastAnalysisAt    time.Time
	lastAnalyzedBarTs time.Time
	haltedUntil       time.Time
}

// New builds a symbol Trader. state is the persisted DynamicRiskState for
// this symbol (risk.NewDynamicRiskState() for a fresh one).
func New(symbol string, client exchange.Client, settings *cfg.Settings, store market.CandleStore, advisorClient *advisor.Client, guard *exec.Guard, state *risk.DynamicRiskState, observers Observer) *Trader {
	if observers == nil {
		observers = ObserverList{}
	}
	return &Trader{
		Symbol:        symbol,
		client:        client,
		settings:      settings,
		pipeline:      market.NewPipeline(client, store, settings.Timeframe),
		advisorClient: advisorClient,
		guard:         guard,
		state:         state,
		observers:     observers,
	}
}

// SetMarket installs the exchange's lot/contract-size metadata for this
// symbol, refreshed whenever the scheduler reloads markets.
func (t *Trader) SetMarket(m exchange.Market) { t.mkt = m }

// SetMetrics attaches a metrics recorder. Optional: a nil metrics
// recorder leaves advisor-latency and regime instrumentation disabled.
func (t *Trader) SetMetrics(m *metrics.Metrics) { t.metrics = m }

// State returns the trader's current coarse state.
func (t *Trader) State() State { return t.machine }

// DynamicRiskState exposes the trader's risk state for persistence.
func (t *Trader) DynamicRiskState() *risk.DynamicRiskState { return t.state }

// Tick runs one monitor cycle and, if due, one analysis cycle (spec
// §4.3). It never returns an error for recoverable per-tick failures —
// those are reported to observers and swallowed so one symbol's failure
// never stops the scheduler's fan-out.
func (t *Trader) Tick(ctx context.Context, in TickInput) {
	halted := !t.haltedUntil.IsZero() && time.Now().Before(t.haltedUntil)

	frame, candles, err := t.pipeline.Run(ctx, t.Symbol, market.WindowSize(t.settings.Timeframe))
	if err != nil {
		if t.metrics != nil {
			t.metrics.PipelineErrorsTotal.Inc()
		}
		t.observers.OnError(t.Symbol, fmt.Errorf("indicator pipeline: %w", err))
		return
	}
	if t.metrics != nil {
		t.metrics.RecordRegime(frame.Regime)
	}
	t.observers.OnTick(t.Symbol, frame)

	positions, err := t.client.FetchPositions(ctx, []string{t.Symbol})
	if err != nil {
		t.observers.OnError(t.Symbol, fmt.Errorf("fetch positions: %w", err))
		return
	}
	pos := findPosition(positions, t.Symbol)

	ticker, err := t.client.FetchTicker(ctx, t.Symbol)
	if err != nil {
		t.observers.OnError(t.Symbol, fmt.Errorf("fetch ticker: %w", err))
		return
	}

	patternDetected := false
	patternResult := signal.PatternResult{}
	if len(candles) >= 4 {
		minuteCandles, merr := t.client.FetchOHLCV(ctx, t.Symbol, "1m", market.WindowSize("1m"))
		if merr == nil && len(minuteCandles) >= 4 {
			patternResult = signal.RecognizeThreeLineStrike(minuteCandles, frame.ADX)
			patternDetected = patternResult.Detected
		}
	}

	if pos != nil {
		t.machine = StateHolding

		if t.checkHardStopLoss(ctx, pos, ticker) {
			return
		}
		if t.fastExitOnPattern(ctx, pos, patternResult) {
			return
		}
		if t.evaluateTrailingAndPartialTP(ctx, pos, frame, candles) {
			return
		}
	} else {
		t.machine = StateIdle
	}

	// While the circuit breaker halts this symbol only the protective exits
	// above run; the analysis cycle, which can open or flip, is skipped.
	if halted {
		t.machine = StateHalted
		return
	}

	intraBarMovePct := 0.0
	if frame.Candle.Open != 0 {
		intraBarMovePct = (frame.Candle.Close - frame.Candle.Open) / frame.Candle.Open * 100
	}
	softGatePass := signal.SoftGatePass(frame, t.settings.RSIMin, t.settings.RSIMax, t.settings.ADXMin)
	surgeOverride := signal.SurgeOverride(frame, intraBarMovePct, patternDetected)
	if !softGatePass && !surgeOverride {
		return
	}

	now := time.Now()
	slack := t.settings.AnalysisSlackSec
	if now.Sub(t.lastAnalysisAt) < t.settings.AIInterval-slack {
		return
	}
	if t.settings.BarCloseOnly && !frame.Candle.TimestampUTC.After(t.lastAnalyzedBarTs) {
		return
	}

	t.runAnalysisTick(ctx, in, frame, pos, ticker, patternResult)
}

func findPosition(positions []exchange.Position, symbol string) *exchange.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].SizeContracts != 0 {
			return &positions[i]
		}
	}
	return nil
}

// checkHardStopLoss implements spec §4.3 monitor-tick's hard dynamic
// stop-loss/take-profit watchdog: a distinct, mandatory check run every
// tick while a position is held, independent of the trailing-stop
// callback and the pattern fast-exit. A price that has crossed
// state.StopLoss (or, once a fixed take-profit is set, state.TakeProfit)
// closes the position immediately, bypassing the per-symbol circuit
// breaker the same way the trailing stop and pattern fast-exit do (see
// DESIGN.md's Open Question decision on this).
func (t *Trader) checkHardStopLoss(ctx context.Context, pos *exchange.Position, ticker exchange.Ticker) bool {
	isLong := pos.Side == exchange.SideLong
	stop := t.state.StopLoss
	target := t.state.TakeProfit

	hitStop := stop != 0 && ((isLong && ticker.Last <= stop) || (!isLong && ticker.Last >= stop))
	hitTarget := target != 0 && ((isLong && ticker.Last >= target) || (!isLong && ticker.Last <= target))
	if !hitStop && !hitTarget {
		return false
	}

	reason := "hard stop-loss"
	trigger := stop
	if hitTarget {
		reason = "hard take-profit"
		trigger = target
	}

	res, err := t.client.CreateMarketOrder(ctx, t.Symbol, oppositeSide(pos.Side), pos.SizeContracts, exchange.OrderParams{ReduceOnly: true})
	if err != nil {
		t.observers.OnError(t.Symbol, fmt.Errorf("hard stop-loss close order: %w", err))
		return true
	}
	t.state.LastStopLossAt = time.Now()
	t.state.Reset()
	t.observers.OnTrade(t.Symbol, exec.Result{Status: exec.StatusExecuted, Summary: reason, Order: &res})
	log.Info().Str("symbol", t.Symbol).Float64("price", ticker.Last).Float64("trigger", trigger).Msg("hard stop-loss triggered")
	return true
}

// fastExitOnPattern implements spec §4.3 monitor-tick step 2's pattern
// override: a bearish strike against a long, or bullish against a short,
// closes immediately.
func (t *Trader) fastExitOnPattern(ctx context.Context, pos *exchange.Position, pattern signal.PatternResult) bool {
	if !pattern.Detected {
		return false
	}
	opposes := (pos.Side == exchange.SideLong && pattern.Side == exchange.SideShort) ||
		(pos.Side == exchange.SideShort && pattern.Side == exchange.SideLong)
	if !opposes {
		return false
	}

	closeSide := exchange.SideShort
	if pos.Side == exchange.SideShort {
		closeSide = exchange.SideLong
	}
	res, err := t.client.CreateMarketOrder(ctx, t.Symbol, closeSide, pos.SizeContracts, exchange.OrderParams{ReduceOnly: true})
	if err != nil {
		t.observers.OnError(t.Symbol, fmt.Errorf("pattern fast-exit order: %w", err))
		return true
	}
	t.state.Reset()
	t.observers.OnTrade(t.Symbol, exec.Result{Status: exec.StatusExecuted, Summary: "fast exit on " + pattern.Label, Order: &res})
	log.Info().Str("symbol", t.Symbol).Str("pattern", pattern.Label).Msg("fast-exit triggered")
	return true
}

// evaluateTrailingAndPartialTP implements spec §4.4 on every monitor tick
// while a position exists. Returns true if it fully closed the position.
func (t *Trader) evaluateTrailingAndPartialTP(ctx context.Context, pos *exchange.Position, frame *market.IndicatorFrame, candles []market.Candle) bool {
	pnlRatio := 0.0
	if pos.EntryPrice != 0 && pos.CoinSize() != 0 {
		pnlRatio = pos.UnrealizedPnl / (pos.EntryPrice * pos.CoinSize())
	}

	recentLows, recentHighs := recentExtremes(candles, 3)
	action := risk.EvaluateMonitorTick(t.state, *pos, pnlRatio, frame.ATRRatio, t.settings.TrailingActivationPnl, t.settings.TrailingCallbackRate, recentLows, recentHighs)

	switch action.Type {
	case risk.ActionPartialClose:
		amount := math.Abs(pos.SizeContracts) * action.Fraction
		closeSide := exchange.SideShort
		if pos.Side == exchange.SideShort {
			closeSide = exchange.SideLong
		}
		res, err := t.client.CreateMarketOrder(ctx, t.Symbol, closeSide, amount, exchange.OrderParams{ReduceOnly: true})
		if err != nil {
			t.observers.OnError(t.Symbol, fmt.Errorf("partial take-profit order: %w", err))
			return false
		}
		t.observers.OnTrade(t.Symbol, exec.Result{Status: exec.StatusExecuted, Summary: action.Reason, Order: &res})
		return false
	case risk.ActionFullClose:
		res, err := t.client.CreateMarketOrder(ctx, t.Symbol, oppositeSide(pos.Side), pos.SizeContracts, exchange.OrderParams{ReduceOnly: true})
		if err != nil {
			t.observers.OnError(t.Symbol, fmt.Errorf("trailing stop close order: %w", err))
			return true
		}
		t.state.LastStopLossAt = time.Now()
		t.state.Reset()
		t.observers.OnTrade(t.Symbol, exec.Result{Status: exec.StatusExecuted, Summary: action.Reason, Order: &res})
		return true
	default:
		return false
	}
}

func oppositeSide(s exchange.Side) exchange.Side {
	if s == exchange.SideLong {
		return exchange.SideShort
	}
	return exchange.SideLong
}

// recentExtremes returns the last n candles' lows and highs, oldest first.
func recentExtremes(candles []market.Candle, n int) ([]float64, []float64) {
	if len(candles) == 0 {
		return nil, nil
	}
	if n > len(candles) {
		n = len(candles)
	}
	tail := candles[len(candles)-n:]
	lows := make([]float64, len(tail))
	highs := make([]float64, len(tail))
	for i, c := range tail {
		lows[i] = c.Low
		highs[i] = c.High
	}
	return lows, highs
}

// runAnalysisTick implements spec §4.3's analysis tick: build the advisor
// context, call the advisor, and dispatch its decision to the Execution
// Guard.
func (t *Trader) runAnalysisTick(ctx context.Context, in TickInput, frame *market.IndicatorFrame, pos *exchange.Position, ticker exchange.Ticker, pattern signal.PatternResult) {
	now := time.Now()
	t.lastAnalysisAt = now
	t.lastAnalyzedBarTs = frame.Candle.TimestampUTC

	balance, err := t.client.FetchBalance(ctx)
	if err != nil {
		t.observers.OnError(t.Symbol, fmt.Errorf("fetch balance: %w", err))
		return
	}
	symbolConfig := t.settings.GetSymbolConfig(t.Symbol)

	fee, ferr := t.client.FetchTradingFee(ctx, t.Symbol)
	if ferr != nil {
		log.Warn().Err(ferr).Str("symbol", t.Symbol).Msg("fetch trading fee failed, using configured taker rate")
		fee = exchange.Fee{TakerRate: t.settings.TakerFeeRate}
	}
	funding, frerr := t.client.FetchFundingRate(ctx, t.Symbol)
	if frerr != nil {
		log.Warn().Err(frerr).Str("symbol", t.Symbol).Msg("fetch funding rate failed")
	}

	filterSide := exchange.SideLong
	if pos != nil {
		filterSide = pos.Side
	}
	filterVerdict := signal.TechnicalFilter(filterSide, frame)

	patternLabel := ""
	if pattern.Detected {
		patternLabel = pattern.Label
	}

	promptCtx := advisor.PromptContext{
		Symbol:          t.Symbol,
		Timeframe:       t.settings.Timeframe,
		Frame:           frame,
		Position:        pos,
		Balance:         balance,
		Leverage:        float64(symbolConfig.Leverage),
		FundingRate:     funding.Rate,
		BTC24hChangePct: in.BTC24hChangePct,
		MinLotSize:      t.mkt.MinAmount,
		MinNotional:     t.mkt.MinCost,
		PatternLabel:    patternLabel,
		FilterNotes:     filterVerdict.Notes,
	}

	timer := metrics.TimeAdvisorCall(t.metrics)
	decision, err := t.advisorClient.Decide(ctx, promptCtx)
	timer.Stop(err)
	if err != nil {
		// spec §4.7: advisor failure means nil decision, Execution Guard
		// is skipped entirely for this tick.
		t.observers.OnError(t.Symbol, fmt.Errorf("advisor decide: %w", err))
		return
	}
	if filterVerdict.Deny {
		decision.Reason += filterVerdict.ReasonSuffix()
		t.observers.OnTrade(t.Symbol, exec.Result{Status: exec.StatusHold, Summary: "technical filter denied: " + filterVerdict.ReasonSuffix()})
		return
	}
	if filterVerdict.ShouldCapLow() && decision.Confidence > risk.ConfidenceLow {
		decision.Confidence = risk.ConfidenceLow
	}

	guardInput := exec.Input{
		Symbol:             t.Symbol,
		Decision:           *decision,
		OriginalConfidence: decision.Confidence,
		Frame:              frame,
		Position:           pos,
		State:              t.state,
		AnalysisPrice:      frame.Candle.Close,
		Ticker:             ticker,
		Balance:            balance,
		Mkt:                t.mkt,
		SymbolConfig:       symbolConfig,
		ActiveSymbolCount:  in.ActiveSymbolCount,
		GlobalRiskFactor:   in.GlobalRiskFactor,
		SentimentScore:     in.SentimentScore,
		Fee:                fee,
	}
	result := t.guard.Execute(ctx, guardInput)
	t.observers.OnTrade(t.Symbol, result)

	switch result.Status {
	case exec.StatusHold, exec.StatusHoldDup:
		if pos == nil {
			t.machine = StateIdle
		}
	case exec.StatusExecuted:
		t.machine = StateHolding
	case exec.StatusFailed:
		if t.state.CircuitBreakerActive(now) {
			t.machine = StateHalted
			t.haltedUntil = t.state.CircuitBreakerUntil
		}
	}
}
