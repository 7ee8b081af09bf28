// Package exec implements the Execution Guard: the gate sequence that
// turns an AdvisorDecision into an order, or a tagged skip reason (spec
// §4.5). It owns sizing, slippage/micro-profit protection, flip/pyramid
// protection, and the per-symbol order-retry circuit breaker.
package exec

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradingbot/internal/advisor"
	"tradingbot/internal/cfg"
	"tradingbot/internal/common"
	"tradingbot/internal/exchange"
	"tradingbot/internal/market"
	"tradingbot/internal/risk"
)

// Status is the Execution Guard's outcome tag (spec §4.5 "Outputs").
type Status string

const (
	StatusExecuted    Status = "EXECUTED"
	StatusHold        Status = "HOLD"
	StatusHoldDup     Status = "HOLD_DUP"
	StatusSkippedMin  Status = "SKIPPED_MIN"
	StatusSkippedFull Status = "SKIPPED_FULL"
	StatusFailed      Status = "FAILED"
)

// Result is the Execution Guard's verdict for one analysis tick.
type Result struct {
	Status  Status
	Summary string
	Order   *exchange.OrderResult
}

func hold(reason string) Result   { return Result{Status: StatusHold, Summary: reason} }
func failed(reason string) Result { return Result{Status: StatusFailed, Summary: reason} }

// MetricsRecorder is the narrow metrics surface the guard drives. A
// concrete *metrics.Metrics satisfies it structurally (spec §9 design:
// avoid a hard dependency from exec down into metrics' Prometheus types).
type MetricsRecorder interface {
	RecordOrder(symbol string, status Status)
	RecordGuardSkip(symbol, reason string)
	RecordCircuitBreakerTrip(symbol string)
}

type noopMetrics struct{}

func (noopMetrics) RecordOrder(string, Status)      {}
func (noopMetrics) RecordGuardSkip(string, string)  {}
func (noopMetrics) RecordCircuitBreakerTrip(string) {}

// Guard evaluates the Execution Guard sequence for a single symbol.
type Guard struct {
	client    exchange.Client
	settings  *cfg.Settings
	metrics   MetricsRecorder
	simulator *Simulator
}

// NewGuard builds a Guard. metrics may be nil (a no-op recorder is used).
func NewGuard(client exchange.Client, settings *cfg.Settings, metrics MetricsRecorder, sim *Simulator) *Guard {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Guard{client: client, settings: settings, metrics: metrics, simulator: sim}
}

// Input bundles everything one Execute call needs (spec §4.5 + §4.6
// inputs); it is assembled by the Symbol Trader's analysis tick.
type Input struct {
	Symbol             string
	Decision           advisor.Decision
	OriginalConfidence risk.Confidence // pre-exemption, for flip protection
	Frame              *market.IndicatorFrame
	Position           *exchange.Position // nil when flat
	State              *risk.DynamicRiskState
	AnalysisPrice      float64 // price snapshot taken when the advisor was called
	Ticker             exchange.Ticker
	Balance            exchange.Balance
	Mkt                exchange.Market
	SymbolConfig       cfg.SymbolConfig
	ActiveSymbolCount  int
	GlobalRiskFactor   float64
	SentimentScore     float64
	Fee                exchange.Fee
}

var descendingTrendKeywords = []string{"downtrend", "bearish", "declining", "falling", "downward", "sell-off", "selloff"}

func mentionsDescendingTrend(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range descendingTrendKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// decisionSide maps a BUY/SELL signal to the position side it implies.
func decisionSide(sig advisor.Signal) (exchange.Side, bool) {
	switch sig {
	case advisor.SignalBuy:
		return exchange.SideLong, true
	case advisor.SignalSell:
		return exchange.SideShort, true
	default:
		return "", false
	}
}

// Execute runs steps 2-13 of the Execution Guard (step 1, the trailing-stop
// short-circuit, runs earlier in the monitor tick via risk.EvaluateMonitorTick).
func (g *Guard) Execute(ctx context.Context, in Input) Result {
	if in.Decision.Signal == advisor.SignalHold {
		return hold("advisor signal HOLD")
	}

	targetSide, _ := decisionSide(in.Decision.Signal)
	isClosing := in.Position != nil && in.Position.Side != targetSide
	isFlip := isClosing // closing the existing side necessarily opens the opposite
	isOpening := in.Position == nil || isFlip

	effectiveConfidence := g.applyExemptions(in, isClosing)

	now := time.Now()

	// Step 2: cooldown gates.
	if now.Before(in.State.LastStopLossAt.Add(g.settings.CooldownSec)) && isOpening && effectiveConfidence < risk.ConfidenceHigh {
		return g.skip(in.Symbol, hold("cooldown: recent stop-loss"))
	}
	if now.Before(in.State.LastTradeAt.Add(g.settings.MinIntervalSec)) && in.Position == nil {
		return g.skip(in.Symbol, hold("cooldown: min trade interval"))
	}

	// Step 3: confidence gate.
	minConfidence := risk.ParseConfidence(g.settings.MinConfidence)
	if effectiveConfidence < minConfidence {
		return g.skip(in.Symbol, hold(fmt.Sprintf("confidence %s below minimum %s", effectiveConfidence, minConfidence)))
	}

	// amount=0 means close-only, do not reverse (spec §4.7, §9 open question
	// resolved: a position must exist to close, HOLD otherwise).
	if in.Decision.CloseOnly() {
		if in.Position == nil {
			return g.skip(in.Symbol, hold("close-only decision with no open position"))
		}
		contracts := in.Position.SizeContracts
		if g.settings.TestMode && g.simulator != nil {
			return g.simulator.CloseOnly(ctx, in, contracts)
		}
		res := g.closeOnly(ctx, in, contracts)
		g.metrics.RecordOrder(in.Symbol, res.Status)
		return res
	}

	// Step 4: test-mode intercept.
	if g.settings.TestMode && g.simulator != nil {
		return g.simulator.Execute(ctx, in, targetSide, isClosing)
	}

	// Step 5: slippage guard.
	if in.AnalysisPrice > 0 {
		slippage := math.Abs(in.Ticker.Last-in.AnalysisPrice) / in.AnalysisPrice
		if slippage*100 > g.settings.MaxSlippagePercent {
			return g.skip(in.Symbol, hold("slippage guard tripped"))
		}
	}

	// Step 6: micro-profit guard.
	if isClosing {
		pnlRatio := in.Position.UnrealizedPnl / (in.Position.EntryPrice * in.Position.CoinSize())
		threshold := 2*g.settings.TakerFeeRate + 0.0005
		if pnlRatio > 0 && pnlRatio < threshold && effectiveConfidence < risk.ConfidenceHigh {
			return g.skip(in.Symbol, hold("micro-profit guard: pnl below fee threshold"))
		}
	}

	// Step 7: sizing decision.
	amountTokens, sizingNote := sizeOrder(g.settings, in, effectiveConfidence, isFlip)
	if amountTokens <= 0 {
		return g.skip(in.Symbol, hold("sizing produced zero amount: "+sizingNote))
	}

	// Step 8: lot / notional adaptation.
	finalAmount, status, skipReason := g.adaptToLot(in, amountTokens, isFlip)
	if status != "" {
		return g.skip(in.Symbol, Result{Status: status, Summary: skipReason})
	}

	// Step 9: contract conversion.
	contracts := finalAmount
	if in.Mkt.ContractSize > 0 {
		contracts = math.Floor(finalAmount/in.Mkt.ContractSize + 1e-9)
		if contracts < 1 && finalAmount > 0 {
			contracts = 1
		}
	}

	// Step 10: flip protection.
	if isFlip && in.OriginalConfidence < minConfidence {
		res := g.closeOnly(ctx, in, contracts)
		res.Summary = "flip suppressed: original confidence below minimum, closed only"
		return res
	}

	// Step 11: pyramid protection.
	if !isClosing && in.Position != nil && in.Position.Side == targetSide {
		if effectiveConfidence < risk.ConfidenceHigh {
			return g.skip(in.Symbol, Result{Status: StatusHoldDup, Summary: "pyramid add requires HIGH confidence"})
		}
	}

	// Step 12: order placement with retry & fallback.
	res := g.placeOrder(ctx, in, targetSide, contracts)

	// Step 13: post-order state.
	if res.Status == StatusExecuted {
		in.State.LastTradeAt = now
		if isClosing {
			in.State.LastStopLossAt = now
		}
		in.State.StopLoss = in.Decision.StopLoss
		in.State.TakeProfit = 0 // no fixed TP; trailing stop owns exits
		in.State.SideOfStop = targetSide
		in.State.RecordSuccess()
	}

	g.metrics.RecordOrder(in.Symbol, res.Status)
	return res
}

// applyExemptions promotes a LOW/MED confidence to MED per the step-3
// exemption rules (spec §4.5 step 3).
func (g *Guard) applyExemptions(in Input, isClosing bool) risk.Confidence {
	c := in.Decision.Confidence

	if isClosing {
		if c < risk.ConfidenceMed {
			c = risk.ConfidenceMed
		}
		return c
	}
	if in.Decision.Signal == advisor.SignalSell && mentionsDescendingTrend(in.Decision.Reason) {
		if c < risk.ConfidenceMed {
			c = risk.ConfidenceMed
		}
	}
	if in.Decision.Signal == advisor.SignalBuy && in.Frame.Regime == common.RegimeLow {
		if c < risk.ConfidenceMed {
			c = risk.ConfidenceMed
		}
	}
	return c
}

func (g *Guard) skip(symbol string, r Result) Result {
	g.metrics.RecordGuardSkip(symbol, r.Summary)
	return r
}

// sizeOrder implements step 7: base capital, per-symbol quota, the smart
// sizer ratio, and the max-tokens cap.
func sizeOrder(settings *cfg.Settings, in Input, confidence risk.Confidence, isFlip bool) (float64, string) {
	baseCapital := in.Balance.TotalEquityUSD
	if settings.InitialBalanceUSDT > 0 {
		baseCapital = settings.InitialBalanceUSDT
	}

	quota := allocationQuota(in.SymbolConfig.Allocation, baseCapital, in.ActiveSymbolCount)
	if baseCapital >= 11 && quota < 11 {
		quota = 11
	}

	usedMargin := 0.0
	if in.Position != nil {
		usedMargin = (in.Position.CoinSize() * in.Position.EntryPrice) / math.Max(float64(in.Position.Leverage), 1)
	}
	if !isFlip {
		quota -= usedMargin
	}
	if quota <= 0 {
		return 0, "quota exhausted"
	}

	ratio := risk.SizeRatio(risk.SizerInput{
		ATRRatio:         in.Frame.ATRRatio,
		ADX:              in.Frame.ADX,
		Confidence:       confidence,
		PnlRatio:         positionPnlRatio(in.Position),
		SentimentScore:   in.SentimentScore,
		GlobalRiskFactor: in.GlobalRiskFactor,
	})

	microSniper := baseCapital < 100
	if !microSniper {
		ratio *= risk.ConfidenceFactor(confidence)
	}

	availableCapital := quota * ratio

	leverage := float64(in.SymbolConfig.Leverage)
	if leverage <= 0 {
		leverage = 1
	}
	price := in.Ticker.Last
	if price <= 0 {
		price = in.AnalysisPrice
	}
	if price <= 0 {
		return 0, "no price available"
	}

	if confidence == risk.ConfidenceHigh && !positionInLoss(in.Position) {
		maxOverride := in.Balance.TotalEquityUSD * 0.9
		if maxOverride > availableCapital {
			availableCapital = maxOverride
		}
	}

	maxTokens := (availableCapital * leverage * 0.98) / price

	configAmount := in.SymbolConfig.Amount
	if configAmount <= 0 {
		configAmount = math.Inf(1)
	}

	amount := math.Min(in.Decision.Amount, configAmount)
	amount = math.Min(amount, maxTokens)

	return amount, ""
}

func positionPnlRatio(pos *exchange.Position) float64 {
	if pos == nil || pos.EntryPrice == 0 || pos.CoinSize() == 0 {
		return 0
	}
	return pos.UnrealizedPnl / (pos.EntryPrice * pos.CoinSize())
}

func positionInLoss(pos *exchange.Position) bool {
	return pos != nil && pos.UnrealizedPnl < 0
}

// allocationQuota resolves the symbols[].allocation field: "auto" splits
// evenly across active symbols; a value in (0,1] is a fraction of base
// capital; anything else is a fixed USDT quote amount.
func allocationQuota(alloc string, base float64, activeCount int) float64 {
	if alloc == "" || alloc == "auto" {
		if activeCount <= 0 {
			activeCount = 1
		}
		return base / float64(activeCount)
	}
	v, err := strconv.ParseFloat(alloc, 64)
	if err != nil {
		if activeCount <= 0 {
			activeCount = 1
		}
		return base / float64(activeCount)
	}
	if v > 0 && v <= 1 {
		return base * v
	}
	return v
}

// adaptToLot implements step 8.
func (g *Guard) adaptToLot(in Input, amount float64, isFlip bool) (float64, Status, string) {
	minAmount := in.Mkt.MinAmount
	minCost := in.Mkt.MinCost
	price := in.Ticker.Last
	if price <= 0 {
		price = in.AnalysisPrice
	}

	belowMin := (minAmount > 0 && amount < minAmount) || (minCost > 0 && amount*price < minCost)
	if !belowMin {
		return amount, "", ""
	}

	hasQuotaRoom := minAmount > 0 && minAmount*price <= in.Balance.TotalEquityUSD
	if hasQuotaRoom {
		return math.Max(amount, minAmount), "", ""
	}
	if isFlip {
		return math.Max(amount, minAmount), "", ""
	}
	if in.Position != nil && in.Position.Side == func() exchange.Side { s, _ := decisionSide(in.Decision.Signal); return s }() {
		return 0, StatusSkippedFull, "below minimum size on same-direction pyramid"
	}
	return 0, StatusSkippedMin, "below exchange minimum amount/notional"
}

// closeOnly places a reduce-only close for the current position, used by
// flip protection (step 10).
func (g *Guard) closeOnly(ctx context.Context, in Input, contracts float64) Result {
	if in.Position == nil {
		return hold("flip protection: no position to close")
	}
	closeSide := exchange.SideShort
	if in.Position.Side == exchange.SideShort {
		closeSide = exchange.SideLong
	}
	res, err := g.client.CreateMarketOrder(ctx, in.Symbol, closeSide, in.Position.SizeContracts, exchange.OrderParams{ReduceOnly: true})
	if err != nil {
		return failed("flip close-only order failed: " + err.Error())
	}
	return Result{Status: StatusExecuted, Summary: "closed only, reversal suppressed", Order: &res}
}

// placeOrder implements step 12: the order attempt with one retry at 95%
// on insufficient balance, and circuit-breaker arming on repeated failure.
func (g *Guard) placeOrder(ctx context.Context, in Input, side exchange.Side, contracts float64) Result {
	if in.State.CircuitBreakerActive(time.Now()) {
		return hold("per-symbol circuit breaker active")
	}

	params := exchange.OrderParams{TdMode: in.SymbolConfig.TradeMode, MarginMode: in.SymbolConfig.MarginMode, ClientID: "tb-" + uuid.NewString()}

	res, err := g.client.CreateMarketOrder(ctx, in.Symbol, side, contracts, params)
	if err == nil && !res.InsufficientBalance() {
		return Result{Status: StatusExecuted, Summary: "order placed", Order: &res}
	}

	if res.InsufficientBalance() {
		retryAmount := contracts * 0.95
		res2, err2 := g.client.CreateMarketOrder(ctx, in.Symbol, side, retryAmount, params)
		if err2 == nil && !res2.InsufficientBalance() {
			return Result{Status: StatusExecuted, Summary: "order placed at 95% after insufficient balance", Order: &res2}
		}
		err = err2
	}

	in.State.RecordFailure(time.Now(), g.settings.FailureThreshold, g.settings.CircuitBreakerCooldownSec)
	if in.State.CircuitBreakerActive(time.Now()) {
		g.metrics.RecordCircuitBreakerTrip(in.Symbol)
		log.Warn().Str("symbol", in.Symbol).Msg("order circuit breaker armed after consecutive failures")
	}

	reason := "order failed"
	if err != nil {
		reason = "order failed: " + err.Error()
	}
	return failed(reason)
}
