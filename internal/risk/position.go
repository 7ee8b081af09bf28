// Package risk implements the per-position dynamic risk state (trailing
// stop, partial take-profit, breakeven promotion), the smart position
// sizer heuristic, and the global risk manager (equity baseline, daily
// drawdown circuit, profit lock, hard stop/take-profit).
package risk

import (
	"time"

	"tradingbot/internal/common"
	"tradingbot/internal/exchange"
)

// DynamicRiskState is the per-symbol risk state carried across ticks and
// persisted to disk (spec §3).
type DynamicRiskState struct {
	StopLoss            float64
	TakeProfit          float64
	SideOfStop          exchange.Side
	TrailingMaxPnlRatio float64
	PartialTpStagesHit  map[string]bool
	LastStopLossAt      time.Time
	LastTradeAt         time.Time
	ConsecutiveFailures int
	CircuitBreakerUntil time.Time
	DailyHighEquity     float64
	HighWaterDay        string
	PnlCalibrated       bool
}

// NewDynamicRiskState returns a zero-value state ready to track a symbol
// with no position.
func NewDynamicRiskState() *DynamicRiskState {
	return &DynamicRiskState{PartialTpStagesHit: map[string]bool{}}
}

// Reset zeroes the trailing/partial-TP fields on position-gone (spec §4.4
// "Reset"). Cooldown/failure bookkeeping survives a reset.
func (s *DynamicRiskState) Reset() {
	s.StopLoss = 0
	s.TakeProfit = 0
	s.SideOfStop = ""
	s.TrailingMaxPnlRatio = 0
	s.PartialTpStagesHit = map[string]bool{}
}

// CircuitBreakerActive reports whether the per-symbol breaker is currently
// tripped (spec §3 invariant).
func (s *DynamicRiskState) CircuitBreakerActive(now time.Time) bool {
	return s.CircuitBreakerUntil.After(now)
}

// RecordFailure increments the consecutive-failure counter and arms the
// circuit breaker once the threshold is reached (spec §4.5 step 12).
func (s *DynamicRiskState) RecordFailure(now time.Time, threshold int, cooldown time.Duration) {
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= threshold {
		s.CircuitBreakerUntil = now.Add(cooldown)
	}
}

// RecordSuccess clears the consecutive-failure counter after a successful
// order.
func (s *DynamicRiskState) RecordSuccess() {
	s.ConsecutiveFailures = 0
}

// ActionType enumerates what the position manager wants to do this tick.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionPartialClose
	ActionFullClose
	ActionBreakevenPromote
)

// Action is the position manager's verdict for one monitor tick.
type Action struct {
	Type     ActionType
	Fraction float64 // for ActionPartialClose: fraction of current size to close
	Reason   string
}

// CallbackParams bundles the dynamic-callback inputs (spec §4.4).
type CallbackParams struct {
	BaseCallback float64 // default 0.005
	ATRRatio     float64
	PnlRatio     float64 // unrealized pnl as a fraction, e.g. 0.05 == 5%
}

// atrFactor maps ATR-ratio to the callback rate (spec §4.4): a fixed rate in
// the high- and low-volatility bands, the base callback in the normal band.
func atrFactor(atrRatio, base float64) float64 {
	switch {
	case atrRatio > 2:
		return 0.025
	case atrRatio > 1.5:
		return 0.015
	case atrRatio < 0.8:
		return 0.003
	default:
		return base
	}
}

// profitCompression maps unrealized-pnl ratio to the compression factor
// (spec §4.4).
func profitCompression(pnlRatio float64) float64 {
	switch {
	case pnlRatio >= 1.0:
		return 0.05
	case pnlRatio >= 0.5:
		return 0.1
	case pnlRatio >= 0.2:
		return 0.2
	case pnlRatio >= 0.1:
		return 0.4
	case pnlRatio >= 0.05:
		return 0.6
	case pnlRatio >= 0.02:
		return 0.8
	default:
		return 1.0
	}
}

// DynamicCallback computes the allowed drawdown from peak (spec §4.4).
func DynamicCallback(p CallbackParams) float64 {
	return atrFactor(p.ATRRatio, p.BaseCallback) * profitCompression(p.PnlRatio)
}

const (
	partialTPStage5Activation  = 0.05
	partialTPStage10Activation = 0.10
	partialTPFraction          = 0.30
	trailingActivationDefault  = 0.02
	breakevenBuffer            = 0.001 // 0.1%
)

// EvaluateMonitorTick runs the position-manager logic for one monitor tick
// while a position is held (spec §4.4 + the breakeven/real-trailing hard
// stop described in §4.3). recentLows/recentHighs are the last 3 closed
// bars' low/high, used for the real-trailing hard stop.
func EvaluateMonitorTick(state *DynamicRiskState, pos exchange.Position, pnlRatio float64, atrRatio, activationPnl, baseCallback float64, recentLows, recentHighs []float64) Action {
	if pnlRatio > state.TrailingMaxPnlRatio {
		state.TrailingMaxPnlRatio = pnlRatio
	}

	if activationPnl <= 0 {
		activationPnl = trailingActivationDefault
	}

	applyBreakeven(state, pos, pnlRatio, activationPnl, recentLows, recentHighs)

	if pnlRatio >= partialTPStage5Activation && !state.PartialTpStagesHit[common.StageFive] {
		state.PartialTpStagesHit[common.StageFive] = true
		state.TrailingMaxPnlRatio = pnlRatio * 0.7
		return Action{Type: ActionPartialClose, Fraction: partialTPFraction, Reason: "stage_5 partial take-profit"}
	}
	if pnlRatio >= partialTPStage10Activation && !state.PartialTpStagesHit[common.StageTen] {
		state.PartialTpStagesHit[common.StageTen] = true
		state.TrailingMaxPnlRatio = pnlRatio * 0.7
		return Action{Type: ActionPartialClose, Fraction: partialTPFraction, Reason: "stage_10 partial take-profit"}
	}

	dynCallback := DynamicCallback(CallbackParams{BaseCallback: baseCallback, ATRRatio: atrRatio, PnlRatio: pnlRatio})
	if state.TrailingMaxPnlRatio >= activationPnl && (state.TrailingMaxPnlRatio-pnlRatio) >= dynCallback {
		return Action{Type: ActionFullClose, Reason: "trailing stop callback"}
	}

	return Action{Type: ActionNone}
}

// applyBreakeven raises the internal stop-loss to entry*(1+/-0.1%) once
// unrealized pnl exceeds the activation threshold, then tightens it
// monotonically using the last 3 bars' low/high (spec §4.3).
func applyBreakeven(state *DynamicRiskState, pos exchange.Position, pnlRatio, activationPnl float64, recentLows, recentHighs []float64) {
	if pnlRatio <= activationPnl {
		return
	}
	isLong := pos.Side == exchange.SideLong

	breakeven := pos.EntryPrice * (1 + breakevenBuffer)
	if !isLong {
		breakeven = pos.EntryPrice * (1 - breakevenBuffer)
	}

	if state.StopLoss == 0 {
		state.StopLoss = breakeven
		state.SideOfStop = pos.Side
	} else if isLong && breakeven > state.StopLoss {
		state.StopLoss = breakeven
	} else if !isLong && breakeven < state.StopLoss {
		state.StopLoss = breakeven
	}

	if isLong && len(recentLows) > 0 {
		lowestRecent := minFloat(recentLows)
		if lowestRecent > state.StopLoss {
			state.StopLoss = lowestRecent
		}
	}
	if !isLong && len(recentHighs) > 0 {
		highestRecent := maxFloat(recentHighs)
		if highestRecent < state.StopLoss || state.StopLoss == 0 {
			state.StopLoss = highestRecent
		}
	}
}

func minFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
