// Package advisor builds the persona+context prompt sent to the LLM
// advisor, calls it, and parses the structured JSON decision it returns
// (spec §4.7).
package advisor

import "tradingbot/internal/risk"

// Signal is the advisor's tagged directional verdict (spec §9 design note:
// avoid stringly-typed signals past the parse boundary).
type Signal int

const (
	SignalHold Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

func parseSignal(s string) Signal {
	switch s {
	case "BUY":
		return SignalBuy
	case "SELL":
		return SignalSell
	default:
		return SignalHold
	}
}

// Decision is the parsed AdvisorDecision (spec §3). Amount==0 on a
// non-HOLD signal means CloseOnly: close the position, do not flip.
type Decision struct {
	Signal     Signal
	Confidence risk.Confidence
	Amount     float64 // base-currency units, e.g. BTC amount
	StopLoss   float64
	TakeProfit float64
	Reason     string
	Summary    string
}

// CloseOnly reports whether this decision should only close an existing
// position and never open/reverse (spec §3, §9).
func (d Decision) CloseOnly() bool {
	return d.Signal != SignalHold && d.Amount == 0
}

func parseConfidence(s string) risk.Confidence {
	return risk.ParseConfidence(s)
}
