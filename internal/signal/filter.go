// Package signal implements the technical soft/hard filters and the
// three-line-strike candlestick pattern recognizer (spec §4.2).
package signal

import (
	"strings"

	"tradingbot/internal/exchange"
	"tradingbot/internal/market"
)

// FilterVerdict is the soft technical filter's verdict: whether to allow
// the proposed direction, plus any downgrade notes to append to the
// advisor decision's reason.
type FilterVerdict struct {
	Allow bool
	Deny  bool
	Notes []string
}

// TechnicalFilter evaluates the soft filter in spec §4.2 for a proposed
// direction against the current indicator snapshot.
func TechnicalFilter(side exchange.Side, frame *market.IndicatorFrame) FilterVerdict {
	v := FilterVerdict{Allow: true}

	if side == exchange.SideLong && frame.RSI > 75 {
		v.Allow = false
		v.Deny = true
		v.Notes = append(v.Notes, "RSI>75 on BUY: never chase extremes")
		return v
	}
	if side == exchange.SideShort && frame.RSI < 25 {
		v.Allow = false
		v.Deny = true
		v.Notes = append(v.Notes, "RSI<25 on SELL: never chase extremes")
		return v
	}

	if frame.ATRRatio < 1.0 {
		v.Notes = append(v.Notes, "low volatility, downgrade confidence")
	}
	if frame.VolumeRatio < 0.8 {
		v.Notes = append(v.Notes, "low volume, downgrade confidence")
	}
	if frame.ADX < 20 {
		v.Notes = append(v.Notes, "weak trend (ADX<20), downgrade confidence")
	}
	return v
}

// ShouldCapLow reports whether the filter's notes should cap the combined
// confidence at LOW (two or more downgrade signals present).
func (v FilterVerdict) ShouldCapLow() bool {
	return len(v.Notes) >= 2
}

// ReasonSuffix renders the filter notes for appending to the advisor's
// reason text.
func (v FilterVerdict) ReasonSuffix() string {
	if len(v.Notes) == 0 {
		return ""
	}
	return " [" + strings.Join(v.Notes, "; ") + "]"
}

// SurgeOverride reports the "surge override" condition (spec glossary):
// volume spike, large intra-bar move, or a detected pattern bypasses the
// soft gate.
func SurgeOverride(frame *market.IndicatorFrame, intraBarMovePct float64, patternDetected bool) bool {
	if patternDetected {
		return true
	}
	if frame.VolumeRatio > 3 {
		return true
	}
	if intraBarMovePct > 0.5 || intraBarMovePct < -0.5 {
		return true
	}
	return false
}

// SoftGatePass evaluates whether ADX/RSI are within the configured window
// (the first half of spec §4.3's "Soft gate" step), independent of the
// surge override.
func SoftGatePass(frame *market.IndicatorFrame, rsiMin, rsiMax, adxMin float64) bool {
	if frame.RSI < rsiMin || frame.RSI > rsiMax {
		return false
	}
	return frame.ADX >= adxMin
}
