// Package market implements the candle/indicator pipeline: fetching,
// merging with a local cache, time-alignment, outlier cleaning, indicator
// computation and market-regime classification.
package market

import (
	"context"
	"time"

	"tradingbot/internal/common"
)

// Candle is one time-aligned OHLCV bar.
type Candle struct {
	TimestampUTC time.Time `json:"ts"`
	Open         float64   `json:"o"`
	High         float64   `json:"h"`
	Low          float64   `json:"l"`
	Close        float64   `json:"c"`
	Volume       float64   `json:"v"`
}

// IndicatorFrame is the latest candle plus every computed indicator field
// (spec §3).
type IndicatorFrame struct {
	Candle Candle

	RSI           float64
	MACD          float64
	MACDSignal    float64
	MACDHist      float64
	BollingerMid  float64
	BollingerUp   float64
	BollingerDown float64
	ADX           float64
	ATR           float64
	ATRRatio      float64
	VolumeRatio   float64
	OBV           float64
	BuyVolProp5   float64 // 5-bar up-volume proportion

	Regime string
}

// OHLCVFetcher is the narrow slice of the exchange client the pipeline
// needs. Any exchange client satisfying this signature (structurally, no
// import required) can drive the pipeline.
type OHLCVFetcher interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// CandleStore is the narrow persistence surface the pipeline needs: a local
// cache read on every pipeline run and written back asynchronously.
type CandleStore interface {
	LoadCandles(symbol, timeframe string, limit int) ([]Candle, error)
	SaveCandles(symbol, timeframe string, candles []Candle, regime string) error
}

// WindowSize returns the candle window length used for pattern recognition
// and indicator seeding, per timeframe (spec §4.1 "Output").
func WindowSize(timeframe string) int {
	switch timeframe {
	case "1m":
		return 60
	case "5m":
		return 36
	case "15m":
		return 32
	case "1h":
		return 24
	case "4h":
		return 24
	case "1d":
		return 14
	default:
		return 10
	}
}

// classifyRegime applies the thresholds from spec §3.
func classifyRegime(adx, atrRatio float64) string {
	switch {
	case adx > 30:
		return common.RegimeHighTrend
	case atrRatio > 1.5:
		return common.RegimeHighChoppy
	case atrRatio < 0.6:
		return common.RegimeLow
	default:
		return common.RegimeNormal
	}
}
