package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/exchange"
	"tradingbot/internal/market"
)

func candle(ts time.Time, o, h, l, c, v float64) market.Candle {
	return market.Candle{TimestampUTC: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestRecognizeThreeLineStrike_BullishEntryScenario(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		candle(base, 101, 101.5, 99.5, 100, 10),
		candle(base.Add(time.Minute), 100, 100.5, 98.5, 99, 12),
		candle(base.Add(2*time.Minute), 99, 99.5, 97.5, 98, 11),
		candle(base.Add(3*time.Minute), 98, 103.5, 97.8, 103, 40),
	}

	result := RecognizeThreeLineStrike(candles, 27)
	require.True(t, result.Detected)
	require.Equal(t, PatternBullishStrike, result.Label)
	require.Equal(t, exchange.SideLong, result.Side)
	require.InDelta(t, 97.5, result.StopLoss, 1e-9)
	require.InDelta(t, 103+5*(103-97.5), result.TakeProfit, 1e-9)
}

func TestRecognizeThreeLineStrike_RequiresADXAtLeast20(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		candle(base, 101, 101.5, 99.5, 100, 10),
		candle(base.Add(time.Minute), 100, 100.5, 98.5, 99, 12),
		candle(base.Add(2*time.Minute), 99, 99.5, 97.5, 98, 11),
		candle(base.Add(3*time.Minute), 98, 103.5, 97.8, 103, 40),
	}
	result := RecognizeThreeLineStrike(candles, 15)
	require.False(t, result.Detected)
}

func TestRecognizeThreeLineStrike_VolumeMustExceedPriorMax(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		candle(base, 101, 101.5, 99.5, 100, 10),
		candle(base.Add(time.Minute), 100, 100.5, 98.5, 99, 12),
		candle(base.Add(2*time.Minute), 99, 99.5, 97.5, 98, 11),
		candle(base.Add(3*time.Minute), 98, 103.5, 97.8, 103, 5), // too small
	}
	result := RecognizeThreeLineStrike(candles, 27)
	require.False(t, result.Detected)
}

func TestTechnicalFilter_DeniesChasingExtremes(t *testing.T) {
	frame := &market.IndicatorFrame{RSI: 80, ATRRatio: 1.2, VolumeRatio: 1.0, ADX: 25}
	v := TechnicalFilter(exchange.SideLong, frame)
	require.True(t, v.Deny)
	require.False(t, v.Allow)
}

func TestTechnicalFilter_DowngradesOnLowVolatility(t *testing.T) {
	frame := &market.IndicatorFrame{RSI: 50, ATRRatio: 0.5, VolumeRatio: 0.5, ADX: 10}
	v := TechnicalFilter(exchange.SideLong, frame)
	require.True(t, v.Allow)
	require.Len(t, v.Notes, 3)
	require.True(t, v.ShouldCapLow())
}

func TestSurgeOverride(t *testing.T) {
	frame := &market.IndicatorFrame{VolumeRatio: 4}
	require.True(t, SurgeOverride(frame, 0, false))
	require.True(t, SurgeOverride(&market.IndicatorFrame{VolumeRatio: 1}, 0.6, false))
	require.True(t, SurgeOverride(&market.IndicatorFrame{VolumeRatio: 1}, 0, true))
	require.False(t, SurgeOverride(&market.IndicatorFrame{VolumeRatio: 1}, 0, false))
}
