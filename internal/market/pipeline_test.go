package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	candles []Candle
	err     error
}

func (f *fakeFetcher) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return f.candles, f.err
}

func mkCandle(t time.Time, c float64) Candle {
	return Candle{TimestampUTC: t, Open: c, High: c, Low: c, Close: c, Volume: 10}
}

func TestMergeCandles_DedupeKeepsFreshest(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := []Candle{mkCandle(base, 100), mkCandle(base.Add(time.Minute), 101)}
	fresh := []Candle{mkCandle(base.Add(time.Minute), 999)} // fresher value for same slot

	merged := mergeCandles(stored, fresh)
	require.Len(t, merged, 2)
	require.Equal(t, 999.0, merged[1].Close)
}

func TestMergeCandles_Idempotent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []Candle{mkCandle(base, 1), mkCandle(base.Add(time.Minute), 2)}

	once := mergeCandles(nil, candles)
	twice := mergeCandles(once, once)
	require.Equal(t, once, twice)
}

func TestNormalize_ForwardFillsGaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []Candle{
		mkCandle(base, 100),
		mkCandle(base.Add(2*time.Minute), 102), // gap at +1m
	}
	out := normalize(candles, time.Minute)
	require.Len(t, out, 3)
	require.Equal(t, 100.0, out[1].Close) // forward filled
	require.Equal(t, 0.0, out[1].Volume)
}

func TestClean_ReplacesOutlier(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var candles []Candle
	for i := 0; i < 25; i++ {
		c := 99.0 // alternate 99/101 so the prior window has a non-zero std-dev
		if i%2 == 0 {
			c = 101
		}
		candles = append(candles, mkCandle(base.Add(time.Duration(i)*time.Minute), c))
	}
	candles[24].Close = 10000 // blatant outlier
	candles[24].High = 10000

	out := clean(candles)
	require.Less(t, out[24].Close, 200.0)
}

func TestRegimeClassification(t *testing.T) {
	require.Equal(t, "HIGH_TREND", classifyRegime(35, 1.0))
	require.Equal(t, "HIGH_CHOPPY", classifyRegime(15, 2.0))
	require.Equal(t, "LOW", classifyRegime(10, 0.3))
	require.Equal(t, "NORMAL", classifyRegime(15, 1.0))
}

func TestPipelineRun_ReturnsFrameAndBoundedWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var candles []Candle
	for i := 0; i < 40; i++ {
		candles = append(candles, mkCandle(base.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	fetcher := &fakeFetcher{candles: candles}
	store := &memCandleStore{}
	p := NewPipeline(fetcher, store, "1m")

	frame, window, err := p.Run(context.Background(), "BTC/USDT:USDT", 40)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.LessOrEqual(t, len(window), WindowSize("1m"))
}

type memCandleStore struct {
	saved map[string][]Candle
}

func (m *memCandleStore) LoadCandles(symbol, timeframe string, limit int) ([]Candle, error) {
	return nil, nil
}

func (m *memCandleStore) SaveCandles(symbol, timeframe string, candles []Candle, regime string) error {
	if m.saved == nil {
		m.saved = map[string][]Candle{}
	}
	m.saved[symbol] = candles
	return nil
}
