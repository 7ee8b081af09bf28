package market

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"tradingbot/internal/common"
)

// timeframeDuration maps a timeframe string to its bar length. Unknown
// timeframes fall back to 1 minute so resampling never divides by zero.
func timeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Pipeline fetches, merges, cleans and enriches OHLCV candles into an
// IndicatorFrame (spec §4.1).
type Pipeline struct {
	exchange  OHLCVFetcher
	store     CandleStore
	timeframe string
}

// NewPipeline builds a Pipeline. store may be nil to disable local caching.
func NewPipeline(exchange OHLCVFetcher, store CandleStore, timeframe string) *Pipeline {
	return &Pipeline{exchange: exchange, store: store, timeframe: timeframe}
}

// Run executes the full algorithm in spec §4.1 and returns the latest
// IndicatorFrame plus the cleaned candle window. On a persistent API
// failure it returns a DataProcessingError and the caller should skip the
// symbol this tick.
func (p *Pipeline) Run(ctx context.Context, symbol string, limit int) (*IndicatorFrame, []Candle, error) {
	var cached []Candle
	if p.store != nil {
		cached, _ = p.store.LoadCandles(symbol, p.timeframe, limit)
	}

	fresh, err := p.fetchWithRetry(ctx, symbol, limit)
	if err != nil {
		return nil, nil, &common.DataProcessingError{Symbol: symbol, Stage: "fetch", Err: err}
	}

	merged := mergeCandles(cached, fresh)
	normalized := normalize(merged, timeframeDuration(p.timeframe))
	cleaned := clean(normalized)

	window := WindowSize(p.timeframe)
	if window < 10 {
		window = 10
	}
	tail := cleaned
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}

	frame := computeIndicators(tail)

	if p.store != nil {
		persistTail := tail
		if len(persistTail) > 5 {
			persistTail = persistTail[len(persistTail)-5:]
		}
		go func(sym, tf, regime string, rows []Candle) {
			if err := p.store.SaveCandles(sym, tf, rows, regime); err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("candle persist failed")
			}
		}(symbol, p.timeframe, frame.Regime, persistTail)
	}

	return frame, tail, nil
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		candles, err := p.exchange.FetchOHLCV(fctx, symbol, p.timeframe, limit)
		cancel()
		if err == nil {
			return candles, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt+1).Msg("ohlcv fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// mergeCandles concatenates stored+fresh candles, dedupes by timestamp
// keeping the freshest (API) record, and sorts ascending (spec §4.1 step 2).
func mergeCandles(stored, fresh []Candle) []Candle {
	byTs := make(map[int64]Candle, len(stored)+len(fresh))
	for _, c := range stored {
		byTs[c.TimestampUTC.Unix()] = c
	}
	for _, c := range fresh {
		byTs[c.TimestampUTC.Unix()] = c // API wins over stored
	}
	out := make([]Candle, 0, len(byTs))
	for _, c := range byTs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUTC.Before(out[j].TimestampUTC) })
	return out
}

// normalize floors timestamps to 1-second granularity then resamples onto
// the timeframe grid, forward-filling gaps as doji bars with zero volume
// (spec §4.1 step 3).
func normalize(candles []Candle, barLen time.Duration) []Candle {
	if len(candles) == 0 {
		return candles
	}
	floored := make([]Candle, len(candles))
	for i, c := range candles {
		cc := c
		cc.TimestampUTC = c.TimestampUTC.Truncate(time.Second)
		floored[i] = cc
	}

	gridStart := floored[0].TimestampUTC.Truncate(barLen)
	gridEnd := floored[len(floored)-1].TimestampUTC.Truncate(barLen)
	bySlot := make(map[int64]Candle, len(floored))
	for _, c := range floored {
		slot := c.TimestampUTC.Truncate(barLen).Unix()
		bySlot[slot] = c // last write in ascending order wins, i.e. freshest within the bucket
	}

	var out []Candle
	var lastClose float64
	haveLast := false
	for t := gridStart; !t.After(gridEnd); t = t.Add(barLen) {
		if c, ok := bySlot[t.Unix()]; ok {
			out = append(out, c)
			lastClose = c.Close
			haveLast = true
			continue
		}
		if !haveLast {
			continue
		}
		out = append(out, Candle{
			TimestampUTC: t,
			Open:         lastClose,
			High:         lastClose,
			Low:          lastClose,
			Close:        lastClose,
			Volume:       0,
		})
	}
	return out
}

// clean applies a rolling-window(20) Z-score outlier filter on close,
// replacing |Z|>3 with the rolling mean and clamping high/low to contain
// the replacement (spec §4.1 step 4).
func clean(candles []Candle) []Candle {
	if len(candles) < 5 {
		return candles
	}
	out := make([]Candle, len(candles))
	copy(out, candles)

	closes := make([]float64, len(out))
	for i, c := range out {
		closes[i] = c.Close
	}

	for i := range out {
		start := i - 19
		if start < 0 {
			start = 0
		}
		window := closes[start:i]
		if len(window) < 5 {
			continue
		}
		mean := sma(window, len(window))
		sd := stddev(window, len(window))
		if sd == 0 {
			continue
		}
		z := (closes[i] - mean) / sd
		if math.Abs(z) > 3 {
			out[i].Close = mean
			closes[i] = mean
			if out[i].High < mean {
				out[i].High = mean
			}
			if out[i].Low > mean {
				out[i].Low = mean
			}
		}
	}
	return out
}

// computeIndicators realizes spec §4.1 step 5-6.
func computeIndicators(candles []Candle) *IndicatorFrame {
	if len(candles) == 0 {
		return &IndicatorFrame{Regime: common.RegimeNormal}
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	r := rsi(closes, 14)
	macdLine, macdSignal, macdHist := macd(closes)
	bmid, bup, bdown := bollinger(closes)
	a := atr(candles, 14)
	adxVal := adx(candles, 14)

	atrRatio := 1.0
	if series := atrSeries(candles, 14); len(series) > 0 {
		base := sma(series, 50)
		if base > 0 {
			atrRatio = series[len(series)-1] / base
		}
	}

	frame := &IndicatorFrame{
		Candle:        candles[len(candles)-1],
		RSI:           r,
		MACD:          macdLine,
		MACDSignal:    macdSignal,
		MACDHist:      macdHist,
		BollingerMid:  bmid,
		BollingerUp:   bup,
		BollingerDown: bdown,
		ADX:           adxVal,
		ATR:           a,
		ATRRatio:      atrRatio,
		VolumeRatio:   volumeRatio(candles),
		OBV:           obv(candles),
		BuyVolProp5:   buyVolumeProportion5(candles),
	}
	frame.Regime = classifyRegime(adxVal, atrRatio)
	return frame
}
