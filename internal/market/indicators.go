package market

import "math"

// wilderEMA applies Wilder's smoothing (alpha = 1/period) over values,
// returning the final smoothed value. Used by RSI, ADX and ATR.
func wilderEMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	alpha := 1.0 / float64(period)
	ema := values[0]
	for _, v := range values[1:] {
		ema = alpha*v + (1-alpha)*ema
	}
	return ema
}

// rsi computes Wilder-smoothed RSI(14) over closes. Guards a zero
// denominator by returning the domain-neutral value 50.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	gains := make([]float64, 0, len(closes)-1)
	losses := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains = append(gains, d)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -d)
		}
	}
	avgGain := wilderEMA(gains, period)
	avgLoss := wilderEMA(losses, period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func ema(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	k := 2.0 / (float64(period) + 1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// macd returns the MACD line, signal line and histogram for the final bar
// (12, 26, 9 per spec §3).
func macd(closes []float64) (line, signal, hist float64) {
	if len(closes) < 26 {
		return 0, 0, 0
	}
	fast := ema(closes, 12)
	slow := ema(closes, 26)
	macdLine := make([]float64, len(closes))
	for i := range closes {
		macdLine[i] = fast[i] - slow[i]
	}
	signalLine := ema(macdLine, 9)
	n := len(closes) - 1
	return macdLine[n], signalLine[n], macdLine[n] - signalLine[n]
}

func sma(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period > len(values) {
		period = len(values)
	}
	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(period)
}

func stddev(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period > len(values) {
		period = len(values)
	}
	window := values[len(values)-period:]
	mean := sma(window, period)
	var sum float64
	for _, v := range window {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(period))
}

// bollinger returns (mid, upper, lower) for SMA20 +/- 2 sigma.
func bollinger(closes []float64) (mid, upper, lower float64) {
	mid = sma(closes, 20)
	sigma := stddev(closes, 20)
	return mid, mid + 2*sigma, mid - 2*sigma
}

// trueRange computes Wilder true range for bar i (i>0).
func trueRange(candles []Candle, i int) float64 {
	hl := candles[i].High - candles[i].Low
	hc := math.Abs(candles[i].High - candles[i-1].Close)
	lc := math.Abs(candles[i].Low - candles[i-1].Close)
	return math.Max(hl, math.Max(hc, lc))
}

// atr computes Wilder-smoothed ATR(period).
func atr(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles, i))
	}
	return wilderEMA(trs, period)
}

// atrSeries returns the ATR value trailing every bar (needed for the
// ATR-ratio's SMA50(ATR) denominator).
func atrSeries(candles []Candle, period int) []float64 {
	if len(candles) < period+1 {
		return nil
	}
	out := make([]float64, 0, len(candles))
	trs := make([]float64, 0, len(candles))
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles, i))
		out = append(out, wilderEMA(trs, period))
	}
	return out
}

// adx computes Wilder-smoothed ADX(period) over the tail of candles.
func adx(candles []Candle, period int) float64 {
	if len(candles) < period*2 {
		return 0
	}
	var plusDM, minusDM, trs []float64
	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		pdm, mdm := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}
		plusDM = append(plusDM, pdm)
		minusDM = append(minusDM, mdm)
		trs = append(trs, trueRange(candles, i))
	}
	smoothTR := wilderEMA(trs, period)
	smoothPlus := wilderEMA(plusDM, period)
	smoothMinus := wilderEMA(minusDM, period)
	if smoothTR == 0 {
		return 0
	}
	plusDI := 100 * smoothPlus / smoothTR
	minusDI := 100 * smoothMinus / smoothTR
	sumDI := plusDI + minusDI
	if sumDI == 0 {
		return 0
	}
	dx := 100 * math.Abs(plusDI-minusDI) / sumDI
	return dx
}

// obv computes cumulative signed-volume OBV for the tail candle.
func obv(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			total += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			total -= candles[i].Volume
		}
	}
	return total
}

// buyVolumeProportion5 is the share of the last 5 bars' volume that traded
// on bars whose close rose over the previous close ("up-volume" / total
// volume), domain-neutral default 0.5.
func buyVolumeProportion5(candles []Candle) float64 {
	n := len(candles)
	if n < 6 {
		return 0.5
	}
	tail := candles[n-5:]
	prevClose := candles[n-6].Close
	var upVol, totalVol float64
	for _, c := range tail {
		if c.Close > prevClose {
			upVol += c.Volume
		}
		totalVol += c.Volume
		prevClose = c.Close
	}
	if totalVol == 0 {
		return 0.5
	}
	return upVol / totalVol
}

// volumeRatio is volume / SMA20(volume), guarding a zero denominator.
func volumeRatio(candles []Candle) float64 {
	if len(candles) == 0 {
		return 1
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	avg := sma(volumes, 20)
	if avg == 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / avg
}
