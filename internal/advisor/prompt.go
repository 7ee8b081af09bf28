package advisor

import (
	"fmt"
	"strings"

	"tradingbot/internal/common"
	"tradingbot/internal/exchange"
	"tradingbot/internal/market"
)

// persona text keyed by regime, static layer of the three-layer prompt
// (spec §4.7).
var personaByRegime = map[string]string{
	common.RegimeHighTrend: "You are a disciplined trend-following trader. The market is in a " +
		"strong directional trend with high volatility. Favor continuation entries in the " +
		"direction of the trend, size normally, and let winners run with a wide trailing stop.",
	common.RegimeHighChoppy: "You are a cautious mean-reversion trader. The market is choppy " +
		"with high volatility but no clear trend. Prefer fading extremes, keep size small, " +
		"and use tight stops.",
	common.RegimeLow: "You are a patient trader waiting for opportunity. Volatility is " +
		"compressed. Only act on high-conviction setups; otherwise hold.",
	common.RegimeNormal: "You are a balanced swing trader operating under normal market " +
		"conditions. Weigh trend strength against momentum before committing.",
}

const outputSchema = `Respond with ONLY a single JSON object, no prose before or after it, matching exactly:
{
  "signal": "BUY" | "SELL" | "HOLD",
  "confidence": "LOW" | "MED" | "HIGH",
  "amount": <number, base-currency units (e.g. BTC amount) to trade; 0 means close-only if signal is not HOLD>,
  "stop_loss": <number, absolute price or 0 if not applicable>,
  "take_profit": <number, absolute price or 0 if not applicable>,
  "reason": "<short justification>"
}`

// PromptContext is the dynamic-facts layer: everything the advisor needs to
// know about the current symbol to make a decision.
type PromptContext struct {
	Symbol          string
	Timeframe       string
	Frame           *market.IndicatorFrame
	Position        *exchange.Position
	Balance         exchange.Balance
	Leverage        float64
	FundingRate     float64
	BTC24hChangePct float64
	MinLotSize      float64
	MinNotional     float64
	PatternLabel    string
	FilterNotes     []string
}

// BuildPrompt assembles the three-layer prompt: static persona (keyed by
// regime), dynamic context facts, and the strict JSON output schema.
func BuildPrompt(ctx PromptContext) string {
	var b strings.Builder

	persona := personaByRegime[ctx.Frame.Regime]
	if persona == "" {
		persona = personaByRegime[common.RegimeNormal]
	}
	b.WriteString(persona)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Symbol: %s (%s timeframe)\n", ctx.Symbol, ctx.Timeframe)
	fmt.Fprintf(&b, "Price: %.6f  RSI: %.1f  ADX: %.1f  ATR ratio: %.2f  Volume ratio: %.2f\n",
		ctx.Frame.Candle.Close, ctx.Frame.RSI, ctx.Frame.ADX, ctx.Frame.ATRRatio, ctx.Frame.VolumeRatio)
	fmt.Fprintf(&b, "MACD: %.4f  Signal: %.4f  Hist: %.4f\n", ctx.Frame.MACD, ctx.Frame.MACDSignal, ctx.Frame.MACDHist)
	fmt.Fprintf(&b, "Bollinger: lower=%.4f mid=%.4f upper=%.4f\n", ctx.Frame.BollingerDown, ctx.Frame.BollingerMid, ctx.Frame.BollingerUp)
	fmt.Fprintf(&b, "Market regime: %s\n", ctx.Frame.Regime)
	fmt.Fprintf(&b, "Funding rate: %.5f  BTC 24h change: %.2f%%\n", ctx.FundingRate, ctx.BTC24hChangePct)
	fmt.Fprintf(&b, "Account equity: %.2f USDT  leverage: %.1fx\n", ctx.Balance.TotalEquityUSD, ctx.Leverage)

	if ctx.Position != nil {
		fmt.Fprintf(&b, "Open position: %s side=%s size=%.6f entry=%.6f unrealized_pnl=%.2f\n",
			ctx.Symbol, ctx.Position.Side, ctx.Position.CoinSize(), ctx.Position.EntryPrice, ctx.Position.UnrealizedPnl)
	} else {
		b.WriteString("No open position.\n")
	}

	if ctx.PatternLabel != "" {
		fmt.Fprintf(&b, "Detected candlestick pattern: %s\n", ctx.PatternLabel)
	}
	if len(ctx.FilterNotes) > 0 {
		fmt.Fprintf(&b, "Technical filter notes: %s\n", strings.Join(ctx.FilterNotes, "; "))
	}
	fmt.Fprintf(&b, "Minimum order size: %.6f contracts, minimum notional: %.2f USDT\n", ctx.MinLotSize, ctx.MinNotional)

	b.WriteString("\n")
	b.WriteString(outputSchema)
	return b.String()
}
