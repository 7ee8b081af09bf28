package advisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/risk"
)

func TestParseDecision_ExtractsJSONFromProse(t *testing.T) {
	text := "Here is my analysis.\n```json\n{\"signal\": \"buy\", \"confidence\": \"high\", \"amount\": 0.5, \"stop_loss\": 100.25, \"take_profit\": 110, \"reason\": \"momentum\"}\n```\nDone."
	d, err := parseDecision(text)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, d.Signal)
	require.Equal(t, risk.ConfidenceHigh, d.Confidence)
	require.InDelta(t, 0.5, d.Amount, 1e-9)
	require.InDelta(t, 100.25, d.StopLoss, 1e-9)
	require.InDelta(t, 110.0, d.TakeProfit, 1e-9)
	require.False(t, d.CloseOnly())
}

func TestParseDecision_AmountZeroMeansCloseOnly(t *testing.T) {
	text := `{"signal": "SELL", "confidence": "MED", "amount": 0, "stop_loss": 0, "take_profit": 0, "reason": "take profit reached"}`
	d, err := parseDecision(text)
	require.NoError(t, err)
	require.True(t, d.CloseOnly())
}

func TestParseDecision_NoJSONReturnsError(t *testing.T) {
	_, err := parseDecision("I cannot decide right now.")
	require.Error(t, err)
}

func TestParseDecision_HoldSignal(t *testing.T) {
	text := `{"signal": "HOLD", "confidence": "LOW", "amount": 0, "stop_loss": 0, "take_profit": 0, "reason": "no edge"}`
	d, err := parseDecision(text)
	require.NoError(t, err)
	require.Equal(t, SignalHold, d.Signal)
	require.False(t, d.CloseOnly())
}
