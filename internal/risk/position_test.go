package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/exchange"
)

var (
	fixedNow      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedCooldown = 600 * time.Second
)

func TestDynamicCallback_CompressesWithProfit(t *testing.T) {
	low := DynamicCallback(CallbackParams{BaseCallback: 0.005, ATRRatio: 1.0, PnlRatio: 0.10})
	require.InDelta(t, 0.002, low, 1e-9) // base 0.005 (normal ATR band) * compression(0.4)
}

func TestEvaluateMonitorTick_PartialTPStages(t *testing.T) {
	state := NewDynamicRiskState()
	pos := exchange.Position{Side: exchange.SideLong, EntryPrice: 100}

	action := EvaluateMonitorTick(state, pos, 0.05, 1.0, 0.02, 0.005, nil, nil)
	require.Equal(t, ActionPartialClose, action.Type)
	require.InDelta(t, 0.30, action.Fraction, 1e-9)
	require.True(t, state.PartialTpStagesHit["stage_5"])
	require.InDelta(t, 0.035, state.TrailingMaxPnlRatio, 1e-9)

	action = EvaluateMonitorTick(state, pos, 0.10, 1.0, 0.02, 0.005, nil, nil)
	require.Equal(t, ActionPartialClose, action.Type)
	require.True(t, state.PartialTpStagesHit["stage_10"])
}

func TestEvaluateMonitorTick_FullExitOnCallbackBreach(t *testing.T) {
	state := NewDynamicRiskState()
	state.PartialTpStagesHit["stage_5"] = true
	state.PartialTpStagesHit["stage_10"] = true
	state.TrailingMaxPnlRatio = 0.10
	pos := exchange.Position{Side: exchange.SideLong, EntryPrice: 100}

	// pnl drawn down to 0.07 from peak 0.10; compression band >=0.05 -> 0.6,
	// so dynCallback = 0.005 (normal ATR band) * 0.6 = 0.003, under the 0.03 drawdown
	action := EvaluateMonitorTick(state, pos, 0.07, 1.0, 0.02, 0.005, nil, nil)
	require.Equal(t, ActionFullClose, action.Type)
}

func TestDynamicRiskState_CircuitBreaker(t *testing.T) {
	state := NewDynamicRiskState()
	for i := 0; i < 3; i++ {
		state.RecordFailure(fixedNow, 3, fixedCooldown)
	}
	require.True(t, state.CircuitBreakerActive(fixedNow))
	require.False(t, state.CircuitBreakerActive(fixedNow.Add(fixedCooldown + 1)))
}
