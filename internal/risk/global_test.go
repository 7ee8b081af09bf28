package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/exchange"
)

type fakeEquitySource struct {
	balance exchange.Balance
	ledger  []exchange.LedgerEntry
	trades  map[string][]exchange.Trade
}

func (f *fakeEquitySource) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	return f.balance, nil
}

func (f *fakeEquitySource) FetchLedger(ctx context.Context, currency string, limit int) ([]exchange.LedgerEntry, error) {
	return f.ledger, nil
}

func (f *fakeEquitySource) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	return f.trades[symbol], nil
}

func TestBootstrap_LocksInPrincipalWhenEquityAboveInitial(t *testing.T) {
	src := &fakeEquitySource{balance: exchange.Balance{TotalEquityUSD: 1200}}
	state := NewGlobalRiskState()
	grm := NewGlobalRiskManager(src, state, 1000, 0, 0, 0, 0, nil)

	require.NoError(t, grm.Bootstrap(context.Background()))
	require.Equal(t, 1000.0, state.SmartBaseline)
	require.Equal(t, 200.0, state.DepositOffset)
}

func TestBootstrap_WritesDownOnBigShortfall(t *testing.T) {
	src := &fakeEquitySource{balance: exchange.Balance{TotalEquityUSD: 800}}
	state := NewGlobalRiskState()
	grm := NewGlobalRiskManager(src, state, 1000, 0, 0, 0, 0, nil)

	require.NoError(t, grm.Bootstrap(context.Background()))
	require.Equal(t, 800.0, state.SmartBaseline)
	require.Equal(t, 0.0, state.DepositOffset)
}

func TestTick_DepositDetectionAbsorbsPhantomGain(t *testing.T) {
	src := &fakeEquitySource{
		balance: exchange.Balance{TotalEquityUSD: 1062},
		ledger: []exchange.LedgerEntry{
			{ID: "l1", Currency: "USDT", Amount: 60, Type: "deposit", Ts: time.Now()},
		},
	}
	state := NewGlobalRiskState()
	state.SmartBaseline = 1000
	state.LastKnownPnl = 2
	state.DailyDate = time.Now().UTC().Format("2006-01-02")
	state.DailyStartEquity = 1000
	state.DailyHighEquity = 1000

	grm := NewGlobalRiskManager(src, state, 1000, 0, 0, 0, 0, nil)
	result, err := grm.Tick(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 2.0, result.Pnl, 1e-6)
	require.True(t, state.ProcessedLedgerIDs["l1"])
}

func TestTick_DailyDrawdownBreach(t *testing.T) {
	src := &fakeEquitySource{balance: exchange.Balance{TotalEquityUSD: 930}}
	state := NewGlobalRiskState()
	state.SmartBaseline = 1000
	state.DailyDate = time.Now().UTC().Format("2006-01-02")
	state.DailyStartEquity = 1000
	state.DailyHighEquity = 1100

	grm := NewGlobalRiskManager(src, state, 1000, 0, 0, 0, 0, nil)
	result, err := grm.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, result.DailyDrawdownBreached)
}

func TestTick_HardStopBreach(t *testing.T) {
	src := &fakeEquitySource{balance: exchange.Balance{TotalEquityUSD: 900}}
	state := NewGlobalRiskState()
	state.SmartBaseline = 1000
	state.DailyDate = time.Now().UTC().Format("2006-01-02")
	state.DailyStartEquity = 1000
	state.DailyHighEquity = 1000

	grm := NewGlobalRiskManager(src, state, 1000, 0, 50, 0, 0, nil)
	result, err := grm.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, result.HardStopBreached)
}
