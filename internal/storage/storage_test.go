package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingbot/internal/market"
	"tradingbot/internal/risk"
)

func TestNewCandleStore_CreatesDBFile(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewCandleStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(tempDir, "candles.db"))
	require.NoError(t, err)
}

func TestCandleStore_SaveAndLoadRoundTrips(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewCandleStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().Truncate(time.Second)
	candles := []market.Candle{
		{TimestampUTC: now, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
		{TimestampUTC: now.Add(time.Minute), Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 12},
	}

	require.NoError(t, store.SaveCandles("BTC-USDT-SWAP", "5m", candles, "NORMAL"))

	loaded, err := store.LoadCandles("BTC-USDT-SWAP", "5m", 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.True(t, loaded[0].TimestampUTC.Equal(now))
	require.Equal(t, 101.5, loaded[1].Close)

	regime, err := store.LastRegime("BTC-USDT-SWAP", "5m")
	require.NoError(t, err)
	require.Equal(t, "NORMAL", regime)
}

func TestCandleStore_LoadCandlesRespectsLimitAndSymbolPrefix(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewCandleStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().Truncate(time.Second)
	var btc []market.Candle
	for i := 0; i < 5; i++ {
		btc = append(btc, market.Candle{TimestampUTC: now.Add(time.Duration(i) * time.Minute), Close: float64(100 + i)})
	}
	eth := []market.Candle{{TimestampUTC: now, Close: 3000}}

	require.NoError(t, store.SaveCandles("BTC-USDT-SWAP", "5m", btc, "NORMAL"))
	require.NoError(t, store.SaveCandles("ETH-USDT-SWAP", "5m", eth, "NORMAL"))

	loaded, err := store.LoadCandles("BTC-USDT-SWAP", "5m", 3)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.Equal(t, float64(102), loaded[0].Close) // oldest of the trailing 3
	require.Equal(t, float64(104), loaded[2].Close)
}

func TestCandleStore_LastRegimeUnknownSeriesReturnsEmpty(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewCandleStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	regime, err := store.LastRegime("DOES-NOT-EXIST", "5m")
	require.NoError(t, err)
	require.Empty(t, regime)
}

func TestSymbolStateStore_LoadMissingFileReturnsFreshState(t *testing.T) {
	store := NewSymbolStateStore(t.TempDir())
	state := store.LoadState("BTC-USDT-SWAP")
	require.NotNil(t, state)
	require.NotNil(t, state.PartialTpStagesHit)
	require.Zero(t, state.StopLoss)
}

func TestSymbolStateStore_SaveThenLoadRoundTrips(t *testing.T) {
	store := NewSymbolStateStore(t.TempDir())

	state := risk.NewDynamicRiskState()
	state.StopLoss = 95.5
	state.ConsecutiveFailures = 2
	state.PartialTpStagesHit["5"] = true

	require.NoError(t, store.SaveState("BTC-USDT-SWAP", state))

	loaded := store.LoadState("BTC-USDT-SWAP")
	require.Equal(t, 95.5, loaded.StopLoss)
	require.Equal(t, 2, loaded.ConsecutiveFailures)
	require.True(t, loaded.PartialTpStagesHit["5"])
}

func TestSymbolStateStore_SanitizesSlashInSymbolFilename(t *testing.T) {
	dir := t.TempDir()
	store := NewSymbolStateStore(dir)
	require.NoError(t, store.SaveState("BTC/USDT:USDT", risk.NewDynamicRiskState()))

	_, err := os.Stat(filepath.Join(dir, "state_BTC_USDT_USDT.json"))
	require.NoError(t, err)
}

func TestSymbolStateStore_GlobalStateRoundTrips(t *testing.T) {
	store := NewSymbolStateStore(t.TempDir())

	fresh := store.LoadGlobalState()
	require.NotNil(t, fresh.ProcessedLedgerIDs)

	fresh.SmartBaseline = 1234.5
	fresh.ProcessedLedgerIDs["abc"] = true
	require.NoError(t, store.SaveGlobalState(fresh))

	loaded := store.LoadGlobalState()
	require.Equal(t, 1234.5, loaded.SmartBaseline)
	require.True(t, loaded.ProcessedLedgerIDs["abc"])
}

func TestPnlWriter_CreatesHeaderAndAppendsRows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewPnlWriter(dir)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, w.Append(now, risk.TickResult{Equity: 1050, AdjustedEquity: 1040, Pnl: 50, GlobalRiskFactor: 1.0}))
	require.NoError(t, w.Append(now.Add(time.Minute), risk.TickResult{Equity: 1060, AdjustedEquity: 1050, Pnl: 60, GlobalRiskFactor: 0.5}))

	data, err := os.ReadFile(filepath.Join(dir, "pnl_history.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "timestamp,equity,adjusted_equity,pnl,global_risk_factor")
	require.Contains(t, string(data), "1050.00000000")
}

func TestPnlWriter_ReopeningExistingFileDoesNotDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	_, err := NewPnlWriter(dir)
	require.NoError(t, err)

	_, err = NewPnlWriter(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "pnl_history.csv"))
	require.NoError(t, err)
	require.Equal(t, 1, countOccurrences(string(data), "timestamp,equity"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
