package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradingbot/internal/exchange"
)

// GlobalRiskState is the process-wide equity/risk ledger (spec §3), kept
// across restarts via persisted JSON.
type GlobalRiskState struct {
	SmartBaseline      float64
	DepositOffset      float64
	LastKnownPnl       float64
	ProcessedLedgerIDs map[string]bool
	RealizedPnlCache   float64
	DailyStartEquity   float64
	DailyHighEquity    float64
	DailyDate          string
	IsRiskReduced      bool
	PnlCalibrated      bool
}

// NewGlobalRiskState returns a zero-value state; callers should call
// Bootstrap before the first Tick.
func NewGlobalRiskState() *GlobalRiskState {
	return &GlobalRiskState{ProcessedLedgerIDs: map[string]bool{}}
}

// EquitySource is the narrow exchange surface the global risk manager
// needs — satisfied structurally by exchange.Client.
type EquitySource interface {
	FetchBalance(ctx context.Context) (exchange.Balance, error)
	FetchLedger(ctx context.Context, currency string, limit int) ([]exchange.LedgerEntry, error)
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error)
}

// TickResult summarizes one Global Risk Manager evaluation (spec §4.8).
type TickResult struct {
	Equity                float64
	AdjustedEquity        float64
	Pnl                   float64
	GlobalRiskFactor      float64 // 1.0 normally, 0.5 under daily-profit-lock
	DailyDrawdownBreached bool
	HardStopBreached      bool
	HardTakeProfitBreached bool
}

// GlobalRiskManager implements spec §4.8.
type GlobalRiskManager struct {
	mu     sync.Mutex
	source EquitySource
	state  *GlobalRiskState

	initialBalance float64 // 0 means "no configured baseline"
	maxProfitUSDT  float64
	maxLossUSDT    float64
	maxProfitRate  float64
	maxLossRate    float64

	lastCalibration time.Time
	symbols         []string
}

// NewGlobalRiskManager wires a GlobalRiskManager against an exchange
// source and the risk_control config block (spec §6).
func NewGlobalRiskManager(source EquitySource, state *GlobalRiskState, initialBalance, maxProfitUSDT, maxLossUSDT, maxProfitRate, maxLossRate float64, symbols []string) *GlobalRiskManager {
	if state.ProcessedLedgerIDs == nil {
		state.ProcessedLedgerIDs = map[string]bool{}
	}
	return &GlobalRiskManager{
		source:         source,
		state:          state,
		initialBalance: initialBalance,
		maxProfitUSDT:  maxProfitUSDT,
		maxLossUSDT:    maxLossUSDT,
		maxProfitRate:  maxProfitRate,
		maxLossRate:    maxLossRate,
		symbols:        symbols,
	}
}

// State exposes the underlying persisted state for snapshotting.
func (g *GlobalRiskManager) State() *GlobalRiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *g.state
	return &cp
}

// Bootstrap performs the baseline-reconciliation-on-boot algorithm
// (spec §4.8). It is a no-op (keeps the persisted baseline) if the state
// was loaded from disk with a non-zero SmartBaseline already.
func (g *GlobalRiskManager) Bootstrap(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.SmartBaseline != 0 {
		return nil
	}

	bal, err := g.source.FetchBalance(ctx)
	if err != nil {
		return err
	}
	equity := bal.TotalEquityUSD
	i := g.initialBalance

	switch {
	case i == 0:
		g.state.SmartBaseline = equity
		g.state.DepositOffset = 0
	case math.Abs(equity-i)/i <= 0.05 && equity < i:
		g.state.SmartBaseline = equity
		g.state.DepositOffset = 0
	case equity < 0.95*i:
		g.state.SmartBaseline = equity
		g.state.DepositOffset = 0
	default:
		g.state.SmartBaseline = i
		g.state.DepositOffset = equity - i
	}

	today := time.Now().UTC().Format("2006-01-02")
	g.state.DailyDate = today
	g.state.DailyStartEquity = equity
	g.state.DailyHighEquity = equity
	log.Info().Float64("baseline", g.state.SmartBaseline).Float64("offset", g.state.DepositOffset).Msg("global risk baseline established")
	return nil
}

// Tick runs the every-tick algorithm in spec §4.8 and returns the current
// risk verdict. It never returns an error for recoverable anomalies — per
// spec "Global: baseline-reconciliation anomalies never crash".
func (g *GlobalRiskManager) Tick(ctx context.Context) (TickResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bal, err := g.source.FetchBalance(ctx)
	if err != nil {
		return TickResult{}, err
	}
	equity := bal.TotalEquityUSD

	g.rolloverDailyIfNeeded(equity)

	adjusted := equity - g.state.DepositOffset
	pnl := adjusted - g.state.SmartBaseline

	// First-sample anomaly: absorb an implausible initial pnl into the offset.
	if g.state.LastKnownPnl == 0 && math.Abs(pnl) > math.Max(50, 2*g.state.SmartBaseline) {
		g.state.DepositOffset += pnl
		adjusted = equity - g.state.DepositOffset
		pnl = adjusted - g.state.SmartBaseline
		log.Warn().Float64("pnl", pnl).Msg("absorbed first-sample equity anomaly into deposit offset")
	}

	deltaPnl := pnl - g.state.LastKnownPnl
	threshold := math.Max(10, 0.05*g.state.SmartBaseline)
	if math.Abs(deltaPnl) > threshold {
		pnl = g.detectDeposits(ctx, equity)
	}

	g.maybeCalibrateRealizedPnl(ctx, equity, pnl)

	adjusted = equity - g.state.DepositOffset
	g.state.LastKnownPnl = pnl
	if equity > g.state.DailyHighEquity {
		g.state.DailyHighEquity = equity
	}

	result := TickResult{
		Equity:           equity,
		AdjustedEquity:   adjusted,
		Pnl:              pnl,
		GlobalRiskFactor: 1.0,
	}

	if g.state.DailyStartEquity > 0 {
		intradayGain := (equity - g.state.DailyStartEquity) / g.state.DailyStartEquity
		if intradayGain >= 0.15 && !g.state.IsRiskReduced {
			g.state.IsRiskReduced = true
			log.Warn().Float64("intraday_gain", intradayGain).Msg("daily profit lock engaged")
		}
	}
	if g.state.IsRiskReduced {
		result.GlobalRiskFactor = 0.5
	}

	if g.state.DailyHighEquity > 0 {
		drawdown := (equity - g.state.DailyHighEquity) / g.state.DailyHighEquity
		if drawdown < -0.15 {
			result.DailyDrawdownBreached = true
		}
	}

	if g.maxLossUSDT > 0 && pnl <= -g.maxLossUSDT {
		result.HardStopBreached = true
	}
	if g.maxLossRate > 0 && g.state.SmartBaseline > 0 && pnl/g.state.SmartBaseline <= -g.maxLossRate {
		result.HardStopBreached = true
	}
	if g.maxProfitUSDT > 0 && pnl >= g.maxProfitUSDT {
		result.HardTakeProfitBreached = true
	}
	if g.maxProfitRate > 0 && g.state.SmartBaseline > 0 && pnl/g.state.SmartBaseline >= g.maxProfitRate {
		result.HardTakeProfitBreached = true
	}

	return result, nil
}

func (g *GlobalRiskManager) rolloverDailyIfNeeded(equity float64) {
	today := time.Now().UTC().Format("2006-01-02")
	if g.state.DailyDate == today {
		return
	}
	g.state.DailyDate = today
	g.state.DailyStartEquity = equity
	g.state.DailyHighEquity = equity
	g.state.IsRiskReduced = false
}

// detectDeposits queries the ledger for unseen deposit/withdrawal/transfer
// entries in the last 2 minutes, folds them into DepositOffset, and
// returns the recomputed pnl (spec §4.8 "Deposit/withdrawal detection").
func (g *GlobalRiskManager) detectDeposits(ctx context.Context, equity float64) float64 {
	entries, err := g.source.FetchLedger(ctx, "USDT", 5)
	if err != nil {
		log.Warn().Err(err).Msg("ledger query failed during deposit detection")
		return equity - g.state.DepositOffset - g.state.SmartBaseline
	}
	cutoff := time.Now().Add(-2 * time.Minute)
	for _, e := range entries {
		if g.state.ProcessedLedgerIDs[e.ID] {
			continue
		}
		if e.Ts.Before(cutoff) {
			continue
		}
		switch e.Type {
		case "deposit", "withdrawal", "transfer":
			g.state.DepositOffset += e.Amount
			g.state.ProcessedLedgerIDs[e.ID] = true
			log.Info().Str("type", e.Type).Float64("amount", e.Amount).Msg("ledger entry applied to deposit offset")
		}
	}
	return equity - g.state.DepositOffset - g.state.SmartBaseline
}

// maybeCalibrateRealizedPnl performs the one-shot realized-pnl
// self-calibration described in spec §4.8, throttled to once a minute.
func (g *GlobalRiskManager) maybeCalibrateRealizedPnl(ctx context.Context, equity, pnl float64) {
	if time.Since(g.lastCalibration) < time.Minute {
		return
	}
	g.lastCalibration = time.Now()

	var realized float64
	for _, sym := range g.symbols {
		trades, err := g.source.FetchMyTrades(ctx, sym, 100)
		if err != nil {
			continue
		}
		for _, t := range trades {
			realized += t.RealizedPnl
		}
	}
	g.state.RealizedPnlCache = realized

	if math.Abs(pnl-realized) > 2 {
		candidateOffset := equity - g.state.SmartBaseline - realized
		if !g.state.PnlCalibrated {
			g.state.DepositOffset = candidateOffset
			g.state.PnlCalibrated = true
			log.Info().Float64("offset", candidateOffset).Msg("one-shot realized-pnl self-calibration applied")
		}
	}
}
