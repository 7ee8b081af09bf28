package exec

import (
	"context"
	"sync"
	"time"

	"tradingbot/internal/cfg"
	"tradingbot/internal/exchange"
)

const simTradeRingSize = 200

// SimTrade is one fill recorded by the simulator's ring buffer.
type SimTrade struct {
	Symbol      string
	Side        exchange.Side
	Amount      float64
	Price       float64
	RealizedPnl float64
	Ts          time.Time
}

type simPosition struct {
	side       exchange.Side
	contracts  float64
	entryPrice float64
}

// Simulator stands in for the exchange client when test_mode is enabled
// (spec §4.5 step 4, §9 "Test mode"): it tracks a simulated balance,
// simulated positions, realized pnl, and a bounded trade history, without
// ever calling the real exchange.
type Simulator struct {
	mu          sync.Mutex
	settings    *cfg.Settings
	balance     float64
	positions   map[string]simPosition
	realizedPnl float64
	trades      []SimTrade
}

// NewSimulator seeds the simulator's balance from settings.InitialBalanceUSDT
// (or a sane default if unset).
func NewSimulator(settings *cfg.Settings) *Simulator {
	start := settings.InitialBalanceUSDT
	if start <= 0 {
		start = 1000
	}
	return &Simulator{
		settings:  settings,
		balance:   start,
		positions: make(map[string]simPosition),
	}
}

// Balance returns the current simulated balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// RealizedPnl returns total realized pnl across the simulator's lifetime.
func (s *Simulator) RealizedPnl() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realizedPnl
}

// Trades returns a snapshot of the trade ring buffer, oldest first.
func (s *Simulator) Trades() []SimTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimTrade, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *Simulator) record(t SimTrade) {
	s.trades = append(s.trades, t)
	if len(s.trades) > simTradeRingSize {
		s.trades = s.trades[len(s.trades)-simTradeRingSize:]
	}
}

// Execute runs the sizing pipeline against simulated balance/positions and
// records a fill, never touching the real exchange.
func (s *Simulator) Execute(ctx context.Context, in Input, targetSide exchange.Side, isClosing bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	simBalance := exchange.Balance{TotalEquityUSD: s.balance, USDTFree: s.balance}
	simIn := in
	simIn.Balance = simBalance

	amount, note := sizeOrder(s.settings, simIn, in.Decision.Confidence, isClosing)
	if amount <= 0 {
		return hold("simulator sizing produced zero amount: " + note)
	}

	price := in.Ticker.Last
	if price <= 0 {
		price = in.AnalysisPrice
	}

	pos, exists := s.positions[in.Symbol]
	if isClosing && exists {
		pnl := closePnl(pos, price)
		s.realizedPnl += pnl
		s.balance += pnl
		delete(s.positions, in.Symbol)
		s.record(SimTrade{Symbol: in.Symbol, Side: targetSide, Amount: pos.contracts, Price: price, RealizedPnl: pnl, Ts: time.Now()})
		return Result{Status: StatusExecuted, Summary: "simulated close"}
	}

	s.positions[in.Symbol] = simPosition{side: targetSide, contracts: amount, entryPrice: price}
	s.record(SimTrade{Symbol: in.Symbol, Side: targetSide, Amount: amount, Price: price, Ts: time.Now()})
	return Result{Status: StatusExecuted, Summary: "simulated open"}
}

// CloseOnly simulates a reduce-only close of the full simulated position.
func (s *Simulator) CloseOnly(ctx context.Context, in Input, contracts float64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, exists := s.positions[in.Symbol]
	if !exists {
		return hold("simulator: close-only with no simulated position")
	}
	price := in.Ticker.Last
	if price <= 0 {
		price = in.AnalysisPrice
	}
	pnl := closePnl(pos, price)
	s.realizedPnl += pnl
	s.balance += pnl
	delete(s.positions, in.Symbol)
	s.record(SimTrade{Symbol: in.Symbol, Side: pos.side, Amount: pos.contracts, Price: price, RealizedPnl: pnl, Ts: time.Now()})
	return Result{Status: StatusExecuted, Summary: "simulated close-only"}
}

func closePnl(pos simPosition, exitPrice float64) float64 {
	if pos.side == exchange.SideLong {
		return (exitPrice - pos.entryPrice) * pos.contracts
	}
	return (pos.entryPrice - exitPrice) * pos.contracts
}
