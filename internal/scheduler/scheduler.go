// Package scheduler drives the main loop: config hot-reload, the Global
// Risk Manager tick, and bounded-concurrency fan-out across every symbol
// trader (spec §4.9).
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"tradingbot/internal/cfg"
	"tradingbot/internal/exchange"
	"tradingbot/internal/risk"
	"tradingbot/internal/trader"
)

// TraderFactory builds a fresh per-symbol Trader when the scheduler
// discovers a newly added symbol during hot-reload.
type TraderFactory func(symbol string, state *risk.DynamicRiskState) *trader.Trader

// btcSymbol is the reference instrument used to derive a 24h change
// figure for the advisor prompt context (spec §4.7), independent of
// whatever symbols are actually configured for trading.
const btcSymbol = "BTC-USDT-SWAP"

// Scheduler owns the main loop described in spec §4.9.
type Scheduler struct {
	client          exchange.Client
	settings        *cfg.Settings
	riskManager     *risk.GlobalRiskManager
	newTrader       TraderFactory
	loadState       func(symbol string) *risk.DynamicRiskState
	saveState       func(symbol string, state *risk.DynamicRiskState)
	saveGlobal      func(state *risk.GlobalRiskState)
	sentimentSource risk.SentimentSource

	mu           sync.Mutex
	traders      map[string]*trader.Trader
	lastTick     risk.TickResult
}

// LastTickResult returns the most recent Global Risk Manager tick result,
// for the HTTP/WebSocket dashboard (spec §6.1) to render without forcing
// an extra ledger round-trip.
func (s *Scheduler) LastTickResult() risk.TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// New builds a Scheduler. loadState/saveState/saveGlobal may be nil
// (no-op), in which case state does not survive a restart.
func New(client exchange.Client, settings *cfg.Settings, riskManager *risk.GlobalRiskManager, newTrader TraderFactory, loadState func(string) *risk.DynamicRiskState, saveState func(string, *risk.DynamicRiskState), saveGlobal func(*risk.GlobalRiskState)) *Scheduler {
	if loadState == nil {
		loadState = func(string) *risk.DynamicRiskState { return risk.NewDynamicRiskState() }
	}
	if saveState == nil {
		saveState = func(string, *risk.DynamicRiskState) {}
	}
	if saveGlobal == nil {
		saveGlobal = func(*risk.GlobalRiskState) {}
	}
	s := &Scheduler{
		client:          client,
		settings:        settings,
		riskManager:     riskManager,
		newTrader:       newTrader,
		loadState:       loadState,
		saveState:       saveState,
		saveGlobal:      saveGlobal,
		sentimentSource: risk.NoSentiment{},
		traders:         make(map[string]*trader.Trader),
	}
	for _, symbol := range settings.SymbolNames() {
		s.traders[symbol] = newTrader(symbol, loadState(symbol))
	}
	return s
}

// Run blocks, ticking every settings.LoopInterval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.settings.LoopInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.riskManager.Bootstrap(ctx); err != nil {
		log.Error().Err(err).Msg("global risk manager bootstrap failed")
	}
	s.refreshMarkets(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.reloadIfChanged(ctx)

	result, err := s.riskManager.Tick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("global risk manager tick failed")
	} else {
		s.mu.Lock()
		s.lastTick = result
		s.mu.Unlock()
		s.saveGlobal(s.riskManager.State())
		if result.DailyDrawdownBreached {
			log.Warn().Float64("equity", result.Equity).Msg("daily drawdown circuit: advisory STOPPED for all symbols")
		}
		if result.HardStopBreached || result.HardTakeProfitBreached {
			s.emergencyCloseAll(ctx, result.HardTakeProfitBreached)
			return
		}
	}

	globalRiskFactor := 1.0
	if err == nil {
		globalRiskFactor = result.GlobalRiskFactor
	}

	s.fanOut(ctx, globalRiskFactor, s.fetchBTC24hChangePct(ctx))
	log.Info().Str("dashboard", RenderDashboard(s.Snapshot())).Msg("tick complete")
}

// fetchBTC24hChangePct derives the BTC 24h percent change the advisor
// prompt uses as market-wide context, from the daily candle's open/close.
// Unavailable or short history degrades to 0 (neutral) rather than
// blocking the tick.
func (s *Scheduler) fetchBTC24hChangePct(ctx context.Context) float64 {
	candles, err := s.client.FetchOHLCV(ctx, btcSymbol, "1d", 1)
	if err != nil || len(candles) == 0 {
		return 0
	}
	last := candles[len(candles)-1]
	if last.Open == 0 {
		return 0
	}
	return (last.Close - last.Open) / last.Open * 100
}

// fanOut drives every symbol trader's Tick concurrently, bounded by
// MaxConcurrentTraders, isolating each trader's panic/failure from the
// rest (spec §4.9 step 3).
func (s *Scheduler) fanOut(ctx context.Context, globalRiskFactor, btc24hChangePct float64) {
	limit := int64(s.settings.MaxConcurrentTraders)
	if limit <= 0 {
		limit = 5
	}
	sem := semaphore.NewWeighted(limit)

	s.mu.Lock()
	symbols := make([]string, 0, len(s.traders))
	traders := make([]*trader.Trader, 0, len(s.traders))
	for symbol, tr := range s.traders {
		symbols = append(symbols, symbol)
		traders = append(traders, tr)
	}
	activeCount := len(symbols)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range traders {
		tr := traders[i]
		symbol := symbols[i]
		wg.Add(1)
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("symbol", symbol).Interface("panic", r).Msg("symbol trader panicked, isolated")
				}
			}()
			tr.Tick(ctx, trader.TickInput{
				GlobalRiskFactor:  globalRiskFactor,
				ActiveSymbolCount: activeCount,
				SentimentScore:    s.sentimentSource.Sentiment(symbol),
				BTC24hChangePct:   btc24hChangePct,
			})
			s.saveState(symbol, tr.DynamicRiskState())
		}()
	}
	wg.Wait()
}

// reloadIfChanged implements the config hot-reload diff (spec §4.9 step 1):
// added symbols get fresh traders, removed symbols are dropped.
func (s *Scheduler) reloadIfChanged(ctx context.Context) {
	fi, err := os.Stat(s.settings.ConfigPath)
	if err != nil {
		return
	}
	if !fi.ModTime().After(s.settings.ConfigMTime) {
		return
	}

	fresh, err := cfg.Load()
	if err != nil {
		log.Error().Err(err).Msg("config hot-reload failed, keeping previous settings")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(fresh.Symbols))
	for _, sym := range fresh.SymbolNames() {
		wanted[sym] = true
		if _, ok := s.traders[sym]; !ok {
			s.traders[sym] = s.newTrader(sym, s.loadState(sym))
			log.Info().Str("symbol", sym).Msg("hot-reload: symbol added")
		}
	}
	for sym := range s.traders {
		if !wanted[sym] {
			delete(s.traders, sym)
			log.Info().Str("symbol", sym).Msg("hot-reload: symbol removed")
		}
	}

	*s.settings = *fresh
	s.refreshMarkets(ctx)
}

func (s *Scheduler) refreshMarkets(ctx context.Context) {
	markets, err := s.client.LoadMarkets(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load markets failed, keeping previous lot/contract metadata")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, tr := range s.traders {
		if m, ok := markets[symbol]; ok {
			tr.SetMarket(m)
		}
	}
}

// emergencyCloseAll implements spec §4.8's hard global stop/take-profit:
// close every open position in parallel (best-effort, partial failures
// don't block the others) and terminate the process.
func (s *Scheduler) emergencyCloseAll(ctx context.Context, isTakeProfit bool) {
	reason := "hard stop-loss"
	if isTakeProfit {
		reason = "hard take-profit"
	}
	log.Warn().Str("reason", reason).Msg("global risk breach: closing all positions and terminating")

	positions, err := s.client.FetchPositions(ctx, s.settings.SymbolNames())
	if err != nil {
		log.Error().Err(err).Msg("emergency close: fetch positions failed")
	} else {
		var wg sync.WaitGroup
		for _, pos := range positions {
			if pos.SizeContracts == 0 {
				continue
			}
			p := pos
			wg.Add(1)
			go func() {
				defer wg.Done()
				closeSide := exchange.SideShort
				if p.Side == exchange.SideShort {
					closeSide = exchange.SideLong
				}
				if _, err := s.client.CreateMarketOrder(ctx, p.Symbol, closeSide, p.SizeContracts, exchange.OrderParams{ReduceOnly: true}); err != nil {
					log.Error().Err(err).Str("symbol", p.Symbol).Msg("emergency close order failed")
				}
			}()
		}
		wg.Wait()
	}

	// Risk-triggered stop, not a fatal error: exit 0 per the documented
	// exit code contract (0 = normal shutdown or risk-triggered stop,
	// nonzero = fatal init failure).
	os.Exit(0)
}

// SymbolSnapshot is one row of the text and HTTP/WebSocket dashboards.
type SymbolSnapshot struct {
	Symbol              string
	State               trader.State
	StopLoss            float64
	TakeProfit          float64
	ConsecutiveFailures int
	CircuitBreakerUntil time.Time
}

// Snapshot returns a point-in-time view of every symbol trader's state,
// used by the text dashboard and the HTTP/WebSocket dashboard (spec
// §4.9, §6.1).
func (s *Scheduler) Snapshot() []SymbolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SymbolSnapshot, 0, len(s.traders))
	for symbol, tr := range s.traders {
		state := tr.DynamicRiskState()
		out = append(out, SymbolSnapshot{
			Symbol:              symbol,
			State:               tr.State(),
			StopLoss:            state.StopLoss,
			TakeProfit:          state.TakeProfit,
			ConsecutiveFailures: state.ConsecutiveFailures,
			CircuitBreakerUntil: state.CircuitBreakerUntil,
		})
	}
	return out
}
