package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"tradingbot/internal/advisor"
	"tradingbot/internal/cfg"
	"tradingbot/internal/dashboard"
	"tradingbot/internal/exchange/okx"
	"tradingbot/internal/exec"
	"tradingbot/internal/market"
	"tradingbot/internal/metrics"
	"tradingbot/internal/notify"
	"tradingbot/internal/risk"
	"tradingbot/internal/scheduler"
	"tradingbot/internal/storage"
	"tradingbot/internal/trader"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	candles, err := storage.NewCandleStore(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("candle store initialization failed")
	}
	defer candles.Close()

	states := storage.NewSymbolStateStore(c.DataPath)

	pnl, err := storage.NewPnlWriter(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("pnl writer initialization failed, continuing without equity curve logging")
	}

	notifier := notify.New(c.NotifyWebhook, c.NotifyEnabled, c.NotifyCooldownSec)

	client := okx.NewClient(c.OKXAPIKey, c.OKXSecret, c.OKXPassword, c.TestMode)
	advisorClient := advisor.NewClient(c.DeepseekAPIKey, c.DeepseekBaseURL, c.DeepseekModel)

	var sim *exec.Simulator
	if c.TestMode {
		sim = exec.NewSimulator(c)
	}
	guard := exec.NewGuard(client, c, m, sim)

	newTrader := func(symbol string, state *risk.DynamicRiskState) *trader.Trader {
		observers := trader.ObserverList{
			&notifyObserver{notifier: notifier},
		}
		tr := trader.New(symbol, client, c, candles, advisorClient, guard, state, observers)
		tr.SetMetrics(m)
		return tr
	}

	globalState := states.LoadGlobalState()
	riskManager := risk.NewGlobalRiskManager(client, globalState, c.InitialBalanceUSDT, c.MaxProfitUSDT, c.MaxLossUSDT, c.MaxProfitRate, c.MaxLossRate, c.SymbolNames())

	var sched *scheduler.Scheduler
	sched = scheduler.New(client, c, riskManager, newTrader,
		states.LoadState,
		func(symbol string, state *risk.DynamicRiskState) {
			if err := states.SaveState(symbol, state); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("save symbol state failed")
			}
		},
		func(state *risk.GlobalRiskState) {
			if err := states.SaveGlobalState(state); err != nil {
				log.Error().Err(err).Msg("save global state failed")
			}
			if pnl != nil {
				result := sched.LastTickResult()
				if err := pnl.Append(time.Now(), result); err != nil {
					log.Error().Err(err).Msg("append pnl history failed")
				}
			}
		},
	)

	dash := dashboard.New(sched, c.DashboardPort)
	if err := dash.Start(); err != nil {
		log.Error().Err(err).Msg("dashboard start failed")
	}
	defer dash.Stop(context.Background())

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", c.MetricsPort),
			Handler: mux,
		}
		go func() {
			<-ctx.Done()
			server.Shutdown(context.Background())
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go sched.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully")
	cancel()
}

// notifyObserver bridges the per-symbol trader's lifecycle hooks to the
// outbound webhook notifier: an order fill or pipeline error becomes an
// alert message.
type notifyObserver struct {
	notifier *notify.Notifier
}

func (o *notifyObserver) OnTick(symbol string, frame *market.IndicatorFrame) {}

func (o *notifyObserver) OnTrade(symbol string, result exec.Result) {
	if result.Status != exec.StatusExecuted {
		return
	}
	o.notifier.Send(context.Background(), fmt.Sprintf("%s order executed", symbol), result.Summary)
}

func (o *notifyObserver) OnError(symbol string, err error) {
	o.notifier.Send(context.Background(), fmt.Sprintf("%s error", symbol), err.Error())
}

func (o *notifyObserver) Shutdown() {}
