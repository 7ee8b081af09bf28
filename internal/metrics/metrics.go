// Package metrics provides Prometheus metrics collection for the trading
// bot. It defines and manages every counter/gauge/histogram exposed via
// the Prometheus metrics endpoint: order execution, the Execution
// Guard's skip/circuit-breaker decisions, advisor latency, and the
// regime classifications the indicator pipeline produces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradingbot/internal/exec"
)

// Metrics holds every Prometheus metric for the trading bot.
type Metrics struct {
	// Trading / Execution Guard metrics
	OrdersTotal             *prometheus.CounterVec // labeled by symbol, status
	GuardSkipsTotal         *prometheus.CounterVec // labeled by symbol, reason
	CircuitBreakerTripsTotal *prometheus.CounterVec // labeled by symbol
	ActivePositions         prometheus.Gauge
	OrderExecutionDuration  prometheus.Histogram

	// Global risk metrics
	Equity           prometheus.Gauge
	GlobalRiskFactor prometheus.Gauge
	DrawdownBreached prometheus.Counter

	// Advisor metrics
	AdvisorCallsTotal   prometheus.Counter
	AdvisorFailureTotal prometheus.Counter
	AdvisorLatency      prometheus.Histogram

	// Indicator pipeline metrics
	RegimeClassificationsTotal *prometheus.CounterVec // labeled by regime
	PipelineErrorsTotal        prometheus.Counter

	ErrorsTotal prometheus.Counter
}

var _ exec.MetricsRecorder = (*Metrics)(nil)

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, so tests can
// register metrics in isolation without colliding with the package-level
// default registry across test runs.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of Execution Guard order outcomes, labeled by symbol and status",
		}, []string{"symbol", "status"}),
		GuardSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_skips_total",
			Help: "Total number of Execution Guard holds/skips, labeled by symbol and reason",
		}, []string{"symbol", "reason"}),
		CircuitBreakerTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of times a symbol's order-retry circuit breaker tripped",
		}, []string{"symbol"}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of symbols currently holding an open position",
		}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order placement calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "account_equity_usd",
			Help: "Current account equity in USD, as reconciled by the Global Risk Manager",
		}),
		GlobalRiskFactor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "global_risk_factor",
			Help: "Current global risk factor applied to new position sizing (1.0 normal, 0.5 under daily-profit-lock)",
		}),
		DrawdownBreached: factory.NewCounter(prometheus.CounterOpts{
			Name: "daily_drawdown_breached_total",
			Help: "Total number of ticks where the daily drawdown advisory circuit was active",
		}),
		AdvisorCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "advisor_calls_total",
			Help: "Total number of advisor decision calls made",
		}),
		AdvisorFailureTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "advisor_failures_total",
			Help: "Total number of advisor calls that exhausted retries without a decision",
		}),
		AdvisorLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "advisor_latency_seconds",
			Help:    "Advisor decision call latency in seconds, including retries",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		RegimeClassificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regime_classifications_total",
			Help: "Total number of indicator pipeline runs, labeled by classified regime",
		}, []string{"regime"}),
		PipelineErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of indicator pipeline run failures",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered across the bot",
		}),
	}
}

// RecordOrder implements exec.MetricsRecorder.
func (m *Metrics) RecordOrder(symbol string, status exec.Status) {
	m.OrdersTotal.WithLabelValues(symbol, string(status)).Inc()
}

// RecordGuardSkip implements exec.MetricsRecorder.
func (m *Metrics) RecordGuardSkip(symbol, reason string) {
	m.GuardSkipsTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordCircuitBreakerTrip implements exec.MetricsRecorder.
func (m *Metrics) RecordCircuitBreakerTrip(symbol string) {
	m.CircuitBreakerTripsTotal.WithLabelValues(symbol).Inc()
}

// UpdatePositions sets ActivePositions from a symbol->position-size map.
func (m *Metrics) UpdatePositions(positions map[string]float64) {
	count := 0
	for _, pos := range positions {
		if pos != 0 {
			count++
		}
	}
	m.ActivePositions.Set(float64(count))
}

// RecordRegime records one pipeline run's classified regime.
func (m *Metrics) RecordRegime(regime string) {
	m.RegimeClassificationsTotal.WithLabelValues(regime).Inc()
}
