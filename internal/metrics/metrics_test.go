package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradingbot/internal/exec"
)

func TestNewWithRegistry_ReturnsUsableMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)
	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}
}

func TestRecordOrder_IncrementsLabeledCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.RecordOrder("BTC-USDT-SWAP", exec.StatusExecuted)
	m.RecordOrder("BTC-USDT-SWAP", exec.StatusExecuted)
	m.RecordOrder("ETH-USDT-SWAP", exec.StatusHold)

	if v := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("BTC-USDT-SWAP", "EXECUTED")); v != 2 {
		t.Errorf("expected 2 executed orders for BTC-USDT-SWAP, got %f", v)
	}
	if v := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("ETH-USDT-SWAP", "HOLD")); v != 1 {
		t.Errorf("expected 1 hold for ETH-USDT-SWAP, got %f", v)
	}
}

func TestRecordGuardSkip_IncrementsByReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.RecordGuardSkip("BTC-USDT-SWAP", "cooldown")
	m.RecordGuardSkip("BTC-USDT-SWAP", "cooldown")
	m.RecordGuardSkip("BTC-USDT-SWAP", "slippage guard tripped")

	if v := testutil.ToFloat64(m.GuardSkipsTotal.WithLabelValues("BTC-USDT-SWAP", "cooldown")); v != 2 {
		t.Errorf("expected 2 cooldown skips, got %f", v)
	}
}

func TestRecordCircuitBreakerTrip_IncrementsPerSymbol(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.RecordCircuitBreakerTrip("BTC-USDT-SWAP")

	if v := testutil.ToFloat64(m.CircuitBreakerTripsTotal.WithLabelValues("BTC-USDT-SWAP")); v != 1 {
		t.Errorf("expected 1 circuit breaker trip, got %f", v)
	}
}

func TestUpdatePositions_CountsOnlyNonZero(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.UpdatePositions(map[string]float64{
		"BTC-USDT-SWAP": 0.5,
		"ETH-USDT-SWAP": -0.3,
		"SOL-USDT-SWAP": 0.0,
	})

	if v := testutil.ToFloat64(m.ActivePositions); v != 2 {
		t.Errorf("expected 2 active positions, got %f", v)
	}
}

func TestRecordRegime_IncrementsByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.RecordRegime("HIGH_VOL")
	m.RecordRegime("HIGH_VOL")
	m.RecordRegime("NORMAL")

	if v := testutil.ToFloat64(m.RegimeClassificationsTotal.WithLabelValues("HIGH_VOL")); v != 2 {
		t.Errorf("expected 2 HIGH_VOL classifications, got %f", v)
	}
}

func TestMetrics_SatisfiesExecMetricsRecorder(t *testing.T) {
	var _ exec.MetricsRecorder = NewWithRegistry(prometheus.NewRegistry())
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				m.RecordOrder("BTC-USDT-SWAP", exec.StatusExecuted)
				m.RecordGuardSkip("BTC-USDT-SWAP", "cooldown")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if v := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("BTC-USDT-SWAP", "EXECUTED")); v != 1000 {
		t.Errorf("expected 1000 executed orders after concurrent access, got %f", v)
	}
}
