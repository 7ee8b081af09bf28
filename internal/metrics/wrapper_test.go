package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestTimeAdvisorCall_NilMetricsReturnsNilTimer(t *testing.T) {
	timer := TimeAdvisorCall(nil)
	if timer != nil {
		t.Fatal("expected nil timer for nil metrics")
	}
	// Stop on a nil timer must not panic.
	timer.Stop(nil)
}

func TestTimeAdvisorCall_IncrementsCallsAndRecordsLatency(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	timer := TimeAdvisorCall(m)
	time.Sleep(time.Millisecond)
	timer.Stop(nil)

	if v := testutil.ToFloat64(m.AdvisorCallsTotal); v != 1 {
		t.Errorf("expected 1 advisor call, got %f", v)
	}
	if v := testutil.ToFloat64(m.AdvisorFailureTotal); v != 0 {
		t.Errorf("expected 0 advisor failures on success, got %f", v)
	}

	count, sum := histogramCount(t, m.AdvisorLatency)
	if count != 1 {
		t.Errorf("expected 1 latency observation, got %d", count)
	}
	if sum <= 0 {
		t.Error("expected positive latency sum")
	}
}

func TestTimeAdvisorCall_RecordsFailureOnError(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	timer := TimeAdvisorCall(m)
	timer.Stop(errors.New("advisor exhausted retries"))

	if v := testutil.ToFloat64(m.AdvisorFailureTotal); v != 1 {
		t.Errorf("expected 1 advisor failure, got %f", v)
	}
}

func histogramCount(t *testing.T, h prometheus.Histogram) (uint64, float64) {
	t.Helper()
	collected := make(chan prometheus.Metric, 1)
	h.Collect(collected)
	m := <-collected
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write histogram metric: %v", err)
	}
	return pb.GetHistogram().GetSampleCount(), pb.GetHistogram().GetSampleSum()
}
