package metrics

import "time"

// AdvisorTimer instruments one advisor.Decide call: starts a timer on
// construction, and Stop records the elapsed latency plus a
// success/failure counter increment.
type AdvisorTimer struct {
	m     *Metrics
	start time.Time
}

// TimeAdvisorCall begins timing an advisor call. m may be nil (metrics
// disabled), in which case the returned timer's Stop is a no-op.
func TimeAdvisorCall(m *Metrics) *AdvisorTimer {
	if m == nil {
		return nil
	}
	m.AdvisorCallsTotal.Inc()
	return &AdvisorTimer{m: m, start: time.Now()}
}

// Stop records latency and, if err is non-nil, increments the failure
// counter. Safe to call on a nil timer (no-op), so callers that skip
// TimeAdvisorCall don't need a nil check at every call site.
func (t *AdvisorTimer) Stop(err error) {
	if t == nil {
		return
	}
	t.m.AdvisorLatency.Observe(time.Since(t.start).Seconds())
	if err != nil {
		t.m.AdvisorFailureTotal.Inc()
	}
}
