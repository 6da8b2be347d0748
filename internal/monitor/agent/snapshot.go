package agent

import (
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

// BuildSnapshot flattens provider statuses into the metric keys alert rules
// reference. Per provider: <p>.error_rate (percent), <p>.response_time (ms),
// <p>.status, <p>.success_count and <p>.error_count. Global keys aggregate
// over every provider.
func BuildSnapshot(statuses []health.IntegrationStatus) alerts.Snapshot {
	snapshot := alerts.Snapshot{}

	var successes, failures int64
	var down, degraded, healthy int
	responseTimes := make([]float64, 0, len(statuses))

	for _, st := range statuses {
		p := st.Provider
		snapshot[p+".error_rate"] = st.ErrorRate() * 100
		snapshot[p+".response_time"] = float64(st.ResponseTimeMs)
		snapshot[p+".status"] = string(st.Status)
		snapshot[p+".success_count"] = st.SuccessCount
		snapshot[p+".error_count"] = st.ErrorCount

		successes += st.SuccessCount
		failures += st.ErrorCount

		switch st.Status {
		case health.StatusDown:
			down++
		case health.StatusDegraded:
			degraded++
		case health.StatusHealthy:
			healthy++
		}

		if !st.LastCheck.IsZero() {
			responseTimes = append(responseTimes, float64(st.ResponseTimeMs))
		}
	}

	overall := health.IntegrationStatus{SuccessCount: successes, ErrorCount: failures}
	snapshot["error_rate"] = overall.ErrorRate() * 100
	snapshot["response_time"] = responseTimes
	snapshot["down_count"] = down
	snapshot["degraded_count"] = degraded
	snapshot["healthy_count"] = healthy

	return snapshot
}
