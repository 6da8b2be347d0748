// Package metrics exposes Prometheus instrumentation for healthwatch.
//
// The Recorder subscribes to the event bus and keeps its own registry, so
// several agents can coexist in one process (and in tests).
//
// Naming:
//   - healthwatch_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

var knownStatuses = []health.Status{
	health.StatusChecking,
	health.StatusHealthy,
	health.StatusDegraded,
	health.StatusDown,
}

// Recorder turns bus events into Prometheus metrics
type Recorder struct {
	registry *prometheus.Registry

	checksTotal          *prometheus.CounterVec
	checkDuration        *prometheus.HistogramVec
	integrationStatus    *prometheus.GaugeVec
	incidentsTotal       *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
}

// NewRecorder creates a recorder with a fresh registry that also carries
// the Go runtime and process collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthwatch_checks_total",
				Help: "Total health checks by provider and result.",
			},
			[]string{"provider", "result"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healthwatch_check_duration_seconds",
				Help:    "Duration of health checks in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		integrationStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healthwatch_integration_status",
				Help: "Current status per provider; exactly one status is 1.",
			},
			[]string{"provider", "status"},
		),
		incidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthwatch_incidents_total",
				Help: "Incidents created and resolved by severity.",
			},
			[]string{"severity", "action"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthwatch_alerts_total",
				Help: "Alert lifecycle transitions by severity.",
			},
			[]string{"severity", "action"},
		),
		notificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthwatch_notification_failures_total",
				Help: "Failed notification deliveries by channel.",
			},
			[]string{"channel"},
		),
	}

	r.registry.MustRegister(
		r.checksTotal,
		r.checkDuration,
		r.integrationStatus,
		r.incidentsTotal,
		r.alertsTotal,
		r.notificationFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the recorder's registry
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// HandleEvent implements events.Subscriber
func (r *Recorder) HandleEvent(e events.Event) error {
	switch e.Kind {
	case events.KindCheckCompleted:
		if outcome, ok := e.Payload.(events.CheckOutcome); ok {
			r.recordCheck(outcome)
		}
	case events.KindStatusChanged:
		if change, ok := e.Payload.(events.StatusChange); ok {
			r.setStatus(change.Provider, change.NewStatus)
		}
	case events.KindIncidentCreated:
		r.incidentsTotal.WithLabelValues(e.Severity, "created").Inc()
	case events.KindIncidentResolved:
		r.incidentsTotal.WithLabelValues(e.Severity, "resolved").Inc()
	case events.KindAlertFired:
		r.alertsTotal.WithLabelValues(e.Severity, "fired").Inc()
	case events.KindAlertAcknowledged:
		r.alertsTotal.WithLabelValues(e.Severity, "acknowledged").Inc()
	case events.KindAlertResolved:
		r.alertsTotal.WithLabelValues(e.Severity, "resolved").Inc()
	case events.KindNotificationFailed:
		if failure, ok := e.Payload.(events.DispatchFailure); ok {
			r.notificationFailures.WithLabelValues(failure.ActionType).Inc()
		}
	}
	return nil
}

func (r *Recorder) recordCheck(outcome events.CheckOutcome) {
	result := "success"
	if !outcome.Success {
		result = "failure"
	}
	r.checksTotal.WithLabelValues(outcome.Provider, result).Inc()
	r.checkDuration.WithLabelValues(outcome.Provider).Observe(outcome.ResponseTime.Seconds())
	if outcome.Status != "" {
		r.setStatus(outcome.Provider, outcome.Status)
	}
}

func (r *Recorder) setStatus(provider, status string) {
	for _, s := range knownStatuses {
		v := 0.0
		if string(s) == status {
			v = 1
		}
		r.integrationStatus.WithLabelValues(provider, string(s)).Set(v)
	}
}

// ForgetProvider drops every series for a removed provider
func (r *Recorder) ForgetProvider(provider string) {
	r.integrationStatus.DeletePartialMatch(prometheus.Labels{"provider": provider})
	r.checksTotal.DeletePartialMatch(prometheus.Labels{"provider": provider})
	r.checkDuration.DeletePartialMatch(prometheus.Labels{"provider": provider})
}
