package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
	"github.com/gmackie/control-panel-sub003/internal/monitor/storage"
)

func newTestAgent(t *testing.T, cfg *monitor.Config) *Agent {
	t.Helper()
	if cfg == nil {
		cfg = &monitor.Config{}
	}
	a, err := NewAgent(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

// switchProbe fails until healthy is set
type switchProbe struct {
	healthy atomic.Bool
}

func (p *switchProbe) Check(ctx context.Context, target health.Target) (health.ProbeResult, error) {
	if p.healthy.Load() {
		return health.ProbeResult{Success: true, ResponseTime: 5 * time.Millisecond}, nil
	}
	return health.ProbeResult{Success: false, ResponseTime: 5 * time.Millisecond, Error: "503 Service Unavailable"}, nil
}

func registerSwitch(t *testing.T, a *Agent, provider string) *switchProbe {
	t.Helper()
	probe := &switchProbe{}
	require.NoError(t, a.RegisterTarget(health.Target{Provider: provider, Interval: time.Hour, Timeout: time.Second}, probe))
	require.Eventually(t, func() bool {
		st, err := a.GetStatus(provider)
		return err == nil && !st.LastCheck.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	return probe
}

func TestBuildSnapshot(t *testing.T) {
	now := time.Now()
	snapshot := BuildSnapshot([]health.IntegrationStatus{
		{Provider: "gitea", Status: health.StatusDown, ErrorCount: 2, LastCheck: now},
		{Provider: "pending", Status: health.StatusChecking},
		{Provider: "stripe", Status: health.StatusHealthy, SuccessCount: 3, ErrorCount: 1, ResponseTimeMs: 200, LastCheck: now},
	})

	assert.Equal(t, 25.0, snapshot["stripe.error_rate"])
	assert.Equal(t, 200.0, snapshot["stripe.response_time"])
	assert.Equal(t, "healthy", snapshot["stripe.status"])
	assert.Equal(t, int64(3), snapshot["stripe.success_count"])
	assert.Equal(t, 100.0, snapshot["gitea.error_rate"])
	assert.Equal(t, "checking", snapshot["pending.status"])

	assert.Equal(t, 50.0, snapshot["error_rate"])
	assert.Equal(t, []float64{0, 200}, snapshot["response_time"])
	assert.Equal(t, 1, snapshot["down_count"])
	assert.Equal(t, 0, snapshot["degraded_count"])
	assert.Equal(t, 1, snapshot["healthy_count"])
}

func TestBuildSnapshotEmpty(t *testing.T) {
	snapshot := BuildSnapshot(nil)
	assert.Equal(t, 0.0, snapshot["error_rate"])
	assert.Equal(t, []float64{}, snapshot["response_time"])
	assert.Equal(t, 0, snapshot["down_count"])
}

func TestAgentFiresAndResolvesOnProviderHealth(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	a := newTestAgent(t, nil)
	probe := registerSwitch(t, a, "stripe")

	st, err := a.GetStatus("stripe")
	require.NoError(t, err)
	assert.Equal(t, health.StatusDown, st.Status)
	require.Len(t, a.GetOpenIncidents(), 1)

	rule, err := a.CreateAlertRule(alerts.AlertRule{
		Name:     "Stripe down",
		Severity: alerts.SeverityCritical,
		Target:   alerts.RuleTarget{Type: "integration", Name: "stripe"},
		Conditions: []alerts.AlertCondition{
			{Type: "status", Operator: alerts.OpEqual, Value: "down"},
		},
		Actions: []alerts.AlertAction{
			{Type: alerts.ActionWebhook, Enabled: true, Config: map[string]interface{}{"url": hook.URL}},
		},
	})
	require.NoError(t, err)

	decisions := a.Evaluate(context.Background())
	require.Len(t, decisions, 1)
	assert.Equal(t, alerts.DecisionFire, decisions[0].Action)

	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, rule.ID, active[0].RuleID)
	require.Len(t, active[0].Deliveries, 1)
	assert.True(t, active[0].Deliveries[0].Delivered)
	assert.EqualValues(t, 1, hits.Load())

	// Still down: no second instance
	a.Evaluate(context.Background())
	assert.Len(t, a.GetAlertInstances(rule.ID), 1)

	probe.healthy.Store(true)
	st, err = a.CheckNow(context.Background(), "stripe")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, st.Status)
	assert.Empty(t, a.GetOpenIncidents())

	decisions = a.Evaluate(context.Background())
	require.Len(t, decisions, 1)
	assert.Equal(t, alerts.DecisionResolve, decisions[0].Action)
	assert.Empty(t, a.GetActiveAlerts())

	history, err := a.GetIncidentHistory("stripe")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
}

func TestAgentGlobalMetricsRule(t *testing.T) {
	a := newTestAgent(t, nil)
	registerSwitch(t, a, "gitea")
	registerSwitch(t, a, "stripe").healthy.Store(true)
	_, err := a.CheckNow(context.Background(), "stripe")
	require.NoError(t, err)

	_, err = a.CreateAlertRule(alerts.AlertRule{
		Name:     "Anything down",
		Severity: alerts.SeverityHigh,
		Target:   alerts.RuleTarget{Type: "global"},
		Conditions: []alerts.AlertCondition{
			{Type: "down_count", Operator: alerts.OpGreaterOrEqual, Value: 1},
		},
	})
	require.NoError(t, err)

	a.Evaluate(context.Background())
	assert.Len(t, a.GetActiveAlerts(), 1)
}

func TestAgentAlertLifecycle(t *testing.T) {
	a := newTestAgent(t, nil)
	registerSwitch(t, a, "stripe")

	rule, err := a.CreateAlertRule(alerts.AlertRule{
		Name:       "Stripe errors",
		Severity:   alerts.SeverityWarning,
		Target:     alerts.RuleTarget{Type: "integration", Name: "stripe"},
		Conditions: []alerts.AlertCondition{{Type: "error_rate", Operator: alerts.OpGreaterThan, Value: 50}},
	})
	require.NoError(t, err)
	a.Evaluate(context.Background())

	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID

	acked, err := a.AcknowledgeAlert(id, "oncall", "looking")
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)

	_, err = a.AcknowledgeAlert(id, "oncall", "")
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)

	resolved, err := a.ResolveAlert(id)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)

	_, err = a.ResolveAlert("missing")
	assert.ErrorIs(t, err, alerts.ErrInstanceNotFound)

	require.NoError(t, a.DeleteAlertRule(rule.ID))
	_, err = a.GetAlertRule(rule.ID)
	assert.ErrorIs(t, err, alerts.ErrRuleNotFound)
}

func TestAgentUnknownProvider(t *testing.T) {
	a := newTestAgent(t, nil)

	_, err := a.GetStatus("nope")
	assert.ErrorIs(t, err, health.ErrTargetNotFound)
	_, err = a.GetIncidentHistory("nope")
	assert.ErrorIs(t, err, health.ErrTargetNotFound)
	_, err = a.CheckNow(context.Background(), "nope")
	assert.ErrorIs(t, err, health.ErrTargetNotFound)
	assert.ErrorIs(t, a.UnregisterTarget("nope"), health.ErrTargetNotFound)
}

func TestAgentLoadsConfiguredRules(t *testing.T) {
	cfg := &monitor.Config{
		Alerts: monitor.AlertsConfig{
			Enabled:  true,
			Schedule: "1h",
			Rules: []alerts.RuleConfig{{
				ID:         "anything-down",
				Name:       "Anything down",
				Severity:   alerts.SeverityCritical,
				Conditions: []alerts.ConditionConfig{{Type: "down_count", Operator: alerts.OpGreaterThan, Value: 0}},
			}},
		},
	}
	a := newTestAgent(t, cfg)

	rules := a.GetAlertRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "anything-down", rules[0].ID)
	assert.Len(t, a.cron.Entries(), 1)
}

func TestAgentRejectsBadSchedule(t *testing.T) {
	_, err := NewAgent(&monitor.Config{Alerts: monitor.AlertsConfig{Enabled: true, Schedule: "sometimes"}}, nil)
	assert.Error(t, err)
}

func TestAgentAuditRecordsEvents(t *testing.T) {
	cfg := &monitor.Config{
		Audit: monitor.AuditConfig{
			Enabled:         true,
			Driver:          storage.DriverSQLite,
			DSN:             filepath.Join(t.TempDir(), "audit", "audit.db"),
			Retention:       "7d",
			CleanupInterval: "1h",
		},
	}
	a := newTestAgent(t, cfg)
	registerSwitch(t, a, "stripe")

	require.Eventually(t, func() bool {
		records, err := a.ListAuditEvents(context.Background(), storage.EventFilter{Kind: string(events.KindIncidentCreated)})
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentAuditDisabled(t *testing.T) {
	a := newTestAgent(t, nil)
	_, err := a.ListAuditEvents(context.Background(), storage.EventFilter{})
	assert.ErrorIs(t, err, ErrAuditDisabled)
}

func TestAgentStartBackgroundRegistersChecks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	a := newTestAgent(t, &monitor.Config{
		Checks: []monitor.HTTPCheck{{
			Name:           "upstream",
			URL:            upstream.URL,
			Method:         http.MethodGet,
			Interval:       "1h",
			Timeout:        "2s",
			ExpectedStatus: http.StatusOK,
		}},
	})
	require.NoError(t, a.startBackground())

	require.Eventually(t, func() bool {
		st, err := a.GetStatus("upstream")
		return err == nil && st.Status == health.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.UnregisterTarget("upstream"))
	assert.Empty(t, a.GetAllStatuses())
}
