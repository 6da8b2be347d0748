package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

func newTestServer(t *testing.T) (*Agent, *httptest.Server) {
	t.Helper()
	a := newTestAgent(t, nil)
	srv := httptest.NewServer(a.server.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

const stripeRuleJSON = `{
	"name": "Stripe down",
	"severity": "critical",
	"target": {"type": "integration", "name": "stripe"},
	"conditions": [{"type": "status", "operator": "eq", "value": "down"}],
	"cooldown_minutes": 5
}`

func TestServerHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestServerRuleCRUD(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/rules", stripeRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created alerts.AlertRule
	decode(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 5, created.CooldownMinutes)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/rules/"+created.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodPatch, srv.URL+"/api/v1/rules/"+created.ID, `{"enabled": false, "name": "Stripe outage"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated alerts.AlertRule
	decode(t, resp, &updated)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "Stripe outage", updated.Name)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/rules", "")
	var rules []alerts.AlertRule
	decode(t, resp, &rules)
	assert.Len(t, rules, 1)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/v1/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRuleConditionsRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	rule := `{
		"name": "Slow providers",
		"target": {"type": "global"},
		"conditions": [{"type": "response_time", "operator": "gt", "value": 2000, "aggregation": "avg", "duration": "5m"}]
	}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created alerts.AlertRule
	decode(t, resp, &created)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/rules/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	decode(t, resp, &raw)
	assert.Contains(t, string(raw.Conditions), `"duration":"5m0s"`)

	patch := `{"conditions": ` + string(raw.Conditions) + `}`
	resp = doRequest(t, http.MethodPatch, srv.URL+"/api/v1/rules/"+created.ID, patch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated alerts.AlertRule
	decode(t, resp, &updated)
	require.Len(t, updated.Conditions, 1)
	assert.Equal(t, 5*time.Minute, updated.Conditions[0].Duration)
}

func TestServerRejectsInvalidRules(t *testing.T) {
	_, srv := newTestServer(t)

	tests := map[string]string{
		"malformed json":    `{"name":`,
		"missing name":      `{"conditions": [{"type": "status", "operator": "eq", "value": "down"}]}`,
		"bad operator":      `{"name": "x", "conditions": [{"type": "status", "operator": "approx", "value": 1}]}`,
		"no conditions":     `{"name": "x"}`,
		"bad duration":      `{"name": "x", "conditions": [{"type": "status", "operator": "eq", "value": 1, "duration": "soon"}]}`,
		"bad action type":   `{"name": "x", "conditions": [{"type": "s", "operator": "eq", "value": 1}], "actions": [{"type": "fax"}]}`,
		"negative cooldown": `{"name": "x", "conditions": [{"type": "s", "operator": "eq", "value": 1}], "cooldown_minutes": -1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/rules", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServerNotFound(t *testing.T) {
	_, srv := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/integrations/nope"},
		{http.MethodPost, "/api/v1/integrations/nope/check"},
		{http.MethodGet, "/api/v1/integrations/nope/incidents"},
		{http.MethodPatch, "/api/v1/rules/nope"},
		{http.MethodDelete, "/api/v1/rules/nope"},
		{http.MethodGet, "/api/v1/alerts/nope"},
		{http.MethodPost, "/api/v1/alerts/nope/acknowledge"},
		{http.MethodPost, "/api/v1/alerts/nope/resolve"},
	} {
		body := ""
		if tc.method == http.MethodPatch {
			body = `{"enabled": false}`
		}
		resp := doRequest(t, tc.method, srv.URL+tc.path, body)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestServerAlertFlow(t *testing.T) {
	a, srv := newTestServer(t)
	probe := registerSwitch(t, a, "stripe")

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/rules", stripeRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/evaluate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evaluated struct {
		Decisions []alerts.Decision      `json:"decisions"`
		Active    []alerts.AlertInstance `json:"active"`
	}
	decode(t, resp, &evaluated)
	require.Len(t, evaluated.Decisions, 1)
	assert.Equal(t, alerts.DecisionFire, evaluated.Decisions[0].Action)
	require.Len(t, evaluated.Active, 1)
	id := evaluated.Active[0].ID

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/alerts/active", "")
	var active []alerts.AlertInstance
	decode(t, resp, &active)
	assert.Len(t, active, 1)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/"+id+"/acknowledge", `{"user": "oncall", "notes": "on it"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acked alerts.AlertInstance
	decode(t, resp, &acked)
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)
	assert.Equal(t, "oncall", acked.AcknowledgedBy)
	assert.Equal(t, "on it", acked.AckNotes)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/"+id+"/acknowledge", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/alerts?rule_id="+evaluated.Active[0].RuleID, "")
	var instances []alerts.AlertInstance
	decode(t, resp, &instances)
	require.Len(t, instances, 1)
	assert.Equal(t, alerts.StatusResolved, instances[0].Status)

	probe.healthy.Store(true)
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/v1/integrations/stripe/check", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status health.IntegrationStatus
	decode(t, resp, &status)
	assert.Equal(t, health.StatusHealthy, status.Status)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/integrations/stripe/incidents", "")
	var incidents []health.Incident
	decode(t, resp, &incidents)
	require.Len(t, incidents, 1)
	assert.True(t, incidents[0].Resolved)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/incidents", "")
	var open []health.Incident
	decode(t, resp, &open)
	assert.Empty(t, open)
}

func TestServerIntegrations(t *testing.T) {
	a, srv := newTestServer(t)
	registerSwitch(t, a, "gitea")

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/integrations", "")
	var statuses []health.IntegrationStatus
	decode(t, resp, &statuses)
	require.Len(t, statuses, 1)
	assert.Equal(t, "gitea", statuses[0].Provider)
	assert.Equal(t, health.StatusDown, statuses[0].Status)
}

func TestServerDispatchFailuresAndEvents(t *testing.T) {
	a, srv := newTestServer(t)
	registerSwitch(t, a, "stripe")

	// The webhook action has no url, so every delivery fails
	rule := `{
		"name": "Stripe down",
		"target": {"type": "integration", "name": "stripe"},
		"conditions": [{"type": "status", "operator": "eq", "value": "down"}],
		"actions": [{"type": "webhook", "config": {}}]
	}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	doRequest(t, http.MethodPost, srv.URL+"/api/v1/evaluate", "")

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/notifications/failures", "")
	var failures []map[string]interface{}
	decode(t, resp, &failures)
	require.Len(t, failures, 1)
	assert.Equal(t, "webhook", failures[0]["action_type"])

	// Audit is disabled in this agent
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerMetricsAndCORS(t *testing.T) {
	a, srv := newTestServer(t)
	registerSwitch(t, a, "stripe")

	// Events reach the recorder just after the status is stored
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), `healthwatch_integration_status{provider="stripe",status="down"} 1`)
	}, 2*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/rules", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer preflight.Body.Close()
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}
