package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
agent:
  listen_addr: 0.0.0.0:9191
health:
  default_interval: 30s
checks:
  - name: stripe
    url: https://status.stripe.com/api/v2/status.json
  - name: gitea
    url: https://git.example.com/api/healthz
    method: head
    interval: 15s
    timeout: 3s
    expected_status: 204
alerts:
  enabled: true
  rules_file: rules.yaml
  rules:
    - id: anything-down
      name: Anything down
      conditions:
        - type: down_count
          operator: gte
          value: 1
notifications:
  email:
    enabled: true
    from_email: alerts@example.com
audit:
  enabled: true
  driver: sqlite
  dsn: ":memory:"
  retention: 7d
`

const sampleRulesFile = `
rules:
  - id: slow-gitea
    name: Slow gitea
    target: {type: integration, name: gitea}
    conditions:
      - type: response_time
        operator: gt
        value: 2000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "healthwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(sampleRulesFile), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvListenAddr, "")
	t.Setenv(EnvFromName, "Ops Bot")
	t.Setenv("RESEND_API_KEY", "re_env_key")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9191", cfg.Agent.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.GetDefaultInterval())
	assert.Equal(t, 10*time.Second, cfg.GetDefaultTimeout())
	assert.Equal(t, 100, cfg.Health.MaxIncidentHistory)

	require.Len(t, cfg.Checks, 2)
	stripe := cfg.Checks[0]
	assert.Equal(t, "GET", stripe.Method)
	assert.Equal(t, 30*time.Second, stripe.GetInterval(), "inherits the default interval")
	assert.Equal(t, 200, stripe.ExpectedStatus)

	gitea := cfg.Checks[1]
	assert.Equal(t, "HEAD", gitea.Method)
	target := gitea.Target()
	assert.Equal(t, "gitea", target.Provider)
	assert.Equal(t, 15*time.Second, target.Interval)
	assert.Equal(t, 3*time.Second, target.Timeout)
	assert.Equal(t, "https://git.example.com/api/healthz", target.Labels["url"])

	assert.Equal(t, "@every 30s", cfg.Alerts.Schedule)
	assert.Equal(t, 1000, cfg.Alerts.MaxAlertHistory)
	rules, err := cfg.LoadAlertRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "anything-down", rules[0].ID)
	assert.Equal(t, "slow-gitea", rules[1].ID)

	assert.Equal(t, "re_env_key", cfg.Notifications.Email.ResendAPIKey)
	assert.Equal(t, "Ops Bot", cfg.Notifications.Email.FromName)
	assert.Equal(t, 10*time.Second, cfg.Notifications.GetTimeout())

	assert.Equal(t, 7*24*time.Hour, cfg.GetAuditRetention())
	assert.Equal(t, time.Hour, cfg.GetAuditCleanupInterval())
}

func TestLoadConfigEnvironmentListenAddr(t *testing.T) {
	t.Setenv(EnvListenAddr, "127.0.0.1:7000")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Agent.ListenAddr)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := map[string]Config{
		"missing check name": {Checks: []HTTPCheck{{URL: "http://x"}}},
		"missing url":        {Checks: []HTTPCheck{{Name: "x"}}},
		"duplicate check":    {Checks: []HTTPCheck{{Name: "x", URL: "http://x"}, {Name: "x", URL: "http://y"}}},
		"bad interval":       {Checks: []HTTPCheck{{Name: "x", URL: "http://x", Interval: "often"}}},
		"zero timeout":       {Checks: []HTTPCheck{{Name: "x", URL: "http://x", Timeout: "0s"}}},
		"bad status":         {Checks: []HTTPCheck{{Name: "x", URL: "http://x", ExpectedStatus: 42}}},
		"bad schedule":       {Alerts: AlertsConfig{Schedule: "every now and then"}},
		"bad driver":         {Audit: AuditConfig{Enabled: true, Driver: "postgres"}},
		"bad retention":      {Audit: AuditConfig{Enabled: true, Retention: "forever"}},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := cfg
			assert.Error(t, validateAndSetDefaults(&cfg))
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := &Config{Checks: []HTTPCheck{{Name: "stripe", URL: "https://stripe.com"}}}
	require.NoError(t, validateAndSetDefaults(cfg))

	path := filepath.Join(t.TempDir(), "nested", "healthwatch.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Checks, loaded.Checks)
}

func TestParseRetention(t *testing.T) {
	d, err := ParseRetention("30d")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	d, err = ParseRetention("36h")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	_, err = ParseRetention("0d")
	assert.Error(t, err)
}

func TestGetAlertSchedule(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultAlertSchedule, cfg.GetAlertSchedule())

	cfg.Alerts.Schedule = "45s"
	assert.Equal(t, "@every 45s", cfg.GetAlertSchedule())
	require.NoError(t, validateAndSetDefaults(cfg))

	cfg.Alerts.Schedule = "*/5 * * * *"
	assert.Equal(t, "*/5 * * * *", cfg.GetAlertSchedule())
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "healthwatch.yaml"))
	require.NoError(t, err)

	assert.Len(t, cfg.Checks, 2)
	assert.Equal(t, "@every 30s", cfg.GetAlertSchedule())

	rules, err := cfg.LoadAlertRules()
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}
