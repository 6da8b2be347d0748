package monitor

import (
	"time"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts/notifiers"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
)

// Config represents the healthwatch agent configuration
type Config struct {
	Agent         AgentConfig      `yaml:"agent"`
	Health        HealthConfig     `yaml:"health"`
	Checks        []HTTPCheck      `yaml:"checks"`
	Alerts        AlertsConfig     `yaml:"alerts"`
	Notifications notifiers.Config `yaml:"notifications"`
	Audit         AuditConfig      `yaml:"audit"`
}

// AgentConfig represents agent-specific configuration
type AgentConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	Debug       bool     `yaml:"debug"`
	LogFile     string   `yaml:"log_file"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// HealthConfig holds scheduler defaults
type HealthConfig struct {
	DefaultInterval    string `yaml:"default_interval"`
	DefaultTimeout     string `yaml:"default_timeout"`
	MaxIncidentHistory int    `yaml:"max_incident_history"`
}

// HTTPCheck represents a single HTTP health check configuration.
// Name doubles as the provider key.
type HTTPCheck struct {
	Name               string            `yaml:"name"`
	URL                string            `yaml:"url"`
	Method             string            `yaml:"method"`
	Interval           string            `yaml:"interval"`
	Timeout            string            `yaml:"timeout"`
	ExpectedStatus     int               `yaml:"expected_status"`
	Headers            map[string]string `yaml:"headers,omitempty"`
	Labels             map[string]string `yaml:"labels,omitempty"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
}

// AlertsConfig represents alerting configuration
type AlertsConfig struct {
	Enabled         bool                `yaml:"enabled"`
	Schedule        string              `yaml:"schedule"`
	MaxAlertHistory int                 `yaml:"max_alert_history"`
	RulesFile       string              `yaml:"rules_file"`
	Rules           []alerts.RuleConfig `yaml:"rules"`
}

// AuditConfig configures the SQL event audit log
type AuditConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	Retention       string `yaml:"retention"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// GetInterval parses and returns the check interval as a duration
func (check *HTTPCheck) GetInterval() time.Duration {
	duration, _ := time.ParseDuration(check.Interval)
	return duration
}

// GetTimeout parses and returns the check timeout as a duration
func (check *HTTPCheck) GetTimeout() time.Duration {
	duration, _ := time.ParseDuration(check.Timeout)
	return duration
}

// Target converts the check into a scheduler target
func (check *HTTPCheck) Target() health.Target {
	labels := map[string]string{"url": check.URL}
	for k, v := range check.Labels {
		labels[k] = v
	}
	return health.Target{
		Provider: check.Name,
		Interval: check.GetInterval(),
		Timeout:  check.GetTimeout(),
		Labels:   labels,
	}
}
