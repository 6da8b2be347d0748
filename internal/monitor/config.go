package monitor

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

// DefaultConfigPaths defines the default locations to search for configuration files
var DefaultConfigPaths = []string{
	"/etc/healthwatch/healthwatch.yaml",
	"/usr/local/etc/healthwatch/healthwatch.yaml",
	"./configs/healthwatch.yaml",
	"./healthwatch.yaml",
}

// Environment variables that override file settings
const (
	EnvListenAddr = "HEALTHWATCH_LISTEN_ADDR"
	EnvFromEmail  = "ALERT_FROM_EMAIL"
	EnvFromName   = "ALERT_FROM_NAME"
)

// DefaultAlertSchedule is how often alert rules are evaluated
const DefaultAlertSchedule = "@every 30s"

var validAuditDrivers = map[string]bool{
	"sqlite":  true,
	"sqlite3": true,
	"mysql":   true,
}

// LoadConfig loads the configuration from the specified path or default locations
func LoadConfig(configPath string) (*Config, error) {
	var config Config
	var configFile string
	var err error

	if configPath != "" {
		configFile = configPath
	} else {
		configFile, err = findConfigFile()
		if err != nil {
			return nil, fmt.Errorf("config file not found in default locations: %w", err)
		}
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	// A relative rules file is resolved next to the config file
	if config.Alerts.RulesFile != "" && !filepath.IsAbs(config.Alerts.RulesFile) {
		config.Alerts.RulesFile = filepath.Join(filepath.Dir(configFile), config.Alerts.RulesFile)
	}

	loadEnvironmentOverrides(&config, alerts.NewKeyManager(alerts.DefaultSecretsDir()))

	if err := validateAndSetDefaults(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// findConfigFile searches for a config file in default locations
func findConfigFile() (string, error) {
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found in default paths: %v", DefaultConfigPaths)
}

// secretSource resolves secrets from the environment or the secrets file
type secretSource interface {
	Get(key string) string
}

// loadEnvironmentOverrides applies environment variables and stored secrets
func loadEnvironmentOverrides(config *Config, secrets secretSource) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		config.Agent.ListenAddr = v
	}
	if v := os.Getenv(EnvFromEmail); v != "" {
		config.Notifications.Email.FromEmail = v
	}
	if v := os.Getenv(EnvFromName); v != "" {
		config.Notifications.Email.FromName = v
	}

	if v := secrets.Get(alerts.SecretResendAPIKey); v != "" {
		config.Notifications.Email.ResendAPIKey = v
	}
	if v := secrets.Get(alerts.SecretPagerDutyKey); v != "" {
		config.Notifications.PagerDuty.RoutingKey = v
	}
	if v := secrets.Get(alerts.SecretSlackWebhookURL); v != "" {
		config.Notifications.Slack.WebhookURL = v
	}
	if v := secrets.Get(alerts.SecretTwilioAuthToken); v != "" {
		config.Notifications.SMS.AuthToken = v
	}
}

// validateAndSetDefaults validates the configuration and sets default values
func validateAndSetDefaults(config *Config) error {
	// Agent defaults
	if config.Agent.ListenAddr == "" {
		config.Agent.ListenAddr = "127.0.0.1:9090"
	}

	// Health defaults
	if config.Health.DefaultInterval == "" {
		config.Health.DefaultInterval = "60s"
	}
	if config.Health.DefaultTimeout == "" {
		config.Health.DefaultTimeout = "10s"
	}
	if config.Health.MaxIncidentHistory <= 0 {
		config.Health.MaxIncidentHistory = 100
	}
	if _, err := parsePositiveDuration(config.Health.DefaultInterval); err != nil {
		return fmt.Errorf("invalid health default_interval: %w", err)
	}
	if _, err := parsePositiveDuration(config.Health.DefaultTimeout); err != nil {
		return fmt.Errorf("invalid health default_timeout: %w", err)
	}

	// Validate HTTP checks
	seen := make(map[string]bool, len(config.Checks))
	for i := range config.Checks {
		check := &config.Checks[i]
		if check.Name == "" {
			return fmt.Errorf("HTTP check %d: name is required", i)
		}
		if seen[check.Name] {
			return fmt.Errorf("HTTP check %s: duplicate name", check.Name)
		}
		seen[check.Name] = true
		if check.URL == "" {
			return fmt.Errorf("HTTP check %s: URL is required", check.Name)
		}
		if check.Method == "" {
			check.Method = http.MethodGet
		}
		check.Method = strings.ToUpper(check.Method)
		if check.Interval == "" {
			check.Interval = config.Health.DefaultInterval
		}
		if check.Timeout == "" {
			check.Timeout = config.Health.DefaultTimeout
		}
		if check.ExpectedStatus == 0 {
			check.ExpectedStatus = http.StatusOK
		}
		if check.ExpectedStatus < 100 || check.ExpectedStatus > 599 {
			return fmt.Errorf("HTTP check %s: invalid expected status code: %d", check.Name, check.ExpectedStatus)
		}

		if _, err := parsePositiveDuration(check.Interval); err != nil {
			return fmt.Errorf("HTTP check %s: invalid interval: %w", check.Name, err)
		}
		if _, err := parsePositiveDuration(check.Timeout); err != nil {
			return fmt.Errorf("HTTP check %s: invalid timeout: %w", check.Name, err)
		}
	}

	// Alert defaults
	if config.Alerts.Schedule == "" {
		config.Alerts.Schedule = DefaultAlertSchedule
	}
	if _, err := cron.ParseStandard(config.GetAlertSchedule()); err != nil {
		return fmt.Errorf("invalid alerts schedule %q: %w", config.Alerts.Schedule, err)
	}
	if config.Alerts.MaxAlertHistory <= 0 {
		config.Alerts.MaxAlertHistory = 1000
	}
	if _, err := alerts.ConvertRules(config.Alerts.Rules); err != nil {
		return fmt.Errorf("invalid inline alert rules: %w", err)
	}

	// Notification defaults
	if config.Notifications.Timeout == "" {
		config.Notifications.Timeout = "10s"
	}
	if _, err := parsePositiveDuration(config.Notifications.Timeout); err != nil {
		return fmt.Errorf("invalid notifications timeout: %w", err)
	}
	if config.Notifications.Email.Enabled && config.Notifications.Email.FromEmail == "" {
		return fmt.Errorf("notifications.email.from_email is required when email is enabled")
	}

	// Audit defaults
	if config.Audit.Driver == "" {
		config.Audit.Driver = "sqlite"
	}
	if config.Audit.DSN == "" {
		config.Audit.DSN = "/var/lib/healthwatch/audit.db"
	}
	if config.Audit.Retention == "" {
		config.Audit.Retention = "30d"
	}
	if config.Audit.CleanupInterval == "" {
		config.Audit.CleanupInterval = "1h"
	}
	if config.Audit.Enabled {
		if !validAuditDrivers[config.Audit.Driver] {
			return fmt.Errorf("unsupported audit driver %q", config.Audit.Driver)
		}
		if _, err := ParseRetention(config.Audit.Retention); err != nil {
			return fmt.Errorf("invalid audit retention: %w", err)
		}
		if _, err := parsePositiveDuration(config.Audit.CleanupInterval); err != nil {
			return fmt.Errorf("invalid audit cleanup_interval: %w", err)
		}
	}

	return nil
}

// SaveConfig saves the configuration to the specified file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	return nil
}

// LoadAlertRules returns the inline rules followed by those in the rules file
func (c *Config) LoadAlertRules() ([]alerts.AlertRule, error) {
	rules, err := alerts.ConvertRules(c.Alerts.Rules)
	if err != nil {
		return nil, err
	}
	if c.Alerts.RulesFile == "" {
		return rules, nil
	}

	fromFile, err := alerts.LoadRules(c.Alerts.RulesFile)
	if err != nil {
		return nil, err
	}
	return append(rules, fromFile...), nil
}

// GetDefaultInterval returns the scheduler's default check interval
func (c *Config) GetDefaultInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Health.DefaultInterval)
	return duration
}

// GetDefaultTimeout returns the scheduler's default probe timeout
func (c *Config) GetDefaultTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Health.DefaultTimeout)
	return duration
}

// GetAlertSchedule returns the evaluation schedule in cron form. A bare
// duration such as "30s" becomes "@every 30s".
func (c *Config) GetAlertSchedule() string {
	schedule := strings.TrimSpace(c.Alerts.Schedule)
	if schedule == "" {
		return DefaultAlertSchedule
	}
	if _, err := time.ParseDuration(schedule); err == nil {
		return "@every " + schedule
	}
	return schedule
}

// GetAuditRetention returns how long audit events are kept
func (c *Config) GetAuditRetention() time.Duration {
	duration, _ := ParseRetention(c.Audit.Retention)
	return duration
}

// GetAuditCleanupInterval returns how often expired audit events are removed
func (c *Config) GetAuditCleanupInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Audit.CleanupInterval)
	return duration
}

// ParseRetention parses a Go duration or a whole number of days such as "30d"
func ParseRetention(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid retention %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return parsePositiveDuration(s)
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
