package notifiers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

// Config holds channel defaults. Per-action config overrides these.
type Config struct {
	Timeout     string          `yaml:"timeout"`
	MaxFailures int             `yaml:"max_failures"`
	Email       EmailConfig     `yaml:"email"`
	SMS         SMSConfig       `yaml:"sms"`
	Slack       SlackConfig     `yaml:"slack"`
	PagerDuty   PagerDutyConfig `yaml:"pagerduty"`
	Webhook     WebhookConfig   `yaml:"webhook"`
}

// GetTimeout returns the per-action timeout
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// EmailConfig represents email notification configuration
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ResendAPIKey string `yaml:"resend_api_key"`
	FromEmail    string `yaml:"from_email"`
	FromName     string `yaml:"from_name"`

	// Default recipients
	DefaultTo []string `yaml:"default_to"`

	// Templates
	SubjectTemplate string `yaml:"subject_template"`
	BodyTemplate    string `yaml:"body_template"`
}

// SMSConfig configures the Twilio-compatible SMS channel
type SMSConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	BaseURL    string `yaml:"base_url"`
}

// SlackConfig configures the Slack incoming-webhook channel
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// PagerDutyConfig configures the PagerDuty Events API v2 channel
type PagerDutyConfig struct {
	RoutingKey string `yaml:"routing_key"`
	EventsURL  string `yaml:"events_url"`
}

// WebhookConfig holds defaults for generic webhooks
type WebhookConfig struct {
	Headers map[string]string `yaml:"headers"`
}

// Message is the channel-neutral form of a fired alert
type Message struct {
	AlertID   string                 `json:"alert_id"`
	RuleID    string                 `json:"rule_id"`
	RuleName  string                 `json:"rule_name"`
	Severity  alerts.AlertSeverity   `json:"severity"`
	Status    alerts.AlertStatus     `json:"status"`
	Title     string                 `json:"title"`
	Text      string                 `json:"text"`
	Details   map[string]interface{} `json:"details,omitempty"`
	StartedAt time.Time              `json:"started_at"`
}

// NewMessage renders an alert instance as a Message
func NewMessage(alert alerts.AlertInstance) Message {
	return Message{
		AlertID:   alert.ID,
		RuleID:    alert.RuleID,
		RuleName:  alert.RuleName,
		Severity:  alert.Severity,
		Status:    alert.Status,
		Title:     fmt.Sprintf("%s [%s] %s", severityIcon(alert.Severity), strings.ToUpper(string(alert.Severity)), alert.RuleName),
		Text:      alert.Message,
		Details:   alert.Details,
		StartedAt: alert.StartedAt,
	}
}

// Channel delivers a message using channel-specific action config
type Channel interface {
	Type() alerts.ActionType
	Send(ctx context.Context, msg Message, config map[string]interface{}) error
}

func severityIcon(severity alerts.AlertSeverity) string {
	switch severity {
	case alerts.SeverityInfo, alerts.SeverityLow:
		return "ℹ️"
	case alerts.SeverityWarning:
		return "⚠️"
	case alerts.SeverityHigh, alerts.SeverityCritical:
		return "🚨"
	default:
		return "📋"
	}
}

func severityColor(severity alerts.AlertSeverity) string {
	switch severity {
	case alerts.SeverityInfo, alerts.SeverityLow:
		return "#17a2b8"
	case alerts.SeverityWarning:
		return "#ffc107"
	case alerts.SeverityHigh:
		return "#fd7e14"
	case alerts.SeverityCritical:
		return "#dc3545"
	default:
		return "#6c757d"
	}
}

// configString reads a string option from action config
func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// configStrings reads a list option given as a list or a comma separated string
func configStrings(cfg map[string]interface{}, key string) []string {
	if cfg == nil {
		return nil
	}
	var raw []string
	switch v := cfg[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// configHeaders reads a string map option
func configHeaders(cfg map[string]interface{}, key string) map[string]string {
	out := make(map[string]string)
	if cfg == nil {
		return out
	}
	switch v := cfg[key].(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]interface{}:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
