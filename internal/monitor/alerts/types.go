package alerts

import (
	"context"
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityWarning  AlertSeverity = "warning"
	SeverityLow      AlertSeverity = "low"
	SeverityInfo     AlertSeverity = "info"
)

// AlertStatus represents the current status of an alert instance
type AlertStatus string

const (
	StatusFiring       AlertStatus = "firing"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Active reports whether the status is non-terminal
func (s AlertStatus) Active() bool {
	return s == StatusFiring || s == StatusAcknowledged
}

// Operator compares an observed metric with a condition value
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "neq"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
)

// Aggregation reduces a series metric to a single value
type Aggregation string

const (
	AggregationNone  Aggregation = ""
	AggregationLast  Aggregation = "last"
	AggregationAvg   Aggregation = "avg"
	AggregationMin   Aggregation = "min"
	AggregationMax   Aggregation = "max"
	AggregationSum   Aggregation = "sum"
	AggregationCount Aggregation = "count"
)

// ActionType selects a notification channel
type ActionType string

const (
	ActionEmail     ActionType = "email"
	ActionSMS       ActionType = "sms"
	ActionWebhook   ActionType = "webhook"
	ActionSlack     ActionType = "slack"
	ActionPagerDuty ActionType = "pagerduty"
)

// RuleTarget selects what a rule watches. Name scopes metric lookups.
type RuleTarget struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// AlertCondition compares one snapshot metric against Value
type AlertCondition struct {
	Type        string        `json:"type"`
	Operator    Operator      `json:"operator"`
	Value       interface{}   `json:"value"`
	Duration    time.Duration `json:"duration,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
}

// AlertAction is one notification attached to a rule
type AlertAction struct {
	Type    ActionType             `json:"type"`
	Enabled bool                   `json:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// AlertRule is an operator-defined threshold rule. All conditions must hold for it to fire.
type AlertRule struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Enabled         bool             `json:"enabled"`
	Severity        AlertSeverity    `json:"severity"`
	Target          RuleTarget       `json:"target"`
	Conditions      []AlertCondition `json:"conditions"`
	Actions         []AlertAction    `json:"actions"`
	CooldownMinutes int              `json:"cooldown_minutes"`
	LastTriggered   *time.Time       `json:"last_triggered,omitempty"`
	TriggerCount    int              `json:"trigger_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Cooldown returns the rule cooldown as a duration
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// InCooldown reports whether now falls inside the cooldown window that
// started at the rule's last trigger
func (r *AlertRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil || r.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggered) < r.Cooldown()
}

// DeliveryResult is the outcome of one notification action
type DeliveryResult struct {
	ActionType ActionType    `json:"action_type"`
	Delivered  bool          `json:"delivered"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
}

// AlertInstance is one firing of a rule
type AlertInstance struct {
	ID             string                 `json:"id"`
	RuleID         string                 `json:"rule_id"`
	RuleName       string                 `json:"rule_name"`
	Severity       AlertSeverity          `json:"severity"`
	Status         AlertStatus            `json:"status"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	AckNotes       string                 `json:"ack_notes,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	Deliveries     []DeliveryResult       `json:"deliveries,omitempty"`
}

// Snapshot maps metric keys to observed values. Values are numbers, strings,
// or numeric slices for aggregated conditions.
type Snapshot map[string]interface{}

// Dispatcher delivers notifications for a fired alert
type Dispatcher interface {
	Dispatch(ctx context.Context, alert AlertInstance, actions []AlertAction) []DeliveryResult
}
