package notifiers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

const defaultPagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel triggers incidents through the Events API v2
type PagerDutyChannel struct {
	config PagerDutyConfig
	client *http.Client
}

func NewPagerDutyChannel(config PagerDutyConfig, client *http.Client) *PagerDutyChannel {
	if config.EventsURL == "" {
		config.EventsURL = defaultPagerDutyEventsURL
	}
	return &PagerDutyChannel{config: config, client: orDefaultClient(client)}
}

func (p *PagerDutyChannel) Type() alerts.ActionType { return alerts.ActionPagerDuty }

type pagerDutyPayload struct {
	Summary       string                 `json:"summary"`
	Source        string                 `json:"source"`
	Severity      string                 `json:"severity"`
	Timestamp     string                 `json:"timestamp"`
	Component     string                 `json:"component,omitempty"`
	CustomDetails map[string]interface{} `json:"custom_details,omitempty"`
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

func (p *PagerDutyChannel) Send(ctx context.Context, msg Message, config map[string]interface{}) error {
	key := configString(config, "routing_key")
	if key == "" {
		key = p.config.RoutingKey
	}
	if key == "" {
		return errors.New("pagerduty routing key is required")
	}

	event := pagerDutyEvent{
		RoutingKey:  key,
		EventAction: "trigger",
		DedupKey:    msg.AlertID,
		Payload: pagerDutyPayload{
			Summary:       fmt.Sprintf("%s: %s", msg.RuleName, msg.Text),
			Source:        "healthwatch",
			Severity:      pagerDutySeverity(msg.Severity),
			Timestamp:     msg.StartedAt.UTC().Format(time.RFC3339),
			Component:     msg.RuleID,
			CustomDetails: msg.Details,
		},
	}

	if err := doJSON(ctx, p.client, http.MethodPost, p.config.EventsURL, nil, event); err != nil {
		return fmt.Errorf("pagerduty delivery failed: %w", err)
	}
	return nil
}

// pagerDutySeverity maps onto the four levels the Events API accepts
func pagerDutySeverity(s alerts.AlertSeverity) string {
	switch s {
	case alerts.SeverityCritical, alerts.SeverityHigh:
		return "critical"
	case alerts.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
