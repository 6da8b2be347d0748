package notifiers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

func NewSlackChannel(config SlackConfig, client *http.Client) *SlackChannel {
	return &SlackChannel{config: config, client: orDefaultClient(client)}
}

func (s *SlackChannel) Type() alerts.ActionType { return alerts.ActionSlack }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackChannel) Send(ctx context.Context, msg Message, config map[string]interface{}) error {
	url := configString(config, "webhook_url")
	if url == "" {
		url = s.config.WebhookURL
	}
	if url == "" {
		return errors.New("slack webhook url is required")
	}

	channel := configString(config, "channel")
	if channel == "" {
		channel = s.config.Channel
	}

	fields := []slackField{
		{Title: "Severity", Value: string(msg.Severity), Short: true},
		{Title: "Rule", Value: msg.RuleName, Short: true},
	}
	for _, key := range sortedKeys(msg.Details) {
		fields = append(fields, slackField{Title: key, Value: fmt.Sprint(msg.Details[key]), Short: true})
	}

	payload := slackPayload{
		Text:     msg.Title,
		Channel:  channel,
		Username: s.config.Username,
		Attachments: []slackAttachment{{
			Color:  severityColor(msg.Severity),
			Title:  msg.RuleName,
			Text:   msg.Text,
			Fields: fields,
			Ts:     msg.StartedAt.Unix(),
		}},
	}

	if err := doJSON(ctx, s.client, http.MethodPost, url, nil, payload); err != nil {
		return fmt.Errorf("slack delivery failed: %w", err)
	}
	return nil
}
