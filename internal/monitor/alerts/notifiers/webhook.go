package notifiers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

// WebhookChannel posts the alert as JSON to an arbitrary URL
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

func NewWebhookChannel(config WebhookConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{config: config, client: orDefaultClient(client)}
}

func (w *WebhookChannel) Type() alerts.ActionType { return alerts.ActionWebhook }

type webhookPayload struct {
	Event     string    `json:"event"`
	Alert     Message   `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

// Send requires "url"; "method" defaults to POST and "headers" extend the configured defaults
func (w *WebhookChannel) Send(ctx context.Context, msg Message, config map[string]interface{}) error {
	url := configString(config, "url")
	if url == "" {
		return errors.New("webhook url is required")
	}

	method := strings.ToUpper(configString(config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string, len(w.config.Headers))
	for k, v := range w.config.Headers {
		headers[k] = v
	}
	for k, v := range configHeaders(config, "headers") {
		headers[k] = v
	}

	payload := webhookPayload{
		Event:     "alert.fired",
		Alert:     msg,
		Timestamp: time.Now().UTC(),
	}
	if err := doJSON(ctx, w.client, method, url, headers, payload); err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}
