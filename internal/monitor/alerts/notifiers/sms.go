package notifiers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	maxSMSLength         = 1600
)

// SMSChannel sends text messages through the Twilio Messages API
type SMSChannel struct {
	config SMSConfig
	client *http.Client
}

func NewSMSChannel(config SMSConfig, client *http.Client) *SMSChannel {
	if config.BaseURL == "" {
		config.BaseURL = defaultTwilioBaseURL
	}
	return &SMSChannel{config: config, client: orDefaultClient(client)}
}

func (s *SMSChannel) Type() alerts.ActionType { return alerts.ActionSMS }

// Send texts every number in "to". "from" overrides the configured sender.
func (s *SMSChannel) Send(ctx context.Context, msg Message, config map[string]interface{}) error {
	if s.config.AccountSID == "" || s.config.AuthToken == "" {
		return errors.New("sms channel is missing Twilio credentials")
	}

	to := configStrings(config, "to")
	if len(to) == 0 {
		return errors.New("sms recipients are required")
	}
	from := configString(config, "from")
	if from == "" {
		from = s.config.From
	}
	if from == "" {
		return errors.New("sms sender number is required")
	}

	body := fmt.Sprintf("%s: %s", msg.Title, msg.Text)
	if len(body) > maxSMSLength {
		body = body[:maxSMSLength]
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.config.BaseURL, "/"), url.PathEscape(s.config.AccountSID))

	var errs []error
	for _, number := range to {
		form := url.Values{"To": {number}, "From": {from}, "Body": {body}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

		if err := do(s.client, req); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s failed: %w", number, err))
		}
	}
	return errors.Join(errs...)
}
