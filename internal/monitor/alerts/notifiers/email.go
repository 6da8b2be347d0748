package notifiers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"text/template"

	"github.com/resend/resend-go/v2"

	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

// emailSender is the part of the Resend SDK the email channel uses
type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailChannel delivers alerts by email using the Resend API
type EmailChannel struct {
	config EmailConfig
	sender emailSender
}

// NewEmailChannel creates an email channel. Without an API key every send fails.
func NewEmailChannel(config EmailConfig) *EmailChannel {
	ch := &EmailChannel{config: config}
	if config.ResendAPIKey != "" {
		ch.sender = resend.NewClient(config.ResendAPIKey).Emails
	}
	return ch
}

func (e *EmailChannel) Type() alerts.ActionType { return alerts.ActionEmail }

// Send emails msg to the action's "to" recipients, falling back to default_to
func (e *EmailChannel) Send(ctx context.Context, msg Message, config map[string]interface{}) error {
	if !e.config.Enabled {
		return errors.New("email notifications are disabled")
	}
	if e.sender == nil {
		return errors.New("email channel has no Resend API key")
	}
	if e.config.FromEmail == "" {
		return errors.New("from email is required")
	}

	recipients := configStrings(config, "to")
	if len(recipients) == 0 {
		recipients = e.config.DefaultTo
	}
	if len(recipients) == 0 {
		return errors.New("no email recipients configured")
	}

	subject, err := e.subject(msg, configString(config, "subject"))
	if err != nil {
		return fmt.Errorf("failed to generate subject: %w", err)
	}

	htmlBody, textBody, err := e.body(msg)
	if err != nil {
		return fmt.Errorf("failed to generate email body: %w", err)
	}

	params := &resend.SendEmailRequest{
		From:    e.fromAddress(),
		To:      recipients,
		Subject: subject,
		Html:    htmlBody,
		Text:    textBody,
		Headers: map[string]string{
			"X-Alert-ID":       msg.AlertID,
			"X-Alert-Rule":     msg.RuleID,
			"X-Alert-Severity": string(msg.Severity),
		},
		Tags: []resend.Tag{
			{Name: "alert_rule", Value: tagValue(msg.RuleID)},
			{Name: "alert_severity", Value: string(msg.Severity)},
		},
	}

	if _, err := e.sender.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send email via Resend: %w", err)
	}
	return nil
}

func (e *EmailChannel) fromAddress() string {
	if e.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", e.config.FromName, e.config.FromEmail)
	}
	return e.config.FromEmail
}

func (e *EmailChannel) subject(msg Message, override string) (string, error) {
	switch {
	case override != "":
		return executeTemplate(override, msg)
	case e.config.SubjectTemplate != "":
		return executeTemplate(e.config.SubjectTemplate, msg)
	default:
		return msg.Title, nil
	}
}

func (e *EmailChannel) body(msg Message) (string, string, error) {
	if e.config.BodyTemplate != "" {
		body, err := executeTemplate(e.config.BodyTemplate, msg)
		return body, body, err
	}
	return htmlBody(msg), textBody(msg), nil
}

func htmlBody(msg Message) string {
	color := severityColor(msg.Severity)
	esc := html.EscapeString

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Healthwatch Alert</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background-color: white; padding: 20px; border-radius: 8px; }
        .header { border-bottom: 2px solid ` + color + `; padding-bottom: 10px; margin-bottom: 20px; }
        .severity { color: ` + color + `; font-weight: bold; font-size: 18px; }
        .details-table { width: 100%; border-collapse: collapse; }
        .details-table td { padding: 8px; border-bottom: 1px solid #dee2e6; }
        .details-table td:first-child { font-weight: bold; width: 30%; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>` + severityIcon(msg.Severity) + ` Healthwatch Alert</h1>
            <p class="severity">` + strings.ToUpper(string(msg.Severity)) + ` - ` + esc(msg.RuleName) + `</p>
        </div>
        <p><strong>Message:</strong> ` + esc(msg.Text) + `</p>
        <table class="details-table">
            <tr><td>Alert ID</td><td>` + esc(msg.AlertID) + `</td></tr>
            <tr><td>Rule</td><td>` + esc(msg.RuleID) + `</td></tr>
            <tr><td>Started At</td><td>` + msg.StartedAt.Format("2006-01-02 15:04:05 MST") + `</td></tr>`)

	for _, key := range sortedKeys(msg.Details) {
		fmt.Fprintf(&b, "\n            <tr><td>%s</td><td>%s</td></tr>", esc(key), esc(fmt.Sprint(msg.Details[key])))
	}

	b.WriteString(`
        </table>
    </div>
</body>
</html>`)
	return b.String()
}

func textBody(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s HEALTHWATCH ALERT - %s\n", severityIcon(msg.Severity), strings.ToUpper(string(msg.Severity)))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "Alert: %s\n", msg.RuleName)
	fmt.Fprintf(&b, "Message: %s\n\n", msg.Text)
	b.WriteString("DETAILS:\n")
	fmt.Fprintf(&b, "- Alert ID: %s\n", msg.AlertID)
	fmt.Fprintf(&b, "- Rule: %s\n", msg.RuleID)
	fmt.Fprintf(&b, "- Started At: %s\n", msg.StartedAt.Format("2006-01-02 15:04:05 MST"))
	for _, key := range sortedKeys(msg.Details) {
		fmt.Fprintf(&b, "- %s: %v\n", key, msg.Details[key])
	}
	return b.String()
}

func executeTemplate(tmplStr string, msg Message) (string, error) {
	tmpl, err := template.New("alert").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tagValue keeps Resend tag values to ASCII letters, digits, underscores and dashes
func tagValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}
