package notifiers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 500
)

// Failure records one failed notification attempt
type Failure struct {
	AlertID    string            `json:"alert_id"`
	RuleID     string            `json:"rule_id"`
	RuleName   string            `json:"rule_name"`
	ActionType alerts.ActionType `json:"action_type"`
	Error      string            `json:"error"`
	At         time.Time         `json:"at"`
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Timeout     time.Duration
	MaxFailures int
	Publisher   events.Publisher
	Logger      *logging.Logger
	Now         func() time.Time
}

// Dispatcher runs a fired alert's enabled actions concurrently. Each action
// is bounded by its own timeout and its failure never affects the others.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[alerts.ActionType]Channel
	failures []Failure

	timeout     time.Duration
	maxFailures int
	publisher   events.Publisher
	logger      *logging.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher with the given channels
func NewDispatcher(opts DispatcherOptions, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels:    make(map[alerts.ActionType]Channel),
		timeout:     opts.Timeout,
		maxFailures: opts.MaxFailures,
		publisher:   opts.Publisher,
		logger:      logging.OrNop(opts.Logger),
		now:         opts.Now,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.maxFailures <= 0 {
		d.maxFailures = DefaultMaxFailures
	}
	if d.now == nil {
		d.now = time.Now
	}
	for _, ch := range channels {
		d.Register(ch)
	}
	return d
}

// NewFromConfig builds a dispatcher with every built-in channel. Channels
// missing credentials report that as a dispatch failure when used.
func NewFromConfig(cfg Config, publisher events.Publisher, logger *logging.Logger) *Dispatcher {
	timeout := cfg.GetTimeout()
	client := &http.Client{Timeout: timeout}

	return NewDispatcher(DispatcherOptions{
		Timeout:     timeout,
		MaxFailures: cfg.MaxFailures,
		Publisher:   publisher,
		Logger:      logger,
	},
		NewEmailChannel(cfg.Email),
		NewSMSChannel(cfg.SMS, client),
		NewWebhookChannel(cfg.Webhook, client),
		NewSlackChannel(cfg.Slack, client),
		NewPagerDutyChannel(cfg.PagerDuty, client),
	)
}

// Register adds or replaces the channel for its action type
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Type()] = ch
}

// Dispatch sends alert through every enabled action and waits for all of them
func (d *Dispatcher) Dispatch(ctx context.Context, alert alerts.AlertInstance, actions []alerts.AlertAction) []alerts.DeliveryResult {
	msg := NewMessage(alert)

	enabled := make([]alerts.AlertAction, 0, len(actions))
	for _, a := range actions {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}

	results := make([]alerts.DeliveryResult, len(enabled))
	var wg sync.WaitGroup
	for i, action := range enabled {
		wg.Add(1)
		go func(i int, action alerts.AlertAction) {
			defer wg.Done()
			results[i] = d.send(ctx, msg, action)
		}(i, action)
	}
	wg.Wait()

	for _, r := range results {
		if r.Delivered {
			d.logger.Info("Notification sent", "alert_id", alert.ID, "channel", r.ActionType, "duration", r.Duration)
			continue
		}
		d.recordFailure(alert, r)
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, msg Message, action alerts.AlertAction) (result alerts.DeliveryResult) {
	start := time.Now()
	result = alerts.DeliveryResult{ActionType: action.Type, At: d.now()}

	defer func() {
		if r := recover(); r != nil {
			result.Delivered = false
			result.Error = fmt.Sprintf("channel panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	d.mu.RLock()
	ch, ok := d.channels[action.Type]
	d.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("no channel registered for %q", action.Type)
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ch.Send(sendCtx, msg, action.Config); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Delivered = true
	return result
}

func (d *Dispatcher) recordFailure(alert alerts.AlertInstance, r alerts.DeliveryResult) {
	f := Failure{
		AlertID:    alert.ID,
		RuleID:     alert.RuleID,
		RuleName:   alert.RuleName,
		ActionType: r.ActionType,
		Error:      r.Error,
		At:         r.At,
	}

	d.mu.Lock()
	d.failures = append(d.failures, f)
	if over := len(d.failures) - d.maxFailures; over > 0 {
		d.failures = append([]Failure(nil), d.failures[over:]...)
	}
	d.mu.Unlock()

	d.logger.Error("Notification failed",
		"alert_id", alert.ID,
		"rule", alert.RuleName,
		"channel", r.ActionType,
		"error", r.Error)

	if d.publisher != nil {
		d.publisher.Publish(events.Event{
			Kind:     events.KindNotificationFailed,
			Subject:  alert.RuleID,
			Severity: string(alert.Severity),
			Message:  fmt.Sprintf("%s notification for %s failed: %s", r.ActionType, alert.RuleName, r.Error),
			Payload: events.DispatchFailure{
				AlertID:    alert.ID,
				RuleID:     alert.RuleID,
				ActionType: string(r.ActionType),
				Error:      r.Error,
			},
		})
	}
}

// Failures returns recorded dispatch failures, newest last
func (d *Dispatcher) Failures() []Failure {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Failure(nil), d.failures...)
}
