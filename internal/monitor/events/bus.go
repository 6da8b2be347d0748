// Package events is the single publish point for status, incident and alert
// lifecycle events. Delivery is synchronous and in registration order.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
)

// Kind identifies an event type
type Kind string

const (
	KindStatusChanged      Kind = "status.changed"
	KindCheckCompleted     Kind = "check.completed"
	KindIncidentCreated    Kind = "incident.created"
	KindIncidentResolved   Kind = "incident.resolved"
	KindAlertFired         Kind = "alert.fired"
	KindAlertAcknowledged  Kind = "alert.acknowledged"
	KindAlertResolved      Kind = "alert.resolved"
	KindNotificationFailed Kind = "notification.failed"
)

// Event is published through the Bus. Payload holds the typed object the
// event is about (StatusChange, CheckOutcome, an incident or an alert instance).
type Event struct {
	Kind      Kind        `json:"kind"`
	Subject   string      `json:"subject"`
	Severity  string      `json:"severity,omitempty"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// StatusChange is the payload of KindStatusChanged
type StatusChange struct {
	Provider  string `json:"provider"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// CheckOutcome is the payload of KindCheckCompleted
type CheckOutcome struct {
	Provider     string        `json:"provider"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	Status       string        `json:"status"`
}

// DispatchFailure is the payload of KindNotificationFailed
type DispatchFailure struct {
	AlertID    string `json:"alert_id"`
	RuleID     string `json:"rule_id"`
	ActionType string `json:"action_type"`
	Error      string `json:"error"`
}

// Publisher is what producers depend on
type Publisher interface {
	Publish(Event)
}

// Subscriber receives events
type Subscriber interface {
	HandleEvent(Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(Event) error

func (f SubscriberFunc) HandleEvent(e Event) error { return f(e) }

type subscription struct {
	id   uint64
	name string
	sub  Subscriber
}

// Bus fans events out to subscribers. A subscriber that fails or panics is
// logged and skipped; the remaining subscribers still receive the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *logging.Logger
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Subscribe registers s under name and returns a function that removes it
func (b *Bus) Subscribe(name string, s Subscriber) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, sub: s})
	b.mu.Unlock()

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber in registration order
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(s, e); err != nil {
			b.logger.Error("Event subscriber failed",
				"subscriber", s.name,
				"kind", e.Kind,
				"subject", e.Subject,
				"error", err)
		}
	}
}

func (b *Bus) deliver(s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.sub.HandleEvent(e)
}
