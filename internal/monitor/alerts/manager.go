package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
)

var (
	// ErrInstanceNotFound is returned when an alert instance id is unknown
	ErrInstanceNotFound = errors.New("alert instance not found")
	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids
	ErrInvalidTransition = errors.New("invalid alert state transition")
)

// DefaultMaxAlertHistory caps the number of retained alert instances
const DefaultMaxAlertHistory = 1000

// ManagerOptions configures a Manager
type ManagerOptions struct {
	Rules      *RuleStore
	Dispatcher Dispatcher
	Publisher  events.Publisher
	Logger     *logging.Logger
	Now        func() time.Time
	MaxHistory int
}

// Manager owns alert instances: creation on fire, acknowledgment and
// resolution. At most one instance per rule is firing at any time.
type Manager struct {
	// evalMu serializes scheduled and on-demand evaluations
	evalMu sync.Mutex

	mu        sync.RWMutex
	instances map[string]*AlertInstance
	order     []string
	// firing maps rule id to its firing instance id
	firing map[string]string

	rules      *RuleStore
	engine     *Engine
	dispatcher Dispatcher
	publisher  events.Publisher
	logger     *logging.Logger
	now        func() time.Time
	maxHistory int
}

// NewManager creates a manager and its rule engine
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		instances:  make(map[string]*AlertInstance),
		firing:     make(map[string]string),
		rules:      opts.Rules,
		dispatcher: opts.Dispatcher,
		publisher:  opts.Publisher,
		logger:     logging.OrNop(opts.Logger),
		now:        opts.Now,
		maxHistory: opts.MaxHistory,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.rules == nil {
		m.rules = NewRuleStore(m.now)
	}
	if m.maxHistory <= 0 {
		m.maxHistory = DefaultMaxAlertHistory
	}
	m.engine = NewEngine(m, m.now, m.logger)
	return m
}

// Rules returns the rule store
func (m *Manager) Rules() *RuleStore { return m.rules }

// Evaluate runs the engine over every rule and applies its decisions
func (m *Manager) Evaluate(ctx context.Context, snapshot Snapshot) []Decision {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	decisions := m.engine.Evaluate(m.rules.List(), snapshot)
	m.Apply(ctx, decisions)
	return decisions
}

// Apply acts on engine decisions and returns the instances it created
func (m *Manager) Apply(ctx context.Context, decisions []Decision) []AlertInstance {
	var fired []AlertInstance
	for _, d := range decisions {
		switch d.Action {
		case DecisionFire:
			if inst, ok := m.fire(ctx, d); ok {
				fired = append(fired, inst)
			}
		case DecisionResolve:
			m.resolveRule(d.RuleID, d.Reason)
		}
	}
	return fired
}

// HasActive reports whether rule has a firing or acknowledged instance
func (m *Manager) HasActive(ruleID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.RuleID == ruleID && inst.Status.Active() {
			return true
		}
	}
	return false
}

func (m *Manager) fire(ctx context.Context, d Decision) (AlertInstance, bool) {
	m.mu.Lock()

	if id, ok := m.firing[d.RuleID]; ok {
		m.mu.Unlock()
		m.logger.Debug("Alert already firing", "rule", d.RuleName, "alert_id", id)
		return AlertInstance{}, false
	}

	rule, err := m.rules.Get(d.RuleID)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("Fire decision for unknown rule", "rule_id", d.RuleID)
		return AlertInstance{}, false
	}

	now := m.now()
	if rule.InCooldown(now) {
		m.mu.Unlock()
		m.logger.Debug("Alert rule in cooldown", "rule", rule.Name)
		return AlertInstance{}, false
	}

	inst := &AlertInstance{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Status:    StatusFiring,
		Message:   d.Message,
		Details:   d.Details,
		StartedAt: now,
	}
	if inst.Message == "" {
		inst.Message = rule.Name
	}

	if rule, err = m.rules.markTriggered(rule.ID, now); err != nil {
		m.mu.Unlock()
		return AlertInstance{}, false
	}

	m.instances[inst.ID] = inst
	m.order = append(m.order, inst.ID)
	m.firing[rule.ID] = inst.ID
	m.trimHistoryLocked()
	snapshot := cloneInstance(inst)
	m.mu.Unlock()

	m.logger.Warn("Alert fired",
		"alert_id", inst.ID,
		"rule", rule.Name,
		"severity", rule.Severity,
		"trigger_count", rule.TriggerCount)
	m.publish(events.KindAlertFired, snapshot)

	if m.dispatcher != nil && len(rule.Actions) > 0 {
		results := m.dispatcher.Dispatch(ctx, snapshot, rule.Actions)

		m.mu.Lock()
		if stored, ok := m.instances[inst.ID]; ok {
			stored.Deliveries = append([]DeliveryResult(nil), results...)
			snapshot = cloneInstance(stored)
		}
		m.mu.Unlock()
	}
	return snapshot, true
}

// resolveRule resolves every active instance of ruleID without notifying
func (m *Manager) resolveRule(ruleID, reason string) {
	m.mu.Lock()
	now := m.now()
	var resolved []AlertInstance
	for _, id := range m.order {
		inst := m.instances[id]
		if inst.RuleID != ruleID || !inst.Status.Active() {
			continue
		}
		m.resolveLocked(inst, now)
		resolved = append(resolved, cloneInstance(inst))
	}
	m.mu.Unlock()

	for _, inst := range resolved {
		m.logger.Info("Alert resolved", "alert_id", inst.ID, "rule", inst.RuleName, "reason", reason)
		m.publish(events.KindAlertResolved, inst)
	}
}

func (m *Manager) resolveLocked(inst *AlertInstance, at time.Time) {
	ts := at
	inst.Status = StatusResolved
	inst.ResolvedAt = &ts
	if m.firing[inst.RuleID] == inst.ID {
		delete(m.firing, inst.RuleID)
	}
}

// Acknowledge moves a firing instance to acknowledged
func (m *Manager) Acknowledge(id, user, notes string) (AlertInstance, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return AlertInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if inst.Status != StatusFiring {
		status := inst.Status
		m.mu.Unlock()
		return AlertInstance{}, fmt.Errorf("%w: cannot acknowledge %s alert", ErrInvalidTransition, status)
	}

	now := m.now()
	inst.Status = StatusAcknowledged
	inst.AcknowledgedAt = &now
	inst.AcknowledgedBy = user
	inst.AckNotes = notes
	delete(m.firing, inst.RuleID)
	snapshot := cloneInstance(inst)
	m.mu.Unlock()

	m.logger.Info("Alert acknowledged", "alert_id", id, "by", user)
	m.publish(events.KindAlertAcknowledged, snapshot)
	return snapshot, nil
}

// Resolve manually resolves an instance. Resolving an already resolved
// instance is a no-op.
func (m *Manager) Resolve(id string) (AlertInstance, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return AlertInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if inst.Status == StatusResolved {
		snapshot := cloneInstance(inst)
		m.mu.Unlock()
		return snapshot, nil
	}

	m.resolveLocked(inst, m.now())
	snapshot := cloneInstance(inst)
	m.mu.Unlock()

	m.logger.Info("Alert resolved manually", "alert_id", id, "rule", snapshot.RuleName)
	m.publish(events.KindAlertResolved, snapshot)
	return snapshot, nil
}

// CreateRule adds a rule
func (m *Manager) CreateRule(rule AlertRule) (AlertRule, error) {
	created, err := m.rules.Create(rule)
	if err != nil {
		return AlertRule{}, err
	}
	m.logger.Info("Alert rule created", "rule_id", created.ID, "name", created.Name)
	return created, nil
}

// UpdateRule patches a rule. Instances of a disabled rule stay open until
// resolved manually.
func (m *Manager) UpdateRule(id string, patch RulePatch) (AlertRule, error) {
	// Serialized with Evaluate so a running pass cannot re-arm a stale hold
	m.evalMu.Lock()
	updated, err := m.rules.Update(id, patch)
	if err == nil {
		m.engine.Forget(id)
	}
	m.evalMu.Unlock()
	if err != nil {
		return AlertRule{}, err
	}
	m.logger.Info("Alert rule updated", "rule_id", id)
	return updated, nil
}

// DeleteRule removes a rule and resolves its active instances
func (m *Manager) DeleteRule(id string) error {
	m.evalMu.Lock()
	err := m.rules.Delete(id)
	if err == nil {
		m.engine.Forget(id)
	}
	m.evalMu.Unlock()
	if err != nil {
		return err
	}
	m.resolveRule(id, "rule deleted")
	m.logger.Info("Alert rule deleted", "rule_id", id)
	return nil
}

// Get returns the instance with id
func (m *Manager) Get(id string) (AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return AlertInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return cloneInstance(inst), nil
}

// Instances returns instances of ruleID, or of every rule when ruleID is
// empty, newest first
func (m *Manager) Instances(ruleID string) []AlertInstance {
	return m.collect(func(inst *AlertInstance) bool {
		return ruleID == "" || inst.RuleID == ruleID
	})
}

// Active returns firing and acknowledged instances, newest first
func (m *Manager) Active() []AlertInstance {
	return m.collect(func(inst *AlertInstance) bool {
		return inst.Status.Active()
	})
}

func (m *Manager) collect(keep func(*AlertInstance) bool) []AlertInstance {
	m.mu.RLock()
	out := make([]AlertInstance, 0)
	for _, id := range m.order {
		if inst := m.instances[id]; keep(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// trimHistoryLocked drops the oldest resolved instances beyond maxHistory
func (m *Manager) trimHistoryLocked() {
	excess := len(m.order) - m.maxHistory
	if excess <= 0 {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.instances[id].Status == StatusResolved {
			delete(m.instances, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) publish(kind events.Kind, inst AlertInstance) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(events.Event{
		Kind:     kind,
		Subject:  inst.RuleID,
		Severity: string(inst.Severity),
		Message:  inst.Message,
		Payload:  inst,
	})
}

func cloneInstance(inst *AlertInstance) AlertInstance {
	c := *inst
	if inst.Details != nil {
		c.Details = make(map[string]interface{}, len(inst.Details))
		for k, v := range inst.Details {
			c.Details[k] = v
		}
	}
	if inst.AcknowledgedAt != nil {
		ts := *inst.AcknowledgedAt
		c.AcknowledgedAt = &ts
	}
	if inst.ResolvedAt != nil {
		ts := *inst.ResolvedAt
		c.ResolvedAt = &ts
	}
	c.Deliveries = append([]DeliveryResult(nil), inst.Deliveries...)
	return c
}
