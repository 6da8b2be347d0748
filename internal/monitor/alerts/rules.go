package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRuleNotFound is returned when a rule id is unknown
	ErrRuleNotFound = errors.New("alert rule not found")
	// ErrInvalidRule indicates a rule failed validation
	ErrInvalidRule = errors.New("invalid alert rule")
)

var validSeverities = map[AlertSeverity]struct{}{
	SeverityCritical: {},
	SeverityHigh:     {},
	SeverityWarning:  {},
	SeverityLow:      {},
	SeverityInfo:     {},
}

var validOperators = map[Operator]struct{}{
	OpGreaterThan:    {},
	OpLessThan:       {},
	OpGreaterOrEqual: {},
	OpLessOrEqual:    {},
	OpEqual:          {},
	OpNotEqual:       {},
	OpContains:       {},
	OpNotContains:    {},
}

var validAggregations = map[Aggregation]struct{}{
	AggregationNone:  {},
	AggregationLast:  {},
	AggregationAvg:   {},
	AggregationMin:   {},
	AggregationMax:   {},
	AggregationSum:   {},
	AggregationCount: {},
}

var validActionTypes = map[ActionType]struct{}{
	ActionEmail:     {},
	ActionSMS:       {},
	ActionWebhook:   {},
	ActionSlack:     {},
	ActionPagerDuty: {},
}

// ValidateRule checks a rule's static configuration
func ValidateRule(r *AlertRule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if _, ok := validSeverities[r.Severity]; !ok {
		return fmt.Errorf("%w: invalid severity %q", ErrInvalidRule, r.Severity)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if c.Type == "" {
			return fmt.Errorf("%w: condition %d: type is required", ErrInvalidRule, i)
		}
		if _, ok := validOperators[c.Operator]; !ok {
			return fmt.Errorf("%w: condition %d: invalid operator %q", ErrInvalidRule, i, c.Operator)
		}
		if _, ok := validAggregations[c.Aggregation]; !ok {
			return fmt.Errorf("%w: condition %d: invalid aggregation %q", ErrInvalidRule, i, c.Aggregation)
		}
		if c.Duration < 0 || c.Window < 0 {
			return fmt.Errorf("%w: condition %d: durations must not be negative", ErrInvalidRule, i)
		}
	}
	for i, a := range r.Actions {
		if _, ok := validActionTypes[a.Type]; !ok {
			return fmt.Errorf("%w: action %d: invalid type %q", ErrInvalidRule, i, a.Type)
		}
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown_minutes must not be negative", ErrInvalidRule)
	}
	return nil
}

// RulePatch carries a partial rule update. Nil fields are left unchanged.
type RulePatch struct {
	Name            *string
	Description     *string
	Enabled         *bool
	Severity        *AlertSeverity
	Target          *RuleTarget
	Conditions      []AlertCondition
	Actions         []AlertAction
	CooldownMinutes *int
}

// RuleStore holds alert rules in memory. The engine only ever writes
// LastTriggered and TriggerCount, through markTriggered.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*AlertRule
	now   func() time.Time
}

// NewRuleStore creates an empty store
func NewRuleStore(now func() time.Time) *RuleStore {
	if now == nil {
		now = time.Now
	}
	return &RuleStore{
		rules: make(map[string]*AlertRule),
		now:   now,
	}
}

// Create validates and stores a rule, assigning an id when missing
func (s *RuleStore) Create(rule AlertRule) (AlertRule, error) {
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	if err := ValidateRule(&rule); err != nil {
		return AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return AlertRule{}, fmt.Errorf("%w: rule %s already exists", ErrInvalidRule, rule.ID)
	}
	stored := cloneRule(&rule)
	s.rules[rule.ID] = &stored
	return cloneRule(&stored), nil
}

// Update applies patch to the rule with id
func (s *RuleStore) Update(id string, patch RulePatch) (AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[id]
	if !ok {
		return AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	updated := cloneRule(existing)
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	if patch.Severity != nil {
		updated.Severity = *patch.Severity
	}
	if patch.Target != nil {
		updated.Target = *patch.Target
	}
	if patch.Conditions != nil {
		updated.Conditions = patch.Conditions
	}
	if patch.Actions != nil {
		updated.Actions = patch.Actions
	}
	if patch.CooldownMinutes != nil {
		updated.CooldownMinutes = *patch.CooldownMinutes
	}

	if err := ValidateRule(&updated); err != nil {
		return AlertRule{}, err
	}
	updated.UpdatedAt = s.now()

	stored := cloneRule(&updated)
	s.rules[id] = &stored
	return cloneRule(&stored), nil
}

// Delete removes the rule with id
func (s *RuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// Get returns a copy of the rule with id
func (s *RuleStore) Get(id string) (AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return cloneRule(rule), nil
}

// List returns copies of all rules ordered by creation time, then id
func (s *RuleStore) List() []AlertRule {
	s.mu.RLock()
	out := make([]AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, cloneRule(rule))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// markTriggered stamps LastTriggered and increments TriggerCount
func (s *RuleStore) markTriggered(id string, at time.Time) (AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	ts := at
	rule.LastTriggered = &ts
	rule.TriggerCount++
	return cloneRule(rule), nil
}

func cloneRule(r *AlertRule) AlertRule {
	c := *r
	if r.LastTriggered != nil {
		ts := *r.LastTriggered
		c.LastTriggered = &ts
	}
	if r.Conditions != nil {
		c.Conditions = append([]AlertCondition(nil), r.Conditions...)
	}
	if r.Actions != nil {
		c.Actions = make([]AlertAction, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = a
			if a.Config != nil {
				cfg := make(map[string]interface{}, len(a.Config))
				for k, v := range a.Config {
					cfg[k] = v
				}
				c.Actions[i].Config = cfg
			}
		}
	}
	return c
}
