package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
)

const floatEpsilon = 1e-9

// DecisionAction is the outcome of evaluating one rule
type DecisionAction string

const (
	DecisionFire    DecisionAction = "fire"
	DecisionResolve DecisionAction = "resolve"
	DecisionHold    DecisionAction = "hold"
)

// Decision is the engine's verdict for one rule
type Decision struct {
	RuleID   string                 `json:"rule_id"`
	RuleName string                 `json:"rule_name"`
	Action   DecisionAction         `json:"action"`
	Reason   string                 `json:"reason,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ActiveLookup reports whether a rule currently has a non-resolved instance
type ActiveLookup interface {
	HasActive(ruleID string) bool
}

type pendingKey struct {
	ruleID    string
	condition int
}

// Engine evaluates rules against metric snapshots. It never mutates rules;
// it only tracks how long duration-bound conditions have held.
type Engine struct {
	mu      sync.Mutex
	pending map[pendingKey]time.Time
	active  ActiveLookup
	now     func() time.Time
	logger  *logging.Logger
}

// NewEngine creates an engine. active may be nil when no instances are tracked.
func NewEngine(active ActiveLookup, now func() time.Time, logger *logging.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		pending: make(map[pendingKey]time.Time),
		active:  active,
		now:     now,
		logger:  logging.OrNop(logger),
	}
}

// Evaluate returns one decision per enabled rule. A rule fires when every
// condition holds and it is outside its cooldown. A rule whose conditions do
// not hold resolves when it has an active instance, and holds otherwise.
func (e *Engine) Evaluate(rules []AlertRule, snapshot Snapshot) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	seen := make(map[string]struct{}, len(rules))
	decisions := make([]Decision, 0, len(rules))

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		seen[rule.ID] = struct{}{}
		decisions = append(decisions, e.evaluateRule(rule, snapshot, now))
	}

	for key := range e.pending {
		if _, ok := seen[key.ruleID]; !ok {
			delete(e.pending, key)
		}
	}
	return decisions
}

// Forget drops the duration holds of a rule so its next evaluation starts
// from scratch. Called whenever a rule's conditions may have changed.
func (e *Engine) Forget(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.pending {
		if key.ruleID == ruleID {
			delete(e.pending, key)
		}
	}
}

func (e *Engine) evaluateRule(rule *AlertRule, snapshot Snapshot, now time.Time) Decision {
	d := Decision{RuleID: rule.ID, RuleName: rule.Name}

	matched := len(rule.Conditions) > 0
	var reasons []string
	details := make(map[string]interface{}, len(rule.Conditions))
	summary := make([]string, 0, len(rule.Conditions))

	for idx, cond := range rule.Conditions {
		key := pendingKey{ruleID: rule.ID, condition: idx}
		ok, observed, reason := evaluateCondition(rule.Target, cond, snapshot)
		if observed != nil {
			details[cond.Type] = observed
		}

		if ok && cond.Duration > 0 {
			since, exists := e.pending[key]
			if !exists {
				e.pending[key] = now
				since = now
			}
			if held := now.Sub(since); held < cond.Duration {
				ok = false
				reason = fmt.Sprintf("%s pending for %s of %s", cond.Type, held, cond.Duration)
			}
		} else if !ok {
			delete(e.pending, key)
		}

		if !ok {
			matched = false
			if reason != "" {
				reasons = append(reasons, reason)
			}
			continue
		}
		summary = append(summary, fmt.Sprintf("%s %s %v (current %v)", cond.Type, cond.Operator, cond.Value, observed))
	}

	hasActive := e.active != nil && e.active.HasActive(rule.ID)

	switch {
	case matched && rule.InCooldown(now):
		d.Action = DecisionHold
		d.Reason = fmt.Sprintf("in cooldown until %s", rule.LastTriggered.Add(rule.Cooldown()).Format(time.RFC3339))
	case matched:
		d.Action = DecisionFire
		d.Message = fmt.Sprintf("%s: %s", rule.Name, strings.Join(summary, " and "))
		d.Details = details
	case hasActive:
		d.Action = DecisionResolve
		d.Reason = strings.Join(reasons, "; ")
	default:
		d.Action = DecisionHold
		d.Reason = strings.Join(reasons, "; ")
	}

	for _, r := range reasons {
		if strings.HasPrefix(r, "unknown metric") {
			e.logger.Warn("Alert rule references unknown metric", "rule", rule.Name, "reason", r)
		}
	}
	return d
}

// lookupMetric resolves "<target>.<type>" first and then "<type>"
func lookupMetric(target RuleTarget, metric string, snapshot Snapshot) (interface{}, bool) {
	if target.Name != "" {
		if v, ok := snapshot[target.Name+"."+metric]; ok {
			return v, true
		}
	}
	v, ok := snapshot[metric]
	return v, ok
}

// evaluateCondition returns whether cond holds, the observed value and, when
// it does not hold, a short reason
func evaluateCondition(target RuleTarget, cond AlertCondition, snapshot Snapshot) (bool, interface{}, string) {
	raw, ok := lookupMetric(target, cond.Type, snapshot)
	if !ok {
		return false, nil, fmt.Sprintf("unknown metric %q", cond.Type)
	}

	observed, err := aggregate(raw, cond.Aggregation)
	if err != nil {
		return false, nil, fmt.Sprintf("%s: %v", cond.Type, err)
	}

	ok, err = compare(observed, cond.Operator, cond.Value)
	if err != nil {
		return false, observed, fmt.Sprintf("%s: %v", cond.Type, err)
	}
	if !ok {
		return false, observed, fmt.Sprintf("%s %s %v is false (current %v)", cond.Type, cond.Operator, cond.Value, observed)
	}
	return true, observed, ""
}

// aggregate reduces a numeric series. Scalars pass through unchanged.
func aggregate(raw interface{}, agg Aggregation) (interface{}, error) {
	series, isSeries := toSeries(raw)
	if !isSeries {
		if agg == AggregationCount {
			return 1.0, nil
		}
		return raw, nil
	}

	if agg == AggregationCount {
		return float64(len(series)), nil
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("empty series")
	}

	switch agg {
	case AggregationNone, AggregationLast:
		return series[len(series)-1], nil
	case AggregationSum, AggregationAvg:
		var sum float64
		for _, v := range series {
			sum += v
		}
		if agg == AggregationAvg {
			return sum / float64(len(series)), nil
		}
		return sum, nil
	case AggregationMin:
		lo := series[0]
		for _, v := range series[1:] {
			lo = math.Min(lo, v)
		}
		return lo, nil
	case AggregationMax:
		hi := series[0]
		for _, v := range series[1:] {
			hi = math.Max(hi, v)
		}
		return hi, nil
	}
	return nil, fmt.Errorf("unsupported aggregation %q", agg)
}

func toSeries(raw interface{}) ([]float64, bool) {
	switch v := raw.(type) {
	case []float64:
		return v, true
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, true
	case []int64:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, true
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// compare applies op to observed and expected
func compare(observed interface{}, op Operator, expected interface{}) (bool, error) {
	switch op {
	case OpContains:
		return strings.Contains(toString(observed), toString(expected)), nil
	case OpNotContains:
		return !strings.Contains(toString(observed), toString(expected)), nil
	}

	left, lok := toFloat(observed)
	right, rok := toFloat(expected)

	switch op {
	case OpEqual, OpNotEqual:
		var equal bool
		if lok && rok {
			equal = math.Abs(left-right) < floatEpsilon
		} else {
			equal = toString(observed) == toString(expected)
		}
		if op == OpEqual {
			return equal, nil
		}
		return !equal, nil
	}

	if !lok || !rok {
		return false, fmt.Errorf("operator %s needs numeric values, got %v and %v", op, observed, expected)
	}

	switch op {
	case OpGreaterThan:
		return left > right, nil
	case OpGreaterOrEqual:
		return left >= right, nil
	case OpLessThan:
		return left < right, nil
	case OpLessOrEqual:
		return left <= right, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
