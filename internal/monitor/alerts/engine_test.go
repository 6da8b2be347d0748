package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticActive map[string]bool

func (s staticActive) HasActive(ruleID string) bool { return s[ruleID] }

func rule(id string, conds ...AlertCondition) AlertRule {
	return AlertRule{ID: id, Name: id, Enabled: true, Severity: SeverityWarning, Conditions: conds}
}

func cond(metric string, op Operator, value interface{}) AlertCondition {
	return AlertCondition{Type: metric, Operator: op, Value: value}
}

func TestCompareOperators(t *testing.T) {
	tests := []struct {
		name     string
		observed interface{}
		op       Operator
		expected interface{}
		want     bool
	}{
		{"gt true", 7.0, OpGreaterThan, 5, true},
		{"gt equal", 5, OpGreaterThan, 5.0, false},
		{"gte equal", 5, OpGreaterOrEqual, 5, true},
		{"lt", 120, OpLessThan, 200, true},
		{"lte", int64(200), OpLessOrEqual, 200, true},
		{"eq float epsilon", 0.1 + 0.2, OpEqual, 0.3, true},
		{"neq numbers", 1, OpNotEqual, 2, true},
		{"eq strings", "healthy", OpEqual, "healthy", true},
		{"neq strings", "down", OpNotEqual, "healthy", true},
		{"numeric string", "7", OpGreaterThan, 5, true},
		{"contains", "connection refused", OpContains, "refused", true},
		{"not contains", "ok", OpNotContains, "refused", true},
		{"contains number", 1500, OpContains, "15", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compare(tt.observed, tt.op, tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareNonNumericOrdering(t *testing.T) {
	_, err := compare("down", OpGreaterThan, 5)
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	series := []interface{}{100, 300.0, 200}

	tests := []struct {
		agg  Aggregation
		want float64
	}{
		{AggregationAvg, 200},
		{AggregationMax, 300},
		{AggregationMin, 100},
		{AggregationSum, 600},
		{AggregationCount, 3},
		{AggregationLast, 200},
		{AggregationNone, 200},
	}
	for _, tt := range tests {
		t.Run(string(tt.agg), func(t *testing.T) {
			got, err := aggregate(series, tt.agg)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := aggregate([]float64{}, AggregationAvg)
	assert.Error(t, err)

	scalar, err := aggregate(42, AggregationMax)
	require.NoError(t, err)
	assert.Equal(t, 42, scalar)
}

func TestEvaluateAllConditionsMustHold(t *testing.T) {
	e := NewEngine(nil, newFakeClock().Now, nil)
	r := rule("r1", cond("error_rate", OpGreaterThan, 5), cond("response_time", OpGreaterThan, 1000))

	decisions := e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 7, "response_time": 400})
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionHold, decisions[0].Action)

	decisions = e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 7, "response_time": 1400})
	assert.Equal(t, DecisionFire, decisions[0].Action)
	assert.Equal(t, 7, decisions[0].Details["error_rate"])
	assert.Contains(t, decisions[0].Message, "error_rate gt 5")
}

func TestEvaluateTargetScopedMetric(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	r := rule("stripe-down", cond("status", OpEqual, "down"))
	r.Target = RuleTarget{Type: "integration", Name: "stripe"}

	snapshot := Snapshot{"status": "healthy", "stripe.status": "down"}
	decisions := e.Evaluate([]AlertRule{r}, snapshot)
	assert.Equal(t, DecisionFire, decisions[0].Action)

	r.Target.Name = "gitea"
	decisions = e.Evaluate([]AlertRule{r}, snapshot)
	assert.Equal(t, DecisionHold, decisions[0].Action, "falls back to the unscoped key")
}

func TestEvaluateUnknownMetricIsFalse(t *testing.T) {
	e := NewEngine(staticActive{"r1": true}, nil, nil)
	r := rule("r1", cond("queue_depth", OpGreaterThan, 10))

	decisions := e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 50})
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionResolve, decisions[0].Action)
	assert.Contains(t, decisions[0].Reason, "unknown metric")
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	r := rule("r1", cond("error_rate", OpGreaterThan, 5))
	r.Enabled = false

	assert.Empty(t, e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 7}))
}

func TestEvaluateResolveOnlyWithActiveInstance(t *testing.T) {
	active := staticActive{}
	e := NewEngine(active, nil, nil)
	r := rule("r1", cond("error_rate", OpGreaterThan, 5))

	assert.Equal(t, DecisionHold, e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 1})[0].Action)

	active["r1"] = true
	assert.Equal(t, DecisionResolve, e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 1})[0].Action)
}

func TestEvaluateCooldownHoldsButStillResolves(t *testing.T) {
	clock := newFakeClock()
	active := staticActive{"r1": true}
	e := NewEngine(active, clock.Now, nil)

	last := clock.Now()
	r := rule("r1", cond("error_rate", OpGreaterThan, 5))
	r.CooldownMinutes = 30
	r.LastTriggered = &last

	clock.Advance(5 * time.Minute)
	d := e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 8})[0]
	assert.Equal(t, DecisionHold, d.Action)
	assert.Contains(t, d.Reason, "cooldown")

	d = e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 3})[0]
	assert.Equal(t, DecisionResolve, d.Action)

	clock.Advance(30 * time.Minute)
	d = e.Evaluate([]AlertRule{r}, Snapshot{"error_rate": 8})[0]
	assert.Equal(t, DecisionFire, d.Action)
}

func TestEvaluateConditionDuration(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(nil, clock.Now, nil)

	c := cond("response_time", OpGreaterThan, 1000)
	c.Duration = 2 * time.Minute
	r := rule("slow", c)

	assert.Equal(t, DecisionHold, e.Evaluate([]AlertRule{r}, Snapshot{"response_time": 1500})[0].Action)
	clock.Advance(time.Minute)
	assert.Equal(t, DecisionHold, e.Evaluate([]AlertRule{r}, Snapshot{"response_time": 1500})[0].Action)
	clock.Advance(time.Minute)
	assert.Equal(t, DecisionFire, e.Evaluate([]AlertRule{r}, Snapshot{"response_time": 1500})[0].Action)

	// a dip resets the timer
	e.Evaluate([]AlertRule{r}, Snapshot{"response_time": 10})
	clock.Advance(time.Minute)
	assert.Equal(t, DecisionHold, e.Evaluate([]AlertRule{r}, Snapshot{"response_time": 1500})[0].Action)
}

func TestForgetDropsDurationHolds(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(nil, clock.Now, nil)

	c := cond("response_time", OpGreaterThan, 1000)
	c.Duration = 2 * time.Minute
	r := rule("slow", c)
	other := rule("other", c)
	rules := []AlertRule{r, other}

	e.Evaluate(rules, Snapshot{"response_time": 1500})
	clock.Advance(2 * time.Minute)
	e.Forget("slow")

	decisions := e.Evaluate(rules, Snapshot{"response_time": 1500})
	require.Len(t, decisions, 2)
	assert.Equal(t, DecisionHold, decisions[0].Action)
	assert.Equal(t, DecisionFire, decisions[1].Action, "other rules keep their holds")
}

func TestEvaluateAggregatedSeries(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	c := cond("response_time", OpGreaterThan, 500)
	c.Aggregation = AggregationAvg
	r := rule("avg-latency", c)

	d := e.Evaluate([]AlertRule{r}, Snapshot{"response_time": []float64{200, 900, 700}})[0]
	assert.Equal(t, DecisionFire, d.Action)
	assert.InDelta(t, 600.0, d.Details["response_time"], 1e-9)
}
