package alerts

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RulesFile is the YAML layout of a standalone rules file
type RulesFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is the file and API form of a rule. Durations are strings
// such as "5m"; Enabled defaults to true.
type RuleConfig struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description" json:"description"`
	Enabled         *bool             `yaml:"enabled" json:"enabled"`
	Severity        AlertSeverity     `yaml:"severity" json:"severity"`
	Target          RuleTarget        `yaml:"target" json:"target"`
	Conditions      []ConditionConfig `yaml:"conditions" json:"conditions"`
	Actions         []ActionConfig    `yaml:"actions" json:"actions"`
	CooldownMinutes int               `yaml:"cooldown_minutes" json:"cooldown_minutes"`
}

// ConditionConfig is the file and API form of a condition
type ConditionConfig struct {
	Type        string      `yaml:"type" json:"type"`
	Operator    Operator    `yaml:"operator" json:"operator"`
	Value       interface{} `yaml:"value" json:"value"`
	Duration    string      `yaml:"duration,omitempty" json:"duration,omitempty"`
	Window      string      `yaml:"window,omitempty" json:"window,omitempty"`
	Aggregation Aggregation `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
}

// ActionConfig is the file and API form of an action; Enabled defaults to true
type ActionConfig struct {
	Type    ActionType             `yaml:"type" json:"type"`
	Enabled *bool                  `yaml:"enabled" json:"enabled"`
	Config  map[string]interface{} `yaml:"config" json:"config"`
}

// RulePatchConfig is the API form of a partial rule update
type RulePatchConfig struct {
	Name            *string           `json:"name"`
	Description     *string           `json:"description"`
	Enabled         *bool             `json:"enabled"`
	Severity        *AlertSeverity    `json:"severity"`
	Target          *RuleTarget       `json:"target"`
	Conditions      []ConditionConfig `json:"conditions"`
	Actions         []ActionConfig    `json:"actions"`
	CooldownMinutes *int              `json:"cooldown_minutes"`
}

// LoadRules loads alert rules from a YAML file
func LoadRules(path string) ([]AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML rules document
func ParseRules(data []byte) ([]AlertRule, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return ConvertRules(file.Rules)
}

// ConvertRules converts and validates a list of rule configs
func ConvertRules(configs []RuleConfig) ([]AlertRule, error) {
	rules := make([]AlertRule, 0, len(configs))
	for i := range configs {
		rule, err := configs[i].ToRule()
		if err != nil {
			name := configs[i].Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ToRule converts a rule config to an AlertRule and validates it
func (c *RuleConfig) ToRule() (AlertRule, error) {
	rule := AlertRule{
		ID:              c.ID,
		Name:            c.Name,
		Description:     c.Description,
		Enabled:         c.Enabled == nil || *c.Enabled,
		Severity:        c.Severity,
		Target:          c.Target,
		CooldownMinutes: c.CooldownMinutes,
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}

	conditions, err := convertConditions(c.Conditions)
	if err != nil {
		return AlertRule{}, err
	}
	rule.Conditions = conditions
	rule.Actions = convertActions(c.Actions)

	if err := ValidateRule(&rule); err != nil {
		return AlertRule{}, err
	}
	return rule, nil
}

// ToPatch converts the API patch form to a RulePatch
func (c *RulePatchConfig) ToPatch() (RulePatch, error) {
	patch := RulePatch{
		Name:            c.Name,
		Description:     c.Description,
		Enabled:         c.Enabled,
		Severity:        c.Severity,
		Target:          c.Target,
		CooldownMinutes: c.CooldownMinutes,
	}
	if c.Conditions != nil {
		conditions, err := convertConditions(c.Conditions)
		if err != nil {
			return RulePatch{}, err
		}
		patch.Conditions = conditions
	}
	if c.Actions != nil {
		patch.Actions = convertActions(c.Actions)
	}
	return patch, nil
}

func convertConditions(configs []ConditionConfig) ([]AlertCondition, error) {
	conditions := make([]AlertCondition, 0, len(configs))
	for i, cc := range configs {
		cond := AlertCondition{
			Type:        cc.Type,
			Operator:    cc.Operator,
			Value:       cc.Value,
			Aggregation: cc.Aggregation,
		}

		// Parse duration
		if cc.Duration != "" {
			d, err := time.ParseDuration(cc.Duration)
			if err != nil {
				return nil, fmt.Errorf("%w: condition %d: invalid duration: %v", ErrInvalidRule, i, err)
			}
			cond.Duration = d
		}

		// Parse window
		if cc.Window != "" {
			w, err := time.ParseDuration(cc.Window)
			if err != nil {
				return nil, fmt.Errorf("%w: condition %d: invalid window: %v", ErrInvalidRule, i, err)
			}
			cond.Window = w
		}

		conditions = append(conditions, cond)
	}
	return conditions, nil
}

// MarshalJSON writes Duration and Window as strings such as "5m0s" so a
// fetched rule can be sent back unchanged.
func (c AlertCondition) MarshalJSON() ([]byte, error) {
	cc := ConditionConfig{
		Type:        c.Type,
		Operator:    c.Operator,
		Value:       c.Value,
		Aggregation: c.Aggregation,
	}
	if c.Duration > 0 {
		cc.Duration = c.Duration.String()
	}
	if c.Window > 0 {
		cc.Window = c.Window.String()
	}
	return json.Marshal(cc)
}

// UnmarshalJSON accepts the string form written by MarshalJSON
func (c *AlertCondition) UnmarshalJSON(data []byte) error {
	var cc ConditionConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		return err
	}
	converted, err := convertConditions([]ConditionConfig{cc})
	if err != nil {
		return err
	}
	*c = converted[0]
	return nil
}

func convertActions(configs []ActionConfig) []AlertAction {
	actions := make([]AlertAction, 0, len(configs))
	for _, ac := range configs {
		actions = append(actions, AlertAction{
			Type:    ac.Type,
			Enabled: ac.Enabled == nil || *ac.Enabled,
			Config:  ac.Config,
		})
	}
	return actions
}
