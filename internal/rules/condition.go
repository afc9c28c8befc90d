// Package rules defines the correlation rule configuration model: the
// condition tagged union, rule and rule-set structures, YAML loading, and a
// file watcher for live reload. All validation happens at load time so the
// hot evaluation path never sees a malformed rule.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// ConditionType discriminates the condition tagged union. The set is closed:
// the evaluator dispatches through a static table and rejects unknown types
// at load time.
type ConditionType string

const (
	ConditionThreshold         ConditionType = "threshold"
	ConditionSustained         ConditionType = "sustained"
	ConditionTrend             ConditionType = "trend"
	ConditionPrevFieldEquals   ConditionType = "prev_field_equals"
	ConditionLevelFilter       ConditionType = "level_filter"
	ConditionFilterAndCheck    ConditionType = "filter_and_check"
	ConditionWebsiteMonitoring ConditionType = "website_monitoring"
)

// Operator is a comparison operator used by threshold-style conditions.
type Operator string

const (
	OpGT    Operator = ">"
	OpGTE   Operator = ">="
	OpLT    Operator = "<"
	OpLTE   Operator = "<="
	OpEQ    Operator = "=="
	OpNEQ   Operator = "!="
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// TrendMethod selects how a trend delta is compared to the threshold.
type TrendMethod string

const (
	TrendAbsolute   TrendMethod = "absolute"
	TrendPercentage TrendMethod = "percentage"
)

// DefaultMinDataPoints is the minimum number of prior samples a trend
// condition needs before it can fire.
const DefaultMinDataPoints = 2

// Configuration errors.
var (
	ErrUnknownConditionType = errors.New("unknown condition type")
	ErrUnknownOperator      = errors.New("unknown operator")
	ErrUnknownTrendMethod   = errors.New("unknown trend method")
	ErrMissingField         = errors.New("condition field is required")
	ErrBadConsecutive       = errors.New("required_consecutive must be at least 1")
	ErrBadBaselineWindow    = errors.New("baseline_window must be positive")
	ErrMissingFilter        = errors.New("filter_and_check requires a filter map")
	ErrMissingTarget        = errors.New("filter_and_check requires a target check")
	ErrMissingPrevField     = errors.New("prev_field_equals requires prev_status_field")
	ErrBadLevelThreshold    = errors.New("level_threshold out of range")
)

var validOperators = map[Operator]bool{
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true,
	OpEQ: true, OpNEQ: true, OpIn: true, OpNotIn: true,
}

// Condition is the tagged union over the seven supported variants. Each
// variant reads only the fields it declares; everything else is ignored.
// Validate rejects malformed conditions before any event is evaluated.
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`

	// threshold / sustained / trend / website_monitoring
	Field     string   `yaml:"field,omitempty" json:"field,omitempty"`
	Operator  Operator `yaml:"operator,omitempty" json:"operator,omitempty"`
	Threshold float64  `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// Values holds the membership set for the in/not_in operators.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`

	// sustained
	RequiredConsecutive int      `yaml:"required_consecutive,omitempty" json:"required_consecutive,omitempty"`
	GroupBy             []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`

	// trend
	BaselineWindow time.Duration `yaml:"-" json:"baseline_window,omitempty"`
	BaselineRaw    string        `yaml:"baseline_window,omitempty" json:"-"`
	TrendMethod    TrendMethod   `yaml:"trend_method,omitempty" json:"trend_method,omitempty"`
	MinDataPoints  int           `yaml:"min_data_points,omitempty" json:"min_data_points,omitempty"`

	// prev_field_equals
	PrevStatusField string `yaml:"prev_status_field,omitempty" json:"prev_status_field,omitempty"`
	PrevStatusValue string `yaml:"prev_status_value,omitempty" json:"prev_status_value,omitempty"`

	// level_filter
	LevelThreshold int `yaml:"level_threshold,omitempty" json:"level_threshold,omitempty"`

	// filter_and_check
	Filter           map[string]string `yaml:"filter,omitempty" json:"filter,omitempty"`
	TargetField      string            `yaml:"target_field,omitempty" json:"target_field,omitempty"`
	TargetFieldValue string            `yaml:"target_field_value,omitempty" json:"target_field_value,omitempty"`
	TargetValueField string            `yaml:"target_value_field,omitempty" json:"target_value_field,omitempty"`
	TargetValue      string            `yaml:"target_value,omitempty" json:"target_value,omitempty"`

	// ImmediateAlert bypasses the sustained/trend counters entirely: the
	// rule fires on the first qualifying event.
	ImmediateAlert bool `yaml:"immediate_alert,omitempty" json:"immediate_alert,omitempty"`
}

// Validate checks the variant-specific required fields and normalizes
// defaults. It is called once when a rule set is loaded.
func (c *Condition) Validate() error {
	switch c.Type {
	case ConditionThreshold, ConditionWebsiteMonitoring:
		if c.Field == "" {
			return ErrMissingField
		}
		return c.validateOperator()

	case ConditionSustained:
		if c.Field == "" {
			return ErrMissingField
		}
		if err := c.validateOperator(); err != nil {
			return err
		}
		if c.RequiredConsecutive < 1 {
			return ErrBadConsecutive
		}
		return nil

	case ConditionTrend:
		if c.Field == "" {
			return ErrMissingField
		}
		if err := c.validateOperator(); err != nil {
			return err
		}
		if c.BaselineRaw != "" {
			d, err := ParseDuration(c.BaselineRaw)
			if err != nil {
				return fmt.Errorf("baseline_window: %w", err)
			}
			c.BaselineWindow = d
		}
		if c.BaselineWindow <= 0 {
			return ErrBadBaselineWindow
		}
		switch c.TrendMethod {
		case TrendAbsolute, TrendPercentage:
		case "":
			c.TrendMethod = TrendAbsolute
		default:
			return fmt.Errorf("%w: %q", ErrUnknownTrendMethod, c.TrendMethod)
		}
		if c.MinDataPoints <= 0 {
			c.MinDataPoints = DefaultMinDataPoints
		}
		return nil

	case ConditionPrevFieldEquals:
		if c.PrevStatusField == "" {
			return ErrMissingPrevField
		}
		return nil

	case ConditionLevelFilter:
		if c.LevelThreshold < 0 || c.LevelThreshold > 3 {
			return ErrBadLevelThreshold
		}
		return nil

	case ConditionFilterAndCheck:
		if len(c.Filter) == 0 {
			return ErrMissingFilter
		}
		if c.TargetField == "" && c.TargetValueField == "" {
			return ErrMissingTarget
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, c.Type)
	}
}

func (c *Condition) validateOperator() error {
	if c.Operator == "" {
		return fmt.Errorf("%w: operator is required", ErrUnknownOperator)
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
	if (c.Operator == OpIn || c.Operator == OpNotIn) && len(c.Values) == 0 {
		return fmt.Errorf("%w: %q requires a values list", ErrUnknownOperator, c.Operator)
	}
	return nil
}

// Stateful reports whether this condition keeps per-session counters or
// history. Stateless conditions never touch the session beyond the refresh.
func (c *Condition) Stateful() bool {
	switch c.Type {
	case ConditionSustained, ConditionTrend, ConditionPrevFieldEquals:
		return true
	}
	return false
}
