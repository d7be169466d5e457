package alerting

import (
	"context"

	"github.com/eddielth/telemetry-hub/validator"
)

// Operator compares a reading value against a rule's bounds
type Operator string

const (
	OperatorGreater        Operator = validator.GreaterThan
	OperatorGreaterOrEqual Operator = validator.GreaterOrEqual
	OperatorLess           Operator = validator.LessThan
	OperatorLessOrEqual    Operator = validator.LessOrEqual
	OperatorBetween        Operator = validator.Between
	OperatorOutside        Operator = validator.Outside
)

// Rule is a threshold rule bound to one device and one datapoint
type Rule struct {
	ID              string   `json:"id" yaml:"id"`
	LogicalID       string   `json:"auid" yaml:"auid"`
	Datapoint       string   `json:"datapoint" yaml:"datapoint"`
	Operator        Operator `json:"operator" yaml:"operator"`
	Min             *float64 `json:"min,omitempty" yaml:"min"`
	Max             *float64 `json:"max,omitempty" yaml:"max"`
	CooldownMinutes int      `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	Channels        []string `json:"channels,omitempty" yaml:"channels"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
}

// Validate checks the bounds against the operator
func (r Rule) Validate() error {
	return validator.RuleBounds{
		Datapoint: r.Datapoint,
		Operator:  string(r.Operator),
		Min:       r.Min,
		Max:       r.Max,
		Cooldown:  r.CooldownMinutes,
	}.Validate()
}

// Matches reports whether value trips the rule. A rule whose required bound
// is missing never matches.
func (r Rule) Matches(value float64) bool {
	switch r.Operator {
	case OperatorGreater:
		return r.Min != nil && value > *r.Min
	case OperatorGreaterOrEqual:
		return r.Min != nil && value >= *r.Min
	case OperatorLess:
		return r.Max != nil && value < *r.Max
	case OperatorLessOrEqual:
		return r.Max != nil && value <= *r.Max
	case OperatorBetween:
		return r.Min != nil && r.Max != nil && value >= *r.Min && value <= *r.Max
	case OperatorOutside:
		return r.Min != nil && r.Max != nil && (value < *r.Min || value > *r.Max)
	default:
		return false
	}
}

// RuleStore loads the rules of a device
type RuleStore interface {
	ListByDevice(ctx context.Context, logicalID string) ([]Rule, error)
}
