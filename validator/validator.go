package validator

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalidBounds is returned when a rule's bounds do not fit its operator
	ErrInvalidBounds = errors.New("invalid rule bounds")
	// ErrUnknownOperator is returned for an operator outside the supported set
	ErrUnknownOperator = errors.New("unknown rule operator")
)

// Operator names accepted by threshold rules
const (
	GreaterThan    = ">"
	GreaterOrEqual = ">="
	LessThan       = "<"
	LessOrEqual    = "<="
	Between        = "between"
	Outside        = "outside"
)

// Validator is implemented by anything that can check its own consistency
type Validator interface {
	Validate() error
}

// RuleBounds are the comparison settings of a threshold rule
type RuleBounds struct {
	Datapoint string
	Operator  string
	Min       *float64
	Max       *float64
	Cooldown  int
}

// Validate checks the bounds against the operator: > and >= compare against
// min only, < and <= against max only, between and outside need both with
// min < max.
func (b RuleBounds) Validate() error {
	if strings.TrimSpace(b.Datapoint) == "" {
		return fmt.Errorf("%w: empty datapoint", ErrInvalidBounds)
	}
	if b.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown %d", ErrInvalidBounds, b.Cooldown)
	}
	if !finite(b.Min) || !finite(b.Max) {
		return fmt.Errorf("%w: bounds must be finite", ErrInvalidBounds)
	}

	switch b.Operator {
	case GreaterThan, GreaterOrEqual:
		if b.Min == nil || b.Max != nil {
			return fmt.Errorf("%w: %s needs min and no max", ErrInvalidBounds, b.Operator)
		}
	case LessThan, LessOrEqual:
		if b.Max == nil || b.Min != nil {
			return fmt.Errorf("%w: %s needs max and no min", ErrInvalidBounds, b.Operator)
		}
	case Between, Outside:
		if b.Min == nil || b.Max == nil {
			return fmt.Errorf("%w: %s needs min and max", ErrInvalidBounds, b.Operator)
		}
		if *b.Min >= *b.Max {
			return fmt.Errorf("%w: min %g must be below max %g", ErrInvalidBounds, *b.Min, *b.Max)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, b.Operator)
	}
	return nil
}

func finite(v *float64) bool {
	return v == nil || (!math.IsNaN(*v) && !math.IsInf(*v, 0))
}
