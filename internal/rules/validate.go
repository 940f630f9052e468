package rules

import (
	"fmt"

	"github.com/securewatch/correlation-core/internal/event"
)

// ValidationError describes one problem found in a rule definition.
type ValidationError struct {
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

var validSeverities = map[event.Severity]bool{
	event.SeverityCritical: true,
	event.SeverityHigh:     true,
	event.SeverityMedium:   true,
	event.SeverityLow:      true,
	event.SeverityInfo:     true,
}

var validPriorities = map[Priority]bool{
	"": true, PriorityHigh: true, PriorityNormal: true, PriorityLow: true,
}

var validAggOps = map[AggOp]bool{
	AggCount: true, AggSum: true, AggAvg: true, AggMin: true, AggMax: true,
}

var validAggCompareOps = map[Operator]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
}

var validActionTypes = map[string]bool{
	"webhook": true, "ticket": true, "email": true,
}

// ValidateRule checks a rule definition before it enters a snapshot. All
// checks run so the caller sees the full problem list at once.
func ValidateRule(r *Rule) []ValidationError {
	var errs []ValidationError
	errs = append(errs, checkIdentity(r)...)
	errs = append(errs, checkWindow(r)...)
	errs = append(errs, checkConditions(r)...)
	errs = append(errs, checkAggregation(r)...)
	errs = append(errs, checkActions(r)...)
	return errs
}

func checkIdentity(r *Rule) []ValidationError {
	var errs []ValidationError
	if r.ID == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "rule id is required",
		})
	}
	if r.Type == "" {
		errs = append(errs, ValidationError{
			Field:      "type",
			Message:    "rule type is required",
			Suggestion: "use one of the detection categories, e.g. authentication or network",
		})
	}
	if !validSeverities[r.Severity] {
		errs = append(errs, ValidationError{
			Field:      "severity",
			Message:    fmt.Sprintf("unknown severity %q", r.Severity),
			Suggestion: "use critical, high, medium, low, or info",
		})
	}
	if !validPriorities[r.Priority] {
		errs = append(errs, ValidationError{
			Field:      "priority",
			Message:    fmt.Sprintf("unknown priority %q", r.Priority),
			Suggestion: "use high, normal, or low",
		})
	}
	return errs
}

func checkWindow(r *Rule) []ValidationError {
	if r.TimeWindowMinutes < 0 || r.TimeWindowMinutes > 7*24*60 {
		return []ValidationError{{
			Field:      "time_window_minutes",
			Message:    fmt.Sprintf("time window %d minutes is out of range", r.TimeWindowMinutes),
			Suggestion: "use a window between 0 (default) and 10080 minutes (7 days)",
		}}
	}
	return nil
}

func checkConditions(r *Rule) []ValidationError {
	if r.Condition == nil && r.Aggregation == nil {
		return []ValidationError{{
			Field:      "conditions",
			Message:    "rule has neither conditions nor an aggregation",
			Suggestion: "add at least one condition or an aggregation clause",
		}}
	}
	if r.Condition == nil {
		return nil
	}
	var errs []ValidationError
	checkConditionNode(r.Condition, 0, &errs)
	return errs
}

func checkConditionNode(c *Condition, depth int, errs *[]ValidationError) {
	if c == nil {
		return
	}
	if depth > maxConditionDepth {
		*errs = append(*errs, ValidationError{
			Field:   "conditions",
			Message: fmt.Sprintf("condition tree exceeds maximum depth %d", maxConditionDepth),
		})
		return
	}

	if c.Type == NodeGroup {
		switch c.Op {
		case BoolAnd, BoolOr:
			if len(c.Children) == 0 {
				*errs = append(*errs, ValidationError{
					Field:   "conditions",
					Message: fmt.Sprintf("%s group has no children", c.Op),
				})
			}
		case BoolNot:
			if len(c.Children) != 1 {
				*errs = append(*errs, ValidationError{
					Field:      "conditions",
					Message:    "not group must have exactly one child",
					Suggestion: "wrap multiple conditions in an and/or group first",
				})
			}
		default:
			*errs = append(*errs, ValidationError{
				Field:      "conditions",
				Message:    fmt.Sprintf("unknown boolean operator %q", c.Op),
				Suggestion: "use and, or, or not",
			})
		}
		for _, child := range c.Children {
			checkConditionNode(child, depth+1, errs)
		}
		return
	}

	// Field leaf
	if c.Field == "" {
		*errs = append(*errs, ValidationError{
			Field:   "conditions",
			Message: "condition is missing a field name",
		})
	}
	if !validOperators[c.Operator] {
		*errs = append(*errs, ValidationError{
			Field:   "conditions",
			Message: fmt.Sprintf("unknown operator %q on field %q", c.Operator, c.Field),
		})
		return
	}

	switch c.Operator {
	case OpIsNull, OpIsNotNull:
		// No value needed.
	case OpIn, OpNotIn:
		switch c.Value.(type) {
		case []interface{}, []string:
		default:
			*errs = append(*errs, ValidationError{
				Field:      "conditions",
				Message:    fmt.Sprintf("%s on field %q requires a list value", c.Operator, c.Field),
				Suggestion: "provide a JSON array of candidate values",
			})
		}
	default:
		if c.Value == nil {
			*errs = append(*errs, ValidationError{
				Field:   "conditions",
				Message: fmt.Sprintf("%s on field %q requires a value", c.Operator, c.Field),
			})
		}
	}
}

func checkAggregation(r *Rule) []ValidationError {
	if r.Aggregation == nil {
		return nil
	}
	var errs []ValidationError
	if !validAggOps[r.Aggregation.Op] {
		errs = append(errs, ValidationError{
			Field:      "aggregation.op",
			Message:    fmt.Sprintf("unknown aggregation op %q", r.Aggregation.Op),
			Suggestion: "use count, sum, avg, min, or max",
		})
	}
	if r.Aggregation.Op != AggCount && r.Aggregation.Field == "" {
		errs = append(errs, ValidationError{
			Field:      "aggregation.field",
			Message:    fmt.Sprintf("aggregation op %q requires a field", r.Aggregation.Op),
			Suggestion: "name the numeric event field to aggregate",
		})
	}
	if r.Aggregation.Operator != "" && !validAggCompareOps[r.Aggregation.Operator] {
		errs = append(errs, ValidationError{
			Field:   "aggregation.operator",
			Message: fmt.Sprintf("aggregation comparison %q is not an ordering operator", r.Aggregation.Operator),
		})
	}
	if r.Aggregation.Threshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "aggregation.threshold",
			Message: "aggregation threshold must not be negative",
		})
	}
	return errs
}

func checkActions(r *Rule) []ValidationError {
	var errs []ValidationError
	for i, a := range r.Actions {
		if !validActionTypes[a.Type] {
			errs = append(errs, ValidationError{
				Field:      fmt.Sprintf("actions[%d].type", i),
				Message:    fmt.Sprintf("unknown action type %q", a.Type),
				Suggestion: "use webhook, ticket, or email",
			})
		}
		if a.Target == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].target", i),
				Message: "action target is required",
			})
		}
	}
	return errs
}
