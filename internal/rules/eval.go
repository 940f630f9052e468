package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/securewatch/correlation-core/internal/event"
)

// EvalResult reports the outcome of evaluating a condition tree against one
// event. The match counts feed the confidence formula.
type EvalResult struct {
	Matched         bool
	RequiredMatched int
	OptionalMatched int
}

// Evaluate runs a compiled condition tree against an event. Disabled leaves
// (failed regex compiles) are skipped: a group whose children are all
// disabled is undecided, and an undecided root never matches.
func Evaluate(c *Condition, e *event.Event) EvalResult {
	res := EvalResult{}
	if c == nil || e == nil {
		return res
	}
	matched, decided := evalNode(c, e, &res, 0)
	res.Matched = matched && decided
	return res
}

// evalNode returns (matched, decided). decided=false marks a subtree with no
// evaluable leaves.
func evalNode(c *Condition, e *event.Event, res *EvalResult, depth int) (bool, bool) {
	if c == nil || depth > maxConditionDepth {
		return false, false
	}

	if c.Type != NodeGroup {
		if c.disabled {
			return false, false
		}
		matched := evalLeaf(c, e)
		if matched {
			if c.Required {
				res.RequiredMatched++
			} else {
				res.OptionalMatched++
			}
		}
		return matched, true
	}

	switch c.Op {
	case BoolAnd:
		anyDecided := false
		for _, child := range c.Children {
			matched, decided := evalNode(child, e, res, depth+1)
			if !decided {
				continue
			}
			anyDecided = true
			if !matched {
				return false, true
			}
		}
		return anyDecided, anyDecided
	case BoolOr:
		anyDecided := false
		result := false
		for _, child := range c.Children {
			matched, decided := evalNode(child, e, res, depth+1)
			if !decided {
				continue
			}
			anyDecided = true
			if matched {
				result = true
			}
		}
		return result, anyDecided
	case BoolNot:
		if len(c.Children) == 0 {
			return false, false
		}
		matched, decided := evalNode(c.Children[0], e, res, depth+1)
		if !decided {
			return false, false
		}
		return !matched, true
	default:
		return false, false
	}
}

func evalLeaf(c *Condition, e *event.Event) bool {
	val, ok := e.Field(c.Field)

	// NULL semantics: a missing field, a nil slot, and an empty string all
	// count as null.
	isNull := !ok || val == nil || val == ""
	switch c.Operator {
	case OpIsNull:
		return isNull
	case OpIsNotNull:
		return !isNull
	}
	if !ok || val == nil {
		return false
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(val, c.Value, c.CaseSensitive)
	case OpNeq:
		return !valuesEqual(val, c.Value, c.CaseSensitive)
	case OpLt, OpLte, OpGt, OpGte:
		return compareOrdered(c.Operator, val, c.Value)
	case OpContains:
		return strings.Contains(foldFor(c, toString(val)), foldFor(c, toString(c.Value)))
	case OpStartsWith:
		return strings.HasPrefix(foldFor(c, toString(val)), foldFor(c, toString(c.Value)))
	case OpEndsWith:
		return strings.HasSuffix(foldFor(c, toString(val)), foldFor(c, toString(c.Value)))
	case OpRegex:
		if c.regex == nil {
			return false
		}
		return c.regex.MatchString(toString(val))
	case OpIn:
		return valueInList(val, c.Value, c.CaseSensitive)
	case OpNotIn:
		return !valueInList(val, c.Value, c.CaseSensitive)
	default:
		return false
	}
}

// foldFor applies Unicode case folding unless the condition asked for exact
// comparison.
func foldFor(c *Condition, s string) string {
	if c.CaseSensitive {
		return s
	}
	return cases.Fold().String(s)
}

func valuesEqual(a, b interface{}, caseSensitive bool) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	if ba, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ba == bb
		}
	}

	sa, sb := toString(a), toString(b)
	if caseSensitive {
		return sa == sb
	}
	return cases.Fold().String(sa) == cases.Fold().String(sb)
}

func compareOrdered(op Operator, a, b interface{}) bool {
	// Timestamps compare as instants when both sides parse.
	if ta, aok := toTime(a); aok {
		if tb, bok := toTime(b); bok {
			return applyOrdered(op, compareTimes(ta, tb))
		}
	}

	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch {
	case fa < fb:
		return applyOrdered(op, -1)
	case fa > fb:
		return applyOrdered(op, 1)
	default:
		return applyOrdered(op, 0)
	}
}

func applyOrdered(op Operator, cmp int) bool {
	switch op {
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func valueInList(val, list interface{}, caseSensitive bool) bool {
	switch items := list.(type) {
	case []interface{}:
		for _, item := range items {
			if valuesEqual(val, item, caseSensitive) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if valuesEqual(val, item, caseSensitive) {
				return true
			}
		}
	}
	return false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
