// Package rules defines the correlation rule model: typed condition trees,
// rule metadata, and the reloadable snapshot store.
package rules

import (
	"fmt"
	"regexp"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpRegex      Operator = "regex"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

// validOperators is the closed operator set; validation rejects anything else.
var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true, OpRegex: true,
	OpIn: true, OpNotIn: true, OpIsNull: true, OpIsNotNull: true,
}

// BoolOp combines child conditions.
type BoolOp string

const (
	BoolAnd BoolOp = "and"
	BoolOr  BoolOp = "or"
	BoolNot BoolOp = "not"
)

// Condition node types.
const (
	NodeField = "field"
	NodeGroup = "group"
)

// Condition is a tagged union: a NodeField leaf comparing one event field,
// or a NodeGroup combining children with a boolean operator. Trees are
// parsed into this typed form at snapshot load; evaluation never touches
// raw JSON.
type Condition struct {
	Type string `json:"type"`

	// Group nodes
	Op       BoolOp       `json:"op,omitempty"`
	Children []*Condition `json:"children,omitempty"`

	// Field leaves
	Field         string      `json:"field,omitempty"`
	Operator      Operator    `json:"operator,omitempty"`
	Value         interface{} `json:"value,omitempty"`
	CaseSensitive bool        `json:"case_sensitive,omitempty"`
	Required      bool        `json:"is_required,omitempty"`

	regex    *regexp.Regexp
	disabled bool
}

// Regex returns the compiled pattern for regex leaves, nil otherwise.
func (c *Condition) Regex() *regexp.Regexp {
	return c.regex
}

// IsDisabled reports whether this leaf was disabled at compile time
// (a regex that failed to compile). Disabled leaves are skipped during
// evaluation rather than failing the rule.
func (c *Condition) IsDisabled() bool {
	return c.disabled
}

// maxConditionDepth bounds tree walks so a malformed snapshot cannot
// recurse unboundedly.
const maxConditionDepth = 32

// Compile prepares a condition tree for evaluation: regex leaves are
// compiled and leaves whose pattern does not compile are disabled. Returns
// one warning per disabled leaf.
func (c *Condition) Compile() []string {
	var warnings []string
	c.compile(&warnings, 0)
	return warnings
}

func (c *Condition) compile(warnings *[]string, depth int) {
	if c == nil || depth > maxConditionDepth {
		return
	}
	if c.Type == NodeGroup {
		for _, child := range c.Children {
			child.compile(warnings, depth+1)
		}
		return
	}
	if c.Operator != OpRegex {
		return
	}

	pattern, ok := c.Value.(string)
	if !ok {
		c.disabled = true
		*warnings = append(*warnings, fmt.Sprintf("regex condition on %q has non-string pattern; condition disabled", c.Field))
		return
	}
	if !c.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.disabled = true
		*warnings = append(*warnings, fmt.Sprintf("regex condition on %q does not compile (%v); condition disabled", c.Field, err))
		return
	}
	c.regex = re
}

// BuildTree assembles the standard tree shape from a flat ordered condition
// list: required leaves are AND'd into the root and optional leaves form a
// final OR subtree. A rule with only optional conditions still needs at
// least one of them to fire.
func BuildTree(leaves []*Condition) *Condition {
	var required, optional []*Condition
	for _, leaf := range leaves {
		if leaf == nil {
			continue
		}
		if leaf.Required {
			required = append(required, leaf)
		} else {
			optional = append(optional, leaf)
		}
	}

	switch {
	case len(required) == 0 && len(optional) == 0:
		return nil
	case len(required) == 0:
		return &Condition{Type: NodeGroup, Op: BoolOr, Children: optional}
	case len(optional) == 0:
		if len(required) == 1 {
			return required[0]
		}
		return &Condition{Type: NodeGroup, Op: BoolAnd, Children: required}
	default:
		children := make([]*Condition, 0, len(required)+1)
		children = append(children, required...)
		children = append(children, &Condition{Type: NodeGroup, Op: BoolOr, Children: optional})
		return &Condition{Type: NodeGroup, Op: BoolAnd, Children: children}
	}
}

// Leaves returns all field leaves in the tree in depth-first order.
func (c *Condition) Leaves() []*Condition {
	if c == nil {
		return nil
	}
	if c.Type != NodeGroup {
		return []*Condition{c}
	}
	var out []*Condition
	for _, child := range c.Children {
		out = append(out, child.Leaves()...)
	}
	return out
}
