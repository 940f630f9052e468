// Package lql implements the pipelined log query language: lexing, parsing
// into a typed AST, semantic validation against a table schema, and rendering
// back to canonical text.
package lql

import "time"

// Query is a pipeline: a source table followed by zero or more stages.
type Query struct {
	Table  string
	Stages []Stage
}

// Stage is one pipeline stage.
type Stage interface{ stage() }

// Where filters rows by a condition expression.
type Where struct {
	Cond Expr
}

// Project selects and renames columns.
type Project struct {
	Cols []ProjectCol
}

// ProjectCol is one projected column with an optional alias.
type ProjectCol struct {
	Name  string
	Alias string
}

// Summarize aggregates rows, optionally grouped.
type Summarize struct {
	Aggs []Agg
	By   []string
}

// Agg is one aggregation call. Arg is empty for count().
type Agg struct {
	Func  string
	Arg   string
	Alias string
}

// Sort orders rows.
type Sort struct {
	Keys []SortKey
}

// SortKey is one ordering column.
type SortKey struct {
	Col  string
	Desc bool
}

// Top orders rows and keeps the first N.
type Top struct {
	N    int
	Keys []SortKey
}

// JoinKind is the join flavor.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinFull  JoinKind = "full"
)

// Join combines the pipeline with a right-side query.
type Join struct {
	Kind  JoinKind
	Right *Query
	On    Expr
}

func (Where) stage()     {}
func (Project) stage()   {}
func (Summarize) stage() {}
func (Sort) stage()      {}
func (Top) stage()       {}
func (Join) stage()      {}

// Expr is a condition expression node.
type Expr interface{ expr() }

// Column references a column, possibly dotted.
type Column struct {
	Name string
}

// LiteralKind tags the literal payload.
type LiteralKind string

const (
	LitString   LiteralKind = "string"
	LitNumber   LiteralKind = "number"
	LitDatetime LiteralKind = "datetime"
	LitTimespan LiteralKind = "timespan"
)

// Literal is a constant value.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Time time.Time
	Span time.Duration
}

// Comparison and boolean operators. Comparisons mirror the rule condition
// operators; == and != are the surface sugar for eq and neq.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpLt         = "lt"
	OpLte        = "lte"
	OpGt         = "gt"
	OpGte        = "gte"
	OpContains   = "contains"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
	OpMatches    = "matches"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpAnd        = "and"
	OpOr         = "or"
	OpNot        = "not"
)

// Binary is a two-operand expression: a comparison or an and/or combination.
type Binary struct {
	Op  string
	LHS Expr
	RHS Expr
}

// Unary is a one-operand expression; only not.
type Unary struct {
	Op string
	X  Expr
}

// List is a literal list, the right side of in / !in.
type List struct {
	Items []Expr
}

func (Column) expr()  {}
func (Literal) expr() {}
func (Binary) expr()  {}
func (Unary) expr()   {}
func (List) expr()    {}

// ErrorKind distinguishes parse from semantic errors.
type ErrorKind string

const (
	SyntaxError   ErrorKind = "syntax_error"
	SemanticError ErrorKind = "semantic_error"
)

// ParseError is one problem found while parsing or validating a query.
type ParseError struct {
	Kind    ErrorKind `json:"kind"`
	Line    int       `json:"line"`
	Col     int       `json:"col"`
	Message string    `json:"message"`
}

// CountJoins returns the number of join stages, including nested queries.
func (q *Query) CountJoins() int {
	n := 0
	for _, s := range q.Stages {
		if j, ok := s.(Join); ok {
			n++
			if j.Right != nil {
				n += j.Right.CountJoins()
			}
		}
	}
	return n
}

// CountAggregations returns the number of aggregation calls across all
// summarize stages, nested queries included.
func (q *Query) CountAggregations() int {
	n := 0
	for _, s := range q.Stages {
		switch st := s.(type) {
		case Summarize:
			n += len(st.Aggs)
		case Join:
			if st.Right != nil {
				n += st.Right.CountAggregations()
			}
		}
	}
	return n
}

// Depth returns the query nesting depth; a query with no joins has depth 1.
func (q *Query) Depth() int {
	depth := 1
	for _, s := range q.Stages {
		if j, ok := s.(Join); ok && j.Right != nil {
			if d := 1 + j.Right.Depth(); d > depth {
				depth = d
			}
		}
	}
	return depth
}

// UsesRegex reports whether any filter uses the matches operator.
func (q *Query) UsesRegex() bool {
	found := false
	q.WalkExprs(func(e Expr) {
		if b, ok := e.(Binary); ok && b.Op == OpMatches {
			found = true
		}
	})
	return found
}

// HasStage reports whether any stage satisfies pred, top level only.
func (q *Query) HasStage(pred func(Stage) bool) bool {
	for _, s := range q.Stages {
		if pred(s) {
			return true
		}
	}
	return false
}

// WalkExprs visits every condition expression in the query, nested join
// sides included.
func (q *Query) WalkExprs(fn func(Expr)) {
	for _, s := range q.Stages {
		switch st := s.(type) {
		case Where:
			WalkExpr(st.Cond, fn)
		case Join:
			WalkExpr(st.On, fn)
			if st.Right != nil {
				st.Right.WalkExprs(fn)
			}
		}
	}
}

// WalkExpr visits every node of a condition expression depth-first.
func WalkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case Binary:
		WalkExpr(x.LHS, fn)
		WalkExpr(x.RHS, fn)
	case Unary:
		WalkExpr(x.X, fn)
	case List:
		for _, item := range x.Items {
			WalkExpr(item, fn)
		}
	}
}
