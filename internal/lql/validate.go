package lql

import (
	"fmt"
)

// Schema maps table names to their column sets. A nil schema skips column
// checks entirely.
type Schema map[string]map[string]bool

// NewSchema builds a schema from table → column list.
func NewSchema(tables map[string][]string) Schema {
	s := make(Schema, len(tables))
	for table, cols := range tables {
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c] = true
		}
		s[table] = set
	}
	return s
}

// Validate performs semantic validation of a parsed query against an
// optional schema: referenced columns must exist, aggregation arguments must
// be columns, and group-by columns introduced by summarize are tracked so
// later stages validate against the aggregated shape.
func Validate(q *Query, schema Schema) []ParseError {
	if q == nil {
		return []ParseError{{Kind: SemanticError, Line: 1, Col: 1, Message: "no query"}}
	}

	v := &validator{schema: schema}
	v.validateQuery(q)
	return v.errors
}

type validator struct {
	schema Schema
	errors []ParseError
}

func (v *validator) errorf(format string, args ...interface{}) {
	v.errors = append(v.errors, ParseError{
		Kind:    SemanticError,
		Line:    1,
		Col:     1,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) validateQuery(q *Query) {
	var known map[string]bool
	if v.schema != nil {
		cols, ok := v.schema[q.Table]
		if !ok {
			v.errorf("unknown table %q", q.Table)
			return
		}
		known = copyCols(cols)
	}

	for _, s := range q.Stages {
		switch st := s.(type) {
		case Where:
			v.checkExprColumns(st.Cond, known, q.Table)

		case Project:
			next := make(map[string]bool, len(st.Cols))
			for _, col := range st.Cols {
				v.checkColumn(col.Name, known, q.Table)
				name := col.Name
				if col.Alias != "" {
					name = col.Alias
				}
				next[name] = true
			}
			known = next

		case Summarize:
			next := make(map[string]bool, len(st.Aggs)+len(st.By))
			for _, agg := range st.Aggs {
				if agg.Arg != "" && agg.Arg != "*" {
					v.checkColumn(agg.Arg, known, q.Table)
				}
				next[AggOutputName(agg)] = true
			}
			for _, by := range st.By {
				v.checkColumn(by, known, q.Table)
				next[by] = true
			}
			known = next

		case Sort:
			for _, key := range st.Keys {
				v.checkColumn(key.Col, known, q.Table)
			}

		case Top:
			for _, key := range st.Keys {
				v.checkColumn(key.Col, known, q.Table)
			}

		case Join:
			if st.Right != nil {
				v.validateQuery(st.Right)
				// After a join the column set is the union of both sides.
				if known != nil && v.schema != nil {
					if rightCols, ok := v.schema[st.Right.Table]; ok {
						for c := range rightCols {
							known[c] = true
						}
					}
				}
			}
			// Join conditions reference both sides; only check against the
			// merged set.
			v.checkExprColumns(st.On, known, q.Table)
		}
	}
}

// AggOutputName is the column name an aggregation produces: the alias if
// given, otherwise func_ (count_, sum_, ...) matching the canonical output
// naming.
func AggOutputName(agg Agg) string {
	if agg.Alias != "" {
		return agg.Alias
	}
	return agg.Func + "_"
}

func (v *validator) checkExprColumns(e Expr, known map[string]bool, table string) {
	WalkExpr(e, func(node Expr) {
		if col, ok := node.(Column); ok {
			v.checkColumn(col.Name, known, table)
		}
	})
}

func (v *validator) checkColumn(name string, known map[string]bool, table string) {
	if known == nil || name == "*" {
		return
	}
	if !known[name] {
		v.errorf("column %q does not exist in %q", name, table)
	}
}

func copyCols(cols map[string]bool) map[string]bool {
	out := make(map[string]bool, len(cols))
	for c := range cols {
		out[c] = true
	}
	return out
}
