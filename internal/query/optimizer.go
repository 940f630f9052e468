package query

import (
	"reflect"

	"github.com/securewatch/correlation-core/internal/lql"
)

// Optimize applies the logical rewrites in a fixed order: filter push-down,
// redundant projection elimination, aggregation coalescing, and where merging.
// Join reordering needs side cardinalities the planner does not collect yet,
// so textual order is preserved. Optimize is idempotent and does not mutate
// its input.
func Optimize(q *lql.Query) *lql.Query {
	if q == nil {
		return nil
	}
	out := &lql.Query{Table: q.Table, Stages: append([]lql.Stage(nil), q.Stages...)}

	out.Stages = pushDownFilters(out.Stages)
	out.Stages = collapseProjections(out.Stages)
	out.Stages = coalesceSummarize(out.Stages)
	out.Stages = mergeWheres(out.Stages)

	// Nested join sides are optimized independently.
	for i, s := range out.Stages {
		if j, ok := s.(lql.Join); ok && j.Right != nil {
			j.Right = Optimize(j.Right)
			out.Stages[i] = j
		}
	}
	if len(out.Stages) == 0 {
		out.Stages = nil
	}
	return out
}

// pushDownFilters moves a where stage before any non-aggregating stage
// (project, sort, top) that precedes it. Filters never cross summarize or
// join, whose output shape differs from their input.
func pushDownFilters(stages []lql.Stage) []lql.Stage {
	out := append([]lql.Stage(nil), stages...)
	for i := 1; i < len(out); i++ {
		w, ok := out[i].(lql.Where)
		if !ok {
			continue
		}
		j := i
		for j > 0 && movable(out[j-1], w) {
			out[j] = out[j-1]
			j--
		}
		out[j] = w
	}
	return out
}

func movable(prev lql.Stage, w lql.Where) bool {
	switch st := prev.(type) {
	case lql.Sort, lql.Top:
		return true
	case lql.Project:
		// A filter may only cross a projection when it does not reference a
		// name the projection introduced or removed; aliases make the cheap
		// safe check "no alias mentioned, all referenced columns projected".
		return projectPreserves(st, w.Cond)
	default:
		return false
	}
}

func projectPreserves(p lql.Project, cond lql.Expr) bool {
	names := make(map[string]bool, len(p.Cols))
	for _, col := range p.Cols {
		if col.Alias != "" {
			return false
		}
		names[col.Name] = true
	}
	ok := true
	lql.WalkExpr(cond, func(e lql.Expr) {
		if col, isCol := e.(lql.Column); isCol && !names[col.Name] {
			ok = false
		}
	})
	return ok
}

// collapseProjections keeps only the last of consecutive project stages,
// composing aliases through the earlier ones.
func collapseProjections(stages []lql.Stage) []lql.Stage {
	var out []lql.Stage
	for _, s := range stages {
		p, ok := s.(lql.Project)
		if !ok {
			out = append(out, s)
			continue
		}
		if len(out) > 0 {
			if prev, isPrev := out[len(out)-1].(lql.Project); isPrev {
				out[len(out)-1] = composeProjects(prev, p)
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func composeProjects(first, second lql.Project) lql.Project {
	// second references names as first produced them; map back to the
	// underlying columns.
	source := make(map[string]string, len(first.Cols))
	for _, col := range first.Cols {
		name := col.Name
		if col.Alias != "" {
			name = col.Alias
		}
		source[name] = col.Name
	}

	cols := make([]lql.ProjectCol, len(second.Cols))
	for i, col := range second.Cols {
		underlying, known := source[col.Name]
		if !known {
			underlying = col.Name
		}
		alias := col.Alias
		if alias == "" && underlying != col.Name {
			alias = col.Name
		}
		cols[i] = lql.ProjectCol{Name: underlying, Alias: alias}
	}
	return lql.Project{Cols: cols}
}

// coalesceSummarize merges adjacent summarize stages grouped by the same
// columns into one stage with the union of their aggregations.
func coalesceSummarize(stages []lql.Stage) []lql.Stage {
	var out []lql.Stage
	for _, s := range stages {
		sum, ok := s.(lql.Summarize)
		if !ok {
			out = append(out, s)
			continue
		}
		if len(out) > 0 {
			if prev, isPrev := out[len(out)-1].(lql.Summarize); isPrev && reflect.DeepEqual(prev.By, sum.By) {
				prev.Aggs = append(append([]lql.Agg(nil), prev.Aggs...), sum.Aggs...)
				out[len(out)-1] = prev
				continue
			}
		}
		out = append(out, sum)
	}
	return out
}

// mergeWheres combines adjacent where stages with and, preserving order.
func mergeWheres(stages []lql.Stage) []lql.Stage {
	var out []lql.Stage
	for _, s := range stages {
		w, ok := s.(lql.Where)
		if !ok {
			out = append(out, s)
			continue
		}
		if len(out) > 0 {
			if prev, isPrev := out[len(out)-1].(lql.Where); isPrev {
				out[len(out)-1] = lql.Where{Cond: lql.Binary{Op: lql.OpAnd, LHS: prev.Cond, RHS: w.Cond}}
				continue
			}
		}
		out = append(out, w)
	}
	return out
}
