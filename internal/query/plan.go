package query

import (
	"fmt"
	"hash/fnv"

	"github.com/securewatch/correlation-core/internal/lql"
)

// Fixed cost heuristics. Deterministic so plans are stable test fixtures;
// schema statistics can replace them without changing the plan shape.
const (
	costTableScan   = 100
	costFilter      = 50
	costAggregation = 200
	costProjection  = 25
	costSort        = 150
	costJoin        = 300

	rowsTableScan = 10000
	rowsFilter    = 1000
	rowsAggregate = 100
	rowsJoin      = 2000
)

// Step is one node of the logical plan.
type Step struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	SQLFragment  string   `json:"sql_fragment"`
	EstCost      int      `json:"est_cost"`
	EstRows      int      `json:"est_rows"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plan is the executable form of a query: the ordered steps, the emitted SQL,
// and the totals the admission and cache layers key on.
type Plan struct {
	Steps       []Step `json:"steps"`
	SQL         string `json:"sql"`
	TotalCost   int    `json:"total_cost"`
	EstRows     int    `json:"est_rows"`
	Fingerprint string `json:"fingerprint"`
}

// BuildPlan lays out the plan for an already-optimized query.
func BuildPlan(q *lql.Query) *Plan {
	p := &Plan{SQL: BuildSQL(q)}

	scan := p.addStep("table_scan", QuoteIdent(q.Table), costTableScan, rowsTableScan, nil)
	prev := scan

	for _, s := range q.Stages {
		switch st := s.(type) {
		case lql.Where:
			prev = p.addStep("filter", EmitExpr(st.Cond), costFilter, rowsFilter, []string{prev.ID})
		case lql.Project:
			// Projection preserves cardinality.
			prev = p.addStep("projection", projectFragment(st), costProjection, prev.EstRows, []string{prev.ID})
		case lql.Summarize:
			prev = p.addStep("aggregation", summarizeFragment(st), costAggregation, rowsAggregate, []string{prev.ID})
		case lql.Sort:
			prev = p.addStep("sort", joinFragments(sortKeySQL(st.Keys)), costSort, prev.EstRows, []string{prev.ID})
		case lql.Top:
			rows := st.N
			if rows > prev.EstRows {
				rows = prev.EstRows
			}
			prev = p.addStep("sort", fmt.Sprintf("%s LIMIT %d", joinFragments(sortKeySQL(st.Keys)), st.N), costSort, rows, []string{prev.ID})
		case lql.Join:
			deps := []string{prev.ID}
			if st.Right != nil {
				sub := BuildPlan(st.Right)
				for _, step := range sub.Steps {
					step.ID = fmt.Sprintf("%s.%s", prev.ID, step.ID)
					for i := range step.Dependencies {
						step.Dependencies[i] = fmt.Sprintf("%s.%s", prev.ID, step.Dependencies[i])
					}
					p.Steps = append(p.Steps, step)
					p.TotalCost += step.EstCost
				}
				if len(sub.Steps) > 0 {
					deps = append(deps, fmt.Sprintf("%s.%s", prev.ID, sub.Steps[len(sub.Steps)-1].ID))
				}
			}
			prev = p.addStep("join", EmitExpr(st.On), costJoin, rowsJoin, deps)
		}
	}

	p.EstRows = prev.EstRows
	p.Fingerprint = fingerprint(p.SQL)
	return p
}

func (p *Plan) addStep(kind, fragment string, cost, rows int, deps []string) Step {
	step := Step{
		ID:           fmt.Sprintf("s%d", len(p.Steps)+1),
		Kind:         kind,
		SQLFragment:  fragment,
		EstCost:      cost,
		EstRows:      rows,
		Dependencies: deps,
	}
	p.Steps = append(p.Steps, step)
	p.TotalCost += cost
	return step
}

func projectFragment(p lql.Project) string {
	items := make([]string, len(p.Cols))
	for i, col := range p.Cols {
		items[i] = QuoteIdent(col.Name)
		if col.Alias != "" {
			items[i] += " AS " + QuoteIdent(col.Alias)
		}
	}
	return joinFragments(items)
}

func summarizeFragment(s lql.Summarize) string {
	items := make([]string, 0, len(s.By)+len(s.Aggs))
	for _, by := range s.By {
		items = append(items, QuoteIdent(by))
	}
	for _, agg := range s.Aggs {
		items = append(items, emitAgg(agg))
	}
	return joinFragments(items)
}

func joinFragments(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

// fingerprint is a stable hash of the emitted SQL; the result cache extends
// it with the time range and parameter bindings.
func fingerprint(sql string) string {
	h := fnv.New64a()
	h.Write([]byte(sql))
	return fmt.Sprintf("%016x", h.Sum64())
}
