package query

import (
	"strings"
	"time"

	"github.com/securewatch/correlation-core/internal/lql"
)

// Limits bounds what a single query may demand. Zero values fall back to the
// defaults at analysis time.
type Limits struct {
	MaxRows           int `json:"max_rows"`
	MaxTimeoutMs      int `json:"max_timeout_ms"`
	MaxTimeRangeHours int `json:"max_time_range_hours"`
	MaxJoins          int `json:"max_joins"`
	MaxAggregations   int `json:"max_aggregations"`
	MaxNestedQueries  int `json:"max_nested_queries"`
	ScoreLimit        int `json:"complexity_score_limit"`
}

// DefaultLimits returns the stock complexity limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRows:           5000,
		MaxTimeoutMs:      120000,
		MaxTimeRangeHours: 168,
		MaxJoins:          5,
		MaxAggregations:   10,
		MaxNestedQueries:  3,
		ScoreLimit:        100,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRows <= 0 {
		l.MaxRows = d.MaxRows
	}
	if l.MaxTimeoutMs <= 0 {
		l.MaxTimeoutMs = d.MaxTimeoutMs
	}
	if l.MaxTimeRangeHours <= 0 {
		l.MaxTimeRangeHours = d.MaxTimeRangeHours
	}
	if l.MaxJoins <= 0 {
		l.MaxJoins = d.MaxJoins
	}
	if l.MaxAggregations <= 0 {
		l.MaxAggregations = d.MaxAggregations
	}
	if l.MaxNestedQueries <= 0 {
		l.MaxNestedQueries = d.MaxNestedQueries
	}
	if l.ScoreLimit <= 0 {
		l.ScoreLimit = d.ScoreLimit
	}
	return l
}

// TimeRange bounds a query in time. A zero To means "now" to the caller; the
// analyzer only looks at the span.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Hours returns the span as fractional hours; zero for an unset range.
func (tr TimeRange) Hours() float64 {
	if tr.From.IsZero() || tr.To.IsZero() || !tr.To.After(tr.From) {
		return 0
	}
	return tr.To.Sub(tr.From).Hours()
}

// Demand is what the caller asks for alongside the query text.
type Demand struct {
	Rows      int       `json:"rows"`
	TimeoutMs int       `json:"timeout_ms"`
	TimeRange TimeRange `json:"time_range"`
}

// Advisory is the resource estimate computed for every analyzed query, used
// by admission control to size the lease.
type Advisory struct {
	MemoryBytes     int64 `json:"memory_bytes"`
	CPUMillis       int64 `json:"cpu_millis"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// Assessment is the analyzer verdict. Valid means no violations and a score
// within the limit; advisory estimates are filled either way.
type Assessment struct {
	Valid      bool     `json:"valid"`
	Score      int      `json:"score"`
	Violations []string `json:"violations,omitempty"`
	Advisory   Advisory `json:"advisory"`
}

// Analyze scores a query against the limits. Hard limit breaches are
// violations; structural heft only raises the score until it crosses the
// score limit.
func Analyze(q *lql.Query, demand Demand, limits Limits) Assessment {
	limits = limits.withDefaults()

	var (
		score      int
		violations []string
	)

	if demand.Rows > limits.MaxRows {
		score += 30
		violations = append(violations, "Requested row count exceeds maximum")
	}
	if demand.TimeoutMs > limits.MaxTimeoutMs {
		score += 20
		violations = append(violations, "Requested timeout exceeds maximum")
	}

	hours := demand.TimeRange.Hours()
	if hours > float64(limits.MaxTimeRangeHours) {
		score += 25
		violations = append(violations, "Time range exceeds maximum")
	}
	if hours > 24 {
		score += 10
	}
	if hours > 168 {
		score += 20
	}

	joins := q.CountJoins()
	if joins > limits.MaxJoins {
		score += 5 * joins
		violations = append(violations, "Too many joins")
	}
	aggs := q.CountAggregations()
	if aggs > limits.MaxAggregations {
		score += 3 * aggs
		violations = append(violations, "Too many aggregations")
	}
	nested := q.Depth() - 1
	if nested > limits.MaxNestedQueries {
		score += 8 * nested
		violations = append(violations, "Query nesting too deep")
	}

	if q.UsesRegex() {
		score += 10
	}

	hasLimit := demand.Rows > 0 || q.HasStage(func(s lql.Stage) bool { _, ok := s.(lql.Top); return ok })
	hasSort := q.HasStage(func(s lql.Stage) bool { _, ok := s.(lql.Sort); return ok })
	hasWhere := q.HasStage(func(s lql.Stage) bool { _, ok := s.(lql.Where); return ok })

	if hasSort && !hasLimit {
		score += 15
	}
	if usesWildcard(q) && !hasLimit {
		score += 20
		violations = append(violations, "Wildcard search without a row limit")
	}
	if !hasWhere && !hasLimit {
		score += 25
		violations = append(violations, "Query has neither a WHERE clause nor a LIMIT")
	}

	return Assessment{
		Valid:      len(violations) == 0 && score <= limits.ScoreLimit,
		Score:      score,
		Violations: violations,
		Advisory:   estimate(demand, hours, score),
	}
}

// usesWildcard reports whether any string-matching predicate carries an
// explicit wildcard character.
func usesWildcard(q *lql.Query) bool {
	found := false
	q.WalkExprs(func(e lql.Expr) {
		b, ok := e.(lql.Binary)
		if !ok {
			return
		}
		switch b.Op {
		case lql.OpContains, lql.OpStartsWith, lql.OpEndsWith, lql.OpMatches:
			if lit, isLit := b.RHS.(lql.Literal); isLit && lit.Kind == lql.LitString {
				if strings.ContainsAny(lit.Str, "*%") || strings.Contains(lit.Str, ".*") {
					found = true
				}
			}
		}
	})
	return found
}

// estimate derives the advisory resource figures from the demand and score.
// Deliberately coarse: admission control only needs a consistent ordering,
// not accuracy.
func estimate(demand Demand, hours float64, score int) Advisory {
	rows := demand.Rows
	if rows <= 0 {
		rows = rowsTableScan
	}

	mem := int64(rows) * 2048
	cpu := int64(score)*10 + int64(rows/100)
	execMs := int64(rows/10) + int64(hours*50) + int64(score)*20

	return Advisory{
		MemoryBytes:     mem,
		CPUMillis:       cpu,
		ExecutionTimeMs: execMs,
	}
}
