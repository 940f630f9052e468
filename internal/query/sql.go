package query

import (
	"fmt"
	"strings"

	"github.com/securewatch/correlation-core/internal/lql"
)

// BuildSQL emits PostgreSQL for a (preferably optimized) pipeline. Stages are
// folded into a single SELECT block where the clause order allows it; a stage
// that cannot fold (a filter after an aggregation, a second sort) wraps the
// block built so far as a subquery and starts a new one.
func BuildSQL(q *lql.Query) string {
	b := &sqlBuilder{}
	return b.build(q).render()
}

type sqlBuilder struct {
	subCount int
}

type selectBlock struct {
	b          *sqlBuilder
	selectList []string
	from       string
	joins      []string
	where      string
	groupBy    []string
	orderBy    []string
	limit      int
	aggregated bool
	projected  bool
}

func (b *sqlBuilder) build(q *lql.Query) *selectBlock {
	blk := &selectBlock{b: b, from: QuoteIdent(q.Table)}
	for _, s := range q.Stages {
		blk = blk.apply(s)
	}
	return blk
}

func (blk *selectBlock) apply(s lql.Stage) *selectBlock {
	switch st := s.(type) {
	case lql.Where:
		if blk.aggregated || blk.projected || blk.limit > 0 || len(blk.orderBy) > 0 {
			return blk.wrap().apply(s)
		}
		cond := emitExpr(st.Cond, precAnd)
		if blk.where == "" {
			blk.where = cond
		} else {
			blk.where += " AND " + cond
		}

	case lql.Project:
		if blk.aggregated || blk.projected {
			return blk.wrap().apply(s)
		}
		for _, col := range st.Cols {
			item := QuoteIdent(col.Name)
			if col.Alias != "" {
				item += " AS " + QuoteIdent(col.Alias)
			}
			blk.selectList = append(blk.selectList, item)
		}
		blk.projected = true

	case lql.Summarize:
		if blk.aggregated || blk.projected || blk.limit > 0 || len(blk.orderBy) > 0 {
			return blk.wrap().apply(s)
		}
		for _, by := range st.By {
			blk.selectList = append(blk.selectList, QuoteIdent(by))
			blk.groupBy = append(blk.groupBy, QuoteIdent(by))
		}
		for _, agg := range st.Aggs {
			blk.selectList = append(blk.selectList, emitAgg(agg))
		}
		blk.aggregated = true

	case lql.Sort:
		if len(blk.orderBy) > 0 || blk.limit > 0 {
			return blk.wrap().apply(s)
		}
		blk.orderBy = sortKeySQL(st.Keys)

	case lql.Top:
		if len(blk.orderBy) > 0 || blk.limit > 0 {
			return blk.wrap().apply(s)
		}
		blk.orderBy = sortKeySQL(st.Keys)
		blk.limit = st.N

	case lql.Join:
		if blk.aggregated || blk.projected || blk.limit > 0 || len(blk.orderBy) > 0 {
			return blk.wrap().apply(s)
		}
		blk.joins = append(blk.joins, blk.b.joinClause(st))
	}
	return blk
}

// wrap turns the block built so far into a FROM subquery for the next stage.
func (blk *selectBlock) wrap() *selectBlock {
	blk.b.subCount++
	alias := fmt.Sprintf("sub_%d", blk.b.subCount)
	return &selectBlock{
		b:    blk.b,
		from: "(" + blk.render() + ") AS " + QuoteIdent(alias),
	}
}

func (b *sqlBuilder) joinClause(j lql.Join) string {
	var kind string
	switch j.Kind {
	case lql.JoinLeft:
		kind = "LEFT JOIN"
	case lql.JoinRight:
		kind = "RIGHT JOIN"
	case lql.JoinFull:
		kind = "FULL JOIN"
	default:
		kind = "INNER JOIN"
	}

	var right string
	if j.Right != nil && len(j.Right.Stages) == 0 {
		right = QuoteIdent(j.Right.Table)
	} else if j.Right != nil {
		b.subCount++
		right = "(" + b.build(j.Right).render() + ") AS " + QuoteIdent(fmt.Sprintf("sub_%d", b.subCount))
	}
	return kind + " " + right + " ON " + EmitExpr(j.On)
}

func sortKeySQL(keys []lql.SortKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		dir := " ASC"
		if key.Desc {
			dir = " DESC"
		}
		out[i] = QuoteIdent(key.Col) + dir
	}
	return out
}

func (blk *selectBlock) render() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(blk.selectList) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(blk.selectList, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(blk.from)
	for _, join := range blk.joins {
		sb.WriteString(" ")
		sb.WriteString(join)
	}
	if blk.where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(blk.where)
	}
	if len(blk.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(blk.groupBy, ", "))
	}
	if len(blk.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(blk.orderBy, ", "))
	}
	if blk.limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", blk.limit)
	}
	return sb.String()
}
