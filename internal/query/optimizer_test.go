package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/correlation-core/internal/lql"
)

func TestOptimizePushesFilterBeforeSort(t *testing.T) {
	q := parseLQL(t, `logs | sort by timestamp desc | where severity == "high"`)
	got := Optimize(q)

	require.Len(t, got.Stages, 2)
	_, isWhere := got.Stages[0].(lql.Where)
	_, isSort := got.Stages[1].(lql.Sort)
	assert.True(t, isWhere)
	assert.True(t, isSort)
}

func TestOptimizeFilterDoesNotCrossSummarize(t *testing.T) {
	q := parseLQL(t, `logs | summarize count() by source | where count_ > 10`)
	got := Optimize(q)

	require.Len(t, got.Stages, 2)
	_, isSummarize := got.Stages[0].(lql.Summarize)
	_, isWhere := got.Stages[1].(lql.Where)
	assert.True(t, isSummarize)
	assert.True(t, isWhere)
}

func TestOptimizeFilterDoesNotCrossJoin(t *testing.T) {
	q := parseLQL(t, `logs | join (assets) on hostname == asset_name | where criticality == "high"`)
	got := Optimize(q)

	require.Len(t, got.Stages, 2)
	_, isJoin := got.Stages[0].(lql.Join)
	_, isWhere := got.Stages[1].(lql.Where)
	assert.True(t, isJoin)
	assert.True(t, isWhere)
}

func TestOptimizeFilterCrossesAliasFreeProjection(t *testing.T) {
	q := parseLQL(t, `logs | project event_id, severity | where severity == "high"`)
	got := Optimize(q)

	require.Len(t, got.Stages, 2)
	_, isWhere := got.Stages[0].(lql.Where)
	assert.True(t, isWhere)

	// A projection that renames the filtered column blocks the push-down.
	q = parseLQL(t, `logs | project severity as sev | where sev == "high"`)
	got = Optimize(q)
	_, isProject := got.Stages[0].(lql.Project)
	assert.True(t, isProject)
}

func TestOptimizeMergesAdjacentWheres(t *testing.T) {
	q := parseLQL(t, `logs | where severity == "high" | where event_id == 4625`)
	got := Optimize(q)

	require.Len(t, got.Stages, 1)
	where := got.Stages[0].(lql.Where)
	cond, ok := where.Cond.(lql.Binary)
	require.True(t, ok)
	assert.Equal(t, lql.OpAnd, cond.Op)
}

func TestOptimizeCollapsesProjections(t *testing.T) {
	q := parseLQL(t, `logs | project event_id, source_ip as src, hostname | project src, hostname`)
	got := Optimize(q)

	require.Len(t, got.Stages, 1)
	project := got.Stages[0].(lql.Project)
	assert.Equal(t, []lql.ProjectCol{
		{Name: "source_ip", Alias: "src"},
		{Name: "hostname"},
	}, project.Cols)
}

func TestOptimizeCoalescesSummarize(t *testing.T) {
	q := &lql.Query{
		Table: "logs",
		Stages: []lql.Stage{
			lql.Summarize{Aggs: []lql.Agg{{Func: "count"}}, By: []string{"source"}},
			lql.Summarize{Aggs: []lql.Agg{{Func: "max", Arg: "risk_score", Alias: "worst"}}, By: []string{"source"}},
		},
	}
	got := Optimize(q)

	require.Len(t, got.Stages, 1)
	sum := got.Stages[0].(lql.Summarize)
	assert.Equal(t, []lql.Agg{
		{Func: "count"},
		{Func: "max", Arg: "risk_score", Alias: "worst"},
	}, sum.Aggs)

	// Different group-by columns stay separate.
	q.Stages[1] = lql.Summarize{Aggs: []lql.Agg{{Func: "count"}}, By: []string{"severity"}}
	assert.Len(t, Optimize(q).Stages, 2)
}

func TestOptimizeRecursesIntoJoins(t *testing.T) {
	q := parseLQL(t, `logs | join (assets | sort by asset_name asc | where owner == "soc") on hostname == asset_name`)
	got := Optimize(q)

	join := got.Stages[0].(lql.Join)
	require.Len(t, join.Right.Stages, 2)
	_, isWhere := join.Right.Stages[0].(lql.Where)
	assert.True(t, isWhere)
}

func TestOptimizeIdempotent(t *testing.T) {
	inputs := []string{
		`logs | sort by timestamp desc | where severity == "high" | where event_id == 4625`,
		`logs | project a, b | project b | top 3 by b desc`,
		`logs | summarize count() by source | where count_ > 10`,
		`logs | join (assets | sort by asset_name asc | where owner == "soc") on hostname == asset_name`,
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			once := Optimize(parseLQL(t, input))
			twice := Optimize(once)
			assert.Equal(t, once, twice)
		})
	}
}

func TestOptimizeDoesNotMutateInput(t *testing.T) {
	q := parseLQL(t, `logs | sort by timestamp desc | where severity == "high"`)
	_, wasSort := q.Stages[0].(lql.Sort)
	require.True(t, wasSort)

	Optimize(q)
	_, stillSort := q.Stages[0].(lql.Sort)
	assert.True(t, stillSort)
}
