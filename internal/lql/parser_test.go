package lql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimplePipeline(t *testing.T) {
	q, errs := Parse(`logs | where severity == "high" and source_ip contains "10.0." | summarize count() by event_id | top 5 by count_ desc`)
	require.Empty(t, errs)
	require.NotNil(t, q)

	assert.Equal(t, "logs", q.Table)
	require.Len(t, q.Stages, 3)

	where, ok := q.Stages[0].(Where)
	require.True(t, ok)
	cond, ok := where.Cond.(Binary)
	require.True(t, ok)
	assert.Equal(t, OpAnd, cond.Op)
	assert.Equal(t, Binary{Op: OpEq, LHS: Column{Name: "severity"}, RHS: Literal{Kind: LitString, Str: "high"}}, cond.LHS)
	assert.Equal(t, Binary{Op: OpContains, LHS: Column{Name: "source_ip"}, RHS: Literal{Kind: LitString, Str: "10.0."}}, cond.RHS)

	summarize, ok := q.Stages[1].(Summarize)
	require.True(t, ok)
	assert.Equal(t, []Agg{{Func: "count"}}, summarize.Aggs)
	assert.Equal(t, []string{"event_id"}, summarize.By)

	top, ok := q.Stages[2].(Top)
	require.True(t, ok)
	assert.Equal(t, 5, top.N)
	assert.Equal(t, []SortKey{{Col: "count_", Desc: true}}, top.Keys)
}

func TestParseOperators(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Expr
	}{
		{
			name:  "not equal",
			input: `logs | where status != 200`,
			want:  Binary{Op: OpNeq, LHS: Column{Name: "status"}, RHS: Literal{Kind: LitNumber, Num: 200}},
		},
		{
			name:  "ordering",
			input: `logs | where latency_ms >= 1500`,
			want:  Binary{Op: OpGte, LHS: Column{Name: "latency_ms"}, RHS: Literal{Kind: LitNumber, Num: 1500}},
		},
		{
			name:  "startswith",
			input: `logs | where hostname startswith "DC"`,
			want:  Binary{Op: OpStartsWith, LHS: Column{Name: "hostname"}, RHS: Literal{Kind: LitString, Str: "DC"}},
		},
		{
			name:  "matches regex",
			input: `logs | where message matches regex "failed\\s+login"`,
			want:  Binary{Op: OpMatches, LHS: Column{Name: "message"}, RHS: Literal{Kind: LitString, Str: `failed\s+login`}},
		},
		{
			name:  "in list",
			input: `logs | where event_id in (4624, 4625)`,
			want: Binary{Op: OpIn, LHS: Column{Name: "event_id"}, RHS: List{Items: []Expr{
				Literal{Kind: LitNumber, Num: 4624},
				Literal{Kind: LitNumber, Num: 4625},
			}}},
		},
		{
			name:  "not in list",
			input: `logs | where source !in ("scanner", "healthcheck")`,
			want: Binary{Op: OpNotIn, LHS: Column{Name: "source"}, RHS: List{Items: []Expr{
				Literal{Kind: LitString, Str: "scanner"},
				Literal{Kind: LitString, Str: "healthcheck"},
			}}},
		},
		{
			name:  "timespan literal",
			input: `logs | where age < 24h`,
			want:  Binary{Op: OpLt, LHS: Column{Name: "age"}, RHS: Literal{Kind: LitTimespan, Span: 24 * time.Hour}},
		},
		{
			name:  "datetime literal",
			input: `logs | where timestamp > datetime("2024-03-01T00:00:00Z")`,
			want: Binary{Op: OpGt, LHS: Column{Name: "timestamp"}, RHS: Literal{
				Kind: LitDatetime,
				Time: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			}},
		},
		{
			name:  "negation",
			input: `logs | where not severity == "low"`,
			want: Unary{Op: OpNot, X: Binary{
				Op: OpEq, LHS: Column{Name: "severity"}, RHS: Literal{Kind: LitString, Str: "low"},
			}},
		},
		{
			name:  "or binds looser than and",
			input: `logs | where a == 1 and b == 2 or c == 3`,
			want: Binary{Op: OpOr,
				LHS: Binary{Op: OpAnd,
					LHS: Binary{Op: OpEq, LHS: Column{Name: "a"}, RHS: Literal{Kind: LitNumber, Num: 1}},
					RHS: Binary{Op: OpEq, LHS: Column{Name: "b"}, RHS: Literal{Kind: LitNumber, Num: 2}},
				},
				RHS: Binary{Op: OpEq, LHS: Column{Name: "c"}, RHS: Literal{Kind: LitNumber, Num: 3}},
			},
		},
		{
			name:  "parentheses override precedence",
			input: `logs | where a == 1 and (b == 2 or c == 3)`,
			want: Binary{Op: OpAnd,
				LHS: Binary{Op: OpEq, LHS: Column{Name: "a"}, RHS: Literal{Kind: LitNumber, Num: 1}},
				RHS: Binary{Op: OpOr,
					LHS: Binary{Op: OpEq, LHS: Column{Name: "b"}, RHS: Literal{Kind: LitNumber, Num: 2}},
					RHS: Binary{Op: OpEq, LHS: Column{Name: "c"}, RHS: Literal{Kind: LitNumber, Num: 3}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, errs := Parse(tt.input)
			require.Empty(t, errs)
			require.Len(t, q.Stages, 1)
			where, ok := q.Stages[0].(Where)
			require.True(t, ok)
			assert.Equal(t, tt.want, where.Cond)
		})
	}
}

func TestParseJoin(t *testing.T) {
	q, errs := Parse(`logs | join kind=left (assets | where owner == "soc") on hostname == asset_name | sort by timestamp desc`)
	require.Empty(t, errs)
	require.Len(t, q.Stages, 2)

	join, ok := q.Stages[0].(Join)
	require.True(t, ok)
	assert.Equal(t, JoinLeft, join.Kind)
	require.NotNil(t, join.Right)
	assert.Equal(t, "assets", join.Right.Table)
	assert.Len(t, join.Right.Stages, 1)
	assert.Equal(t, Binary{Op: OpEq, LHS: Column{Name: "hostname"}, RHS: Column{Name: "asset_name"}}, join.On)

	assert.Equal(t, 1, q.CountJoins())
	assert.Equal(t, 2, q.Depth())
}

func TestParseJoinDefaultsToInner(t *testing.T) {
	q, errs := Parse(`logs | join (assets) on hostname == asset_name`)
	require.Empty(t, errs)
	join := q.Stages[0].(Join)
	assert.Equal(t, JoinInner, join.Kind)
}

func TestParseProjectAliases(t *testing.T) {
	q, errs := Parse(`logs | project event_id, source_ip as src, hostname`)
	require.Empty(t, errs)
	project, ok := q.Stages[0].(Project)
	require.True(t, ok)
	assert.Equal(t, []ProjectCol{
		{Name: "event_id"},
		{Name: "source_ip", Alias: "src"},
		{Name: "hostname"},
	}, project.Cols)
}

func TestParseSummarizeMultipleAggs(t *testing.T) {
	q, errs := Parse(`logs | summarize count() as hits, avg(latency_ms) as lat by source, severity`)
	require.Empty(t, errs)
	summarize := q.Stages[0].(Summarize)
	assert.Equal(t, []Agg{
		{Func: "count", Alias: "hits"},
		{Func: "avg", Arg: "latency_ms", Alias: "lat"},
	}, summarize.Aggs)
	assert.Equal(t, []string{"source", "severity"}, summarize.By)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{"empty input", "   ", "empty query"},
		{"missing table", "| where a == 1", "expected table name"},
		{"unknown stage", "logs | explode", `unknown stage "explode"`},
		{"dangling pipe", "logs |", "expected stage keyword"},
		{"missing operator", `logs | where severity "high"`, "expected comparison operator"},
		{"unterminated string", `logs | where a == "high`, "unterminated string literal"},
		{"unknown aggregation", "logs | summarize median(x)", `unknown aggregation function "median"`},
		{"top without count", "logs | top by x desc", "expected row count"},
		{"top zero", "logs | top 0 by x", "positive integer"},
		{"unknown join kind", `logs | join kind=cross (assets) on a == b`, `unknown join kind "cross"`},
		{"malformed timespan", "logs | where age < 4hx", "malformed timespan"},
		{"bad datetime", `logs | where timestamp > datetime("not-a-date")`, "malformed datetime"},
		{"trailing garbage", "logs | where a == 1 )", "unexpected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, errs := Parse(tt.input)
			assert.Nil(t, q)
			require.NotEmpty(t, errs)
			assert.Equal(t, SyntaxError, errs[0].Kind)
			assert.Contains(t, errs[0].Message, tt.message)
			assert.GreaterOrEqual(t, errs[0].Line, 1)
			assert.GreaterOrEqual(t, errs[0].Col, 1)
		})
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, errs := Parse("logs\n  | explode")
	require.NotEmpty(t, errs)
	assert.Equal(t, 2, errs[0].Line)
	assert.Equal(t, 5, errs[0].Col)
}

// Rendering a parsed query and parsing it again must yield the identical AST.
func TestRenderRoundTrip(t *testing.T) {
	inputs := []string{
		`logs`,
		`logs | where severity == "high"`,
		`logs | where severity == "high" and source_ip contains "10.0." | summarize count() by event_id | top 5 by count_ desc`,
		`logs | where a == 1 and (b == 2 or c == 3)`,
		`logs | where not severity == "low" or priority in ("high", "critical")`,
		`logs | where event_id !in (4624, 4634) | project event_id, source_ip as src`,
		`logs | where message matches regex "failed\\s+login"`,
		`logs | where age < 24h and timestamp > datetime("2024-03-01T00:00:00Z")`,
		`logs | summarize count() as hits, avg(latency_ms) as lat by source, severity | sort by hits desc, source asc`,
		`logs | join kind=left (assets | where owner == "soc") on hostname == asset_name | top 10 by timestamp desc`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			q, errs := Parse(input)
			require.Empty(t, errs)

			text := Render(q)
			again, errs := Parse(text)
			require.Empty(t, errs, "canonical text must reparse: %s", text)
			assert.Equal(t, q, again)

			// Rendering is a fixed point: canonical text renders to itself.
			assert.Equal(t, text, Render(again))
		})
	}
}

func TestRenderExprParenthesization(t *testing.T) {
	e := Binary{Op: OpAnd,
		LHS: Binary{Op: OpOr,
			LHS: Binary{Op: OpEq, LHS: Column{Name: "a"}, RHS: Literal{Kind: LitNumber, Num: 1}},
			RHS: Binary{Op: OpEq, LHS: Column{Name: "b"}, RHS: Literal{Kind: LitNumber, Num: 2}},
		},
		RHS: Binary{Op: OpEq, LHS: Column{Name: "c"}, RHS: Literal{Kind: LitNumber, Num: 3}},
	}
	assert.Equal(t, `(a == 1 or b == 2) and c == 3`, RenderExpr(e))
}

func TestQueryShapeHelpers(t *testing.T) {
	q, errs := Parse(`logs | where message matches regex "x+" | summarize count(), sum(bytes) by source | join (a | join (b) on x == y) on k == k2`)
	require.Empty(t, errs)

	assert.True(t, q.UsesRegex())
	assert.Equal(t, 2, q.CountJoins())
	assert.Equal(t, 2, q.CountAggregations())
	assert.Equal(t, 3, q.Depth())
	assert.True(t, q.HasStage(func(s Stage) bool { _, ok := s.(Summarize); return ok }))
	assert.False(t, q.HasStage(func(s Stage) bool { _, ok := s.(Top); return ok }))
}
