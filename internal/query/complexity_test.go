package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeOf(d time.Duration) TimeRange {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return TimeRange{From: from, To: from.Add(d)}
}

func TestAnalyzeSimpleQueryValid(t *testing.T) {
	q := parseLQL(t, `logs | where severity == "high" | top 10 by timestamp desc`)
	a := Analyze(q, Demand{Rows: 100, TimeRange: rangeOf(time.Hour)}, Limits{})

	assert.True(t, a.Valid)
	assert.Empty(t, a.Violations)
	assert.Zero(t, a.Score)
	assert.Positive(t, a.Advisory.MemoryBytes)
	assert.Positive(t, a.Advisory.ExecutionTimeMs)
}

func TestAnalyzeRejectsExcessiveJoins(t *testing.T) {
	// Six joins, no filter, no limit, 200 hour range.
	q := parseLQL(t, `logs`+
		` | join (t1) on a == b | join (t2) on a == b | join (t3) on a == b`+
		` | join (t4) on a == b | join (t5) on a == b | join (t6) on a == b`)
	a := Analyze(q, Demand{TimeRange: rangeOf(200 * time.Hour)}, Limits{})

	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Too many joins")
	assert.Contains(t, a.Violations, "Time range exceeds maximum")
	assert.Contains(t, a.Violations, "Query has neither a WHERE clause nor a LIMIT")
	assert.Greater(t, a.Score, 100)
}

func TestAnalyzeTimeRangeBoundary(t *testing.T) {
	q := parseLQL(t, `logs | where severity == "high" | top 10 by timestamp desc`)

	// Exactly the maximum is accepted.
	a := Analyze(q, Demand{TimeRange: rangeOf(168 * time.Hour)}, Limits{})
	assert.True(t, a.Valid)
	assert.NotContains(t, a.Violations, "Time range exceeds maximum")
	assert.Equal(t, 10, a.Score) // the >24h surcharge only

	// One nanosecond over is not.
	a = Analyze(q, Demand{TimeRange: rangeOf(168*time.Hour + time.Nanosecond)}, Limits{})
	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Time range exceeds maximum")
}

func TestAnalyzeScoreSurcharges(t *testing.T) {
	tests := []struct {
		name  string
		lql   string
		score int
	}{
		{"regex", `logs | where msg matches regex "fail(ed)?" | top 5 by timestamp desc`, 10},
		{"sort without limit has no where either", `logs | sort by timestamp desc`, 15 + 25},
		{"sort with top", `logs | where a == 1 | top 5 by timestamp desc`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Analyze(parseLQL(t, tt.lql), Demand{TimeRange: rangeOf(time.Hour)}, Limits{})
			assert.Equal(t, tt.score, a.Score)
		})
	}
}

func TestAnalyzeWildcardWithoutLimit(t *testing.T) {
	q := parseLQL(t, `logs | where msg contains "*"`)
	a := Analyze(q, Demand{TimeRange: rangeOf(time.Hour)}, Limits{})
	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Wildcard search without a row limit")
	assert.Equal(t, 20, a.Score)

	// A row limit makes the same search acceptable.
	a = Analyze(q, Demand{Rows: 100, TimeRange: rangeOf(time.Hour)}, Limits{})
	assert.True(t, a.Valid)
	assert.Zero(t, a.Score)
}

func TestAnalyzeDemandLimits(t *testing.T) {
	q := parseLQL(t, `logs | where severity == "high" | top 10 by timestamp desc`)

	a := Analyze(q, Demand{Rows: 6000, TimeRange: rangeOf(time.Hour)}, Limits{})
	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Requested row count exceeds maximum")

	a = Analyze(q, Demand{TimeoutMs: 500000, TimeRange: rangeOf(time.Hour)}, Limits{})
	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Requested timeout exceeds maximum")
}

func TestAnalyzeCustomLimits(t *testing.T) {
	q := parseLQL(t, `logs | where a == 1 | join (t1) on a == b | top 5 by a desc`)
	a := Analyze(q, Demand{TimeRange: rangeOf(time.Hour)}, Limits{MaxJoins: 1})
	assert.True(t, a.Valid)

	a = Analyze(parseLQL(t, `logs | where a == 1 | join (t1) on a == b | join (t2) on a == b | top 5 by a desc`),
		Demand{TimeRange: rangeOf(time.Hour)}, Limits{MaxJoins: 1})
	assert.False(t, a.Valid)
	assert.Contains(t, a.Violations, "Too many joins")
}

func TestAnalyzeAdvisoryScalesWithDemand(t *testing.T) {
	q := parseLQL(t, `logs | where severity == "high" | top 10 by timestamp desc`)
	small := Analyze(q, Demand{Rows: 100, TimeRange: rangeOf(time.Hour)}, Limits{})
	large := Analyze(q, Demand{Rows: 5000, TimeRange: rangeOf(100 * time.Hour)}, Limits{})

	require.True(t, small.Valid)
	require.True(t, large.Valid)
	assert.Greater(t, large.Advisory.MemoryBytes, small.Advisory.MemoryBytes)
	assert.Greater(t, large.Advisory.ExecutionTimeMs, small.Advisory.ExecutionTimeMs)
}
