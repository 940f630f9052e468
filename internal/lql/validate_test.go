package lql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return NewSchema(map[string][]string{
		"logs":   {"event_id", "timestamp", "severity", "source", "source_ip", "hostname", "message", "latency_ms"},
		"assets": {"asset_name", "owner", "criticality"},
	})
}

func mustParse(t *testing.T, input string) *Query {
	t.Helper()
	q, errs := Parse(input)
	require.Empty(t, errs)
	return q
}

func TestValidateKnownColumns(t *testing.T) {
	q := mustParse(t, `logs | where severity == "high" | summarize count() by event_id | top 5 by count_ desc`)
	assert.Empty(t, Validate(q, testSchema()))
}

func TestValidateUnknownColumn(t *testing.T) {
	q := mustParse(t, `logs | where severty == "high"`)
	errs := Validate(q, testSchema())
	require.Len(t, errs, 1)
	assert.Equal(t, SemanticError, errs[0].Kind)
	assert.Contains(t, errs[0].Message, `column "severty" does not exist`)
}

func TestValidateUnknownTable(t *testing.T) {
	q := mustParse(t, `lgos | where severity == "high"`)
	errs := Validate(q, testSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, `unknown table "lgos"`)
}

func TestValidateProjectNarrowsColumns(t *testing.T) {
	// After project, only the projected names (with aliases applied) exist.
	q := mustParse(t, `logs | project source_ip as src | where source_ip contains "10."`)
	errs := Validate(q, testSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, `column "source_ip" does not exist`)

	q = mustParse(t, `logs | project source_ip as src | where src contains "10."`)
	assert.Empty(t, Validate(q, testSchema()))
}

func TestValidateSummarizeShape(t *testing.T) {
	// Post-summarize stages see the aggregate outputs and group-by columns.
	q := mustParse(t, `logs | summarize avg(latency_ms) as lat by source | sort by lat desc`)
	assert.Empty(t, Validate(q, testSchema()))

	q = mustParse(t, `logs | summarize count() by source | sort by severity`)
	errs := Validate(q, testSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, `column "severity" does not exist`)

	// Unaliased aggregations are addressable as func_.
	q = mustParse(t, `logs | summarize count() by source | top 3 by count_ desc`)
	assert.Empty(t, Validate(q, testSchema()))
}

func TestValidateJoinSeesBothSides(t *testing.T) {
	q := mustParse(t, `logs | join kind=left (assets | where owner == "soc") on hostname == asset_name | where criticality == "high"`)
	assert.Empty(t, Validate(q, testSchema()))

	q = mustParse(t, `logs | join (assets) on hostname == no_such_col`)
	errs := Validate(q, testSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, `column "no_such_col" does not exist`)
}

func TestValidateNilSchemaSkipsColumnChecks(t *testing.T) {
	q := mustParse(t, `anything | where whatever == 1`)
	assert.Empty(t, Validate(q, nil))
}

func TestAggOutputName(t *testing.T) {
	assert.Equal(t, "count_", AggOutputName(Agg{Func: "count"}))
	assert.Equal(t, "hits", AggOutputName(Agg{Func: "count", Alias: "hits"}))
}
