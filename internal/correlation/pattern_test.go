package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/correlation-core/internal/buffer"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/rules"
)

func fieldCond(field string, value interface{}) *rules.Condition {
	return &rules.Condition{
		Type: rules.NodeField, Field: field,
		Operator: rules.OpEq, Value: value, Required: true,
	}
}

func TestPatternSequenceMatch(t *testing.T) {
	buf := buffer.New(1000)
	pm := NewPatternMatcher(buf)
	pm.SetPatterns([]*Pattern{{
		ID:             "pat-brute-then-success",
		Name:           "failed logons followed by success",
		PatternType:    "sequence",
		Severity:       event.SeverityCritical,
		RelevanceScore: 0.9,
		Window:         30 * time.Minute,
		Keys:           []string{"windows_event|4625", "windows_event|4624"},
		Steps: []PatternStep{
			{Condition: fieldCond("event_id", "4625")},
			{Condition: fieldCond("event_id", "4624"), MaxGap: 10 * time.Minute},
		},
	}})

	fail := event.New(event.SourceWindowsEvent, "4625", time.Now().Add(-2*time.Minute))
	buf.Insert(fail)

	success := event.New(event.SourceWindowsEvent, "4624", time.Now())
	buf.Insert(success)

	matches := pm.Match(success)
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Events, 2)
	assert.Equal(t, fail.ID, matches[0].Events[0].ID)
	assert.Equal(t, success.ID, matches[0].Events[1].ID)
}

func TestPatternGapConstraint(t *testing.T) {
	buf := buffer.New(1000)
	pm := NewPatternMatcher(buf)
	pm.SetPatterns([]*Pattern{{
		ID:             "pat-tight-gap",
		Name:           "tight sequence",
		Severity:       event.SeverityHigh,
		RelevanceScore: 0.7,
		Window:         time.Hour,
		Keys:           []string{"windows_event|4625", "windows_event|4624"},
		Steps: []PatternStep{
			{Condition: fieldCond("event_id", "4625")},
			{Condition: fieldCond("event_id", "4624"), MaxGap: time.Minute},
		},
	}})

	fail := event.New(event.SourceWindowsEvent, "4625", time.Now().Add(-30*time.Minute))
	buf.Insert(fail)

	success := event.New(event.SourceWindowsEvent, "4624", time.Now())
	buf.Insert(success)

	assert.Empty(t, pm.Match(success), "step gap larger than MaxGap must not match")
}

func TestPatternFinalStepMustMatchEvent(t *testing.T) {
	buf := buffer.New(1000)
	pm := NewPatternMatcher(buf)
	pm.SetPatterns([]*Pattern{{
		ID:             "pat-single",
		Name:           "audit log cleared",
		Severity:       event.SeverityCritical,
		RelevanceScore: 1.0,
		Steps:          []PatternStep{{Condition: fieldCond("event_id", "1102")}},
	}})

	other := event.New(event.SourceWindowsEvent, "4624", time.Now())
	buf.Insert(other)
	assert.Empty(t, pm.Match(other))

	cleared := event.New(event.SourceWindowsEvent, "1102", time.Now())
	buf.Insert(cleared)
	matches := pm.Match(cleared)
	require.Len(t, matches, 1)
	assert.Equal(t, []*event.Event{cleared}, matches[0].Events)
}

func TestSetPatternsDropsEmpty(t *testing.T) {
	pm := NewPatternMatcher(buffer.New(10))
	pm.SetPatterns([]*Pattern{
		nil,
		{ID: "no-steps"},
		{ID: "ok", Steps: []PatternStep{{Condition: fieldCond("event_id", "1")}}},
	})
	assert.Len(t, pm.Patterns(), 1)
}
