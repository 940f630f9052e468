package correlation

import (
	"sync/atomic"
	"time"

	"github.com/securewatch/correlation-core/internal/buffer"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/rules"
)

// PatternStep is one step of a multi-event pattern: a condition set plus an
// optional constraint on the gap to the previous step.
type PatternStep struct {
	Condition *rules.Condition `json:"condition"`
	// MaxGap bounds the time between this step's event and the previous
	// step's. Zero means only the pattern window applies.
	MaxGap time.Duration `json:"max_gap,omitempty"`
}

// Pattern describes a sequence of events that together indicate an attack
// stage, matched over the buffer's lookback window.
type Pattern struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	PatternType    string         `json:"pattern_type"`
	Severity       event.Severity `json:"severity"`
	RelevanceScore float64        `json:"relevance_score"` // in [0,1]
	Window         time.Duration  `json:"window"`
	Steps          []PatternStep  `json:"steps"`

	// Keys scopes the buffer scan to specific buffer keys. Empty means the
	// final step's event key only.
	Keys []string `json:"keys,omitempty"`
}

// PatternMatch is a completed pattern with the events that satisfied each
// step, in step order.
type PatternMatch struct {
	Pattern *Pattern
	Events  []*event.Event
}

// PatternMatcher matches multi-event patterns against the buffer. The
// pattern set is swapped atomically, mirroring the rule snapshot.
type PatternMatcher struct {
	buffer   *buffer.Buffer
	patterns atomic.Pointer[[]*Pattern]
}

// NewPatternMatcher creates a matcher over the shared buffer.
func NewPatternMatcher(buf *buffer.Buffer) *PatternMatcher {
	pm := &PatternMatcher{buffer: buf}
	empty := []*Pattern{}
	pm.patterns.Store(&empty)
	return pm
}

// SetPatterns installs a new pattern set. Patterns with no steps are dropped;
// condition trees are compiled in place.
func (pm *PatternMatcher) SetPatterns(patterns []*Pattern) {
	kept := make([]*Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p == nil || len(p.Steps) == 0 {
			continue
		}
		if p.Window <= 0 {
			p.Window = 30 * time.Minute
		}
		for _, step := range p.Steps {
			if step.Condition != nil {
				step.Condition.Compile()
			}
		}
		kept = append(kept, p)
	}
	pm.patterns.Store(&kept)
}

// Patterns returns the installed pattern set.
func (pm *PatternMatcher) Patterns() []*Pattern {
	return *pm.patterns.Load()
}

// Match checks every pattern whose final step matches the incoming event.
// The earlier steps are searched backwards through the buffer window,
// honoring inter-step gap constraints.
func (pm *PatternMatcher) Match(e *event.Event) []PatternMatch {
	var out []PatternMatch

	for _, p := range pm.Patterns() {
		last := p.Steps[len(p.Steps)-1]
		if res := rules.Evaluate(last.Condition, e); !res.Matched {
			continue
		}

		if len(p.Steps) == 1 {
			out = append(out, PatternMatch{Pattern: p, Events: []*event.Event{e}})
			continue
		}

		keys := p.Keys
		if len(keys) == 0 {
			keys = []string{e.BufferKey()}
		}
		candidates := pm.buffer.Scan(keys, p.Window, nil)

		if chain, ok := matchSteps(p.Steps, candidates, e); ok {
			out = append(out, PatternMatch{Pattern: p, Events: append(chain, e)})
		}
	}

	return out
}

// matchSteps finds one event per prior step, in order, all strictly before
// the final event. A step's MaxGap bounds the time from that step's event to
// the following step's event; when walking backwards, the constraint applied
// to step i comes from step i+1.
func matchSteps(steps []PatternStep, candidates []*event.Event, final *event.Event) ([]*event.Event, bool) {
	prior := steps[:len(steps)-1]
	chain := make([]*event.Event, len(prior))
	next := final
	gap := steps[len(steps)-1].MaxGap

	for i := len(prior) - 1; i >= 0; i-- {
		step := prior[i]
		var pick *event.Event
		for _, c := range candidates {
			if c.ID == final.ID || !c.Timestamp.Before(next.Timestamp) {
				continue
			}
			if gap > 0 && next.Timestamp.Sub(c.Timestamp) > gap {
				continue
			}
			if res := rules.Evaluate(step.Condition, c); !res.Matched {
				continue
			}
			// Pick the latest satisfying event to keep later steps' windows
			// as wide as possible.
			if pick == nil || c.Timestamp.After(pick.Timestamp) {
				pick = c
			}
		}
		if pick == nil {
			return nil, false
		}
		chain[i] = pick
		next = pick
		gap = step.MaxGap
	}

	return chain, true
}
