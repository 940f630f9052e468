package correlation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/buffer"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/metrics"
	"github.com/securewatch/correlation-core/internal/rules"
)

// Match is one rule that fired for an event.
type Match struct {
	Rule       *rules.Rule
	Confidence float64
	AggValue   float64 // computed aggregate, zero for non-aggregating rules

	// WindowEvents holds the buffer window that satisfied an aggregation
	// rule. The incident manager links all of them, so an incident raised by
	// a count threshold carries every contributing event.
	WindowEvents []*event.Event
}

// Evaluator runs rule condition trees against events, consulting the rule
// cache first and computing buffer-window aggregates for aggregating rules.
type Evaluator struct {
	buffer  *buffer.Buffer
	cache   *RuleCache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEvaluator creates a rule evaluator over the shared buffer and cache.
func NewEvaluator(buf *buffer.Buffer, cache *RuleCache, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		buffer:  buf,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// EvaluateAll evaluates every selected rule against the event, in parallel
// when parallel is set. Result order is unspecified; matches are commutative
// for the downstream incident manager.
func (ev *Evaluator) EvaluateAll(ctx context.Context, e *event.Event, selected []*rules.Rule, parallel bool) []Match {
	if len(selected) == 0 {
		return nil
	}

	if !parallel {
		matches := make([]Match, 0, 4)
		for _, r := range selected {
			if ctx.Err() != nil {
				break
			}
			if m, ok := ev.evaluateOne(e, r); ok {
				matches = append(matches, m)
			}
		}
		return matches
	}

	var mu sync.Mutex
	var matches []Match
	var wg sync.WaitGroup

	// One worker per GOMAXPROCS-ish slice keeps goroutine churn bounded
	// without a pool; rule counts are in the low hundreds.
	const workers = 8
	chunk := (len(selected) + workers - 1) / workers
	for start := 0; start < len(selected); start += chunk {
		end := start + chunk
		if end > len(selected) {
			end = len(selected)
		}
		wg.Add(1)
		go func(part []*rules.Rule) {
			defer wg.Done()
			local := make([]Match, 0, 2)
			for _, r := range part {
				if ctx.Err() != nil {
					return
				}
				if m, ok := ev.evaluateOne(e, r); ok {
					local = append(local, m)
				}
			}
			if len(local) > 0 {
				mu.Lock()
				matches = append(matches, local...)
				mu.Unlock()
			}
		}(selected[start:end])
	}
	wg.Wait()

	return matches
}

func (ev *Evaluator) evaluateOne(e *event.Event, r *rules.Rule) (Match, bool) {
	if cached, ok := ev.cache.Get(r.ID, e); ok {
		ev.metrics.RecordRuleCache(true)
		if !cached.Matched {
			return Match{}, false
		}
		return Match{Rule: r, Confidence: cached.Confidence}, true
	}
	ev.metrics.RecordRuleCache(false)

	start := time.Now()
	res := rules.Evaluate(r.Condition, e)
	matched := res.Matched
	confidence := 0.0
	aggValue := 0.0
	var window []*event.Event

	if matched {
		confidence = rules.Confidence(res)
		if r.Aggregation != nil {
			aggValue, window, matched = ev.evaluateAggregation(e, r)
		}
	}

	ev.metrics.RecordRuleEvaluation(r.ID, matched, time.Since(start))

	// Aggregation outcomes depend on the buffer contents, which shift with
	// every insert under the same key. Caching them would pin the first
	// window's answer for the whole TTL, so only condition-tree outcomes
	// are memoized.
	if r.Aggregation == nil {
		ev.cache.Put(r.ID, e, matched, confidence)
	}

	if !matched {
		return Match{}, false
	}
	return Match{Rule: r, Confidence: confidence, AggValue: aggValue, WindowEvents: window}, true
}

// evaluateAggregation scans the rule's buffer window and compares the
// aggregate against the threshold.
func (ev *Evaluator) evaluateAggregation(e *event.Event, r *rules.Rule) (float64, []*event.Event, bool) {
	agg := r.Aggregation
	window := ev.buffer.Window(e.BufferKey(), r.TimeWindow())

	var value float64
	switch agg.Op {
	case rules.AggCount:
		value = float64(len(window))
	case rules.AggSum, rules.AggAvg, rules.AggMin, rules.AggMax:
		value = aggregateField(window, agg.Field, agg.Op)
	default:
		ev.logger.Warn("Unknown aggregation op; rule skipped",
			zap.String("rule_id", r.ID),
			zap.String("op", string(agg.Op)),
		)
		return 0, nil, false
	}

	if !compareAggregate(agg.CompareOp(), value, agg.Threshold) {
		return value, nil, false
	}
	return value, window, true
}

func aggregateField(window []*event.Event, field string, op rules.AggOp) float64 {
	var sum, minV, maxV float64
	count := 0
	for _, e := range window {
		raw, ok := e.Field(field)
		if !ok {
			continue
		}
		v, ok := toNumber(raw)
		if !ok {
			continue
		}
		if count == 0 {
			minV, maxV = v, v
		} else {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		sum += v
		count++
	}

	switch op {
	case rules.AggSum:
		return sum
	case rules.AggAvg:
		if count == 0 {
			return 0
		}
		return sum / float64(count)
	case rules.AggMin:
		return minV
	case rules.AggMax:
		return maxV
	default:
		return 0
	}
}

func compareAggregate(op rules.Operator, value, threshold float64) bool {
	switch op {
	case rules.OpEq:
		return value == threshold
	case rules.OpNeq:
		return value != threshold
	case rules.OpLt:
		return value < threshold
	case rules.OpLte:
		return value <= threshold
	case rules.OpGt:
		return value > threshold
	case rules.OpGte:
		return value >= threshold
	default:
		return false
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
