package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/securewatch/correlation-core/internal/buffer"
	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/metrics"
	"github.com/securewatch/correlation-core/internal/rules"
)

// sweepInterval is the processed-event cadence for cache sweeps and buffer
// age eviction.
const sweepInterval = 1000

// EngineConfig carries the correlation knobs.
type EngineConfig struct {
	Concurrency            int
	QueueSize              int
	IngestBurstPerSecond   int
	MaxProcessingTime      time.Duration
	BatchSize              int
	ParallelRuleEvaluation bool
	FastPathEnabled        bool
	StreamProcessingMode   bool
	PriorityRuleThreshold  int
	AdaptiveThrottling     bool
}

func (c *EngineConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.IngestBurstPerSecond <= 0 {
		c.IngestBurstPerSecond = 1000
	}
	if c.MaxProcessingTime <= 0 {
		c.MaxProcessingTime = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.PriorityRuleThreshold <= 0 {
		c.PriorityRuleThreshold = 50
	}
}

// Engine orchestrates the correlation pipeline: classify, buffer, select
// rules, evaluate, pattern-match, and hand matches to the incident manager.
// A bounded worker pool drains a backpressured input channel; stream mode
// removes the backpressure by treating a full queue as an error-free drop
// never happening (the queue is effectively unbounded).
type Engine struct {
	cfg EngineConfig

	classifier *Classifier
	buffer     *buffer.Buffer
	store      *rules.Store
	cache      *RuleCache
	evaluator  *Evaluator
	patterns   *PatternMatcher
	incidents  *Manager
	throttle   *throttle
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	input     chan *event.Event
	processed atomic.Uint64

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine wires the correlation pipeline. The rule store's reload hook is
// registered here: every new snapshot installs a fresh rule cache and resets
// the adaptive throttle.
func NewEngine(
	cfg EngineConfig,
	buf *buffer.Buffer,
	store *rules.Store,
	cache *RuleCache,
	patterns *PatternMatcher,
	incidents *Manager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	cfg.applyDefaults()

	queueSize := cfg.QueueSize
	if cfg.StreamProcessingMode {
		// One scheduler for both modes: stream mode is the same queue with
		// an effectively unbounded in-flight allowance.
		queueSize = 1 << 20
	}

	e := &Engine{
		cfg:        cfg,
		classifier: NewClassifier(),
		buffer:     buf,
		store:      store,
		cache:      cache,
		evaluator:  NewEvaluator(buf, cache, m, logger),
		patterns:   patterns,
		incidents:  incidents,
		throttle:   newThrottle(cfg.MaxProcessingTime, cfg.BatchSize),
		limiter:    rate.NewLimiter(rate.Limit(cfg.IngestBurstPerSecond), cfg.IngestBurstPerSecond),
		metrics:    m,
		logger:     logger,
		input:      make(chan *event.Event, queueSize),
	}

	store.OnReload(func(*rules.Snapshot) {
		cache.Reset()
		e.throttle.Reset()
	})

	return e
}

// Start launches the worker pool. Workers exit when the context is
// cancelled and the input channel has drained.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Concurrency; i++ {
			e.wg.Add(1)
			go e.worker(ctx)
		}
		e.wg.Add(1)
		go e.janitor(ctx)
	})
}

// Stop closes the input and waits for in-flight events to finish.
func (e *Engine) Stop() {
	close(e.input)
	e.wg.Wait()
}

// Submit enqueues an event for correlation. Critical and high priority
// events bypass the burst cap; others are dropped with a capacity error when
// the cap or the queue is exhausted.
func (e *Engine) Submit(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return swerrors.NewInvalidEvent("unknown", "nil event")
	}

	priority := e.classifier.Classify(ev)
	if priority != PriorityCritical && priority != PriorityHigh {
		if !e.limiter.Allow() {
			e.metrics.RecordEventDropped()
			return swerrors.NewBufferFull(cap(e.input)).
				WithSuggestion("Ingest burst cap exceeded; slow the producer or raise ingest_burst_per_second")
		}
	}

	select {
	case e.input <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.metrics.RecordEventDropped()
		return swerrors.NewBufferFull(cap(e.input))
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for ev := range e.input {
		if ctx.Err() != nil {
			// Keep draining so Stop terminates, but do no work.
			continue
		}
		e.ProcessEvent(ctx, ev)
	}
}

// janitor drives the low-frequency maintenance: incident window expiry.
func (e *Engine) janitor(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed := e.incidents.CloseExpired(ctx, func(ruleID string) time.Duration {
				if snap := e.store.Snapshot(); snap != nil {
					if r, ok := snap.Get(ruleID); ok {
						return r.TimeWindow()
					}
				}
				return 0
			})
			if closed > 0 {
				e.logger.Info("Closed expired incidents", zap.Int("count", closed))
			}
		}
	}
}

// ProcessEvent runs the full correlation pipeline for one event. Exported so
// the ingestion path can correlate synchronously in tests and in stream mode.
func (e *Engine) ProcessEvent(ctx context.Context, ev *event.Event) {
	start := time.Now()

	priority := e.classifier.Classify(ev)
	e.buffer.Insert(ev)
	e.metrics.SetBufferSize(e.buffer.Len())

	snap := e.store.Snapshot()
	if snap == nil {
		e.metrics.RecordEvent(time.Since(start))
		return
	}

	selected := e.selectRules(snap, priority)
	parallel := e.cfg.ParallelRuleEvaluation &&
		len(selected) > e.cfg.PriorityRuleThreshold &&
		(!e.cfg.AdaptiveThrottling || e.throttle.ParallelAllowed())

	matches := e.evaluator.EvaluateAll(ctx, ev, selected, parallel)

	for _, match := range matches {
		if _, _, err := e.incidents.HandleMatch(ctx, match, ev); err != nil {
			e.logger.Error("Incident commit failed",
				zap.String("rule_id", match.Rule.ID),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}

	// Fast path: pattern matching is skipped for non-critical events.
	if !e.cfg.FastPathEnabled || priority == PriorityCritical {
		for _, pm := range e.patterns.Match(ev) {
			if _, err := e.incidents.HandlePattern(ctx, pm); err != nil {
				e.logger.Error("Pattern incident commit failed",
					zap.String("pattern_id", pm.Pattern.ID),
					zap.Error(err),
				)
			}
		}
	}

	latency := time.Since(start)
	e.metrics.RecordEvent(latency)
	if e.cfg.AdaptiveThrottling {
		e.throttle.Observe(latency)
	}

	if n := e.processed.Add(1); n%sweepInterval == 0 {
		e.cache.Sweep()
		e.buffer.EvictExpired()
		e.metrics.SetBufferSize(e.buffer.Len())
	}
}

// selectRules picks the rule set for the event's priority: critical events
// evaluate the union of critical and active rules, everything else the
// active set only.
func (e *Engine) selectRules(snap *rules.Snapshot, priority EventPriority) []*rules.Rule {
	if priority != PriorityCritical {
		return snap.Active
	}

	// Critical rules are a subset of active in a consistent snapshot; the
	// union guards against snapshots where a critical rule was disabled
	// from the active list but kept in the critical set.
	seen := make(map[string]struct{}, len(snap.Active)+len(snap.Critical))
	union := make([]*rules.Rule, 0, len(snap.Active)+len(snap.Critical))
	for _, r := range snap.Critical {
		seen[r.ID] = struct{}{}
		union = append(union, r)
	}
	for _, r := range snap.Active {
		if _, dup := seen[r.ID]; !dup {
			union = append(union, r)
		}
	}
	return union
}

// Stats exposes engine occupancy for the health endpoint.
func (e *Engine) Stats() (queued int, processed uint64) {
	return len(e.input), e.processed.Load()
}
