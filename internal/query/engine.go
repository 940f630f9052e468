package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/lql"
	"github.com/securewatch/correlation-core/internal/metrics"
)

// Options accompany one query execution.
type Options struct {
	User     string
	Priority Priority
	Demand   Demand
	Params   []interface{}
	NoCache  bool
}

// Result is a completed execution: the batch plus how it was produced.
type Result struct {
	QueryID    string       `json:"query_id"`
	Batch      *ResultBatch `json:"batch"`
	Plan       *Plan        `json:"plan"`
	Assessment Assessment   `json:"assessment"`
	FromCache  bool         `json:"from_cache"`
	ElapsedMs  int64        `json:"elapsed_ms"`
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Schema    lql.Schema
	Limits    Limits
	RateLimit *RateLimiter
	Resources *Manager
	Cache     *ResultCache
	Executor  *Executor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Engine is the query engine facade: parse, optimize, plan, gate, execute,
// cache.
type Engine struct {
	schema    lql.Schema
	limits    Limits
	rateLimit *RateLimiter
	resources *Manager
	cache     *ResultCache
	executor  *Executor
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewEngine builds the query engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		schema:    cfg.Schema,
		limits:    cfg.Limits.withDefaults(),
		rateLimit: cfg.RateLimit,
		resources: cfg.Resources,
		cache:     cfg.Cache,
		executor:  cfg.Executor,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
}

// Validate parses and semantically checks a query without running it.
func (e *Engine) Validate(input string) []lql.ParseError {
	q, errs := lql.Parse(input)
	if len(errs) > 0 {
		return errs
	}
	return lql.Validate(q, e.schema)
}

// Plan parses and optimizes a query, returning its plan and assessment
// without executing.
func (e *Engine) Plan(input string, demand Demand) (*Plan, Assessment, error) {
	q, err := e.parse(input)
	if err != nil {
		return nil, Assessment{}, err
	}
	optimized := Optimize(q)
	return BuildPlan(optimized), Analyze(optimized, demand, e.limits), nil
}

// Execute runs a query end to end. Gate order matters: complexity rejection
// happens before the rate limiter spends the user's budget and before the
// result cache is consulted; admission is only attempted for queries that
// will actually run.
func (e *Engine) Execute(ctx context.Context, input string, opts Options, onProgress ProgressFunc) (*Result, error) {
	started := time.Now()
	queryID := uuid.NewString()

	q, err := e.parse(input)
	if err != nil {
		return nil, err
	}
	optimized := Optimize(q)
	plan := BuildPlan(optimized)

	assessment := Analyze(optimized, opts.Demand, e.limits)
	if !assessment.Valid {
		e.metrics.RecordQueryRejected()
		e.log.Warn("Query rejected by complexity analysis",
			zap.String("query_id", queryID),
			zap.String("user", opts.User),
			zap.Int("score", assessment.Score),
			zap.Strings("violations", assessment.Violations))
		return nil, swerrors.NewComplexityRejected(assessment.Violations, assessment.Score)
	}

	if e.rateLimit != nil && opts.User != "" {
		decision := e.rateLimit.Allow(opts.User, assessment.Score)
		if !decision.Allowed {
			e.metrics.RecordRateLimitHit()
			return nil, swerrors.NewRateLimited(decision.Reason, decision.RetryAfterSec)
		}
	}

	key := e.cache.Key(plan.SQL, opts.Demand.TimeRange, opts.Params)
	if !opts.NoCache {
		if batch, ok := e.cache.Get(ctx, key); ok {
			e.metrics.RecordResultCache(true)
			return &Result{
				QueryID:    queryID,
				Batch:      batch,
				Plan:       plan,
				Assessment: assessment,
				FromCache:  true,
				ElapsedMs:  time.Since(started).Milliseconds(),
			}, nil
		}
		e.metrics.RecordResultCache(false)
	}

	run := func() (*ResultBatch, error) {
		lease, err := e.resources.Request(ctx, queryID, e.priority(opts), Estimate{
			MemoryBytes: assessment.Advisory.MemoryBytes,
			TimeoutMs:   opts.Demand.TimeoutMs,
			Complexity:  assessment.Score,
		})
		if err != nil {
			e.metrics.RecordQueryRejected()
			return nil, err
		}
		defer lease.Release()
		return e.executor.Run(lease.Context(), plan, queryID, opts.Params, onProgress)
	}

	var batch *ResultBatch
	if opts.NoCache {
		batch, err = run()
	} else {
		// Concurrent identical queries share one execution and one lease.
		batch, _, err = e.cache.Do(key, run)
	}
	elapsed := time.Since(started)
	if err != nil {
		e.metrics.RecordQuery(false, elapsed)
		return nil, err
	}
	e.metrics.RecordQuery(true, elapsed)

	if !opts.NoCache {
		e.cache.Put(ctx, key, batch)
	}

	e.log.Info("Query completed",
		zap.String("query_id", queryID),
		zap.String("user", opts.User),
		zap.Int("rows", batch.RowCount()),
		zap.Int("score", assessment.Score),
		zap.Duration("elapsed", elapsed))

	return &Result{
		QueryID:    queryID,
		Batch:      batch,
		Plan:       plan,
		Assessment: assessment,
		ElapsedMs:  elapsed.Milliseconds(),
	}, nil
}

// InvalidateOnSchemaChange is the external signal hook: any schema version
// change orphans the whole result cache.
func (e *Engine) InvalidateOnSchemaChange() {
	e.cache.BumpSchemaVersion()
}

func (e *Engine) parse(input string) (*lql.Query, error) {
	q, errs := lql.Parse(input)
	if len(errs) == 0 {
		errs = lql.Validate(q, e.schema)
	}
	if len(errs) > 0 {
		detail, _ := json.Marshal(errs)
		return nil, swerrors.NewInvalidQuery(errs[0].Message).WithDetails(json.RawMessage(detail))
	}
	return q, nil
}

func (e *Engine) priority(opts Options) Priority {
	if opts.Priority == "" {
		return PriorityNormal
	}
	return opts.Priority
}
