package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/buffer"
	"github.com/securewatch/correlation-core/internal/config"
	"github.com/securewatch/correlation-core/internal/correlation"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/health"
	"github.com/securewatch/correlation-core/internal/lql"
	"github.com/securewatch/correlation-core/internal/metrics"
	"github.com/securewatch/correlation-core/internal/query"
	"github.com/securewatch/correlation-core/internal/rules"
	"github.com/securewatch/correlation-core/internal/storage"
	"github.com/securewatch/correlation-core/internal/tracing"
)

// Runtime owns every pipeline component. All wiring happens in newRuntime
// through constructors; nothing here is a package-level singleton.
type Runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db          *sqlx.DB
	redisClient *redis.Client

	search  *storage.SearchClient
	indexer *storage.BulkIndexer
	writer  *storage.DualWriter

	ruleStore  *rules.Store
	patterns   *storage.PatternSource
	matcher    *correlation.PatternMatcher
	correlator *correlation.Engine
	queries    *query.Engine
	perfWriter *storage.RulePerfWriter

	healthServer *health.Server

	shutdownTracing func(context.Context) error
}

// logSchema is the queryable column set the LQL validator checks against. It
// mirrors the relational logs table.
func logSchema() lql.Schema {
	return lql.NewSchema(map[string][]string{
		"logs": {
			"id", "timestamp", "ingested_at", "source_type", "event_id",
			"severity", "category", "subcategory", "raw_message", "hostname",
			"user_name", "user_id", "user_domain",
			"process_name", "process_id", "process_command_line",
			"source_ip", "source_port", "destination_ip", "destination_port",
			"risk_score",
		},
		"incidents": {
			"id", "rule_id", "pattern_id", "severity", "title", "description",
			"status", "first_seen", "last_seen", "event_count",
		},
	})
}

// newRuntime connects the backends and builds the full component graph.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{cfg: cfg, logger: logger, metrics: metrics.New(logger)}

	shutdownTracing, err := tracing.InitOTel(tracing.OTelConfig{
		ServiceName:    "securewatch-pipeline",
		ServiceVersion: version,
		Enabled:        cfg.EnableTracing,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}
	rt.shutdownTracing = shutdownTracing

	// Relational store.
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConcurrentQueries + cfg.Concurrency)
	rt.db = db
	if err := storage.Migrate(ctx, db.DB); err != nil {
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	// Search backend. An unreachable index at startup is tolerated; the
	// dual-writer degrades instead of refusing to start.
	rt.search = storage.NewSearchClient(storage.SearchClientConfig{
		BaseURL:     cfg.SearchURL,
		Timeout:     cfg.SearchTimeout,
		MaxRetries:  cfg.SearchMaxRetries,
		TLSVerify:   true,
		IndexPrefix: cfg.IndexPrefix,
	}, logger)
	if err := rt.search.EnsureIndex(ctx, rt.search.IndexName(time.Now())); err != nil {
		logger.Warn("Search index not ready at startup", zap.Error(err))
	}

	rt.indexer = storage.NewBulkIndexer(rt.search, storage.BulkIndexerConfig{
		FlushSize:     cfg.BulkFlushSize,
		FlushInterval: cfg.BulkFlushInterval,
	}, logger)
	rt.writer = storage.NewDualWriter(
		storage.NewLogStore(db, logger), rt.indexer, rt.metrics, logger)

	// Optional Redis tier: incident bus plus the shared result cache.
	var publisher correlation.IncidentPublisher
	var redisBus *storage.RedisBus
	if cfg.RedisAddr != "" {
		rt.redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		redisBus = storage.NewRedisBus(rt.redisClient, logger)
		publisher = redisBus
	}

	// Correlation engine.
	ruleStore := rules.NewStore(storage.NewRuleSource(db, logger), cfg.RuleReloadInterval, logger)
	if err := ruleStore.Load(ctx); err != nil {
		return nil, fmt.Errorf("initial rule load: %w", err)
	}
	rt.ruleStore = ruleStore

	buf := buffer.New(cfg.MemoryBufferSizeLimit)
	ruleCache := correlation.NewRuleCache(0, cfg.CacheExpiration)
	incidents := correlation.NewManager(
		storage.NewIncidentStore(db, logger), publisher, nil, rt.metrics, logger)

	// Multi-event patterns load from their own table and refresh on the rule
	// reload cadence. A failed refresh keeps the installed set.
	rt.patterns = storage.NewPatternSource(db, logger)
	rt.matcher = correlation.NewPatternMatcher(buf)
	installed, err := rt.patterns.LoadPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial pattern load: %w", err)
	}
	rt.matcher.SetPatterns(installed)

	rt.correlator = correlation.NewEngine(correlation.EngineConfig{
		Concurrency:            cfg.Concurrency,
		IngestBurstPerSecond:   cfg.IngestBurstPerSecond,
		MaxProcessingTime:      cfg.MaxProcessingTime,
		BatchSize:              cfg.BatchSize,
		ParallelRuleEvaluation: cfg.ParallelRuleEvaluation,
		FastPathEnabled:        cfg.FastPathEnabled,
		StreamProcessingMode:   cfg.StreamProcessingMode,
		PriorityRuleThreshold:  cfg.PriorityRuleThreshold,
		AdaptiveThrottling:     cfg.AdaptiveThrottling,
	}, buf, ruleStore, ruleCache, rt.matcher, incidents, rt.metrics, logger)

	// Query engine.
	rt.queries = query.NewEngine(query.EngineConfig{
		Schema: logSchema(),
		Limits: query.Limits{
			MaxRows:           cfg.MaxRows,
			MaxTimeoutMs:      cfg.MaxTimeoutMs,
			MaxTimeRangeHours: cfg.MaxTimeRangeHours,
			MaxJoins:          cfg.MaxJoins,
			MaxAggregations:   cfg.MaxAggregations,
			MaxNestedQueries:  cfg.MaxNestedQueries,
			ScoreLimit:        cfg.ComplexityScoreLimit,
		},
		RateLimit: query.NewRateLimiter(
			cfg.MaxQueriesPerMinute, cfg.MaxComplexQueriesPerHour, cfg.ComplexityThreshold),
		Resources: query.NewManager(query.ManagerConfig{
			MaxConcurrent:  int64(cfg.MaxConcurrentQueries),
			MaxMemoryBytes: cfg.MaxMemoryBytes,
			DefaultTimeout: time.Duration(cfg.MaxTimeoutMs) * time.Millisecond,
		}),
		Cache: query.NewResultCache(query.ResultCacheConfig{
			TTL:     cfg.ResultCacheTTL,
			MaxRows: cfg.ResultCacheMaxRows,
			Redis:   rt.redisClient,
		}, logger),
		Executor: query.NewExecutor(db.DB, logger),
		Metrics:  rt.metrics,
		Logger:   logger,
	})

	rt.perfWriter = storage.NewRulePerfWriter(db, rt.metrics, logger)

	// Health probes. Storage backends are non-critical: the dual-write path
	// keeps serving on a single-backend outage.
	checker := health.New(logger)
	checker.Register("postgres", false, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	checker.Register("opensearch", false, rt.search.Ping)
	checker.Register("dual_writer", false, rt.writer.Probe)
	if redisBus != nil {
		checker.Register("redis", false, redisBus.Probe)
	}
	checker.Register("rules", true, func(context.Context) error {
		if ruleStore.Snapshot() == nil {
			return errors.New("no rule snapshot loaded")
		}
		return nil
	})
	rt.healthServer = health.NewServer(
		checker, rt.metrics, logger, cfg.HealthPort, cfg.HealthBindAddr, cfg.MetricsEndpoint)

	return rt, nil
}

// Start launches the background loops. Health server failures surface on
// serverDone.
func (r *Runtime) Start(ctx context.Context, serverDone chan<- error) {
	r.correlator.Start(ctx)
	go r.ruleStore.Run(ctx)
	go r.patternLoop(ctx)
	go r.perfWriter.Run(ctx, time.Minute)
	go func() {
		serverDone <- r.healthServer.Start()
	}()
	r.healthServer.SetReady(true)
	r.logger.Info("Pipeline ready",
		zap.Int("rules", r.ruleStore.Snapshot().Size()))
}

// patternLoop refreshes the pattern set on the same cadence the rule store
// reloads rules. It runs its own ticker because the rule store only notifies
// subscribers when the rule snapshot actually changes.
func (r *Runtime) patternLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RuleReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		loaded, err := r.patterns.LoadPatterns(ctx)
		if err != nil {
			r.logger.Warn("Pattern reload failed; keeping installed set", zap.Error(err))
			continue
		}
		r.matcher.SetPatterns(loaded)
	}
}

// IngestBatch persists a batch through the dual-write path, then feeds the
// correlation engine. Correlation admission failures (burst cap, full queue)
// drop individual events but never fail the already-persisted batch.
func (r *Runtime) IngestBatch(ctx context.Context, events []*event.Event) error {
	if err := r.writer.WriteEvents(ctx, events); err != nil {
		return err
	}
	for _, e := range events {
		if err := r.correlator.Submit(ctx, e); err != nil {
			r.logger.Debug("Event not admitted to correlation",
				zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// Shutdown stops intake, drains the correlation queue and the bulk indexer,
// and closes the backends. Errors are collected, not short-circuited, so a
// failing component cannot block the rest of the teardown.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.healthServer.SetReady(false)
	r.correlator.Stop()

	var errs []error
	if err := r.indexer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("indexer drain: %w", err))
	}
	if err := r.perfWriter.Snapshot(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rule perf snapshot: %w", err))
	}
	if err := r.healthServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := r.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("postgres close: %w", err))
	}
	if err := r.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}
