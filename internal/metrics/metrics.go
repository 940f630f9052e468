// Package metrics provides metrics collection and reporting for the pipeline.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Prometheus metric labels
const (
	labelBackend = "backend"
	labelStatus  = "status"
	labelRule    = "rule"
)

// Backend label values for dual-write counters.
const (
	BackendPostgres = "postgres"
	BackendSearch   = "opensearch"
)

// Metrics tracks operational metrics with both internal counters and
// Prometheus metrics. The internal atomic counters back the health endpoint
// and the adaptive throttler, which need cheap synchronous reads.
type Metrics struct {
	// Dual-write counters. Each ingested event increments exactly one
	// postgres counter and exactly one search counter.
	pgOK   atomic.Uint64
	pgFail atomic.Uint64
	osOK   atomic.Uint64
	osFail atomic.Uint64

	// Correlation counters
	eventsProcessed  atomic.Uint64
	eventsDropped    atomic.Uint64
	incidentsCreated atomic.Uint64
	incidentsUpdated atomic.Uint64
	rulesEvaluated   atomic.Uint64
	ruleCacheHits    atomic.Uint64
	ruleCacheMisses  atomic.Uint64

	// Event processing latency tracking
	totalLatency atomic.Int64 // microseconds
	latencyCount atomic.Uint64
	maxLatency   atomic.Int64
	minLatency   atomic.Int64

	// Query counters
	queriesExecuted   atomic.Uint64
	queriesFailed     atomic.Uint64
	queriesRejected   atomic.Uint64
	rateLimitHits     atomic.Uint64
	resultCacheHits   atomic.Uint64
	resultCacheMisses atomic.Uint64

	// Buffer occupancy, updated by the correlation buffer
	bufferSize atomic.Int64

	// Per-rule tracking
	rulesMu     sync.RWMutex
	ruleEvals   map[string]uint64
	ruleMatches map[string]uint64
	ruleErrors  map[string]uint64
	ruleLatency map[string]int64 // microseconds, rolling average

	logger *zap.Logger

	// Prometheus metrics
	promDualWrites      *prometheus.CounterVec
	promEventsProcessed prometheus.Counter
	promEventsDropped   prometheus.Counter
	promIncidents       *prometheus.CounterVec
	promRulesEvaluated  prometheus.Counter
	promRuleCache       *prometheus.CounterVec
	promEventLatency    prometheus.Histogram
	promBufferSize      prometheus.Gauge
	promQueries         *prometheus.CounterVec
	promQueryLatency    prometheus.Histogram
	promRateLimitHits   prometheus.Counter
	promResultCache     *prometheus.CounterVec
	promRuleMatches     *prometheus.CounterVec
}

// New creates a metrics tracker registered with the default Prometheus
// registry.
func New(logger *zap.Logger) *Metrics {
	return NewWithRegisterer(logger, prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a metrics tracker registered with the given
// registerer. Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration panics.
func NewWithRegisterer(logger *zap.Logger, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ruleEvals:   make(map[string]uint64),
		ruleMatches: make(map[string]uint64),
		ruleErrors:  make(map[string]uint64),
		ruleLatency: make(map[string]int64),
		logger:      logger,

		promDualWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "dual_writes_total",
			Help:      "Ingested events by backend and write outcome",
		}, []string{labelBackend, labelStatus}),
		promEventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "events_processed_total",
			Help:      "Total number of events run through the correlation engine",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "events_dropped_total",
			Help:      "Events rejected at admission (burst cap or backpressure)",
		}),
		promIncidents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "incidents_total",
			Help:      "Incidents by outcome (created or deduplicated into an open incident)",
		}, []string{labelStatus}),
		promRulesEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "rules_evaluated_total",
			Help:      "Total rule evaluations across all events",
		}),
		promRuleCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "rule_cache_total",
			Help:      "Rule evaluation cache lookups by outcome",
		}, []string{labelStatus}),
		promEventLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "securewatch",
			Name:      "event_latency_seconds",
			Help:      "Per-event correlation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100us to ~1.6s
		}),
		promBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "securewatch",
			Name:      "buffer_events",
			Help:      "Events currently held in the correlation buffer",
		}),
		promQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "queries_total",
			Help:      "Queries by outcome (ok, failed, rejected)",
		}, []string{labelStatus}),
		promQueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "securewatch",
			Name:      "query_latency_seconds",
			Help:      "Query execution latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		promRateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "rate_limit_hits_total",
			Help:      "Queries rejected by the per-user rate limiter",
		}),
		promResultCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "result_cache_total",
			Help:      "Query result cache lookups by outcome",
		}, []string{labelStatus}),
		promRuleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securewatch",
			Name:      "rule_matches_total",
			Help:      "Rule matches labeled by rule ID",
		}, []string{labelRule}),
	}

	// Initialize min latency to max value
	m.minLatency.Store(int64(time.Hour))

	return m
}

// RecordPostgresWrite records the outcome of a relational write for n events.
func (m *Metrics) RecordPostgresWrite(n int, success bool) {
	if n <= 0 {
		return
	}
	if success {
		m.pgOK.Add(uint64(n))
		m.promDualWrites.WithLabelValues(BackendPostgres, "ok").Add(float64(n))
	} else {
		m.pgFail.Add(uint64(n))
		m.promDualWrites.WithLabelValues(BackendPostgres, "fail").Add(float64(n))
	}
}

// RecordSearchWrite records the outcome of a search-index write for n events.
func (m *Metrics) RecordSearchWrite(n int, success bool) {
	if n <= 0 {
		return
	}
	if success {
		m.osOK.Add(uint64(n))
		m.promDualWrites.WithLabelValues(BackendSearch, "ok").Add(float64(n))
	} else {
		m.osFail.Add(uint64(n))
		m.promDualWrites.WithLabelValues(BackendSearch, "fail").Add(float64(n))
	}
}

// RecordEvent records one event passing through the correlation pipeline.
func (m *Metrics) RecordEvent(latency time.Duration) {
	m.eventsProcessed.Add(1)
	m.promEventsProcessed.Inc()
	m.promEventLatency.Observe(latency.Seconds())
	m.recordLatency(latency)
}

// RecordEventDropped records an event rejected at admission.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Add(1)
	m.promEventsDropped.Inc()
}

// RecordIncident records an incident outcome: created opens a new incident,
// otherwise the event was folded into an existing open incident.
func (m *Metrics) RecordIncident(created bool) {
	if created {
		m.incidentsCreated.Add(1)
		m.promIncidents.WithLabelValues("created").Inc()
	} else {
		m.incidentsUpdated.Add(1)
		m.promIncidents.WithLabelValues("deduplicated").Inc()
	}
}

// RecordRuleEvaluation records a single rule evaluation against an event.
func (m *Metrics) RecordRuleEvaluation(ruleID string, matched bool, latency time.Duration) {
	m.rulesEvaluated.Add(1)
	m.promRulesEvaluated.Inc()

	m.rulesMu.Lock()
	m.ruleEvals[ruleID]++
	if matched {
		m.ruleMatches[ruleID]++
	}

	// Update average latency using rolling average to avoid integer overflow
	if latency > 0 && m.ruleEvals[ruleID] > 0 {
		currentLatency := m.ruleLatency[ruleID]
		// Use float64 for calculation to avoid integer overflow issues
		count := float64(m.ruleEvals[ruleID])
		avgLatency := (float64(currentLatency)*(count-1) + float64(latency.Microseconds())) / count
		m.ruleLatency[ruleID] = int64(avgLatency)
	}
	m.rulesMu.Unlock()

	if matched {
		m.promRuleMatches.WithLabelValues(ruleID).Inc()
	}
}

// RecordRuleError records a rule whose evaluation failed (for example a
// regex condition that no longer compiles).
func (m *Metrics) RecordRuleError(ruleID string) {
	m.rulesMu.Lock()
	m.ruleErrors[ruleID]++
	m.rulesMu.Unlock()
}

// RecordRuleCache records a rule evaluation cache lookup.
func (m *Metrics) RecordRuleCache(hit bool) {
	if hit {
		m.ruleCacheHits.Add(1)
		m.promRuleCache.WithLabelValues("hit").Inc()
	} else {
		m.ruleCacheMisses.Add(1)
		m.promRuleCache.WithLabelValues("miss").Inc()
	}
}

// RecordQuery records a completed query execution.
func (m *Metrics) RecordQuery(success bool, latency time.Duration) {
	m.promQueryLatency.Observe(latency.Seconds())
	if success {
		m.queriesExecuted.Add(1)
		m.promQueries.WithLabelValues("ok").Inc()
	} else {
		m.queriesFailed.Add(1)
		m.promQueries.WithLabelValues("failed").Inc()
	}
}

// RecordQueryRejected records a query refused before execution, either by
// the complexity analyzer or by admission control.
func (m *Metrics) RecordQueryRejected() {
	m.queriesRejected.Add(1)
	m.promQueries.WithLabelValues("rejected").Inc()
}

// RecordRateLimitHit records a query rejected by the per-user rate limiter.
func (m *Metrics) RecordRateLimitHit() {
	m.rateLimitHits.Add(1)
	m.promRateLimitHits.Inc()
}

// RecordResultCache records a query result cache lookup.
func (m *Metrics) RecordResultCache(hit bool) {
	if hit {
		m.resultCacheHits.Add(1)
		m.promResultCache.WithLabelValues("hit").Inc()
	} else {
		m.resultCacheMisses.Add(1)
		m.promResultCache.WithLabelValues("miss").Inc()
	}
}

// SetBufferSize publishes the current correlation buffer occupancy.
func (m *Metrics) SetBufferSize(n int) {
	m.bufferSize.Store(int64(n))
	m.promBufferSize.Set(float64(n))
}

func (m *Metrics) recordLatency(latency time.Duration) {
	latencyUs := latency.Microseconds()

	m.totalLatency.Add(latencyUs)
	m.latencyCount.Add(1)

	// Update max latency
	for {
		currentMax := m.maxLatency.Load()
		if latencyUs <= currentMax {
			break
		}
		if m.maxLatency.CompareAndSwap(currentMax, latencyUs) {
			break
		}
	}

	// Update min latency
	for {
		currentMin := m.minLatency.Load()
		if latencyUs >= currentMin {
			break
		}
		if m.minLatency.CompareAndSwap(currentMin, latencyUs) {
			break
		}
	}
}

// GetStats returns current statistics.
func (m *Metrics) GetStats() Stats {
	m.rulesMu.RLock()
	ruleEvals := make(map[string]uint64, len(m.ruleEvals))
	ruleMatches := make(map[string]uint64, len(m.ruleMatches))
	ruleErrors := make(map[string]uint64, len(m.ruleErrors))
	ruleLatency := make(map[string]time.Duration, len(m.ruleLatency))
	for k, v := range m.ruleEvals {
		ruleEvals[k] = v
	}
	for k, v := range m.ruleMatches {
		ruleMatches[k] = v
	}
	for k, v := range m.ruleErrors {
		ruleErrors[k] = v
	}
	for k, v := range m.ruleLatency {
		ruleLatency[k] = time.Duration(v) * time.Microsecond
	}
	m.rulesMu.RUnlock()

	latencyCount := m.latencyCount.Load()

	var avgLatency time.Duration
	if latencyCount > 0 {
		// Use float64 division to avoid integer overflow issues
		avgLatencyMicros := float64(m.totalLatency.Load()) / float64(latencyCount)
		avgLatency = time.Duration(avgLatencyMicros) * time.Microsecond
	}

	return Stats{
		PgOK:              m.pgOK.Load(),
		PgFail:            m.pgFail.Load(),
		OsOK:              m.osOK.Load(),
		OsFail:            m.osFail.Load(),
		EventsProcessed:   m.eventsProcessed.Load(),
		EventsDropped:     m.eventsDropped.Load(),
		IncidentsCreated:  m.incidentsCreated.Load(),
		IncidentsUpdated:  m.incidentsUpdated.Load(),
		RulesEvaluated:    m.rulesEvaluated.Load(),
		RuleCacheHits:     m.ruleCacheHits.Load(),
		RuleCacheMisses:   m.ruleCacheMisses.Load(),
		QueriesExecuted:   m.queriesExecuted.Load(),
		QueriesFailed:     m.queriesFailed.Load(),
		QueriesRejected:   m.queriesRejected.Load(),
		RateLimitHits:     m.rateLimitHits.Load(),
		ResultCacheHits:   m.resultCacheHits.Load(),
		ResultCacheMisses: m.resultCacheMisses.Load(),
		BufferSize:        int(m.bufferSize.Load()),
		AverageLatency:    avgLatency,
		MaxLatency:        time.Duration(m.maxLatency.Load()) * time.Microsecond,
		MinLatency:        time.Duration(m.minLatency.Load()) * time.Microsecond,
		RuleEvals:         ruleEvals,
		RuleMatches:       ruleMatches,
		RuleErrors:        ruleErrors,
		RuleLatency:       ruleLatency,
	}
}

// LogStats logs current statistics.
func (m *Metrics) LogStats() {
	stats := m.GetStats()

	var dropRate float64
	if total := stats.EventsProcessed + stats.EventsDropped; total > 0 {
		dropRate = float64(stats.EventsDropped) / float64(total) * 100
	}

	m.logger.Info("Operational metrics",
		zap.Uint64("pg_ok", stats.PgOK),
		zap.Uint64("pg_fail", stats.PgFail),
		zap.Uint64("os_ok", stats.OsOK),
		zap.Uint64("os_fail", stats.OsFail),
		zap.Uint64("events_processed", stats.EventsProcessed),
		zap.Uint64("events_dropped", stats.EventsDropped),
		zap.Float64("drop_rate_pct", dropRate),
		zap.Uint64("incidents_created", stats.IncidentsCreated),
		zap.Uint64("rules_evaluated", stats.RulesEvaluated),
		zap.Uint64("rule_cache_hits", stats.RuleCacheHits),
		zap.Uint64("queries_executed", stats.QueriesExecuted),
		zap.Uint64("queries_rejected", stats.QueriesRejected),
		zap.Uint64("rate_limit_hits", stats.RateLimitHits),
		zap.Int("buffer_size", stats.BufferSize),
		zap.Duration("avg_latency", stats.AverageLatency),
		zap.Duration("max_latency", stats.MaxLatency),
		zap.Duration("min_latency", stats.MinLatency),
	)
}

// Stats represents current metrics.
type Stats struct {
	PgOK   uint64
	PgFail uint64
	OsOK   uint64
	OsFail uint64

	EventsProcessed  uint64
	EventsDropped    uint64
	IncidentsCreated uint64
	IncidentsUpdated uint64
	RulesEvaluated   uint64
	RuleCacheHits    uint64
	RuleCacheMisses  uint64

	QueriesExecuted   uint64
	QueriesFailed     uint64
	QueriesRejected   uint64
	RateLimitHits     uint64
	ResultCacheHits   uint64
	ResultCacheMisses uint64

	BufferSize     int
	AverageLatency time.Duration
	MaxLatency     time.Duration
	MinLatency     time.Duration

	RuleEvals   map[string]uint64
	RuleMatches map[string]uint64
	RuleErrors  map[string]uint64
	RuleLatency map[string]time.Duration
}

// GetPrometheusRegistry returns the default Prometheus registry.
// This can be used with promhttp.HandlerFor() to serve metrics.
func GetPrometheusRegistry() *prometheus.Registry {
	// Return the default registry which promauto uses
	return prometheus.DefaultRegisterer.(*prometheus.Registry)
}
