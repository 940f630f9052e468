package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestMetrics() *Metrics {
	return NewWithRegisterer(zap.NewNop(), prometheus.NewRegistry())
}

func TestDualWriteCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordPostgresWrite(100, true)
	m.RecordPostgresWrite(5, false)
	m.RecordSearchWrite(100, true)
	m.RecordSearchWrite(3, false)

	stats := m.GetStats()
	assert.Equal(t, uint64(100), stats.PgOK)
	assert.Equal(t, uint64(5), stats.PgFail)
	assert.Equal(t, uint64(100), stats.OsOK)
	assert.Equal(t, uint64(3), stats.OsFail)
}

func TestDualWriteIgnoresNonPositive(t *testing.T) {
	m := newTestMetrics()

	m.RecordPostgresWrite(0, true)
	m.RecordSearchWrite(-1, false)

	stats := m.GetStats()
	assert.Zero(t, stats.PgOK)
	assert.Zero(t, stats.OsFail)
}

func TestEventLatencyTracking(t *testing.T) {
	m := newTestMetrics()

	m.RecordEvent(10 * time.Millisecond)
	m.RecordEvent(30 * time.Millisecond)

	stats := m.GetStats()
	assert.Equal(t, uint64(2), stats.EventsProcessed)
	assert.Equal(t, 20*time.Millisecond, stats.AverageLatency)
	assert.Equal(t, 30*time.Millisecond, stats.MaxLatency)
	assert.Equal(t, 10*time.Millisecond, stats.MinLatency)
}

func TestRuleEvaluationTracking(t *testing.T) {
	m := newTestMetrics()

	m.RecordRuleEvaluation("rule-1", true, 2*time.Millisecond)
	m.RecordRuleEvaluation("rule-1", false, 4*time.Millisecond)
	m.RecordRuleEvaluation("rule-2", true, time.Millisecond)
	m.RecordRuleError("rule-2")

	stats := m.GetStats()
	assert.Equal(t, uint64(3), stats.RulesEvaluated)
	assert.Equal(t, uint64(2), stats.RuleEvals["rule-1"])
	assert.Equal(t, uint64(1), stats.RuleMatches["rule-1"])
	assert.Equal(t, uint64(1), stats.RuleErrors["rule-2"])
	assert.Equal(t, 3*time.Millisecond, stats.RuleLatency["rule-1"])
}

func TestCacheAndQueryCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordRuleCache(true)
	m.RecordRuleCache(true)
	m.RecordRuleCache(false)
	m.RecordResultCache(true)
	m.RecordResultCache(false)
	m.RecordQuery(true, 50*time.Millisecond)
	m.RecordQuery(false, 10*time.Millisecond)
	m.RecordQueryRejected()
	m.RecordRateLimitHit()

	stats := m.GetStats()
	assert.Equal(t, uint64(2), stats.RuleCacheHits)
	assert.Equal(t, uint64(1), stats.RuleCacheMisses)
	assert.Equal(t, uint64(1), stats.ResultCacheHits)
	assert.Equal(t, uint64(1), stats.ResultCacheMisses)
	assert.Equal(t, uint64(1), stats.QueriesExecuted)
	assert.Equal(t, uint64(1), stats.QueriesFailed)
	assert.Equal(t, uint64(1), stats.QueriesRejected)
	assert.Equal(t, uint64(1), stats.RateLimitHits)
}

func TestBufferGauge(t *testing.T) {
	m := newTestMetrics()

	m.SetBufferSize(42)
	assert.Equal(t, 42, m.GetStats().BufferSize)

	m.SetBufferSize(7)
	assert.Equal(t, 7, m.GetStats().BufferSize)
}
