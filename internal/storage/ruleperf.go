package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/metrics"
)

const upsertRulePerfSQL = `INSERT INTO rule_performance_metrics (
	rule_id, evaluation_date, evaluations, matches, errors, avg_latency_us
) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (rule_id, evaluation_date) DO UPDATE SET
	evaluations    = EXCLUDED.evaluations,
	matches        = EXCLUDED.matches,
	errors         = EXCLUDED.errors,
	avg_latency_us = EXCLUDED.avg_latency_us`

// RulePerfWriter snapshots per-rule evaluation counters into the relational
// store on a fixed cadence, one row per (rule, day). Counters are cumulative
// since process start; the upsert overwrites the day's row with the latest
// snapshot.
type RulePerfWriter struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRulePerfWriter creates the snapshot writer.
func NewRulePerfWriter(db *sqlx.DB, m *metrics.Metrics, logger *zap.Logger) *RulePerfWriter {
	return &RulePerfWriter{db: db, metrics: m, logger: logger, now: time.Now}
}

// Snapshot writes the current per-rule counters for today.
func (w *RulePerfWriter) Snapshot(ctx context.Context) error {
	stats := w.metrics.GetStats()
	if len(stats.RuleEvals) == 0 {
		return nil
	}
	day := w.now().UTC().Truncate(24 * time.Hour)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return swerrors.NewBackendUnavailable("postgres", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for ruleID, evals := range stats.RuleEvals {
		_, err := tx.ExecContext(ctx, upsertRulePerfSQL,
			ruleID, day, int64(evals),
			int64(stats.RuleMatches[ruleID]),
			int64(stats.RuleErrors[ruleID]),
			stats.RuleLatency[ruleID].Microseconds(),
		)
		if err != nil {
			return swerrors.NewBackendUnavailable("postgres", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return swerrors.NewBackendUnavailable("postgres", err)
	}

	w.logger.Debug("Rule performance snapshot written", zap.Int("rules", len(stats.RuleEvals)))
	return nil
}

// Run snapshots on the given interval until the context ends. A final
// snapshot is attempted on shutdown so the day's last counters land.
func (w *RulePerfWriter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Snapshot(flushCtx); err != nil {
				w.logger.Warn("Final rule performance snapshot failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Snapshot(ctx); err != nil {
				w.logger.Warn("Rule performance snapshot failed", zap.Error(err))
			}
		}
	}
}
