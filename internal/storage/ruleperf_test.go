package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRulePerfSnapshotUpsertsPerRuleRows(t *testing.T) {
	db, mock := newMockDB(t)
	m := newTestMetrics(t)
	w := NewRulePerfWriter(db, m, zap.NewNop())
	w.now = func() time.Time { return time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC) }

	m.RecordRuleEvaluation("brute-force", true, 120*time.Microsecond)
	m.RecordRuleEvaluation("brute-force", false, 80*time.Microsecond)
	m.RecordRuleError("brute-force")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rule_performance_metrics").
		WithArgs("brute-force", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			int64(2), int64(1), int64(1), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Snapshot(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRulePerfSnapshotWithNoDataIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewRulePerfWriter(db, newTestMetrics(t), zap.NewNop())

	require.NoError(t, w.Snapshot(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
