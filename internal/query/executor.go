package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

// DB is the slice of database/sql the executor needs; *sql.DB and *sqlx.DB
// both satisfy it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ResultBatch is a columnar result: the schema plus row-major values.
type ResultBatch struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// RowCount returns the number of materialized rows.
func (b *ResultBatch) RowCount() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Progress is one execution progress event.
type Progress struct {
	Pct     int    `json:"pct"`
	Message string `json:"message"`
}

// ProgressFunc receives progress events; may be nil.
type ProgressFunc func(Progress)

// Executor runs emitted SQL on a pooled connection under the lease deadline.
type Executor struct {
	db  DB
	log *zap.Logger
}

// NewExecutor builds an executor over the relational store.
func NewExecutor(db DB, log *zap.Logger) *Executor {
	return &Executor{db: db, log: log}
}

// Run executes the plan's SQL under the lease context and materializes the
// result. Progress fires at start, per plan step, and at completion.
// Cancellation propagates to the driver, which sends a backend cancel on the
// session.
func (e *Executor) Run(ctx context.Context, plan *Plan, queryID string, params []interface{}, onProgress ProgressFunc) (*ResultBatch, error) {
	emit := func(pct int, msg string) {
		if onProgress != nil {
			onProgress(Progress{Pct: pct, Message: msg})
		}
	}
	emit(0, "starting")

	// Step boundaries: the statement runs as one round trip, so the plan
	// steps are announced as the fraction of the work they represent.
	for i, step := range plan.Steps {
		emit((i+1)*80/(len(plan.Steps)+1), step.Kind)
	}

	started := time.Now()
	timeoutMs := 0
	if deadline, ok := ctx.Deadline(); ok {
		timeoutMs = int(time.Until(deadline).Milliseconds())
	}

	rows, err := e.db.QueryContext(ctx, plan.SQL, params...)
	if err != nil {
		return nil, e.mapError(ctx, queryID, timeoutMs, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, e.mapError(ctx, queryID, timeoutMs, err)
	}

	batch := &ResultBatch{Columns: cols}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, e.mapError(ctx, queryID, timeoutMs, err)
		}
		row := make([]interface{}, len(cols))
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				row[i] = string(raw)
			} else {
				row[i] = v
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.mapError(ctx, queryID, timeoutMs, err)
	}

	e.log.Debug("Query executed",
		zap.String("query_id", queryID),
		zap.Int("rows", batch.RowCount()),
		zap.Duration("elapsed", time.Since(started)))
	emit(100, "completed")
	return batch, nil
}

// mapError classifies a driver failure: deadline → QUERY_TIMEOUT, caller
// cancel → QUERY_CANCELLED, anything else → transient backend error.
func (e *Executor) mapError(ctx context.Context, queryID string, timeoutMs int, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return swerrors.NewQueryTimeout(queryID, timeoutMs).WithCause(err)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return swerrors.NewQueryCancelled(queryID).WithCause(err)
	default:
		return swerrors.NewBackendUnavailable("postgres", err)
	}
}
