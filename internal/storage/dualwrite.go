package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/metrics"
)

// EventWriter is the per-backend write surface the dual-writer fans out to.
type EventWriter interface {
	WriteEvents(ctx context.Context, events []*event.Event) error
}

// DualWriter writes every batch to both the relational store and the search
// index concurrently. A single backend failure degrades the writer instead of
// failing ingestion; only both backends failing loses the batch. Each backend
// sits behind its own circuit breaker so a dead store fails fast instead of
// stalling every batch on timeouts.
type DualWriter struct {
	relational EventWriter
	search     EventWriter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	pgBreaker *gobreaker.CircuitBreaker
	osBreaker *gobreaker.CircuitBreaker

	degraded atomic.Bool
}

// NewDualWriter creates the coordinator.
func NewDualWriter(relational, search EventWriter, m *metrics.Metrics, logger *zap.Logger) *DualWriter {
	w := &DualWriter{
		relational: relational,
		search:     search,
		metrics:    m,
		logger:     logger,
	}
	w.pgBreaker = gobreaker.NewCircuitBreaker(breakerSettings("postgres-writes", logger))
	w.osBreaker = gobreaker.NewCircuitBreaker(breakerSettings("opensearch-writes", logger))
	return w
}

func breakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Write circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
}

// WriteEvents fans the batch out to both backends. Per batch, exactly one
// postgres outcome and exactly one search outcome are recorded, regardless of
// retries or breaker short-circuits inside the backends.
func (w *DualWriter) WriteEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	n := len(events)

	// A plain group, not WithContext: one backend failing must not cancel
	// the other backend's in-flight write.
	var g errgroup.Group
	var pgErr, osErr error

	g.Go(func() error {
		_, err := w.pgBreaker.Execute(func() (interface{}, error) {
			return nil, w.relational.WriteEvents(ctx, events)
		})
		pgErr = err
		w.metrics.RecordPostgresWrite(n, err == nil)
		return nil
	})
	g.Go(func() error {
		_, err := w.osBreaker.Execute(func() (interface{}, error) {
			return nil, w.search.WriteEvents(ctx, events)
		})
		osErr = err
		w.metrics.RecordSearchWrite(n, err == nil)
		return nil
	})
	g.Wait() //nolint:errcheck // goroutines always return nil

	switch {
	case pgErr != nil && osErr != nil:
		w.degraded.Store(true)
		w.logger.Error("Batch lost: both backends failed",
			zap.Int("events", n),
			zap.NamedError("postgres", pgErr),
			zap.NamedError("opensearch", osErr))
		return swerrors.NewBackendUnavailable("postgres+opensearch",
			fmt.Errorf("postgres: %v; opensearch: %w", pgErr, osErr))
	case pgErr != nil:
		w.degraded.Store(true)
		w.logger.Warn("Relational write failed; batch indexed only",
			zap.Int("events", n), zap.Error(pgErr))
		return nil
	case osErr != nil:
		w.degraded.Store(true)
		w.logger.Warn("Search write failed; batch in relational store only",
			zap.Int("events", n), zap.Error(osErr))
		return nil
	default:
		w.degraded.Store(false)
		return nil
	}
}

// Degraded reports whether the most recent batch saw a backend failure.
func (w *DualWriter) Degraded() bool {
	return w.degraded.Load()
}

// Probe is the health check: healthy only when the last batch landed on both
// backends and neither breaker is open.
func (w *DualWriter) Probe(_ context.Context) error {
	if w.pgBreaker.State() == gobreaker.StateOpen {
		return errors.New("postgres write breaker open")
	}
	if w.osBreaker.State() == gobreaker.StateOpen {
		return errors.New("opensearch write breaker open")
	}
	if w.degraded.Load() {
		return errors.New("last batch failed on at least one backend")
	}
	return nil
}
