package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

// Priority orders queries at admission. High priority is admitted even while
// the backend is degraded.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Estimate is what admission needs to size a lease.
type Estimate struct {
	MemoryBytes int64
	TimeoutMs   int
	Complexity  int
}

// Lease is the admission handle held for the lifetime of a query. Releasing
// is idempotent; cancelling the lease context cancels the backend statement.
type Lease struct {
	QueryID        string
	ReservedMemory int64
	Priority       Priority
	Deadline       time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// Context carries the query deadline; executors run the statement under it.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Cancel aborts the in-flight query. The lease must still be released.
func (l *Lease) Cancel() {
	l.cancel()
}

// Release returns the lease's slots to the manager. Safe to call more than
// once and after Cancel.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cancel()
		l.release()
	})
}

// ManagerConfig sizes the resource manager.
type ManagerConfig struct {
	MaxConcurrent  int64
	MaxMemoryBytes int64
	DefaultTimeout time.Duration
}

// Manager is the admission controller: a global concurrency semaphore plus a
// memory budget. Requests fail fast with RESOURCE_EXHAUSTED rather than
// queue, so callers can surface a retry hint.
type Manager struct {
	queries *semaphore.Weighted
	memory  *semaphore.Weighted
	cfg     ManagerConfig

	healthy atomic.Bool
	active  atomic.Int64
}

// NewManager builds a resource manager; zero config fields get conservative
// defaults.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = 512 << 20
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	m := &Manager{
		queries: semaphore.NewWeighted(cfg.MaxConcurrent),
		memory:  semaphore.NewWeighted(cfg.MaxMemoryBytes),
		cfg:     cfg,
	}
	m.healthy.Store(true)
	return m
}

// SetHealthy flips degraded-mode admission: while unhealthy, only
// high-priority queries are admitted.
func (m *Manager) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

// Active returns the number of leases currently held.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Request admits a query, returning a lease or RESOURCE_EXHAUSTED. The parent
// context bounds the caller; the lease context additionally carries the query
// deadline.
func (m *Manager) Request(parent context.Context, queryID string, priority Priority, est Estimate) (*Lease, error) {
	if !m.healthy.Load() && priority != PriorityHigh {
		return nil, swerrors.NewResourceExhausted("query admission suspended while backends are degraded")
	}

	if !m.queries.TryAcquire(1) {
		return nil, swerrors.NewResourceExhausted(
			fmt.Sprintf("all %d query slots are in use", m.cfg.MaxConcurrent))
	}

	mem := est.MemoryBytes
	if mem <= 0 {
		mem = 1 << 20
	}
	if mem > m.cfg.MaxMemoryBytes {
		m.queries.Release(1)
		return nil, swerrors.NewResourceExhausted(
			fmt.Sprintf("query needs %d bytes, budget is %d", mem, m.cfg.MaxMemoryBytes))
	}
	if !m.memory.TryAcquire(mem) {
		m.queries.Release(1)
		return nil, swerrors.NewResourceExhausted(
			fmt.Sprintf("memory budget exhausted (%d bytes requested)", mem))
	}

	timeout := m.cfg.DefaultTimeout
	if est.TimeoutMs > 0 {
		timeout = time.Duration(est.TimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(parent, deadline)

	m.active.Add(1)
	return &Lease{
		QueryID:        queryID,
		ReservedMemory: mem,
		Priority:       priority,
		Deadline:       deadline,
		ctx:            ctx,
		cancel:         cancel,
		release: func() {
			m.memory.Release(mem)
			m.queries.Release(1)
			m.active.Add(-1)
		},
	}, nil
}
