package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

func TestManagerAdmitsWithinLimits(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 2, MaxMemoryBytes: 1 << 20})

	lease, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 1024, TimeoutMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, "q1", lease.QueryID)
	assert.Equal(t, int64(1024), lease.ReservedMemory)
	assert.Equal(t, int64(1), m.Active())

	deadline, ok := lease.Context().Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)

	lease.Release()
	assert.Equal(t, int64(0), m.Active())
}

func TestManagerConcurrencyExhaustion(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 1, MaxMemoryBytes: 1 << 20})

	l1, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)

	_, err = m.Request(context.Background(), "q2", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.Error(t, err)
	var structured *swerrors.StructuredError
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, swerrors.CodeResourceExhausted, structured.Code)
	assert.Positive(t, structured.RetryAfterSec)

	l1.Release()
	l2, err := m.Request(context.Background(), "q3", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)
	l2.Release()
}

func TestManagerMemoryExhaustion(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 10, MaxMemoryBytes: 4096})

	l1, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 3000})
	require.NoError(t, err)

	// Fits concurrency but not memory; the concurrency slot must be returned.
	_, err = m.Request(context.Background(), "q2", PriorityNormal, Estimate{MemoryBytes: 3000})
	require.Error(t, err)

	l1.Release()
	l2, err := m.Request(context.Background(), "q2", PriorityNormal, Estimate{MemoryBytes: 3000})
	require.NoError(t, err)
	l2.Release()

	// A request larger than the whole budget can never be admitted.
	_, err = m.Request(context.Background(), "q3", PriorityNormal, Estimate{MemoryBytes: 8192})
	require.Error(t, err)
	assert.Equal(t, int64(0), m.Active())
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 1, MaxMemoryBytes: 1 << 20})

	lease, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()
	assert.Equal(t, int64(0), m.Active())

	// Double release must not free a slot twice.
	l2, err := m.Request(context.Background(), "q2", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)
	_, err = m.Request(context.Background(), "q3", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.Error(t, err)
	l2.Release()
}

func TestLeaseCancelPropagates(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 1, MaxMemoryBytes: 1 << 20})

	lease, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 1024, TimeoutMs: 60000})
	require.NoError(t, err)

	lease.Cancel()
	assert.ErrorIs(t, lease.Context().Err(), context.Canceled)

	// Cancel does not release; the slot frees on Release.
	assert.Equal(t, int64(1), m.Active())
	lease.Release()
	assert.Equal(t, int64(0), m.Active())
}

func TestManagerDegradedAdmission(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrent: 4, MaxMemoryBytes: 1 << 20})
	m.SetHealthy(false)

	_, err := m.Request(context.Background(), "q1", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.Error(t, err)

	lease, err := m.Request(context.Background(), "q2", PriorityHigh, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)
	lease.Release()

	m.SetHealthy(true)
	lease, err = m.Request(context.Background(), "q3", PriorityNormal, Estimate{MemoryBytes: 1024})
	require.NoError(t, err)
	lease.Release()
}
