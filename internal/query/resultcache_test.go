package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func smallBatch(rows int) *ResultBatch {
	b := &ResultBatch{Columns: []string{"event_id"}}
	for i := 0; i < rows; i++ {
		b.Rows = append(b.Rows, []interface{}{int64(i)})
	}
	return b
}

func TestResultCacheKeyComposition(t *testing.T) {
	rc := NewResultCache(ResultCacheConfig{}, zap.NewNop())
	tr := rangeOf(time.Hour)

	base := rc.Key("SELECT 1", tr, nil)
	assert.Equal(t, base, rc.Key("SELECT 1", tr, nil))
	assert.NotEqual(t, base, rc.Key("SELECT 2", tr, nil))
	assert.NotEqual(t, base, rc.Key("SELECT 1", rangeOf(2*time.Hour), nil))
	assert.NotEqual(t, base, rc.Key("SELECT 1", tr, []interface{}{"alice"}))
}

func TestResultCachePutGet(t *testing.T) {
	rc := NewResultCache(ResultCacheConfig{}, zap.NewNop())
	ctx := context.Background()
	key := rc.Key("SELECT 1", rangeOf(time.Hour), nil)

	_, ok := rc.Get(ctx, key)
	assert.False(t, ok)

	rc.Put(ctx, key, smallBatch(3))
	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 3, got.RowCount())

	hits, misses, entries := rc.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 1, entries)
}

func TestResultCacheSkipsOversizedResults(t *testing.T) {
	rc := NewResultCache(ResultCacheConfig{MaxRows: 5}, zap.NewNop())
	ctx := context.Background()
	key := rc.Key("SELECT 1", rangeOf(time.Hour), nil)

	rc.Put(ctx, key, smallBatch(6))
	_, ok := rc.Get(ctx, key)
	assert.False(t, ok)

	// An empty result is still worth memoizing.
	rc.Put(ctx, key, smallBatch(0))
	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Zero(t, got.RowCount())
}

func TestResultCacheSchemaVersionInvalidation(t *testing.T) {
	rc := NewResultCache(ResultCacheConfig{}, zap.NewNop())
	ctx := context.Background()
	tr := rangeOf(time.Hour)

	before := rc.Key("SELECT 1", tr, nil)
	rc.Put(ctx, before, smallBatch(1))

	rc.BumpSchemaVersion()

	// The generation is part of the key, so the same query re-keys.
	after := rc.Key("SELECT 1", tr, nil)
	assert.NotEqual(t, before, after)
	_, ok := rc.Get(ctx, after)
	assert.False(t, ok)
	_, _, entries := rc.Stats()
	assert.Zero(t, entries)
}

func TestResultCacheSingleflight(t *testing.T) {
	rc := NewResultCache(ResultCacheConfig{}, zap.NewNop())

	var calls int
	var mu sync.Mutex
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, _, err := rc.Do("k", func() (*ResultBatch, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				<-release
				return smallBatch(2), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 2, batch.RowCount())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestResultCacheRedisTier(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	rcA := NewResultCache(ResultCacheConfig{Redis: client}, zap.NewNop())
	rcB := NewResultCache(ResultCacheConfig{Redis: client}, zap.NewNop())
	ctx := context.Background()
	key := rcA.Key("SELECT 1", rangeOf(time.Hour), []interface{}{fmt.Sprintf("u%d", 1)})

	rcA.Put(ctx, key, smallBatch(2))

	// A second replica with a cold local cache finds the entry in Redis.
	got, ok := rcB.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 2, got.RowCount())
}
