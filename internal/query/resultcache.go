package query

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/securewatch/correlation-core/internal/cache"
)

// Result cache defaults.
const (
	DefaultResultTTL      = 5 * time.Minute
	DefaultMaxCacheRows   = 10000
	DefaultResultCacheCap = 1000
)

// ResultCache memoizes query results keyed by the optimized SQL, the time
// range, and the parameter bindings. A schema-version generation is folded
// into every key, so bumping it orphans all prior entries at once. An
// optional Redis tier shares entries across replicas, best effort.
type ResultCache struct {
	local   *cache.Cache
	group   singleflight.Group
	redis   *redis.Client
	log     *zap.Logger
	ttl     time.Duration
	maxRows int

	schemaGen atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// ResultCacheConfig sizes the result cache; zero fields take defaults.
type ResultCacheConfig struct {
	MaxEntries int
	TTL        time.Duration
	MaxRows    int
	Redis      *redis.Client
}

// NewResultCache builds the result cache.
func NewResultCache(cfg ResultCacheConfig, log *zap.Logger) *ResultCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultResultCacheCap
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultResultTTL
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxCacheRows
	}
	return &ResultCache{
		local:   cache.New(cfg.MaxEntries, cfg.TTL),
		redis:   cfg.Redis,
		log:     log,
		ttl:     cfg.TTL,
		maxRows: cfg.MaxRows,
	}
}

// Key derives the stable cache key for one execution.
func (rc *ResultCache) Key(sql string, tr TimeRange, params []interface{}) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "g%d|%s|%d|%d", rc.schemaGen.Load(), sql, tr.From.UnixNano(), tr.To.UnixNano())
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return fmt.Sprintf("lq:%016x", h.Sum64())
}

// Get looks the key up locally, then in Redis.
func (rc *ResultCache) Get(ctx context.Context, key string) (*ResultBatch, bool) {
	if v, ok := rc.local.Get(key); ok {
		rc.hits.Add(1)
		return v.(*ResultBatch), true
	}

	if rc.redis != nil {
		raw, err := rc.redis.Get(ctx, key).Bytes()
		if err == nil {
			var batch ResultBatch
			if json.Unmarshal(raw, &batch) == nil {
				rc.local.Set(key, &batch)
				rc.hits.Add(1)
				return &batch, true
			}
		} else if err != redis.Nil {
			rc.log.Debug("Result cache Redis read failed", zap.Error(err))
		}
	}

	rc.misses.Add(1)
	return nil, false
}

// Put memoizes a result unless its row count exceeds the ceiling. Oversized
// results are still returned to the caller, just never cached.
func (rc *ResultCache) Put(ctx context.Context, key string, batch *ResultBatch) {
	if batch == nil || batch.RowCount() > rc.maxRows {
		return
	}
	rc.local.Set(key, batch)

	if rc.redis != nil {
		raw, err := json.Marshal(batch)
		if err == nil {
			if err := rc.redis.Set(ctx, key, raw, rc.ttl).Err(); err != nil {
				rc.log.Debug("Result cache Redis write failed", zap.Error(err))
			}
		}
	}
}

// Do collapses concurrent identical executions: while one caller computes the
// result for a key, the rest wait and share it.
func (rc *ResultCache) Do(key string, fn func() (*ResultBatch, error)) (*ResultBatch, bool, error) {
	v, err, shared := rc.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*ResultBatch), shared, nil
}

// BumpSchemaVersion invalidates everything cached so far. Data changes do not
// invalidate; schema changes must.
func (rc *ResultCache) BumpSchemaVersion() {
	gen := rc.schemaGen.Add(1)
	rc.local.Clear()
	rc.log.Info("Result cache invalidated by schema version change", zap.Int64("generation", gen))
}

// Stats reports hit/miss counters and current occupancy.
func (rc *ResultCache) Stats() (hits, misses uint64, entries int) {
	return rc.hits.Load(), rc.misses.Load(), rc.local.Len()
}
