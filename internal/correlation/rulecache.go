package correlation

import (
	"sync/atomic"
	"time"

	"github.com/securewatch/correlation-core/internal/cache"
	"github.com/securewatch/correlation-core/internal/event"
)

// CachedResult is the memoized outcome of evaluating one rule against one
// (event_id, source) pair.
type CachedResult struct {
	Matched    bool
	Confidence float64
	Timestamp  time.Time
}

// RuleCache memoizes rule evaluation outcomes keyed by
// rule_id:event_id:source. A rule reload installs a whole new cache, so stale
// results from a previous snapshot can never be served.
type RuleCache struct {
	ttl     time.Duration
	maxSize int

	inner atomic.Pointer[cache.Cache]
}

// NewRuleCache creates a rule cache with the given TTL (cacheExpirationMs).
func NewRuleCache(maxSize int, ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	rc := &RuleCache{ttl: ttl, maxSize: maxSize}
	rc.inner.Store(cache.New(maxSize, ttl))
	return rc
}

func cacheKey(ruleID string, e *event.Event) string {
	return ruleID + ":" + e.EventID + ":" + string(e.Source)
}

// Get returns a fresh cached result for the rule/event pair.
func (rc *RuleCache) Get(ruleID string, e *event.Event) (CachedResult, bool) {
	v, ok := rc.inner.Load().Get(cacheKey(ruleID, e))
	if !ok {
		return CachedResult{}, false
	}
	res, ok := v.(CachedResult)
	return res, ok
}

// Put stores an evaluation outcome stamped with the current time. Writers
// racing on the same key resolve last-writer-wins by timestamp.
func (rc *RuleCache) Put(ruleID string, e *event.Event, matched bool, confidence float64) {
	now := time.Now()
	rc.inner.Load().SetIfNewer(cacheKey(ruleID, e), CachedResult{
		Matched:    matched,
		Confidence: confidence,
		Timestamp:  now,
	}, now)
}

// Sweep drops expired entries. The engine calls this every 1,000 processed
// events; reads between sweeps expire lazily.
func (rc *RuleCache) Sweep() int {
	return rc.inner.Load().Sweep()
}

// Reset atomically installs an empty cache. Called on every rule reload,
// alongside the snapshot swap.
func (rc *RuleCache) Reset() {
	rc.inner.Store(cache.New(rc.maxSize, rc.ttl))
}

// Len returns the number of entries, expired ones included until swept.
func (rc *RuleCache) Len() int {
	return rc.inner.Load().Len()
}
