package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/correlation-core/internal/event"
)

func TestRuleCacheGetPut(t *testing.T) {
	rc := NewRuleCache(100, time.Minute)
	e := event.New(event.SourceWindowsEvent, "4625", time.Now())

	_, ok := rc.Get("r1", e)
	assert.False(t, ok)

	rc.Put("r1", e, true, 0.7)
	res, ok := rc.Get("r1", e)
	require.True(t, ok)
	assert.True(t, res.Matched)
	assert.Equal(t, 0.7, res.Confidence)

	// Different source is a different key.
	other := event.New(event.SourceSyslog, "4625", time.Now())
	_, ok = rc.Get("r1", other)
	assert.False(t, ok)
}

func TestRuleCacheTTL(t *testing.T) {
	rc := NewRuleCache(100, 10*time.Millisecond)
	e := event.New(event.SourceWindowsEvent, "4625", time.Now())

	rc.Put("r1", e, true, 0.9)
	time.Sleep(20 * time.Millisecond)

	_, ok := rc.Get("r1", e)
	assert.False(t, ok, "a cached result is never served past its TTL")
}

func TestRuleCacheReset(t *testing.T) {
	rc := NewRuleCache(100, time.Minute)
	e := event.New(event.SourceWindowsEvent, "4625", time.Now())

	rc.Put("r1", e, true, 0.9)
	require.Equal(t, 1, rc.Len())

	rc.Reset()
	assert.Equal(t, 0, rc.Len())
	_, ok := rc.Get("r1", e)
	assert.False(t, ok)
}

func TestRuleCacheSweep(t *testing.T) {
	rc := NewRuleCache(100, 5*time.Millisecond)
	e := event.New(event.SourceWindowsEvent, "4625", time.Now())

	rc.Put("r1", e, false, 0)
	rc.Put("r2", e, true, 0.6)
	time.Sleep(10 * time.Millisecond)

	removed := rc.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, rc.Len())
}
