// Package buffer implements the bounded, time-windowed event buffer the
// correlation engine consults for aggregation windows and pattern lookback.
// Events are keyed by (source, event_id) and held for at most two hours.
package buffer

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/securewatch/correlation-core/internal/event"
)

// MaxAge is the hard retention ceiling. Events older than this are dropped
// regardless of the size limit.
const MaxAge = 2 * time.Hour

const shardCount = 32

// shard holds a slice of keys, each with its events in arrival order. The
// order list tracks key insertion so eviction can walk oldest-first.
type shard struct {
	mu    sync.Mutex
	keys  map[string][]*event.Event
	order []string // keys in order of first insert, oldest first
}

// Buffer is a sharded, size- and age-bounded event store.
type Buffer struct {
	shards [shardCount]*shard
	limit  int

	size int64
	szMu sync.Mutex

	now func() time.Time
}

// New creates a buffer bounded to limit events across all keys.
func New(limit int) *Buffer {
	if limit <= 0 {
		limit = 100000
	}
	b := &Buffer{
		limit: limit,
		now:   time.Now,
	}
	for i := range b.shards {
		b.shards[i] = &shard{keys: make(map[string][]*event.Event)}
	}
	return b
}

func (b *Buffer) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return b.shards[h.Sum32()%shardCount]
}

// Insert appends an event under its buffer key, pruning expired entries for
// that key and enforcing the global size bound by evicting the oldest keys.
func (b *Buffer) Insert(e *event.Event) {
	if e == nil {
		return
	}
	key := e.BufferKey()
	cutoff := b.now().Add(-MaxAge)

	s := b.shardFor(key)
	s.mu.Lock()
	events, existed := s.keys[key]
	pruned := pruneBefore(events, cutoff)
	delta := 1 + len(pruned) - len(events)
	s.keys[key] = append(pruned, e)
	if !existed {
		s.order = append(s.order, key)
	}
	s.mu.Unlock()

	b.addSize(int64(delta))

	for b.Len() > b.limit {
		if !b.evictOldestKey() {
			break
		}
	}
}

// Window returns the events for a key whose timestamp falls within the last d.
func (b *Buffer) Window(key string, d time.Duration) []*event.Event {
	cutoff := b.now().Add(-d)
	if age := b.now().Add(-MaxAge); age.After(cutoff) {
		cutoff = age
	}

	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.keys[key]
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Scan returns events within the last d across the given keys, or across
// every key when keys is empty, filtered by pred when non-nil.
func (b *Buffer) Scan(keys []string, d time.Duration, pred func(*event.Event) bool) []*event.Event {
	if len(keys) > 0 {
		var out []*event.Event
		for _, key := range keys {
			for _, e := range b.Window(key, d) {
				if pred == nil || pred(e) {
					out = append(out, e)
				}
			}
		}
		return out
	}

	cutoff := b.now().Add(-d)
	var out []*event.Event
	for _, s := range b.shards {
		s.mu.Lock()
		for _, events := range s.keys {
			for _, e := range events {
				if e.Timestamp.Before(cutoff) {
					continue
				}
				if pred == nil || pred(e) {
					out = append(out, e)
				}
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.szMu.Lock()
	defer b.szMu.Unlock()
	return int(b.size)
}

func (b *Buffer) addSize(delta int64) {
	b.szMu.Lock()
	b.size += delta
	if b.size < 0 {
		b.size = 0
	}
	b.szMu.Unlock()
}

// EvictExpired removes every event older than MaxAge and returns how many
// were dropped. The correlation engine runs this on its sweep cadence.
func (b *Buffer) EvictExpired() int {
	cutoff := b.now().Add(-MaxAge)
	removed := 0

	for _, s := range b.shards {
		s.mu.Lock()
		for key, events := range s.keys {
			pruned := pruneBefore(events, cutoff)
			if len(pruned) == len(events) {
				continue
			}
			removed += len(events) - len(pruned)
			if len(pruned) == 0 {
				delete(s.keys, key)
				s.order = removeKey(s.order, key)
			} else {
				s.keys[key] = pruned
			}
		}
		s.mu.Unlock()
	}

	b.addSize(int64(-removed))
	return removed
}

// evictOldestKey drops the whole key whose head event is the oldest across
// all shards. Returns false when the buffer is empty.
func (b *Buffer) evictOldestKey() bool {
	var victim *shard
	var victimKey string
	var oldest time.Time

	for _, s := range b.shards {
		s.mu.Lock()
		for _, key := range s.order {
			events := s.keys[key]
			if len(events) == 0 {
				continue
			}
			if victim == nil || events[0].Timestamp.Before(oldest) {
				victim = s
				victimKey = key
				oldest = events[0].Timestamp
			}
			break // order is oldest-first; the head key is this shard's candidate
		}
		s.mu.Unlock()
	}

	if victim == nil {
		return false
	}

	victim.mu.Lock()
	dropped := len(victim.keys[victimKey])
	delete(victim.keys, victimKey)
	victim.order = removeKey(victim.order, victimKey)
	victim.mu.Unlock()

	b.addSize(int64(-dropped))
	return dropped > 0
}

func pruneBefore(events []*event.Event, cutoff time.Time) []*event.Event {
	idx := 0
	for idx < len(events) && events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return events[idx:]
}

func removeKey(order []string, key string) []string {
	for i, k := range order {
		if k == key {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
