package rules

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

// Source loads the full rule set, typically from the relational store where
// the external importer writes it.
type Source interface {
	LoadRules(ctx context.Context) ([]*Rule, error)
}

// Snapshot is an immutable view of the enabled rule set. Readers hold the
// pointer they loaded; a reload installs a new snapshot without touching
// old ones.
type Snapshot struct {
	Active   []*Rule
	Critical []*Rule
	Version  int64
	LoadedAt time.Time

	hash uint64
	byID map[string]*Rule
}

// Get returns the rule with the given ID.
func (s *Snapshot) Get(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Size returns the number of active rules.
func (s *Snapshot) Size() int {
	return len(s.Active)
}

// Store holds the current rule snapshot and refreshes it by polling the
// source. The snapshot pointer is swapped atomically; there is no lock on
// the read path.
type Store struct {
	source   Source
	logger   *zap.Logger
	interval time.Duration

	snap    atomic.Pointer[Snapshot]
	version atomic.Int64

	mu       sync.Mutex // serializes reloads
	onReload []func(*Snapshot)
}

// NewStore creates a rule store polling the source at the given interval.
func NewStore(source Source, interval time.Duration, logger *zap.Logger) *Store {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Store{
		source:   source,
		logger:   logger,
		interval: interval,
	}
}

// OnReload registers a callback invoked after each snapshot swap. The
// correlation engine uses this to install a fresh rule cache and reset its
// throttle switches. Register before Run.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Snapshot returns the current snapshot, or nil before the first Load.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Load performs the initial snapshot load. Unlike background reloads, a
// failure here is fatal to startup.
func (s *Store) Load(ctx context.Context) error {
	return s.reload(ctx, true)
}

// Reload refreshes the snapshot once. An invalid rule set fails the reload
// as a whole and the previous snapshot stays installed.
func (s *Store) Reload(ctx context.Context) error {
	return s.reload(ctx, false)
}

func (s *Store) reload(ctx context.Context, initial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.source.LoadRules(ctx)
	if err != nil {
		return swerrors.NewBackendUnavailable("rule source", err)
	}

	snap, warnings, err := s.build(raw)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		s.logger.Warn("Rule condition disabled", zap.String("warning", w))
	}

	current := s.snap.Load()
	if !initial && current != nil && current.hash == snap.hash {
		// Unchanged rule set; keep the installed snapshot and its caches.
		return nil
	}

	snap.Version = s.version.Add(1)
	snap.LoadedAt = time.Now().UTC()
	s.snap.Store(snap)

	s.logger.Info("Rule snapshot installed",
		zap.Int64("version", snap.Version),
		zap.Int("active_rules", len(snap.Active)),
		zap.Int("critical_rules", len(snap.Critical)),
	)

	for _, fn := range s.onReload {
		fn(snap)
	}
	return nil
}

// build validates and compiles the raw rule list into a snapshot. Any
// invalid rule fails the whole build so a partial snapshot is never
// installed.
func (s *Store) build(raw []*Rule) (*Snapshot, []string, error) {
	snap := &Snapshot{
		byID: make(map[string]*Rule, len(raw)),
	}
	var warnings []string

	h := fnv.New64a()
	for _, r := range raw {
		if r == nil || !r.Enabled {
			continue
		}
		if verrs := ValidateRule(r); len(verrs) > 0 {
			return nil, nil, swerrors.NewInvalidRule(r.ID, verrs[0].Message).WithDetails(verrs)
		}
		if _, dup := snap.byID[r.ID]; dup {
			return nil, nil, swerrors.NewInvalidRule(r.ID, "duplicate rule id in snapshot")
		}

		if r.Condition != nil {
			for _, w := range r.Condition.Compile() {
				warnings = append(warnings, fmt.Sprintf("rule %s: %s", r.ID, w))
			}
		}

		snap.Active = append(snap.Active, r)
		snap.byID[r.ID] = r
		if r.IsCritical() {
			snap.Critical = append(snap.Critical, r)
		}

		fmt.Fprintf(h, "%s:%d:%d;", r.ID, r.Version, r.UpdatedAt.UnixNano())
	}
	snap.hash = h.Sum64()

	return snap, warnings, nil
}

// Run polls the source until the context is cancelled. Reload failures are
// logged and the previous snapshot keeps serving.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("Rule reload failed; keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
