package correlation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/metrics"
	"github.com/securewatch/correlation-core/internal/rules"
)

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusClosed        IncidentStatus = "closed"
)

// EventLink ties a contributing event to an incident with the confidence the
// rule or pattern assigned it.
type EventLink struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Incident is a deduplicated, aggregating record of one or more events that
// satisfied a rule or pattern. Exactly one of RuleID or PatternID is set.
type Incident struct {
	ID        string `json:"id"`
	RuleID    string `json:"rule_id,omitempty"`
	PatternID string `json:"pattern_id,omitempty"`

	Severity    event.Severity `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      IncidentStatus `json:"status"`

	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	EventCount int       `json:"event_count"`

	AffectedAssets []string               `json:"affected_assets"`
	Links          []EventLink            `json:"links"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	dedupKey string
}

// IncidentStore persists incidents. The manager is the only writer.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc *Incident) error
}

// IncidentPublisher announces created and updated incidents, typically on the
// Redis bus for downstream consumers.
type IncidentPublisher interface {
	PublishIncident(ctx context.Context, inc *Incident, created bool) error
}

// ActionExecutor runs a rule's response actions. Implementations live
// outside the correlation core.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action rules.Action, inc *Incident) error
}

// titleTemplates maps rule types to incident title templates.
var titleTemplates = map[rules.RuleType]string{
	rules.TypeAuthentication:      "Authentication anomaly: %s",
	rules.TypeNetwork:             "Suspicious network activity: %s",
	rules.TypeMalware:             "Malware indicator: %s",
	rules.TypePrivilegeEscalation: "Privilege escalation: %s",
	rules.TypeDataExfiltration:    "Possible data exfiltration: %s",
	rules.TypePersistence:         "Persistence mechanism: %s",
	rules.TypeLateralMovement:     "Lateral movement: %s",
	rules.TypeAnomaly:             "Anomalous activity: %s",
}

// Manager creates and updates incidents, deduplicating repeated matches of
// the same rule within its time window. Updates for the same
// (rule_id, dedup_key) are serialized by a per-key mutex.
type Manager struct {
	store     IncidentStore
	publisher IncidentPublisher
	executor  ActionExecutor
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu   sync.Mutex
	open map[string]*Incident     // open incidents by rule_id|dedup_key
	keys map[string]*sync.Mutex   // per-dedup-key serialization
	byID map[string]*Incident     // all tracked incidents for status changes
}

// NewManager creates an incident manager. Publisher and executor may be nil.
func NewManager(store IncidentStore, publisher IncidentPublisher, executor ActionExecutor, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		executor:  executor,
		metrics:   m,
		logger:    logger,
		open:      make(map[string]*Incident),
		keys:      make(map[string]*sync.Mutex),
		byID:      make(map[string]*Incident),
	}
}

// DedupKey derives the signature that collapses repeated matches of a rule.
// A rule may name a specific field; the default is the sorted affected-asset
// signature of the triggering event.
func DedupKey(r *rules.Rule, e *event.Event) string {
	if r.DedupField != "" {
		if v, ok := e.Field(r.DedupField); ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	assets := e.AffectedAssets()
	sort.Strings(assets)
	return strings.Join(assets, ",")
}

func (m *Manager) lockKey(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.keys[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.keys[key] = mu
	return mu
}

// HandleMatch folds a rule match into an open incident or creates a new one.
// Returns the incident and whether it was created.
func (m *Manager) HandleMatch(ctx context.Context, match Match, e *event.Event) (*Incident, bool, error) {
	r := match.Rule
	dedup := DedupKey(r, e)
	key := r.ID + "|" + dedup

	mu := m.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()

	m.mu.Lock()
	inc, found := m.open[key]
	m.mu.Unlock()

	created := false
	if found && inc.Status != StatusClosed && now.Sub(inc.LastSeen) <= r.TimeWindow() {
		m.updateIncident(inc, match, e, now)
	} else {
		inc = m.createIncident(r, match, e, dedup, now)
		created = true
		m.mu.Lock()
		m.open[key] = inc
		m.byID[inc.ID] = inc
		m.mu.Unlock()
	}

	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return inc, created, err
	}

	m.metrics.RecordIncident(created)
	m.publish(ctx, inc, created)
	if created {
		m.runActions(inc, r.Actions)
	}

	return inc, created, nil
}

// HandlePattern creates an incident for a completed pattern. Pattern
// incidents are always created fresh; every matched event is linked with the
// pattern's relevance score.
func (m *Manager) HandlePattern(ctx context.Context, pm PatternMatch) (*Incident, error) {
	now := time.Now().UTC()
	p := pm.Pattern

	inc := &Incident{
		ID:        uuid.NewString(),
		PatternID: p.ID,
		Severity:  p.Severity,
		Title:     fmt.Sprintf("Pattern detected: %s", p.Name),
		Status:    StatusOpen,
		FirstSeen: now,
		LastSeen:  now,
		Metadata: map[string]interface{}{
			"pattern_type":    p.PatternType,
			"relevance_score": p.RelevanceScore,
		},
	}

	assets := make(map[string]struct{})
	for _, e := range pm.Events {
		inc.Links = append(inc.Links, EventLink{
			EventID:    e.ID,
			Timestamp:  e.Timestamp,
			Confidence: p.RelevanceScore,
		})
		for _, a := range e.AffectedAssets() {
			assets[a] = struct{}{}
		}
		if e.Timestamp.Before(inc.FirstSeen) {
			inc.FirstSeen = e.Timestamp
		}
	}
	inc.EventCount = len(inc.Links)
	inc.AffectedAssets = sortedKeys(assets)

	if len(pm.Events) > 0 {
		trigger := pm.Events[len(pm.Events)-1]
		inc.Description = fmt.Sprintf(
			"Pattern %s completed with %d events; final event %s from %s at %s",
			p.Name, len(pm.Events), trigger.ID, trigger.Source, trigger.Timestamp.Format(time.RFC3339),
		)
	}

	m.mu.Lock()
	m.byID[inc.ID] = inc
	m.mu.Unlock()

	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return inc, err
	}

	m.metrics.RecordIncident(true)
	m.publish(ctx, inc, true)
	return inc, nil
}

func (m *Manager) createIncident(r *rules.Rule, match Match, e *event.Event, dedup string, now time.Time) *Incident {
	tmpl, ok := titleTemplates[r.Type]
	if !ok {
		tmpl = "Rule triggered: %s"
	}

	inc := &Incident{
		ID:        uuid.NewString(),
		RuleID:    r.ID,
		Severity:  r.Severity,
		Title:     fmt.Sprintf(tmpl, r.Name),
		Status:    StatusOpen,
		FirstSeen: now,
		LastSeen:  now,
		Metadata: map[string]interface{}{
			"rule_type": string(r.Type),
		},
		dedupKey: dedup,
	}
	if len(r.MitreTechniques) > 0 {
		inc.Metadata["mitre_techniques"] = r.MitreTechniques
	}
	if match.Rule.Aggregation != nil {
		inc.Metadata["aggregate_value"] = match.AggValue
	}

	inc.Description = fmt.Sprintf(
		"Rule %s matched event %s (source %s, event_id %s) at %s",
		r.Name, e.ID, e.Source, e.EventID, e.Timestamp.Format(time.RFC3339),
	)

	m.linkEvents(inc, match, e)
	return inc
}

func (m *Manager) updateIncident(inc *Incident, match Match, e *event.Event, now time.Time) {
	inc.LastSeen = now
	m.linkEvents(inc, match, e)
	if match.Rule.Aggregation != nil {
		inc.Metadata["aggregate_value"] = match.AggValue
	}
}

// linkEvents appends the triggering event and, for aggregation matches, the
// whole contributing window, deduplicating by event id. EventCount tracks
// distinct linked events.
func (m *Manager) linkEvents(inc *Incident, match Match, e *event.Event) {
	linked := make(map[string]struct{}, len(inc.Links))
	for _, l := range inc.Links {
		linked[l.EventID] = struct{}{}
	}

	assets := make(map[string]struct{}, len(inc.AffectedAssets))
	for _, a := range inc.AffectedAssets {
		assets[a] = struct{}{}
	}

	add := func(ev *event.Event) {
		if _, dup := linked[ev.ID]; dup {
			return
		}
		linked[ev.ID] = struct{}{}
		inc.Links = append(inc.Links, EventLink{
			EventID:    ev.ID,
			Timestamp:  ev.Timestamp,
			Confidence: match.Confidence,
		})
		for _, a := range ev.AffectedAssets() {
			assets[a] = struct{}{}
		}
	}

	for _, ev := range match.WindowEvents {
		add(ev)
	}
	add(e)

	inc.EventCount = len(inc.Links)
	inc.AffectedAssets = sortedKeys(assets)
}

func (m *Manager) publish(ctx context.Context, inc *Incident, created bool) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishIncident(ctx, inc, created); err != nil {
		m.logger.Warn("Incident publish failed",
			zap.String("incident_id", inc.ID),
			zap.Error(err),
		)
	}
}

// runActions executes the rule's actions asynchronously with backoff. Action
// failures never roll back the committed incident.
func (m *Manager) runActions(inc *Incident, actions []rules.Action) {
	if m.executor == nil || len(actions) == 0 {
		return
	}
	for _, action := range actions {
		go func(a rules.Action) {
			policy := backoff.NewExponentialBackOff()
			policy.MaxInterval = 30 * time.Second
			policy.MaxElapsedTime = 5 * time.Minute

			err := backoff.Retry(func() error {
				return m.executor.ExecuteAction(context.Background(), a, inc)
			}, policy)
			if err != nil {
				m.logger.Error("Incident action failed after retries",
					zap.String("incident_id", inc.ID),
					zap.String("action_type", a.Type),
					zap.Error(err),
				)
			}
		}(action)
	}
}

// SetStatus transitions an incident. Closed is terminal; transitions out of
// it are rejected.
func (m *Manager) SetStatus(ctx context.Context, incidentID string, status IncidentStatus) error {
	m.mu.Lock()
	inc, ok := m.byID[incidentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("incident %s not tracked", incidentID)
	}

	mu := m.lockKey(inc.RuleID + "|" + inc.dedupKey)
	mu.Lock()
	defer mu.Unlock()

	if inc.Status == StatusClosed {
		return fmt.Errorf("incident %s is closed", incidentID)
	}
	inc.Status = status

	if status == StatusClosed {
		m.forgetOpen(inc)
	}
	return m.store.SaveIncident(ctx, inc)
}

// CloseExpired closes open incidents whose window has lapsed relative to
// their rule's time window. Called on the engine's sweep cadence.
func (m *Manager) CloseExpired(ctx context.Context, ruleWindow func(ruleID string) time.Duration) int {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Incident
	for _, inc := range m.open {
		window := 30 * time.Minute
		if ruleWindow != nil && inc.RuleID != "" {
			if w := ruleWindow(inc.RuleID); w > 0 {
				window = w
			}
		}
		if now.Sub(inc.LastSeen) > window {
			expired = append(expired, inc)
		}
	}
	m.mu.Unlock()

	for _, inc := range expired {
		mu := m.lockKey(inc.RuleID + "|" + inc.dedupKey)
		mu.Lock()
		if inc.Status != StatusClosed {
			inc.Status = StatusClosed
			m.forgetOpen(inc)
			if err := m.store.SaveIncident(ctx, inc); err != nil {
				m.logger.Warn("Failed to persist incident close",
					zap.String("incident_id", inc.ID),
					zap.Error(err),
				)
			}
		}
		mu.Unlock()
	}
	return len(expired)
}

func (m *Manager) forgetOpen(inc *Incident) {
	m.mu.Lock()
	delete(m.open, inc.RuleID+"|"+inc.dedupKey)
	m.mu.Unlock()
}

// OpenCount returns the number of tracked open incidents.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
