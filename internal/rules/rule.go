package rules

import (
	"time"

	"github.com/securewatch/correlation-core/internal/event"
)

// RuleType categorizes what a rule detects.
type RuleType string

const (
	TypeAuthentication      RuleType = "authentication"
	TypeNetwork             RuleType = "network"
	TypeMalware             RuleType = "malware"
	TypePrivilegeEscalation RuleType = "privilege_escalation"
	TypeDataExfiltration    RuleType = "data_exfiltration"
	TypePersistence         RuleType = "persistence"
	TypeLateralMovement     RuleType = "lateral_movement"
	TypeAnomaly             RuleType = "anomaly"
)

// Priority orders rules for evaluation scheduling.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// AggOp is an aggregation operator over the buffer window.
type AggOp string

const (
	AggCount AggOp = "count"
	AggSum   AggOp = "sum"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

// Aggregation asks the evaluator to compute an aggregate over the rule's
// buffer window after the field conditions pass. The match fires when
// aggregate <op> threshold holds; Operator defaults to gt.
type Aggregation struct {
	Field     string   `json:"field"`
	Op        AggOp    `json:"op"`
	Threshold float64  `json:"threshold"`
	Operator  Operator `json:"operator,omitempty"`
}

// CompareOp returns the comparison operator, defaulting to gt.
func (a *Aggregation) CompareOp() Operator {
	if a.Operator == "" {
		return OpGt
	}
	return a.Operator
}

// Action describes a response invoked after an incident commits. Execution
// is delegated to an external executor; failures never roll back the
// incident.
type Action struct {
	Type   string            `json:"type"` // webhook, ticket, email
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

// Rule is one correlation rule. Rules are immutable once loaded; a reload
// replaces the whole snapshot.
type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        RuleType       `json:"type"`
	Severity    event.Severity `json:"severity"`
	Priority    Priority       `json:"priority"`
	Enabled     bool           `json:"enabled"`

	TimeWindowMinutes int `json:"time_window_minutes"`

	// DedupField optionally names the event field whose value collapses
	// repeated matches into one incident. Empty means the default
	// affected-assets signature.
	DedupField string `json:"dedup_field,omitempty"`

	Condition   *Condition   `json:"condition"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
	Actions     []Action     `json:"actions,omitempty"`

	MitreTechniques []string `json:"mitre_techniques,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeWindow returns the rule's dedup/aggregation window as a duration.
func (r *Rule) TimeWindow() time.Duration {
	if r.TimeWindowMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.TimeWindowMinutes) * time.Minute
}

// IsCritical reports whether the rule is always evaluated, even for events
// that would otherwise be batched: critical severity, high priority, or the
// authentication/malware types.
func (r *Rule) IsCritical() bool {
	return r.Severity == event.SeverityCritical ||
		r.Priority == PriorityHigh ||
		r.Type == TypeAuthentication ||
		r.Type == TypeMalware
}

// Confidence computes the rule's match confidence from the evaluation
// counts: min(1.0, 0.5 + 0.1*required + 0.05*optional).
func Confidence(res EvalResult) float64 {
	c := 0.5 + 0.1*float64(res.RequiredMatched) + 0.05*float64(res.OptionalMatched)
	if c > 1.0 {
		return 1.0
	}
	return c
}
