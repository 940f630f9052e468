// Package correlation implements the real-time correlation engine: priority
// classification, cached rule evaluation, multi-event pattern matching, and
// incident management over the shared event buffer.
package correlation

import (
	"github.com/securewatch/correlation-core/internal/event"
)

// EventPriority orders events for scheduling. Critical and high priority
// events bypass batching and the pattern-matching fast path.
type EventPriority string

const (
	PriorityCritical EventPriority = "critical"
	PriorityHigh     EventPriority = "high"
	PriorityNormal   EventPriority = "normal"
	PriorityLow      EventPriority = "low"
)

// The static event-id sets. Windows security log ids dominate because they
// carry the bulk of the detection value; sysmon operational ids land in the
// normal tier.
var (
	criticalEventIDs = map[string]bool{
		"4618": true, // monitored security event pattern
		"4649": true, // replay attack detected
		"4719": true, // audit policy changed
		"4765": true, // SID history added
		"4766": true, // SID history add failed
		"4794": true, // DSRM password set attempt
		"4897": true, // role separation enabled
		"4964": true, // special group logon
		"1102": true, // audit log cleared
	}

	highEventIDs = map[string]bool{
		"4624": true, // successful logon
		"4625": true, // failed logon
		"4648": true, // explicit credential logon
		"4672": true, // special privileges assigned
		"4662": true, // object operation
		"4688": true, // process creation
		"4698": true, // scheduled task created
		"4740": true, // account locked out
		"4756": true, // member added to universal group
		"7045": true, // service installed
	}

	normalEventIDs = map[string]bool{
		"4634": true, // logoff
		"4647": true, // user-initiated logoff
		"4608": true, // windows starting
		"4616": true, // system time changed
		"5024": true, // firewall started
		"5033": true, // firewall driver started
		// sysmon
		"1":  true, // process create
		"3":  true, // network connection
		"11": true, // file create
		"12": true, // registry object create/delete
		"13": true, // registry value set
	}
)

// Classifier maps events to a processing priority from static event-id sets.
type Classifier struct{}

// NewClassifier creates a priority classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the event's scheduling priority. Events whose id appears
// in no set default to low; a critical severity from the adapter still lifts
// them to high so severe non-Windows events are not batched away.
func (c *Classifier) Classify(e *event.Event) EventPriority {
	switch {
	case criticalEventIDs[e.EventID]:
		return PriorityCritical
	case highEventIDs[e.EventID]:
		return PriorityHigh
	case normalEventIDs[e.EventID]:
		return PriorityNormal
	case e.Severity == event.SeverityCritical:
		return PriorityHigh
	default:
		return PriorityLow
	}
}
