package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/securewatch/correlation-core/internal/event"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		eventID  string
		severity event.Severity
		want     EventPriority
	}{
		{"audit log cleared", "1102", event.SeverityHigh, PriorityCritical},
		{"dsrm password", "4794", event.SeverityMedium, PriorityCritical},
		{"failed logon", "4625", event.SeverityMedium, PriorityHigh},
		{"explicit creds", "4648", event.SeverityMedium, PriorityHigh},
		{"service installed", "7045", event.SeverityLow, PriorityHigh},
		{"logoff", "4634", event.SeverityInfo, PriorityNormal},
		{"sysmon process create", "1", event.SeverityInfo, PriorityNormal},
		{"unknown id", "9999", event.SeverityLow, PriorityLow},
		{"unknown id critical severity", "9999", event.SeverityCritical, PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event.New(event.SourceWindowsEvent, tt.eventID, time.Now())
			e.Severity = tt.severity
			assert.Equal(t, tt.want, c.Classify(e))
		})
	}
}
