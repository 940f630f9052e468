// Package event defines the normalized event model shared by ingestion,
// correlation, and storage, plus the source adapters that produce it.
package event

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source identifies the event's origin family.
type Source string

// Known source types. Adapters map raw payloads from each of these into the
// normalized Event.
const (
	SourceWindowsEvent Source = "windows_event"
	SourceSyslog       Source = "syslog"
	SourceCloudTrail   Source = "cloudtrail"
	SourceAzureActivity Source = "azure_activity"
	SourceGCPAudit     Source = "gcp_audit"
	SourceCEF          Source = "cef"
	SourceEDR          Source = "edr"
)

// Severity is the normalized severity scale.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Host describes the machine an event was observed on.
type Host struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ip,omitempty"`
}

// User describes the acting principal, when the source reports one.
type User struct {
	Name   string `json:"name,omitempty"`
	ID     string `json:"id,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Process describes the acting process, when the source reports one.
type Process struct {
	Name        string `json:"name,omitempty"`
	PID         int    `json:"pid,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
}

// Network describes the connection tuple for network-flavored events.
type Network struct {
	SourceIP        string `json:"source_ip,omitempty"`
	SourcePort      int    `json:"source_port,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	BytesIn         int64  `json:"bytes_in,omitempty"`
	BytesOut        int64  `json:"bytes_out,omitempty"`
}

// File describes file activity for EDR and sysmon events.
type File struct {
	Path string `json:"path,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// Registry describes Windows registry activity.
type Registry struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Event is the normalized form every adapter produces. Events are immutable
// after ingest; the correlation engine and stores only read them.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	IngestedAt time.Time `json:"ingested_at"`

	Source   Source   `json:"source"`
	EventID  string   `json:"event_id"`
	Severity Severity `json:"severity"`
	Category string   `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
	Message  string   `json:"message"`

	Host     Host      `json:"host"`
	User     *User     `json:"user,omitempty"`
	Process  *Process  `json:"process,omitempty"`
	Network  *Network  `json:"network,omitempty"`
	File     *File     `json:"file,omitempty"`
	Registry *Registry `json:"registry,omitempty"`

	RiskScore       float64  `json:"risk_score,omitempty"`
	MitreTechniques []string `json:"mitre_techniques,omitempty"`

	// Fields carries source-specific attributes that have no normalized slot.
	Fields map[string]interface{} `json:"fields,omitempty"`
	Tags   []string               `json:"tags,omitempty"`
}

// New creates a normalized event with a fresh sortable ID. Timestamps from
// the future are clamped to the ingest time so the buffer's age-based
// eviction stays monotonic.
func New(source Source, eventID string, ts time.Time) *Event {
	now := time.Now().UTC()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	return &Event{
		ID:         ulid.Make().String(),
		Timestamp:  ts.UTC(),
		IngestedAt: now,
		Source:     source,
		EventID:    eventID,
		Severity:   SeverityInfo,
	}
}

// BufferKey returns the correlation buffer key for this event.
func (e *Event) BufferKey() string {
	return string(e.Source) + "|" + e.EventID
}

// Field resolves a dotted field path against the event. Normalized slots are
// checked first; unresolved paths fall through to the schemaless Fields bag.
// The second return reports whether the field exists at all — a nil value
// with ok=true means the field is present but null.
func (e *Event) Field(path string) (interface{}, bool) {
	switch strings.ToLower(path) {
	case "id":
		return e.ID, true
	case "timestamp":
		return e.Timestamp, true
	case "source", "source_type":
		return string(e.Source), true
	case "event_id":
		return e.EventID, true
	case "severity":
		return string(e.Severity), true
	case "category":
		return e.Category, true
	case "subcategory":
		return e.Subcategory, true
	case "message", "raw_message":
		return e.Message, true
	case "host", "hostname", "host.hostname", "computer_name":
		return e.Host.Hostname, true
	case "host.ip":
		if len(e.Host.IPs) == 0 {
			return nil, true
		}
		return e.Host.IPs[0], true
	case "user.name", "user_name":
		if e.User == nil {
			return nil, true
		}
		return e.User.Name, true
	case "user.id", "user_id":
		if e.User == nil {
			return nil, true
		}
		return e.User.ID, true
	case "user.domain", "user_domain":
		if e.User == nil {
			return nil, true
		}
		return e.User.Domain, true
	case "process.name", "process_name":
		if e.Process == nil {
			return nil, true
		}
		return e.Process.Name, true
	case "process.pid", "process_id":
		if e.Process == nil {
			return nil, true
		}
		return e.Process.PID, true
	case "process.command_line", "process_command_line":
		if e.Process == nil {
			return nil, true
		}
		return e.Process.CommandLine, true
	case "network.source_ip", "source_ip":
		if e.Network == nil {
			return nil, true
		}
		return e.Network.SourceIP, true
	case "network.source_port", "source_port":
		if e.Network == nil {
			return nil, true
		}
		return e.Network.SourcePort, true
	case "network.destination_ip", "destination_ip":
		if e.Network == nil {
			return nil, true
		}
		return e.Network.DestinationIP, true
	case "network.destination_port", "destination_port":
		if e.Network == nil {
			return nil, true
		}
		return e.Network.DestinationPort, true
	case "file.path":
		if e.File == nil {
			return nil, true
		}
		return e.File.Path, true
	case "file.hash":
		if e.File == nil {
			return nil, true
		}
		return e.File.Hash, true
	case "registry.key":
		if e.Registry == nil {
			return nil, true
		}
		return e.Registry.Key, true
	case "registry.value":
		if e.Registry == nil {
			return nil, true
		}
		return e.Registry.Value, true
	case "risk_score":
		return e.RiskScore, true
	case "tags":
		return e.Tags, true
	}

	return lookupBag(e.Fields, path)
}

// lookupBag traverses nested maps in the schemaless bag by dotted path.
func lookupBag(bag map[string]interface{}, path string) (interface{}, bool) {
	if bag == nil {
		return nil, false
	}
	// Exact key wins over traversal so adapters can store dotted keys.
	if v, ok := bag[path]; ok {
		return v, true
	}

	cur := interface{}(bag)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SearchText concatenates the event's free-text fields for the synthesized
// search document field.
func (e *Event) SearchText() string {
	parts := make([]string, 0, 8)
	add := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}
	add(e.Message)
	add(e.Host.Hostname)
	if e.User != nil {
		add(e.User.Name)
	}
	if e.Process != nil {
		add(e.Process.Name)
		add(e.Process.CommandLine)
	}
	if e.Network != nil {
		add(e.Network.SourceIP)
		add(e.Network.DestinationIP)
	}
	if e.File != nil {
		add(e.File.Path)
	}
	parts = append(parts, e.Tags...)
	return strings.Join(parts, " ")
}

// AffectedAssets returns the deduplicated asset signature for this event:
// hostname, "user:<name>", and "ip:<addr>" entries for every populated slot.
func (e *Event) AffectedAssets() []string {
	seen := make(map[string]struct{}, 4)
	assets := make([]string, 0, 4)
	add := func(s string) {
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		assets = append(assets, s)
	}

	add(e.Host.Hostname)
	if e.User != nil && e.User.Name != "" {
		add("user:" + e.User.Name)
	}
	if e.Network != nil {
		if e.Network.SourceIP != "" {
			add("ip:" + e.Network.SourceIP)
		}
		if e.Network.DestinationIP != "" {
			add("ip:" + e.Network.DestinationIP)
		}
	}
	return assets
}
