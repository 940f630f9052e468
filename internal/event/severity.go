package event

import "strings"

// severityAliases maps source-specific severity names onto the normalized
// scale. Lookup is case-insensitive.
var severityAliases = map[string]Severity{
	"critical":      SeverityCritical,
	"crit":          SeverityCritical,
	"emergency":     SeverityCritical,
	"emerg":         SeverityCritical,
	"alert":         SeverityCritical,
	"fatal":         SeverityCritical,
	"very-high":     SeverityCritical,
	"high":          SeverityHigh,
	"error":         SeverityHigh,
	"err":           SeverityHigh,
	"medium":        SeverityMedium,
	"warning":       SeverityMedium,
	"warn":          SeverityMedium,
	"low":           SeverityLow,
	"notice":        SeverityLow,
	"info":          SeverityInfo,
	"information":   SeverityInfo,
	"informational": SeverityInfo,
	"debug":         SeverityInfo,
	"verbose":       SeverityInfo,
}

// ParseSeverity normalizes a source-specific severity name. Unknown names
// map to info rather than failing the event.
func ParseSeverity(raw string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return SeverityInfo
}

// SeverityFromSyslog maps an RFC 5424 severity number (0-7).
func SeverityFromSyslog(level int) Severity {
	switch {
	case level <= 2: // emergency, alert, critical
		return SeverityCritical
	case level == 3: // error
		return SeverityHigh
	case level == 4: // warning
		return SeverityMedium
	case level == 5: // notice
		return SeverityLow
	default: // informational, debug
		return SeverityInfo
	}
}

// SeverityFromWindowsLevel maps a Windows event Level (1-5).
func SeverityFromWindowsLevel(level int) Severity {
	switch level {
	case 1:
		return SeverityCritical
	case 2:
		return SeverityHigh
	case 3:
		return SeverityMedium
	case 4:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// SeverityFromCEF maps the CEF severity scale (0-10).
func SeverityFromCEF(level int) Severity {
	switch {
	case level >= 9:
		return SeverityCritical
	case level >= 7:
		return SeverityHigh
	case level >= 4:
		return SeverityMedium
	case level >= 1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// severityRank orders severities for comparisons; higher is more severe.
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// MaxSeverity returns the more severe of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}
