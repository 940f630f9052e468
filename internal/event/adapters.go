package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

// flexID accepts both numeric and string JSON values, since forwarders
// disagree on how to encode Windows event IDs.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// windowsEvent mirrors the JSON shape of an exported Windows event log
// record.
type windowsEvent struct {
	EventID     flexID                 `json:"EventID"`
	TimeCreated time.Time              `json:"TimeCreated"`
	Computer    string                 `json:"Computer"`
	Channel     string                 `json:"Channel"`
	Provider    string                 `json:"Provider"`
	Level       int                    `json:"Level"`
	Task        string                 `json:"Task"`
	Message     string                 `json:"Message"`
	EventData   map[string]interface{} `json:"EventData"`
}

// ParseWindowsEvent normalizes an exported Windows event log record.
func ParseWindowsEvent(data []byte) (*Event, error) {
	var raw windowsEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, swerrors.NewInvalidEvent(string(SourceWindowsEvent), err.Error()).WithCause(err)
	}
	if raw.EventID == "" {
		return nil, swerrors.NewInvalidEvent(string(SourceWindowsEvent), "missing EventID")
	}

	e := New(SourceWindowsEvent, string(raw.EventID), raw.TimeCreated)
	e.Severity = SeverityFromWindowsLevel(raw.Level)
	e.Category = raw.Channel
	e.Subcategory = raw.Task
	e.Message = raw.Message
	e.Host = Host{Hostname: raw.Computer}
	e.Fields = map[string]interface{}{}
	if raw.Provider != "" {
		e.Fields["provider"] = raw.Provider
	}
	for k, v := range raw.EventData {
		e.Fields[k] = v
	}

	// Common EventData attributes get promoted into normalized slots.
	if name := stringField(raw.EventData, "TargetUserName", "SubjectUserName"); name != "" {
		e.User = &User{
			Name:   name,
			Domain: stringField(raw.EventData, "TargetDomainName", "SubjectDomainName"),
			ID:     stringField(raw.EventData, "TargetUserSid", "SubjectUserSid"),
		}
	}
	if ip := stringField(raw.EventData, "IpAddress", "SourceAddress"); ip != "" && ip != "-" {
		e.Network = &Network{SourceIP: ip}
		if port := stringField(raw.EventData, "IpPort", "SourcePort"); port != "" {
			if n, err := strconv.Atoi(port); err == nil {
				e.Network.SourcePort = n
			}
		}
	}
	if proc := stringField(raw.EventData, "ProcessName", "NewProcessName"); proc != "" {
		e.Process = &Process{
			Name:        proc,
			CommandLine: stringField(raw.EventData, "CommandLine"),
		}
		if pid := stringField(raw.EventData, "ProcessId", "NewProcessId"); pid != "" {
			// Windows exports PIDs as hex strings like "0x1a4".
			if n, err := strconv.ParseInt(strings.TrimPrefix(pid, "0x"), 16, 32); err == nil && strings.HasPrefix(pid, "0x") {
				e.Process.PID = int(n)
			} else if n, err := strconv.Atoi(pid); err == nil {
				e.Process.PID = n
			}
		}
	}

	return e, nil
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// ParseSyslog normalizes one syslog line, accepting both RFC 3164 and
// RFC 5424 framing.
func ParseSyslog(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "missing priority header")
	}
	end := strings.IndexByte(line, '>')
	if end < 2 || end > 5 {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "malformed priority header")
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil || pri < 0 || pri > 191 {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "priority out of range")
	}
	rest := line[end+1:]

	if strings.HasPrefix(rest, "1 ") {
		return parseSyslog5424(pri, rest[2:])
	}
	return parseSyslog3164(pri, rest)
}

// parseSyslog5424 parses "TIMESTAMP HOSTNAME APP-NAME PROCID MSGID SD [MSG]".
func parseSyslog5424(pri int, rest string) (*Event, error) {
	fields := strings.SplitN(rest, " ", 6)
	if len(fields) < 5 {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "truncated RFC 5424 header")
	}

	ts, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "bad RFC 5424 timestamp").WithCause(err)
	}

	appName := nilValue(fields[2])
	e := New(SourceSyslog, appName, ts)
	e.Severity = SeverityFromSyslog(pri % 8)
	e.Host = Host{Hostname: nilValue(fields[1])}
	e.Fields = map[string]interface{}{
		"facility": pri / 8,
	}
	if procID := nilValue(fields[3]); procID != "" {
		if pid, err := strconv.Atoi(procID); err == nil {
			e.Process = &Process{Name: appName, PID: pid}
		}
	}
	if msgID := nilValue(fields[4]); msgID != "" {
		e.Fields["msg_id"] = msgID
	}

	if len(fields) == 6 {
		msg := fields[5]
		// Structured data precedes the free-text message.
		if strings.HasPrefix(msg, "[") {
			if idx := strings.LastIndexByte(msg, ']'); idx >= 0 {
				e.Fields["structured_data"] = msg[:idx+1]
				msg = strings.TrimSpace(msg[idx+1:])
			}
		} else if strings.HasPrefix(msg, "- ") {
			msg = msg[2:]
		} else if msg == "-" {
			msg = ""
		}
		e.Message = msg
	}

	return e, nil
}

// parseSyslog3164 parses "TIMESTAMP HOSTNAME TAG[PID]: MSG" with the legacy
// "Jan _2 15:04:05" timestamp, which carries no year.
func parseSyslog3164(pri int, rest string) (*Event, error) {
	if len(rest) < 16 {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "truncated RFC 3164 header")
	}

	ts, err := time.Parse(time.Stamp, rest[:15])
	if err != nil {
		return nil, swerrors.NewInvalidEvent(string(SourceSyslog), "bad RFC 3164 timestamp").WithCause(err)
	}
	// The legacy format omits the year; assume the current one, and last
	// year for timestamps that would otherwise land in the future.
	now := time.Now().UTC()
	ts = ts.AddDate(now.Year(), 0, 0)
	if ts.After(now.Add(24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}

	fields := strings.SplitN(strings.TrimSpace(rest[15:]), " ", 2)
	hostname := fields[0]
	tag, msg := "", ""
	if len(fields) == 2 {
		body := fields[1]
		if idx := strings.IndexByte(body, ':'); idx > 0 {
			tag = body[:idx]
			msg = strings.TrimSpace(body[idx+1:])
		} else {
			msg = body
		}
	}

	var pid int
	if open := strings.IndexByte(tag, '['); open > 0 && strings.HasSuffix(tag, "]") {
		if n, err := strconv.Atoi(tag[open+1 : len(tag)-1]); err == nil {
			pid = n
		}
		tag = tag[:open]
	}

	e := New(SourceSyslog, tag, ts)
	e.Severity = SeverityFromSyslog(pri % 8)
	e.Host = Host{Hostname: hostname}
	e.Message = msg
	e.Fields = map[string]interface{}{"facility": pri / 8}
	if tag != "" && pid > 0 {
		e.Process = &Process{Name: tag, PID: pid}
	}

	return e, nil
}

func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// cloudTrailRecord mirrors the relevant subset of an AWS CloudTrail record.
type cloudTrailRecord struct {
	EventTime       time.Time `json:"eventTime"`
	EventSource     string    `json:"eventSource"`
	EventName       string    `json:"eventName"`
	AWSRegion       string    `json:"awsRegion"`
	SourceIPAddress string    `json:"sourceIPAddress"`
	UserAgent       string    `json:"userAgent"`
	ErrorCode       string    `json:"errorCode"`
	ErrorMessage    string    `json:"errorMessage"`
	UserIdentity    struct {
		Type        string `json:"type"`
		UserName    string `json:"userName"`
		PrincipalID string `json:"principalId"`
		AccountID   string `json:"accountId"`
		ARN         string `json:"arn"`
	} `json:"userIdentity"`
	RequestParameters map[string]interface{} `json:"requestParameters"`
}

// ParseCloudTrail normalizes a single AWS CloudTrail record.
func ParseCloudTrail(data []byte) (*Event, error) {
	var raw cloudTrailRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, swerrors.NewInvalidEvent(string(SourceCloudTrail), err.Error()).WithCause(err)
	}
	if raw.EventName == "" {
		return nil, swerrors.NewInvalidEvent(string(SourceCloudTrail), "missing eventName")
	}

	e := New(SourceCloudTrail, raw.EventName, raw.EventTime)
	e.Category = raw.EventSource
	e.Message = fmt.Sprintf("%s on %s", raw.EventName, raw.EventSource)
	if raw.ErrorCode != "" {
		e.Severity = SeverityHigh
		e.Message = fmt.Sprintf("%s failed: %s", raw.EventName, raw.ErrorCode)
	}

	e.Fields = map[string]interface{}{
		"aws_region": raw.AWSRegion,
	}
	if raw.ErrorCode != "" {
		e.Fields["error_code"] = raw.ErrorCode
	}
	if raw.ErrorMessage != "" {
		e.Fields["error_message"] = raw.ErrorMessage
	}
	if raw.UserAgent != "" {
		e.Fields["user_agent"] = raw.UserAgent
	}
	for k, v := range raw.RequestParameters {
		e.Fields["request."+k] = v
	}

	if raw.UserIdentity.UserName != "" || raw.UserIdentity.PrincipalID != "" {
		e.User = &User{
			Name:   raw.UserIdentity.UserName,
			ID:     raw.UserIdentity.PrincipalID,
			Domain: raw.UserIdentity.AccountID,
		}
	}
	if raw.SourceIPAddress != "" {
		e.Network = &Network{SourceIP: raw.SourceIPAddress}
	}

	return e, nil
}

// ParseCEF normalizes a CEF line:
// CEF:0|vendor|product|version|signatureID|name|severity|ext...
func ParseCEF(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, "CEF:")
	if idx < 0 {
		return nil, swerrors.NewInvalidEvent(string(SourceCEF), "missing CEF header")
	}
	parts := strings.SplitN(line[idx+4:], "|", 8)
	if len(parts) < 7 {
		return nil, swerrors.NewInvalidEvent(string(SourceCEF), "truncated CEF header")
	}

	e := New(SourceCEF, parts[4], time.Time{})
	// CEF severity is either 0-10 or a word like "High".
	if sevNum, err := strconv.Atoi(parts[6]); err == nil {
		e.Severity = SeverityFromCEF(sevNum)
	} else {
		e.Severity = ParseSeverity(parts[6])
	}
	e.Category = parts[1] + "/" + parts[2]
	e.Message = parts[5]
	e.Fields = map[string]interface{}{
		"vendor":  parts[1],
		"product": parts[2],
		"version": parts[3],
	}

	if len(parts) == 8 {
		applyCEFExtensions(e, parts[7])
	}

	return e, nil
}

// applyCEFExtensions parses the space-separated key=value extension block.
// Values may contain spaces; a token only starts a new pair when it contains
// an unescaped '='.
func applyCEFExtensions(e *Event, ext string) {
	pairs := map[string]string{}
	key := ""
	var val strings.Builder
	for _, tok := range strings.Split(ext, " ") {
		if eq := strings.IndexByte(tok, '='); eq > 0 && !strings.Contains(tok[:eq], "\\") {
			if key != "" {
				pairs[key] = val.String()
			}
			key = tok[:eq]
			val.Reset()
			val.WriteString(tok[eq+1:])
		} else if key != "" {
			val.WriteString(" ")
			val.WriteString(tok)
		}
	}
	if key != "" {
		pairs[key] = val.String()
	}

	for k, v := range pairs {
		switch k {
		case "src":
			ensureNetwork(e).SourceIP = v
		case "dst":
			ensureNetwork(e).DestinationIP = v
		case "spt":
			if n, err := strconv.Atoi(v); err == nil {
				ensureNetwork(e).SourcePort = n
			}
		case "dpt":
			if n, err := strconv.Atoi(v); err == nil {
				ensureNetwork(e).DestinationPort = n
			}
		case "suser", "duser":
			if e.User == nil {
				e.User = &User{Name: v}
			}
		case "shost", "dvchost":
			if e.Host.Hostname == "" {
				e.Host.Hostname = v
			}
		case "rt":
			// Epoch millis receipt time.
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.Timestamp = time.UnixMilli(ms).UTC()
			}
		default:
			e.Fields[k] = v
		}
	}
}

func ensureNetwork(e *Event) *Network {
	if e.Network == nil {
		e.Network = &Network{}
	}
	return e.Network
}

// genericEvent is the pre-normalized JSON shape used by sources without a
// dedicated adapter (Azure activity, GCP audit, EDR exports run through an
// upstream normalizer).
type genericEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	EventID   string                 `json:"event_id"`
	Severity  string                 `json:"severity"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Hostname  string                 `json:"hostname"`
	UserName  string                 `json:"user_name"`
	SourceIP  string                 `json:"source_ip"`
	Fields    map[string]interface{} `json:"fields"`
	Tags      []string               `json:"tags"`
}

// ParseGeneric normalizes a pre-flattened JSON event.
func ParseGeneric(source Source, data []byte) (*Event, error) {
	var raw genericEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, swerrors.NewInvalidEvent(string(source), err.Error()).WithCause(err)
	}
	if raw.EventID == "" {
		return nil, swerrors.NewInvalidEvent(string(source), "missing event_id")
	}

	e := New(source, raw.EventID, raw.Timestamp)
	if raw.Severity != "" {
		e.Severity = ParseSeverity(raw.Severity)
	}
	e.Category = raw.Category
	e.Message = raw.Message
	e.Host = Host{Hostname: raw.Hostname}
	e.Fields = raw.Fields
	e.Tags = raw.Tags
	if raw.UserName != "" {
		e.User = &User{Name: raw.UserName}
	}
	if raw.SourceIP != "" {
		e.Network = &Network{SourceIP: raw.SourceIP}
	}

	return e, nil
}
