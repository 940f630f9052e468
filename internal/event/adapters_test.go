package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindowsEvent(t *testing.T) {
	data := []byte(`{
		"EventID": 4625,
		"TimeCreated": "2026-08-20T10:15:30Z",
		"Computer": "DC01",
		"Channel": "Security",
		"Provider": "Microsoft-Windows-Security-Auditing",
		"Level": 2,
		"Message": "An account failed to log on.",
		"EventData": {
			"TargetUserName": "alice",
			"TargetDomainName": "CORP",
			"IpAddress": "10.0.0.99",
			"IpPort": "49233",
			"LogonType": "3",
			"ProcessName": "C:\\Windows\\System32\\lsass.exe",
			"ProcessId": "0x1a4"
		}
	}`)

	e, err := ParseWindowsEvent(data)
	require.NoError(t, err)

	assert.Equal(t, SourceWindowsEvent, e.Source)
	assert.Equal(t, "4625", e.EventID)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, "Security", e.Category)
	assert.Equal(t, "DC01", e.Host.Hostname)

	require.NotNil(t, e.User)
	assert.Equal(t, "alice", e.User.Name)
	assert.Equal(t, "CORP", e.User.Domain)

	require.NotNil(t, e.Network)
	assert.Equal(t, "10.0.0.99", e.Network.SourceIP)
	assert.Equal(t, 49233, e.Network.SourcePort)

	require.NotNil(t, e.Process)
	assert.Equal(t, 420, e.Process.PID) // 0x1a4

	// Raw EventData stays reachable through the bag.
	logonType, ok := e.Field("LogonType")
	require.True(t, ok)
	assert.Equal(t, "3", logonType)
}

func TestParseWindowsEventStringID(t *testing.T) {
	e, err := ParseWindowsEvent([]byte(`{"EventID": "4688", "Computer": "WS01", "Level": 4}`))
	require.NoError(t, err)
	assert.Equal(t, "4688", e.EventID)
	assert.Equal(t, SeverityLow, e.Severity)
}

func TestParseWindowsEventMissingID(t *testing.T) {
	_, err := ParseWindowsEvent([]byte(`{"Computer": "WS01"}`))
	assert.Error(t, err)
}

func TestParseSyslogRFC3164(t *testing.T) {
	e, err := ParseSyslog("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8")
	require.NoError(t, err)

	assert.Equal(t, SourceSyslog, e.Source)
	assert.Equal(t, "su", e.EventID)
	assert.Equal(t, SeverityCritical, e.Severity) // severity 2
	assert.Equal(t, "mymachine", e.Host.Hostname)
	assert.Equal(t, "'su root' failed for lonvick on /dev/pts/8", e.Message)
	assert.Equal(t, time.October, e.Timestamp.Month())
	assert.Equal(t, 11, e.Timestamp.Day())
	assert.Equal(t, 4, e.Fields["facility"])
}

func TestParseSyslogRFC3164WithPID(t *testing.T) {
	e, err := ParseSyslog("<13>Feb  5 17:32:18 host01 sshd[4721]: Accepted publickey for bob")
	require.NoError(t, err)

	assert.Equal(t, "sshd", e.EventID)
	require.NotNil(t, e.Process)
	assert.Equal(t, 4721, e.Process.PID)
	assert.Equal(t, "Accepted publickey for bob", e.Message)
}

func TestParseSyslogRFC5424(t *testing.T) {
	line := `<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog 1234 ID47 [exampleSDID@32473 iut="3"] An application event`
	e, err := ParseSyslog(line)
	require.NoError(t, err)

	assert.Equal(t, "evntslog", e.EventID)
	assert.Equal(t, SeverityLow, e.Severity) // severity 5
	assert.Equal(t, "mymachine.example.com", e.Host.Hostname)
	assert.Equal(t, "An application event", e.Message)
	assert.Equal(t, `[exampleSDID@32473 iut="3"]`, e.Fields["structured_data"])
	assert.Equal(t, "ID47", e.Fields["msg_id"])

	require.NotNil(t, e.Process)
	assert.Equal(t, 1234, e.Process.PID)

	want := time.Date(2003, 10, 11, 22, 14, 15, 3000000, time.UTC)
	assert.True(t, e.Timestamp.Equal(want), "timestamp = %v", e.Timestamp)
}

func TestParseSyslogRejectsGarbage(t *testing.T) {
	tests := []string{
		"no priority at all",
		"<999999>1 oversized pri",
		"<abc>bad pri",
		"<34>short",
	}
	for _, line := range tests {
		_, err := ParseSyslog(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestParseCloudTrail(t *testing.T) {
	data := []byte(`{
		"eventTime": "2026-08-20T09:00:00Z",
		"eventSource": "signin.amazonaws.com",
		"eventName": "ConsoleLogin",
		"awsRegion": "us-east-1",
		"sourceIPAddress": "198.51.100.7",
		"errorCode": "Failed authentication",
		"userIdentity": {"type": "IAMUser", "userName": "alice", "accountId": "111122223333"}
	}`)

	e, err := ParseCloudTrail(data)
	require.NoError(t, err)

	assert.Equal(t, SourceCloudTrail, e.Source)
	assert.Equal(t, "ConsoleLogin", e.EventID)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, "signin.amazonaws.com", e.Category)
	assert.Contains(t, e.Message, "Failed authentication")

	require.NotNil(t, e.User)
	assert.Equal(t, "alice", e.User.Name)
	assert.Equal(t, "111122223333", e.User.Domain)

	require.NotNil(t, e.Network)
	assert.Equal(t, "198.51.100.7", e.Network.SourceIP)
}

func TestParseCloudTrailMissingName(t *testing.T) {
	_, err := ParseCloudTrail([]byte(`{"eventSource": "s3.amazonaws.com"}`))
	assert.Error(t, err)
}

func TestParseCEF(t *testing.T) {
	line := "CEF:0|Security|threatmanager|1.0|100|worm successfully stopped|10|src=10.0.0.1 dst=2.1.2.2 spt=1232 suser=alice msg=blocked at perimeter"
	e, err := ParseCEF(line)
	require.NoError(t, err)

	assert.Equal(t, SourceCEF, e.Source)
	assert.Equal(t, "100", e.EventID)
	assert.Equal(t, SeverityCritical, e.Severity)
	assert.Equal(t, "worm successfully stopped", e.Message)
	assert.Equal(t, "Security/threatmanager", e.Category)

	require.NotNil(t, e.Network)
	assert.Equal(t, "10.0.0.1", e.Network.SourceIP)
	assert.Equal(t, "2.1.2.2", e.Network.DestinationIP)
	assert.Equal(t, 1232, e.Network.SourcePort)

	require.NotNil(t, e.User)
	assert.Equal(t, "alice", e.User.Name)

	// Multi-word extension values survive tokenization.
	assert.Equal(t, "blocked at perimeter", e.Fields["msg"])
}

func TestParseCEFWordSeverity(t *testing.T) {
	e, err := ParseCEF("CEF:0|V|P|1|42|test|High|")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, e.Severity)
}

func TestParseCEFRejectsNonCEF(t *testing.T) {
	_, err := ParseCEF("LEEF:2.0|something|else")
	assert.Error(t, err)
}

func TestParseGeneric(t *testing.T) {
	data := []byte(`{
		"timestamp": "2026-08-20T12:00:00Z",
		"event_id": "ProcessInjection",
		"severity": "high",
		"category": "defense_evasion",
		"message": "suspicious thread created in remote process",
		"hostname": "ws07",
		"user_name": "bob",
		"source_ip": "10.1.1.5",
		"fields": {"sensor": "edr-agent-3"},
		"tags": ["edr", "memory"]
	}`)

	e, err := ParseGeneric(SourceEDR, data)
	require.NoError(t, err)

	assert.Equal(t, SourceEDR, e.Source)
	assert.Equal(t, "ProcessInjection", e.EventID)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, "ws07", e.Host.Hostname)
	assert.Equal(t, []string{"edr", "memory"}, e.Tags)

	sensor, ok := e.Field("sensor")
	require.True(t, ok)
	assert.Equal(t, "edr-agent-3", sensor)
}

func TestParseGenericMissingEventID(t *testing.T) {
	_, err := ParseGeneric(SourceAzureActivity, []byte(`{"message": "no id"}`))
	assert.Error(t, err)
}
