package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/event"
)

const insertEventSQL = `INSERT INTO logs (
	id, timestamp, ingested_at, source_type, event_id, severity, category, subcategory,
	raw_message, hostname, user_name, user_id, user_domain,
	process_name, process_id, process_command_line,
	source_ip, source_port, destination_ip, destination_port,
	risk_score, mitre_techniques, metadata, tags
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13,
	$14, $15, $16,
	$17, $18, $19, $20,
	$21, $22, $23, $24
) ON CONFLICT (id) DO NOTHING`

// LogStore writes normalized events to the relational store.
type LogStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewLogStore creates the relational event writer.
func NewLogStore(db *sqlx.DB, logger *zap.Logger) *LogStore {
	return &LogStore{db: db, logger: logger}
}

// WriteEvents inserts a batch in one transaction: the whole batch lands or
// none of it does, which keeps the dual-write accounting per batch exact.
func (s *LogStore) WriteEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return swerrors.NewBackendUnavailable("postgres", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	started := time.Now()
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(e)...); err != nil {
			return swerrors.NewBackendUnavailable("postgres", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return swerrors.NewBackendUnavailable("postgres", err)
	}

	s.logger.Debug("Relational batch committed",
		zap.Int("events", len(events)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func eventArgs(e *event.Event) []interface{} {
	var (
		userName, userID, userDomain      interface{}
		procName, procID, procCommandLine interface{}
		srcIP, srcPort, dstIP, dstPort    interface{}
	)
	if e.User != nil {
		userName, userID, userDomain = nullable(e.User.Name), nullable(e.User.ID), nullable(e.User.Domain)
	}
	if e.Process != nil {
		procName, procCommandLine = nullable(e.Process.Name), nullable(e.Process.CommandLine)
		if e.Process.PID != 0 {
			procID = e.Process.PID
		}
	}
	if e.Network != nil {
		srcIP, dstIP = nullable(e.Network.SourceIP), nullable(e.Network.DestinationIP)
		if e.Network.SourcePort != 0 {
			srcPort = e.Network.SourcePort
		}
		if e.Network.DestinationPort != 0 {
			dstPort = e.Network.DestinationPort
		}
	}

	return []interface{}{
		e.ID, e.Timestamp, e.IngestedAt, string(e.Source), e.EventID, string(e.Severity),
		nullable(e.Category), nullable(e.Subcategory),
		e.Message, nullable(e.Host.Hostname), userName, userID, userDomain,
		procName, procID, procCommandLine,
		srcIP, srcPort, dstIP, dstPort,
		e.RiskScore, jsonb(e.MitreTechniques), jsonb(e.Fields), jsonb(e.Tags),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jsonb marshals a value for a JSONB column; empty values store NULL.
func jsonb(v interface{}) interface{} {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil
		}
	case map[string]interface{}:
		if len(x) == 0 {
			return nil
		}
	case nil:
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
