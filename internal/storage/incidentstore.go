package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/correlation"
	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

const upsertIncidentSQL = `INSERT INTO incidents (
	id, rule_id, pattern_id, severity, title, description, status,
	first_seen, last_seen, event_count, affected_assets, links, metadata, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13, now()
) ON CONFLICT (id) DO UPDATE SET
	severity        = EXCLUDED.severity,
	status          = EXCLUDED.status,
	last_seen       = EXCLUDED.last_seen,
	event_count     = EXCLUDED.event_count,
	affected_assets = EXCLUDED.affected_assets,
	links           = EXCLUDED.links,
	metadata        = EXCLUDED.metadata,
	updated_at      = now()`

// IncidentStore persists incidents by upsert: creates and dedup updates share
// one statement keyed on the incident id.
type IncidentStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewIncidentStore creates the relational incident writer.
func NewIncidentStore(db *sqlx.DB, logger *zap.Logger) *IncidentStore {
	return &IncidentStore{db: db, logger: logger}
}

// SaveIncident writes the incident's current state.
func (s *IncidentStore) SaveIncident(ctx context.Context, inc *correlation.Incident) error {
	_, err := s.db.ExecContext(ctx, upsertIncidentSQL,
		inc.ID, nullable(inc.RuleID), nullable(inc.PatternID),
		string(inc.Severity), inc.Title, nullable(inc.Description), string(inc.Status),
		inc.FirstSeen, inc.LastSeen, inc.EventCount,
		jsonb(inc.AffectedAssets), jsonb(inc.Links), jsonb(inc.Metadata),
	)
	if err != nil {
		return swerrors.NewBackendUnavailable("postgres", err)
	}
	s.logger.Debug("Incident persisted",
		zap.String("incident_id", inc.ID),
		zap.String("status", string(inc.Status)),
		zap.Int("event_count", inc.EventCount))
	return nil
}
