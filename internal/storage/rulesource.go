package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/rules"
)

const selectRulesSQL = `SELECT
	id, name, COALESCE(description, '') AS description, type, severity, priority,
	enabled, time_window_minutes, COALESCE(dedup_field, '') AS dedup_field,
	condition, aggregation, actions, mitre_techniques, version, updated_at
FROM correlation_rules
WHERE enabled = true
ORDER BY id`

// ruleRow is the scan target for one correlation_rules row. The structured
// parts live in JSONB columns and unmarshal into the rule model.
type ruleRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	Description       string    `db:"description"`
	Type              string    `db:"type"`
	Severity          string    `db:"severity"`
	Priority          string    `db:"priority"`
	Enabled           bool      `db:"enabled"`
	TimeWindowMinutes int       `db:"time_window_minutes"`
	DedupField        string    `db:"dedup_field"`
	Condition         []byte    `db:"condition"`
	Aggregation       []byte    `db:"aggregation"`
	Actions           []byte    `db:"actions"`
	MitreTechniques   []byte    `db:"mitre_techniques"`
	Version           int64     `db:"version"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// RuleSource loads enabled correlation rules from the relational store. The
// rule store owns compilation and validation; this source only fetches and
// decodes rows.
type RuleSource struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRuleSource creates the relational rule source.
func NewRuleSource(db *sqlx.DB, logger *zap.Logger) *RuleSource {
	return &RuleSource{db: db, logger: logger}
}

// LoadRules fetches every enabled rule. A row whose JSONB payload does not
// decode fails the whole load; the rule store keeps serving its last good
// snapshot instead of running a partial rule set.
func (s *RuleSource) LoadRules(ctx context.Context) ([]*rules.Rule, error) {
	var raw []ruleRow
	if err := s.db.SelectContext(ctx, &raw, selectRulesSQL); err != nil {
		return nil, swerrors.NewBackendUnavailable("postgres", err)
	}

	out := make([]*rules.Rule, 0, len(raw))
	for _, row := range raw {
		r, err := row.toRule()
		if err != nil {
			return nil, swerrors.NewInvalidRule(row.ID, err.Error())
		}
		out = append(out, r)
	}

	s.logger.Debug("Rules loaded from relational store", zap.Int("rules", len(out)))
	return out, nil
}

func (row ruleRow) toRule() (*rules.Rule, error) {
	r := &rules.Rule{
		ID:                row.ID,
		Name:              row.Name,
		Description:       row.Description,
		Type:              rules.RuleType(row.Type),
		Severity:          event.Severity(row.Severity),
		Priority:          rules.Priority(row.Priority),
		Enabled:           row.Enabled,
		TimeWindowMinutes: row.TimeWindowMinutes,
		DedupField:        row.DedupField,
		Version:           row.Version,
		UpdatedAt:         row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Condition, &r.Condition); err != nil {
		return nil, err
	}
	if len(row.Aggregation) > 0 {
		if err := json.Unmarshal(row.Aggregation, &r.Aggregation); err != nil {
			return nil, err
		}
	}
	if len(row.Actions) > 0 {
		if err := json.Unmarshal(row.Actions, &r.Actions); err != nil {
			return nil, err
		}
	}
	if len(row.MitreTechniques) > 0 {
		if err := json.Unmarshal(row.MitreTechniques, &r.MitreTechniques); err != nil {
			return nil, err
		}
	}
	return r, nil
}
