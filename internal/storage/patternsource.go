package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/correlation"
	swerrors "github.com/securewatch/correlation-core/internal/errors"
	"github.com/securewatch/correlation-core/internal/event"
	"github.com/securewatch/correlation-core/internal/rules"
)

const selectPatternsSQL = `SELECT
	id, name, pattern_type, severity, relevance_score, window_seconds,
	steps, keys, updated_at
FROM correlation_patterns
WHERE enabled = true
ORDER BY id`

// patternRow is the scan target for one correlation_patterns row. Steps and
// keys live in JSONB columns; the window is stored in seconds.
type patternRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	PatternType    string    `db:"pattern_type"`
	Severity       string    `db:"severity"`
	RelevanceScore float64   `db:"relevance_score"`
	WindowSeconds  int       `db:"window_seconds"`
	Steps          []byte    `db:"steps"`
	Keys           []byte    `db:"keys"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// patternStepRow mirrors one element of the steps JSONB array. Inter-step
// gaps are stored in seconds.
type patternStepRow struct {
	Condition     *rules.Condition `json:"condition"`
	MaxGapSeconds int              `json:"max_gap_seconds,omitempty"`
}

// PatternSource loads enabled multi-event patterns from the relational
// store. The matcher owns compilation; this source only fetches and decodes.
type PatternSource struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPatternSource creates the relational pattern source.
func NewPatternSource(db *sqlx.DB, logger *zap.Logger) *PatternSource {
	return &PatternSource{db: db, logger: logger}
}

// LoadPatterns fetches every enabled pattern. A row whose JSONB payload does
// not decode fails the whole load, so the matcher keeps running its installed
// set instead of a partial one.
func (s *PatternSource) LoadPatterns(ctx context.Context) ([]*correlation.Pattern, error) {
	var raw []patternRow
	if err := s.db.SelectContext(ctx, &raw, selectPatternsSQL); err != nil {
		return nil, swerrors.NewBackendUnavailable("postgres", err)
	}

	out := make([]*correlation.Pattern, 0, len(raw))
	for _, row := range raw {
		p, err := row.toPattern()
		if err != nil {
			return nil, swerrors.NewInvalidRule(row.ID, err.Error())
		}
		out = append(out, p)
	}

	s.logger.Debug("Patterns loaded from relational store", zap.Int("patterns", len(out)))
	return out, nil
}

func (row patternRow) toPattern() (*correlation.Pattern, error) {
	p := &correlation.Pattern{
		ID:             row.ID,
		Name:           row.Name,
		PatternType:    row.PatternType,
		Severity:       event.Severity(row.Severity),
		RelevanceScore: row.RelevanceScore,
		Window:         time.Duration(row.WindowSeconds) * time.Second,
	}
	var steps []patternStepRow
	if err := json.Unmarshal(row.Steps, &steps); err != nil {
		return nil, err
	}
	for _, st := range steps {
		p.Steps = append(p.Steps, correlation.PatternStep{
			Condition: st.Condition,
			MaxGap:    time.Duration(st.MaxGapSeconds) * time.Second,
		})
	}
	if len(row.Keys) > 0 {
		if err := json.Unmarshal(row.Keys, &p.Keys); err != nil {
			return nil, err
		}
	}
	return p, nil
}
