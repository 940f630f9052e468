// Package storage provides the persistence layer: the relational log and
// incident stores, the search index client and bulk indexer, the dual-write
// coordinator, and the Redis cache/bus adapter.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Relational schema. The logs table is time-partitioned by the operator;
// the DDL here creates the parent table and the indexes the query engine
// plans against.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id                   TEXT PRIMARY KEY,
		timestamp            TIMESTAMPTZ NOT NULL,
		ingested_at          TIMESTAMPTZ NOT NULL,
		source_type          TEXT NOT NULL,
		event_id             TEXT NOT NULL,
		severity             TEXT NOT NULL,
		category             TEXT,
		subcategory          TEXT,
		raw_message          TEXT,
		hostname             TEXT,
		user_name            TEXT,
		user_id              TEXT,
		user_domain          TEXT,
		process_name         TEXT,
		process_id           INTEGER,
		process_command_line TEXT,
		source_ip            TEXT,
		source_port          INTEGER,
		destination_ip       TEXT,
		destination_port     INTEGER,
		risk_score           DOUBLE PRECISION,
		mitre_techniques     JSONB,
		metadata             JSONB,
		tags                 JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_source_type ON logs (source_type)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_event_id ON logs (event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_severity ON logs (severity)`,

	`CREATE TABLE IF NOT EXISTS correlation_rules (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		description         TEXT,
		type                TEXT NOT NULL,
		severity            TEXT NOT NULL,
		priority            TEXT NOT NULL,
		enabled             BOOLEAN NOT NULL DEFAULT true,
		time_window_minutes INTEGER NOT NULL DEFAULT 5,
		dedup_field         TEXT,
		condition           JSONB NOT NULL,
		aggregation         JSONB,
		actions             JSONB,
		mitre_techniques    JSONB,
		version             BIGINT NOT NULL DEFAULT 1,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_enabled ON correlation_rules (enabled)`,

	`CREATE TABLE IF NOT EXISTS correlation_patterns (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		pattern_type    TEXT NOT NULL,
		severity        TEXT NOT NULL,
		relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		window_seconds  INTEGER NOT NULL DEFAULT 1800,
		steps           JSONB NOT NULL,
		keys            JSONB,
		enabled         BOOLEAN NOT NULL DEFAULT true,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_enabled ON correlation_patterns (enabled)`,

	`CREATE TABLE IF NOT EXISTS rule_performance_metrics (
		rule_id          TEXT NOT NULL,
		evaluation_date  DATE NOT NULL,
		evaluations      BIGINT NOT NULL DEFAULT 0,
		matches          BIGINT NOT NULL DEFAULT 0,
		errors           BIGINT NOT NULL DEFAULT 0,
		avg_latency_us   BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (rule_id, evaluation_date)
	)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id              TEXT PRIMARY KEY,
		rule_id         TEXT,
		pattern_id      TEXT,
		severity        TEXT NOT NULL,
		title           TEXT NOT NULL,
		description     TEXT,
		status          TEXT NOT NULL,
		first_seen      TIMESTAMPTZ NOT NULL,
		last_seen       TIMESTAMPTZ NOT NULL,
		event_count     INTEGER NOT NULL,
		affected_assets JSONB,
		links           JSONB,
		metadata        JSONB,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_rule ON incidents (rule_id)`,
}

// Migrate applies the schema statements in order. Every statement is
// idempotent, so repeated startups are safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
