package sqlite

import (
	"database/sql"
	"fmt"
)

// schemaStatements creates the durable store tables owned by the Campaign
// Dispatcher (C3) and Call Orchestrator (C4): campaigns, campaign_contacts,
// call_sessions (spec.md §3). Counters on campaigns are updated with
// `$inc`-style UPDATE statements inside the same transaction as the
// contact-status transition that caused them, per spec.md §4.3.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		agent_id            TEXT NOT NULL,
		phone_id            TEXT NOT NULL,
		name                TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		priority_mode       TEXT NOT NULL DEFAULT 'fifo',
		concurrent_limit    INTEGER NOT NULL DEFAULT 1,
		retry_failed        INTEGER NOT NULL DEFAULT 0,
		max_retries         INTEGER NOT NULL DEFAULT 0,
		retry_delay_minutes INTEGER NOT NULL DEFAULT 5,
		exclude_voicemail   INTEGER NOT NULL DEFAULT 0,
		total_contacts      INTEGER NOT NULL DEFAULT 0,
		queued_calls        INTEGER NOT NULL DEFAULT 0,
		active_calls        INTEGER NOT NULL DEFAULT 0,
		completed_calls     INTEGER NOT NULL DEFAULT 0,
		failed_calls        INTEGER NOT NULL DEFAULT 0,
		voicemail_calls     INTEGER NOT NULL DEFAULT 0,
		skipped_calls       INTEGER NOT NULL DEFAULT 0,
		total_cost_cents    INTEGER NOT NULL DEFAULT 0,
		metadata_json       TEXT NOT NULL DEFAULT '{}',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS campaign_contacts (
		id              TEXT PRIMARY KEY,
		campaign_id     TEXT NOT NULL REFERENCES campaigns(id),
		phone           TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		email           TEXT NOT NULL DEFAULT '',
		custom_data_json TEXT NOT NULL DEFAULT '{}',
		status          TEXT NOT NULL,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		next_retry_at   TEXT,
		last_attempt_at TEXT,
		failure_reason  TEXT NOT NULL DEFAULT '',
		priority        INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE (campaign_id, phone)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_campaign_status ON campaign_contacts (campaign_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_next_retry ON campaign_contacts (campaign_id, next_retry_at);`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id                    TEXT PRIMARY KEY,
		session_uuid          TEXT NOT NULL UNIQUE,
		user_id               TEXT NOT NULL,
		campaign_id           TEXT NOT NULL REFERENCES campaigns(id),
		contact_id            TEXT NOT NULL REFERENCES campaign_contacts(id),
		agent_id              TEXT NOT NULL,
		phone_id              TEXT NOT NULL,
		direction             TEXT NOT NULL DEFAULT 'outbound',
		status                TEXT NOT NULL,
		outbound_status       TEXT NOT NULL DEFAULT 'queued',
		from_number           TEXT NOT NULL DEFAULT '',
		to_number             TEXT NOT NULL DEFAULT '',
		external_call_id      TEXT,
		custom_field          TEXT,
		recording_url         TEXT NOT NULL DEFAULT '',
		transcript_json       TEXT NOT NULL DEFAULT '[]',
		language_switches_json TEXT NOT NULL DEFAULT '[]',
		detected_languages_json TEXT NOT NULL DEFAULT '[]',
		cost_json             TEXT NOT NULL DEFAULT '{}',
		retry_of              TEXT,
		failure_reason        TEXT NOT NULL DEFAULT '',
		metadata_json         TEXT NOT NULL DEFAULT '{}',
		duration_sec          INTEGER NOT NULL DEFAULT 0,
		created_at            TEXT NOT NULL,
		initiated_at          TEXT,
		started_at            TEXT,
		ended_at              TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_external_call_id ON call_sessions (external_call_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_custom_field ON call_sessions (custom_field);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_from_to_created ON call_sessions (from_number, to_number, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_campaign_status ON call_sessions (campaign_id, status);`,
	`CREATE TABLE IF NOT EXISTS phones (
		id                     TEXT PRIMARY KEY,
		user_id                TEXT NOT NULL,
		caller_id              TEXT NOT NULL,
		subdomain              TEXT NOT NULL DEFAULT '',
		application_id         TEXT NOT NULL DEFAULT '',
		credentials_ciphertext TEXT NOT NULL,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL
	);`,
}

// Migrate creates the dialer's durable schema if it does not already exist.
// It is idempotent; callers run it once at startup.
func Migrate(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}
