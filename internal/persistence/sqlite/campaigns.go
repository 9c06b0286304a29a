package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CampaignStore owns Campaign records (spec.md §3 "Ownership").
type CampaignStore struct {
	db *sql.DB
}

func NewCampaignStore(db *sql.DB) *CampaignStore { return &CampaignStore{db: db} }

// Insert creates a new campaign row with the caller-supplied status
// (Dispatcher.Create uses draft).
func (s *CampaignStore) Insert(ctx context.Context, c *Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.MetadataJSON == "" {
		c.MetadataJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, user_id, agent_id, phone_id, name, status, priority_mode,
			concurrent_limit, retry_failed, max_retries, retry_delay_minutes,
			exclude_voicemail, metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.AgentID, c.PhoneID, c.Name, c.Status, c.Settings.PriorityMode,
		c.Settings.ConcurrentLimit, boolToInt(c.Settings.RetryFailed), c.Settings.MaxRetries,
		c.Settings.RetryDelayMinutes, boolToInt(c.Settings.ExcludeVoicemail), c.MetadataJSON,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: insert campaign: %w", err)
	}
	return nil
}

func (s *CampaignStore) scanRow(row *sql.Row) (*Campaign, error) {
	var c Campaign
	var retryFailed, excludeVoicemail int
	var createdAt, updatedAt string
	err := row.Scan(
		&c.ID, &c.UserID, &c.AgentID, &c.PhoneID, &c.Name, &c.Status, &c.Settings.PriorityMode,
		&c.Settings.ConcurrentLimit, &retryFailed, &c.Settings.MaxRetries, &c.Settings.RetryDelayMinutes,
		&excludeVoicemail, &c.Counters.Total, &c.Counters.Queued, &c.Counters.Active,
		&c.Counters.Completed, &c.Counters.Failed, &c.Counters.Voicemail, &c.Counters.Skipped,
		&c.Counters.TotalCostCents, &c.MetadataJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Settings.RetryFailed = retryFailed != 0
	c.Settings.ExcludeVoicemail = excludeVoicemail != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

const campaignColumns = `id, user_id, agent_id, phone_id, name, status, priority_mode,
	concurrent_limit, retry_failed, max_retries, retry_delay_minutes, exclude_voicemail,
	total_contacts, queued_calls, active_calls, completed_calls, failed_calls, voicemail_calls,
	skipped_calls, total_cost_cents, metadata_json, created_at, updated_at`

// Get loads a campaign by id.
func (s *CampaignStore) Get(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get campaign: %w", err)
	}
	return c, nil
}

// SetStatus transitions a campaign's status (spec.md §4.3 state machine).
func (s *CampaignStore) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: set campaign status: %w", err)
	}
	return nil
}

// SetConcurrentLimit updates the stored limit (the coordination store's
// live limit key is updated separately by the slot manager).
func (s *CampaignStore) SetConcurrentLimit(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET concurrent_limit = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: set concurrent limit: %w", err)
	}
	return nil
}

// SetName renames a campaign (spec.md §6 PATCH /campaigns/:id).
func (s *CampaignStore) SetName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: set campaign name: %w", err)
	}
	return nil
}

// IncTotalAndQueued atomically bumps total_contacts and queued_calls,
// called by addContacts (spec.md §4.3).
func (s *CampaignStore) IncTotalAndQueued(ctx context.Context, id string, total, queued int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET total_contacts = total_contacts + ?, queued_calls = queued_calls + ?, updated_at = ?
		WHERE id = ?`, total, queued, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: inc total/queued: %w", err)
	}
	return nil
}

// CounterDelta captures the `$inc`-style counter adjustments applied on a
// contact-status transition (spec.md §4.3 retry policy).
type CounterDelta struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	Voicemail int
	Skipped   int
	CostCents int64
}

// ApplyCounterDelta applies a monotonic counter adjustment. Callers run
// this inside the same *sql.Tx as the triggering contact-status UPDATE so
// counters and contact rows never diverge outside the documented ε window.
func (s *CampaignStore) ApplyCounterDelta(ctx context.Context, tx *sql.Tx, id string, d CounterDelta) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET
			queued_calls = queued_calls + ?,
			active_calls = active_calls + ?,
			completed_calls = completed_calls + ?,
			failed_calls = failed_calls + ?,
			voicemail_calls = voicemail_calls + ?,
			skipped_calls = skipped_calls + ?,
			total_cost_cents = total_cost_cents + ?,
			updated_at = ?
		WHERE id = ?`,
		d.Queued, d.Active, d.Completed, d.Failed, d.Voicemail, d.Skipped, d.CostCents,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: apply counter delta: %w", err)
	}
	return nil
}

// List returns campaigns for a user, most recently created first.
func (s *CampaignStore) List(ctx context.Context, userID string, limit, offset int) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		var c Campaign
		var retryFailed, excludeVoicemail int
		var createdAt, updatedAt string
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.AgentID, &c.PhoneID, &c.Name, &c.Status, &c.Settings.PriorityMode,
			&c.Settings.ConcurrentLimit, &retryFailed, &c.Settings.MaxRetries, &c.Settings.RetryDelayMinutes,
			&excludeVoicemail, &c.Counters.Total, &c.Counters.Queued, &c.Counters.Active,
			&c.Counters.Completed, &c.Counters.Failed, &c.Counters.Voicemail, &c.Counters.Skipped,
			&c.Counters.TotalCostCents, &c.MetadataJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan campaign: %w", err)
		}
		c.Settings.RetryFailed = retryFailed != 0
		c.Settings.ExcludeVoicemail = excludeVoicemail != 0
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListActive returns every campaign currently active or paused, across all
// users. The reconciliation loops (lease janitor, waitlist/ledger
// reconcilers) sweep this set rather than a single user's campaigns.
func (s *CampaignStore) ListActive(ctx context.Context) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status IN (?, ?) ORDER BY created_at ASC`, CampaignStatusActive, CampaignStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		var c Campaign
		var retryFailed, excludeVoicemail int
		var createdAt, updatedAt string
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.AgentID, &c.PhoneID, &c.Name, &c.Status, &c.Settings.PriorityMode,
			&c.Settings.ConcurrentLimit, &retryFailed, &c.Settings.MaxRetries, &c.Settings.RetryDelayMinutes,
			&excludeVoicemail, &c.Counters.Total, &c.Counters.Queued, &c.Counters.Active,
			&c.Counters.Completed, &c.Counters.Failed, &c.Counters.Voicemail, &c.Counters.Skipped,
			&c.Counters.TotalCostCents, &c.MetadataJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan campaign: %w", err)
		}
		c.Settings.RetryFailed = retryFailed != 0
		c.Settings.ExcludeVoicemail = excludeVoicemail != 0
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// BeginTx exposes transaction creation so campaign-level operations that
// must update counters and contact rows atomically can share one *sql.Tx.
func (s *CampaignStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNotFound is returned by Get-style lookups for an unknown id.
var ErrNotFound = fmt.Errorf("sqlite: not found")
