package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ContactStore owns CampaignContact records (spec.md §3 "Ownership").
type ContactStore struct {
	db *sql.DB
}

func NewContactStore(db *sql.DB) *ContactStore { return &ContactStore{db: db} }

// InsertResult is the (added, duplicates, errors) triple addContacts
// returns (spec.md §4.3).
type InsertResult struct {
	Added      int
	Duplicates int
	Errors     []string
}

// BulkInsert inserts rows in a single transaction, deduplicating on
// (campaign_id, phone) and counting — not aborting on — constraint
// violations (spec.md §4.3 "catches duplicate-key violations and counts
// rather than aborting the batch").
func (s *ContactStore) BulkInsert(ctx context.Context, campaignID string, rows []*Contact) (InsertResult, error) {
	var res InsertResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite: bulk insert begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_contacts (
			id, campaign_id, phone, name, email, custom_data_json, status,
			priority, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, phone) DO NOTHING`)
	if err != nil {
		return res, fmt.Errorf("sqlite: bulk insert prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range rows {
		if c.CustomDataJSON == "" {
			c.CustomDataJSON = "{}"
		}
		result, execErr := stmt.ExecContext(ctx, c.ID, campaignID, c.Phone, c.Name, c.Email,
			c.CustomDataJSON, ContactStatusPending, c.Priority, now, now)
		if execErr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.Phone, execErr))
			continue
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			res.Duplicates++
		} else {
			res.Added++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("sqlite: bulk insert commit: %w", err)
	}
	return res, nil
}

const contactColumns = `id, campaign_id, phone, name, email, custom_data_json, status,
	retry_count, next_retry_at, last_attempt_at, failure_reason, priority, created_at, updated_at`

func scanContact(sc interface {
	Scan(...interface{}) error
}) (*Contact, error) {
	var c Contact
	var nextRetryAt, lastAttemptAt sql.NullString
	var createdAt, updatedAt string
	if err := sc.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &c.Email, &c.CustomDataJSON,
		&c.Status, &c.RetryCount, &nextRetryAt, &lastAttemptAt, &c.FailureReason, &c.Priority,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if nextRetryAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextRetryAt.String)
		c.NextRetryAt = &t
	}
	if lastAttemptAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		c.LastAttemptAt = &t
	}
	return &c, nil
}

// Get loads a single contact.
func (s *ContactStore) Get(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM campaign_contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get contact: %w", err)
	}
	return c, nil
}

// ListByStatus returns contacts in a given status, ordered for dispatch:
// priority DESC then created_at ASC, so push() preserves FIFO within ties.
func (s *ContactStore) ListByStatus(ctx context.Context, campaignID, status string, limit int) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM campaign_contacts
		WHERE campaign_id = ? AND status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		campaignID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list contacts by status: %w", err)
	}
	defer rows.Close()
	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDueForRetry returns failed contacts whose nextRetryAt has elapsed and
// retryCount has headroom (spec.md §4.3 retryFailed).
func (s *ContactStore) ListDueForRetry(ctx context.Context, campaignID string, maxRetries, limit int) ([]*Contact, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM campaign_contacts
		WHERE campaign_id = ? AND status = ? AND retry_count < ?
		AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT ?`,
		campaignID, ContactStatusFailed, maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due for retry: %w", err)
	}
	defer rows.Close()
	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus transitions a contact's status within tx (see
// CampaignStore.ApplyCounterDelta for the paired counter update).
func (s *ContactStore) SetStatus(ctx context.Context, tx *sql.Tx, id, status, failureReason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		status, failureReason, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: set contact status: %w", err)
	}
	return nil
}

// ScheduleRetry bumps retryCount and sets nextRetryAt/lastAttemptAt, used
// for both voicemail-not-excluded and failed/no-answer/busy retry paths.
func (s *ContactStore) ScheduleRetry(ctx context.Context, tx *sql.Tx, id string, status string, delay time.Duration) error {
	now := time.Now().UTC()
	nextRetry := now.Add(delay).Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		UPDATE campaign_contacts SET
			status = ?, retry_count = retry_count + 1,
			next_retry_at = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ?`, status, nextRetry, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite: schedule retry: %w", err)
	}
	return nil
}

// MarkCalling flips a contact to calling just before dialing begins.
func (s *ContactStore) MarkCalling(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?`,
		ContactStatusCalling, now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: mark calling: %w", err)
	}
	return nil
}

// CountByStatus aggregates contact counts per status, used by the
// invariant monitor (spec.md §5, §8) to cross-check campaign counters.
func (s *ContactStore) CountByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
