package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Phone is the minimal read-side projection of a telephony trunk the
// dialer needs to place a call: its caller id and the encrypted provider
// credential blob the telephony gateway client decrypts at dial time.
// Phone CRUD itself is an external collaborator (spec.md §1); this store
// only ever reads rows written by that system.
type Phone struct {
	ID                    string
	UserID                string
	CallerID              string
	Subdomain             string
	ApplicationID         string
	CredentialsCiphertext string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PhoneStore reads phone/credential rows (spec.md §3, §6 telephony gateway).
type PhoneStore struct {
	db *sql.DB
}

func NewPhoneStore(db *sql.DB) *PhoneStore { return &PhoneStore{db: db} }

// Get loads a phone by id.
func (s *PhoneStore) Get(ctx context.Context, id string) (*Phone, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, caller_id, subdomain, application_id, credentials_ciphertext, created_at, updated_at
		FROM phones WHERE id = ?`, id)
	var p Phone
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.UserID, &p.CallerID, &p.Subdomain, &p.ApplicationID,
		&p.CredentialsCiphertext, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get phone: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// Put upserts a phone row. Used by provisioning tooling and tests; the
// dialer process itself only ever calls Get.
func (s *PhoneStore) Put(ctx context.Context, p *Phone) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phones (id, user_id, caller_id, subdomain, application_id, credentials_ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			caller_id = excluded.caller_id,
			subdomain = excluded.subdomain,
			application_id = excluded.application_id,
			credentials_ciphertext = excluded.credentials_ciphertext,
			updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.CallerID, p.Subdomain, p.ApplicationID, p.CredentialsCiphertext, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: put phone: %w", err)
	}
	return nil
}
