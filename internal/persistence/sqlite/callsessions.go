package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CallSessionStore owns CallSession records (spec.md §3 "Ownership"); the
// Voice Session mutates only the transcript/language fields of the record
// it owns for the call's duration, via AppendTranscript/RecordLanguageSwitch.
type CallSessionStore struct {
	db *sql.DB
}

func NewCallSessionStore(db *sql.DB) *CallSessionStore { return &CallSessionStore{db: db} }

// Insert creates a CallSession row with the caller-supplied status (the
// dial path inserts it as initiated).
func (s *CallSessionStore) Insert(ctx context.Context, cs *CallSession) error {
	cs.CreatedAt = time.Now().UTC()
	transcriptJSON, _ := json.Marshal(cs.Transcript)
	langSwitchJSON, _ := json.Marshal(cs.LanguageSwitches)
	detectedJSON, _ := json.Marshal(cs.DetectedLanguages)
	costJSON, _ := json.Marshal(cs.Cost)
	if cs.MetadataJSON == "" {
		cs.MetadataJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (
			id, session_uuid, user_id, campaign_id, contact_id, agent_id, phone_id,
			direction, status, outbound_status, from_number, to_number, external_call_id,
			custom_field, recording_url, transcript_json, language_switches_json,
			detected_languages_json, cost_json, retry_of, failure_reason, metadata_json,
			duration_sec, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.SessionUUID, cs.UserID, cs.CampaignID, cs.ContactID, cs.AgentID, cs.PhoneID,
		cs.Direction, cs.Status, cs.OutboundStatus, cs.FromNumber, cs.ToNumber, cs.ExternalCallID,
		cs.CustomField, cs.RecordingURL, string(transcriptJSON), string(langSwitchJSON),
		string(detectedJSON), string(costJSON), cs.RetryOf, cs.FailureReason, cs.MetadataJSON,
		cs.DurationSec, cs.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: insert call session: %w", err)
	}
	return nil
}

const sessionColumns = `id, session_uuid, user_id, campaign_id, contact_id, agent_id, phone_id,
	direction, status, outbound_status, from_number, to_number, external_call_id, custom_field,
	recording_url, transcript_json, language_switches_json, detected_languages_json, cost_json,
	retry_of, failure_reason, metadata_json, duration_sec, created_at, initiated_at, started_at, ended_at`

func scanSession(sc interface{ Scan(...interface{}) error }) (*CallSession, error) {
	var cs CallSession
	var externalCallID, customField, retryOf, createdAt sql.NullString
	var initiatedAt, startedAt, endedAt sql.NullString
	var transcriptJSON, langSwitchJSON, detectedJSON, costJSON string

	if err := sc.Scan(&cs.ID, &cs.SessionUUID, &cs.UserID, &cs.CampaignID, &cs.ContactID, &cs.AgentID,
		&cs.PhoneID, &cs.Direction, &cs.Status, &cs.OutboundStatus, &cs.FromNumber, &cs.ToNumber,
		&externalCallID, &customField, &cs.RecordingURL, &transcriptJSON, &langSwitchJSON,
		&detectedJSON, &costJSON, &retryOf, &cs.FailureReason, &cs.MetadataJSON, &cs.DurationSec,
		&createdAt, &initiatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	if externalCallID.Valid {
		cs.ExternalCallID = &externalCallID.String
	}
	if customField.Valid {
		cs.CustomField = &customField.String
	}
	if retryOf.Valid {
		cs.RetryOf = &retryOf.String
	}
	_ = json.Unmarshal([]byte(transcriptJSON), &cs.Transcript)
	_ = json.Unmarshal([]byte(langSwitchJSON), &cs.LanguageSwitches)
	_ = json.Unmarshal([]byte(detectedJSON), &cs.DetectedLanguages)
	_ = json.Unmarshal([]byte(costJSON), &cs.Cost)
	cs.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	if initiatedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, initiatedAt.String)
		cs.InitiatedAt = &t
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		cs.StartedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		cs.EndedAt = &t
	}
	return &cs, nil
}

func (s *CallSessionStore) Get(ctx context.Context, id string) (*CallSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id)
	cs, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get call session: %w", err)
	}
	return cs, nil
}

// FindByExternalCallID is the primary idempotence lookup (spec.md §4.4).
func (s *CallSessionStore) FindByExternalCallID(ctx context.Context, externalCallID string) (*CallSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE external_call_id = ?`, externalCallID)
	cs, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find by external call id: %w", err)
	}
	return cs, nil
}

// FindByCustomField is the secondary idempotence lookup (spec.md §4.4).
func (s *CallSessionStore) FindByCustomField(ctx context.Context, customField string) (*CallSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE custom_field = ?`, customField)
	cs, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find by custom field: %w", err)
	}
	return cs, nil
}

// FindByRoute is the tertiary idempotence lookup: (from, to, createdAt <= 5m
// ago), for webhooks that arrive with neither a recognizable external call
// id nor custom field (spec.md §4.4).
func (s *CallSessionStore) FindByRoute(ctx context.Context, from, to string, since time.Time) (*CallSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions
		WHERE from_number = ? AND to_number = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, from, to, since.UTC().Format(time.RFC3339Nano))
	cs, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find by route: %w", err)
	}
	return cs, nil
}

// SetExternalCallID stores the provider-assigned id on a successful dial.
func (s *CallSessionStore) SetExternalCallID(ctx context.Context, id, externalCallID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE call_sessions SET external_call_id = ? WHERE id = ?`, externalCallID, id)
	if err != nil {
		return fmt.Errorf("sqlite: set external call id: %w", err)
	}
	return nil
}

// SetMetadataJSON overwrites the opaque metadata blob, used to stamp the
// slot manager's active lease token onto a session after Upgrade (spec.md
// §4.4).
func (s *CallSessionStore) SetMetadataJSON(ctx context.Context, id, metadataJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE call_sessions SET metadata_json = ? WHERE id = ?`, metadataJSON, id)
	if err != nil {
		return fmt.Errorf("sqlite: set metadata json: %w", err)
	}
	return nil
}

// TransitionInput captures the fields a status transition may touch.
type TransitionInput struct {
	Status         string
	OutboundStatus string
	FailureReason  string
	RecordingURL   string
	DurationSec    *int
	InitiatedAt    *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// ApplyTransition updates a CallSession's status and derived fields. It is
// safe to call repeatedly with the same target status (idempotence, spec.md
// §4.4): once status is terminal, further calls are no-ops by contract of
// the caller (the FSM rejects repeat transitions before this is reached).
func (s *CallSessionStore) ApplyTransition(ctx context.Context, id string, in TransitionInput) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE call_sessions SET
			status = ?, outbound_status = COALESCE(NULLIF(?, ''), outbound_status),
			failure_reason = COALESCE(NULLIF(?, ''), failure_reason),
			recording_url = COALESCE(NULLIF(?, ''), recording_url),
			duration_sec = COALESCE(?, duration_sec),
			initiated_at = COALESCE(?, initiated_at),
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		WHERE id = ?`,
		in.Status, in.OutboundStatus, in.FailureReason, in.RecordingURL, in.DurationSec,
		formatPtrTime(in.InitiatedAt), formatPtrTime(in.StartedAt), formatPtrTime(in.EndedAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: apply transition: %w", err)
	}
	return nil
}

// AppendTranscript appends one entry, preserving strict timestamp and
// speaker-alternation ordering (spec.md §8 laws); callers append in
// observed-speech order so this never needs to resequence.
func (s *CallSessionStore) AppendTranscript(ctx context.Context, id string, entry TranscriptEntry) error {
	cs, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cs.Transcript = append(cs.Transcript, entry)
	data, _ := json.Marshal(cs.Transcript)
	_, err = s.db.ExecContext(ctx, `UPDATE call_sessions SET transcript_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("sqlite: append transcript: %w", err)
	}
	return nil
}

// RecordLanguageSwitch appends a language-switch event and the newly
// detected language (spec.md §4.5 language handling).
func (s *CallSessionStore) RecordLanguageSwitch(ctx context.Context, id string, sw LanguageSwitch) error {
	cs, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cs.LanguageSwitches = append(cs.LanguageSwitches, sw)
	found := false
	for _, l := range cs.DetectedLanguages {
		if l == sw.To {
			found = true
			break
		}
	}
	if !found {
		cs.DetectedLanguages = append(cs.DetectedLanguages, sw.To)
	}
	switchData, _ := json.Marshal(cs.LanguageSwitches)
	detectedData, _ := json.Marshal(cs.DetectedLanguages)
	_, err = s.db.ExecContext(ctx, `UPDATE call_sessions SET language_switches_json = ?, detected_languages_json = ? WHERE id = ?`,
		string(switchData), string(detectedData), id)
	if err != nil {
		return fmt.Errorf("sqlite: record language switch: %w", err)
	}
	return nil
}

// RecordCost accumulates the per-call cost breakdown (SPEC_FULL.md
// per-campaign cost accounting supplement).
func (s *CallSessionStore) RecordCost(ctx context.Context, id string, cost CostBreakdown) error {
	cost.TotalCents = cost.TelephonyCents + cost.STTCents + cost.LLMCents + cost.TTSCents
	data, _ := json.Marshal(cost)
	_, err := s.db.ExecContext(ctx, `UPDATE call_sessions SET cost_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("sqlite: record cost: %w", err)
	}
	return nil
}

// ListStuck returns non-terminal sessions older than threshold, for the
// stuck-call monitor (spec.md §5, §8 scenario 2).
func (s *CallSessionStore) ListStuck(ctx context.Context, threshold time.Duration, limit int) ([]*CallSession, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions
		WHERE status NOT IN (?, ?, ?, ?, ?, ?, ?) AND created_at <= ? LIMIT ?`,
		CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy,
		CallStatusCanceled, CallStatusUserEnded, CallStatusAgentEnded, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stuck: %w", err)
	}
	defer rows.Close()
	var out []*CallSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan stuck session: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func formatPtrTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
