package sqlite

import "time"

// Campaign mirrors the Campaign record described in spec.md §3.
type Campaign struct {
	ID          string
	UserID      string
	AgentID     string
	PhoneID     string
	Name        string
	Status      string
	Settings    CampaignSettings
	Counters    CampaignCounters
	MetadataJSON string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CampaignSettings is the `Settings` block of spec.md §3.
type CampaignSettings struct {
	RetryFailed       bool
	MaxRetries        int
	RetryDelayMinutes int
	ExcludeVoicemail  bool
	PriorityMode      string // fifo | lifo | priority
	ConcurrentLimit   int
}

// CampaignCounters are the `$inc`-style aggregates spec.md §3 requires to
// equal contact-status aggregates modulo in-flight-webhook race windows.
type CampaignCounters struct {
	Total          int
	Queued         int
	Active         int
	Completed      int
	Failed         int
	Voicemail      int
	Skipped        int
	TotalCostCents int64
}

// Campaign status values (spec.md §3).
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusFailed    = "failed"
)

// Contact mirrors CampaignContact (spec.md §3).
type Contact struct {
	ID             string
	CampaignID     string
	Phone          string
	Name           string
	Email          string
	CustomDataJSON string
	Status         string
	RetryCount     int
	NextRetryAt    *time.Time
	LastAttemptAt  *time.Time
	FailureReason  string
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contact status values (spec.md §3).
const (
	ContactStatusPending   = "pending"
	ContactStatusQueued    = "queued"
	ContactStatusCalling   = "calling"
	ContactStatusCompleted = "completed"
	ContactStatusFailed    = "failed"
	ContactStatusVoicemail = "voicemail"
	ContactStatusSkipped   = "skipped"
)

// TranscriptEntry is one turn in a CallSession's transcript (spec.md §3).
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"` // user | assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language,omitempty"`
}

// LanguageSwitch records a mid-call language change (spec.md §3).
type LanguageSwitch struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// CostBreakdown is the per-call cost accounting supplement (SPEC_FULL.md).
type CostBreakdown struct {
	TelephonyCents int64 `json:"telephonyCents"`
	STTCents       int64 `json:"sttCents"`
	LLMCents       int64 `json:"llmCents"`
	TTSCents       int64 `json:"ttsCents"`
	TotalCents     int64 `json:"totalCents"`
}

// CallSession mirrors the CallSession record (spec.md §3).
type CallSession struct {
	ID                string
	SessionUUID       string
	UserID            string
	CampaignID        string
	ContactID         string
	AgentID           string
	PhoneID           string
	Direction         string
	Status            string
	OutboundStatus    string
	FromNumber        string
	ToNumber          string
	ExternalCallID    *string
	CustomField       *string
	RecordingURL      string
	Transcript        []TranscriptEntry
	LanguageSwitches  []LanguageSwitch
	DetectedLanguages []string
	Cost              CostBreakdown
	RetryOf           *string
	FailureReason     string
	MetadataJSON      string
	DurationSec       int
	CreatedAt         time.Time
	InitiatedAt       *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
}

// CallSession.Status values (telephony view, spec.md §3).
const (
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusBusy       = "busy"
	CallStatusCanceled   = "canceled"
	CallStatusUserEnded  = "user-ended"
	CallStatusAgentEnded = "agent-ended"
)

// CallSession.OutboundStatus values (campaign view, spec.md §3).
const (
	OutboundStatusQueued    = "queued"
	OutboundStatusRinging   = "ringing"
	OutboundStatusConnected = "connected"
	OutboundStatusNoAnswer  = "no_answer"
	OutboundStatusBusy      = "busy"
	OutboundStatusVoicemail = "voicemail"
)

// Terminal reports whether status is one of the terminal CallSession states
// (spec.md §4.4).
func Terminal(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy,
		CallStatusCanceled, CallStatusUserEnded, CallStatusAgentEnded:
		return true
	default:
		return false
	}
}

// Structured failure reasons (SPEC_FULL.md "Structured failure reasons").
const (
	FailureReasonTelephonyError     = "telephony_error"
	FailureReasonNoAnswer           = "no_answer"
	FailureReasonBusy               = "busy"
	FailureReasonVoicemail          = "voicemail"
	FailureReasonCredentialsInvalid = "credentials_invalid"
	FailureReasonConcurrencyDenied  = "concurrency_denied"
	FailureReasonStuckTimeout       = "stuck_timeout"
	FailureReasonUserEnded          = "user_ended"
)
