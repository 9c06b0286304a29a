package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCampaignStore_InsertGetListCounters(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	store := NewCampaignStore(db)
	c := &Campaign{
		ID:     uuid.NewString(),
		UserID: "user-1",
		Name:   "Spring promo",
		Status: CampaignStatusDraft,
		Settings: CampaignSettings{
			PriorityMode:      "fifo",
			ConcurrentLimit:   5,
			RetryFailed:       true,
			MaxRetries:        3,
			RetryDelayMinutes: 10,
		},
	}
	require.NoError(t, store.Insert(ctx, c))

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "Spring promo", got.Name)
	require.Equal(t, CampaignStatusDraft, got.Status)
	require.True(t, got.Settings.RetryFailed)
	require.Equal(t, 5, got.Settings.ConcurrentLimit)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetStatus(ctx, c.ID, CampaignStatusActive))
	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CampaignStatusActive, got.Status)

	require.NoError(t, store.IncTotalAndQueued(ctx, c.ID, 10, 10))
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, store.ApplyCounterDelta(ctx, tx, c.ID, CounterDelta{Queued: -1, Completed: 1, CostCents: 25}))
	require.NoError(t, tx.Commit())

	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Counters.Total)
	require.Equal(t, 9, got.Counters.Queued)
	require.Equal(t, 1, got.Counters.Completed)
	require.Equal(t, int64(25), got.Counters.TotalCostCents)

	list, err := store.List(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestContactStore_BulkInsertDeduplicatesAndRetries(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	campaigns := NewCampaignStore(db)
	campaignID := uuid.NewString()
	require.NoError(t, campaigns.Insert(ctx, &Campaign{ID: campaignID, UserID: "u1", Status: CampaignStatusDraft}))

	contacts := NewContactStore(db)
	rows := []*Contact{
		{ID: uuid.NewString(), Phone: "+15550001111", Priority: 1},
		{ID: uuid.NewString(), Phone: "+15550002222"},
		{ID: uuid.NewString(), Phone: "+15550001111"}, // duplicate phone within campaign
	}
	res, err := contacts.BulkInsert(ctx, campaignID, rows)
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
	require.Equal(t, 1, res.Duplicates)

	pending, err := contacts.ListByStatus(ctx, campaignID, ContactStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "+15550001111", pending[0].Phone) // priority DESC first

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, contacts.ScheduleRetry(ctx, tx, pending[0].ID, ContactStatusFailed, time.Minute))
	require.NoError(t, tx.Commit())

	due, err := contacts.ListDueForRetry(ctx, campaignID, 3, 10)
	require.NoError(t, err) // not due yet, nextRetryAt is in the future
	require.Len(t, due, 0)

	counts, err := contacts.CountByStatus(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[ContactStatusFailed])
	require.Equal(t, 1, counts[ContactStatusPending])
}

func TestCallSessionStore_IdempotenceLookupChain(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	campaigns := NewCampaignStore(db)
	campaignID := uuid.NewString()
	require.NoError(t, campaigns.Insert(ctx, &Campaign{ID: campaignID, UserID: "u1", Status: CampaignStatusActive}))

	contacts := NewContactStore(db)
	contactID := uuid.NewString()
	_, err = contacts.BulkInsert(ctx, campaignID, []*Contact{{ID: contactID, Phone: "+15550003333"}})
	require.NoError(t, err)

	sessions := NewCallSessionStore(db)
	custom := "job-42"
	sess := &CallSession{
		ID:          uuid.NewString(),
		SessionUUID: uuid.NewString(),
		UserID:      "u1",
		CampaignID:  campaignID,
		ContactID:   contactID,
		Direction:   "outbound",
		Status:      CallStatusInitiated,
		FromNumber:  "+15551110000",
		ToNumber:    "+15550003333",
		CustomField: &custom,
	}
	require.NoError(t, sessions.Insert(ctx, sess))

	require.NoError(t, sessions.SetExternalCallID(ctx, sess.ID, "ext-call-1"))

	byExternal, err := sessions.FindByExternalCallID(ctx, "ext-call-1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, byExternal.ID)

	byCustom, err := sessions.FindByCustomField(ctx, "job-42")
	require.NoError(t, err)
	require.Equal(t, sess.ID, byCustom.ID)

	byRoute, err := sessions.FindByRoute(ctx, "+15551110000", "+15550003333", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, sess.ID, byRoute.ID)

	_, err = sessions.FindByExternalCallID(ctx, "no-such-call")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, sessions.ApplyTransition(ctx, sess.ID, TransitionInput{
		Status:         CallStatusInProgress,
		OutboundStatus: OutboundStatusConnected,
	}))
	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, CallStatusInProgress, got.Status)
	require.Equal(t, OutboundStatusConnected, got.OutboundStatus)

	require.NoError(t, sessions.AppendTranscript(ctx, sess.ID, TranscriptEntry{
		Speaker: "assistant", Text: "Hello, this is a reminder call.", Timestamp: time.Now(), Language: "en",
	}))
	require.NoError(t, sessions.AppendTranscript(ctx, sess.ID, TranscriptEntry{
		Speaker: "user", Text: "Who is this?", Timestamp: time.Now(), Language: "en",
	}))
	got, err = sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Transcript, 2)
	require.Equal(t, "assistant", got.Transcript[0].Speaker)
	require.Equal(t, "user", got.Transcript[1].Speaker)

	require.NoError(t, sessions.RecordLanguageSwitch(ctx, sess.ID, LanguageSwitch{From: "en", To: "es", Confidence: 0.92, At: time.Now()}))
	got, err = sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.LanguageSwitches, 1)
	require.Contains(t, got.DetectedLanguages, "es")

	require.NoError(t, sessions.RecordCost(ctx, sess.ID, CostBreakdown{TelephonyCents: 10, STTCents: 5, LLMCents: 20, TTSCents: 15}))
	got, err = sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), got.Cost.TotalCents)

	require.NoError(t, sessions.ApplyTransition(ctx, sess.ID, TransitionInput{Status: CallStatusCompleted}))
	require.True(t, Terminal(CallStatusCompleted))
}

func TestCallSessionStore_ListStuck(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	campaigns := NewCampaignStore(db)
	campaignID := uuid.NewString()
	require.NoError(t, campaigns.Insert(ctx, &Campaign{ID: campaignID, UserID: "u1", Status: CampaignStatusActive}))
	contacts := NewContactStore(db)
	contactID := uuid.NewString()
	_, err = contacts.BulkInsert(ctx, campaignID, []*Contact{{ID: contactID, Phone: "+15550004444"}})
	require.NoError(t, err)

	sessions := NewCallSessionStore(db)
	sess := &CallSession{
		ID: uuid.NewString(), SessionUUID: uuid.NewString(), UserID: "u1",
		CampaignID: campaignID, ContactID: contactID, Status: CallStatusInProgress,
	}
	require.NoError(t, sessions.Insert(ctx, sess))

	stuck, err := sessions.ListStuck(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, sess.ID, stuck[0].ID)

	stuck, err = sessions.ListStuck(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 0)
}
