// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package campaign_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/waitlist"
)

type testEnv struct {
	dispatch  *campaign.Dispatcher
	campaigns *sqlite.CampaignStore
	contacts  *sqlite.ContactStore
	slots     *slotmanager.Manager
	camp      *sqlite.Campaign
}

func newTestEnv(t *testing.T, settings sqlite.CampaignSettings) *testEnv {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	campaigns := sqlite.NewCampaignStore(db)
	contacts := sqlite.NewContactStore(db)

	camp := &sqlite.Campaign{
		ID: uuid.NewString(), UserID: "user-1", AgentID: "agent-1", PhoneID: "phone-1",
		Name: "test", Status: sqlite.CampaignStatusActive, Settings: settings,
	}
	require.NoError(t, campaigns.Insert(ctx, camp))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	slots := slotmanager.New(rdb, time.Minute)
	require.NoError(t, slots.SetLimit(ctx, camp.ID, settings.ConcurrentLimit))

	wl := waitlist.New(rdb, slots, func(ctx context.Context, job waitlist.Job) error { return nil }, time.Hour, 5*time.Second, 0, 0)
	dispatch := campaign.New(rdb, slots, wl, campaigns, contacts, 3, time.Minute)

	return &testEnv{dispatch: dispatch, campaigns: campaigns, contacts: contacts, slots: slots, camp: camp}
}

func TestPurge_PausesCampaignStatusAndReleasesLeases(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 2})
	ctx := context.Background()

	callID := uuid.NewString()
	preToken, err := env.slots.AcquirePreDial(ctx, env.camp.ID, callID)
	require.NoError(t, err)
	_, err = env.slots.Upgrade(ctx, env.camp.ID, callID, preToken)
	require.NoError(t, err)

	require.NoError(t, env.dispatch.Purge(ctx, env.camp.ID, time.Millisecond))

	got, err := env.campaigns.Get(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Equal(t, sqlite.CampaignStatusPaused, got.Status, "purge must persist the campaign as paused, not just set the ephemeral flag")

	active, err := env.slots.ActiveCount(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Zero(t, active, "purge must force-release every outstanding lease")
}

func TestAddContacts_DedupesByPhoneAndNormalizesName(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 2})
	ctx := context.Background()

	// decomposed is "Jose" followed by a combining acute accent (U+0301,
	// NFD form); precomposed is the single-codepoint "e with acute"
	// (U+00E9, NFC form) it must normalize to.
	decomposed := "Jose\u0301"
	precomposed := "Jos\u00e9"

	res, err := env.dispatch.AddContacts(ctx, env.camp.ID, []campaign.ContactInput{
		{Phone: "+15005550001", Name: decomposed},
		{Phone: "+15005550001", Name: "duplicate phone, should be skipped"},
		{Phone: "+15005550002", Name: "Ann"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Added, "the second row shares a phone with the first and must be deduped")

	rows, err := env.contacts.ListByStatus(ctx, env.camp.ID, sqlite.ContactStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var gotName string
	for _, c := range rows {
		if c.Phone == "+15005550001" {
			gotName = c.Name
		}
	}
	require.Equal(t, precomposed, gotName, "the combining-accent form must normalize to its precomposed NFC equivalent")

	got, err := env.campaigns.Get(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Counters.Total)
	require.Equal(t, 2, got.Counters.Queued, "addContacts increments both totalContacts and queuedCalls")
}

func TestAddContacts_RejectsInvalidPhone(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 2})
	_, err := env.dispatch.AddContacts(context.Background(), env.camp.ID, []campaign.ContactInput{
		{Phone: "not-a-phone-number"},
	})
	require.Error(t, err)
}

func TestRetryFailed_RequeuesDueContacts(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 2, MaxRetries: 3})
	ctx := context.Background()

	contact := &sqlite.Contact{ID: uuid.NewString(), CampaignID: env.camp.ID, Phone: "+15005550003", Status: sqlite.ContactStatusFailed}
	_, err := env.contacts.BulkInsert(ctx, env.camp.ID, []*sqlite.Contact{contact})
	require.NoError(t, err)

	tx, err := env.campaigns.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, env.contacts.ScheduleRetry(ctx, tx, contact.ID, sqlite.ContactStatusFailed, -time.Hour))
	require.NoError(t, tx.Commit())

	requeued, err := env.dispatch.RetryFailed(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	got, err := env.contacts.Get(ctx, contact.ID)
	require.NoError(t, err)
	require.Equal(t, sqlite.ContactStatusQueued, got.Status)
}

func TestRetryFailed_SkipsContactsNotYetDue(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 2, MaxRetries: 3})
	ctx := context.Background()

	contact := &sqlite.Contact{ID: uuid.NewString(), CampaignID: env.camp.ID, Phone: "+15005550004", Status: sqlite.ContactStatusFailed}
	_, err := env.contacts.BulkInsert(ctx, env.camp.ID, []*sqlite.Contact{contact})
	require.NoError(t, err)

	tx, err := env.campaigns.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, env.contacts.ScheduleRetry(ctx, tx, contact.ID, sqlite.ContactStatusFailed, time.Hour))
	require.NoError(t, tx.Commit())

	requeued, err := env.dispatch.RetryFailed(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Zero(t, requeued, "a contact whose nextRetryAt is still in the future must not be requeued")
}

func TestSetConcurrentLimit_RejectsNearSaturation(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		callID := uuid.NewString()
		preToken, err := env.slots.AcquirePreDial(ctx, env.camp.ID, callID)
		require.NoError(t, err)
		_, err = env.slots.Upgrade(ctx, env.camp.ID, callID, preToken)
		require.NoError(t, err)
	}

	err := env.dispatch.SetConcurrentLimit(ctx, env.camp.ID, 1)
	require.ErrorIs(t, err, campaign.ErrNearSaturation, "dropping the limit to 1 with 5 active leases is below the 0.9x floor")
}

func TestSetConcurrentLimit_AllowsModestReduction(t *testing.T) {
	env := newTestEnv(t, sqlite.CampaignSettings{ConcurrentLimit: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		callID := uuid.NewString()
		preToken, err := env.slots.AcquirePreDial(ctx, env.camp.ID, callID)
		require.NoError(t, err)
		_, err = env.slots.Upgrade(ctx, env.camp.ID, callID, preToken)
		require.NoError(t, err)
	}

	require.NoError(t, env.dispatch.SetConcurrentLimit(ctx, env.camp.ID, 5))

	got, err := env.campaigns.Get(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.Settings.ConcurrentLimit)
}
