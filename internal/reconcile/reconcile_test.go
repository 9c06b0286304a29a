// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/waitlist"
)

type reconcileEnv struct {
	campaigns *sqlite.CampaignStore
	contacts  *sqlite.ContactStore
	sessions  *sqlite.CallSessionStore
	slots     *slotmanager.Manager
	dispatch  *campaign.Dispatcher
	camp      *sqlite.Campaign
}

func newReconcileEnv(t *testing.T) *reconcileEnv {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "dialer.sqlite")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	campaigns := sqlite.NewCampaignStore(db)
	contacts := sqlite.NewContactStore(db)
	sessions := sqlite.NewCallSessionStore(db)

	camp := &sqlite.Campaign{
		ID: uuid.NewString(), UserID: "user-1", AgentID: "agent-1", PhoneID: "phone-1",
		Name: "test", Status: sqlite.CampaignStatusActive,
		Settings: sqlite.CampaignSettings{ConcurrentLimit: 2},
	}
	require.NoError(t, campaigns.Insert(ctx, camp))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	slots := slotmanager.New(rdb, time.Minute)
	require.NoError(t, slots.SetLimit(ctx, camp.ID, camp.Settings.ConcurrentLimit))

	wl := waitlist.New(rdb, slots, func(ctx context.Context, job waitlist.Job) error { return nil }, time.Hour, 5*time.Second, 0, 0)
	dispatch := campaign.New(rdb, slots, wl, campaigns, contacts, 3, time.Minute)

	return &reconcileEnv{campaigns: campaigns, contacts: contacts, sessions: sessions, slots: slots, dispatch: dispatch, camp: camp}
}

func TestStuckCallMonitor_ReclaimsAndReleasesSlot(t *testing.T) {
	env := newReconcileEnv(t)
	ctx := context.Background()

	contact := &sqlite.Contact{ID: uuid.NewString(), CampaignID: env.camp.ID, Phone: "+15005550002", Status: sqlite.ContactStatusCalling}
	_, err := env.contacts.BulkInsert(ctx, env.camp.ID, []*sqlite.Contact{contact})
	require.NoError(t, err)

	preToken, err := env.slots.AcquirePreDial(ctx, env.camp.ID, contact.ID)
	require.NoError(t, err)
	_, err = env.slots.Upgrade(ctx, env.camp.ID, contact.ID, preToken)
	require.NoError(t, err)

	stuck := &sqlite.CallSession{
		ID: uuid.NewString(), SessionUUID: uuid.NewString(), UserID: env.camp.UserID,
		CampaignID: env.camp.ID, ContactID: contact.ID, AgentID: env.camp.AgentID, PhoneID: env.camp.PhoneID,
		Status: sqlite.CallStatusInProgress, FromNumber: "+15005550001", ToNumber: contact.Phone,
	}
	require.NoError(t, env.sessions.Insert(ctx, stuck))
	time.Sleep(15 * time.Millisecond)

	before := testutil.ToFloat64(metrics.StuckCallsReclaimed)

	mon := NewStuckCallMonitor(env.sessions, env.slots, env.dispatch, time.Minute, 5*time.Millisecond, 10)
	require.NoError(t, mon.sweep(ctx))

	got, err := env.sessions.Get(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, sqlite.CallStatusFailed, got.Status)
	require.Equal(t, sqlite.FailureReasonStuckTimeout, got.FailureReason)

	active, err := env.slots.ActiveCount(ctx, env.camp.ID)
	require.NoError(t, err)
	require.Equal(t, 0, active, "reclaiming a stuck call must release its active slot")

	require.Equal(t, before+1, testutil.ToFloat64(metrics.StuckCallsReclaimed))
}

func TestStuckCallMonitor_IgnoresFreshSessions(t *testing.T) {
	env := newReconcileEnv(t)
	ctx := context.Background()

	contact := &sqlite.Contact{ID: uuid.NewString(), CampaignID: env.camp.ID, Phone: "+15005550002", Status: sqlite.ContactStatusCalling}
	_, err := env.contacts.BulkInsert(ctx, env.camp.ID, []*sqlite.Contact{contact})
	require.NoError(t, err)

	fresh := &sqlite.CallSession{
		ID: uuid.NewString(), SessionUUID: uuid.NewString(), UserID: env.camp.UserID,
		CampaignID: env.camp.ID, ContactID: contact.ID, AgentID: env.camp.AgentID, PhoneID: env.camp.PhoneID,
		Status: sqlite.CallStatusInProgress, FromNumber: "+15005550001", ToNumber: contact.Phone,
	}
	require.NoError(t, env.sessions.Insert(ctx, fresh))

	mon := NewStuckCallMonitor(env.sessions, env.slots, env.dispatch, time.Minute, time.Hour, 10)
	require.NoError(t, mon.sweep(ctx))

	got, err := env.sessions.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, sqlite.CallStatusInProgress, got.Status, "a session younger than the threshold must be left alone")
}

func TestInvariantMonitor_FlagsLeaseOverrun(t *testing.T) {
	env := newReconcileEnv(t)
	ctx := context.Background()

	// Acquire two active leases under the original limit of 2, then lower
	// the limit to 1 (as an operator editing concurrency mid-campaign
	// would) — the two already-active leases now outnumber the limit.
	for i := 0; i < 2; i++ {
		callID := uuid.NewString()
		preToken, err := env.slots.AcquirePreDial(ctx, env.camp.ID, callID)
		require.NoError(t, err)
		_, err = env.slots.Upgrade(ctx, env.camp.ID, callID, preToken)
		require.NoError(t, err)
	}
	require.NoError(t, env.slots.SetLimit(ctx, env.camp.ID, 1))

	before := testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues(env.camp.ID, "active_leases_exceed_limit"))

	mon := NewInvariantMonitor(env.campaigns, env.slots, time.Minute)
	require.NoError(t, mon.sweep(ctx))

	after := testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues(env.camp.ID, "active_leases_exceed_limit"))
	require.Equal(t, before+1, after, "active leases (2) now exceed the lowered limit (1)")
}

func TestInvariantMonitor_FlagsSettledOverrun(t *testing.T) {
	env := newReconcileEnv(t)
	ctx := context.Background()

	require.NoError(t, env.campaigns.IncTotalAndQueued(ctx, env.camp.ID, 1, 1))
	tx, err := env.campaigns.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, env.campaigns.ApplyCounterDelta(ctx, tx, env.camp.ID, sqlite.CounterDelta{Completed: 2}))
	require.NoError(t, tx.Commit())

	before := testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues(env.camp.ID, "settled_exceeds_total"))

	mon := NewInvariantMonitor(env.campaigns, env.slots, time.Minute)
	require.NoError(t, mon.sweep(ctx))

	after := testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues(env.camp.ID, "settled_exceeds_total"))
	require.Equal(t, before+1, after)
}
