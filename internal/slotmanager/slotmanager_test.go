package slotmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*slotmanager.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return slotmanager.New(rdb, 60*time.Second), mr
}

func TestAcquirePreDial_RespectsLimit(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 2))

	tok1, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	_, err = mgr.AcquirePreDial(ctx, campaign, "call-2")
	require.NoError(t, err)

	_, err = mgr.AcquirePreDial(ctx, campaign, "call-3")
	require.ErrorIs(t, err, slotmanager.ErrLimitExceeded)
}

func TestUpgrade_StaleTokenRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 1))

	_, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)

	_, err = mgr.Upgrade(ctx, campaign, "call-1", "wrong-token")
	require.ErrorIs(t, err, slotmanager.ErrStaleToken)
}

func TestUpgrade_PromotesAndKeepsSlotOccupied(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 1))

	preToken, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)

	activeToken, err := mgr.Upgrade(ctx, campaign, "call-1", preToken)
	require.NoError(t, err)
	require.NotEmpty(t, activeToken)

	active, err := mgr.ActiveCount(ctx, campaign)
	require.NoError(t, err)
	require.Equal(t, 1, active)

	// Slot is still occupied post-upgrade; a second acquire must be denied.
	_, err = mgr.AcquirePreDial(ctx, campaign, "call-2")
	require.ErrorIs(t, err, slotmanager.ErrLimitExceeded)
}

func TestRelease_IsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 1))

	token, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)

	released, err := mgr.Release(ctx, campaign, "call-1", token, true, false)
	require.NoError(t, err)
	require.True(t, released)

	released, err = mgr.Release(ctx, campaign, "call-1", token, true, false)
	require.NoError(t, err)
	require.False(t, released, "second release of the same token must be a no-op")
}

func TestForceRelease_PrefersActiveOverPreDial(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 1))

	preToken, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)
	_, err = mgr.Upgrade(ctx, campaign, "call-1", preToken)
	require.NoError(t, err)

	kind, err := mgr.ForceRelease(ctx, campaign, "call-1", false)
	require.NoError(t, err)
	require.Equal(t, slotmanager.ReleaseKindActive, kind)

	active, err := mgr.ActiveCount(ctx, campaign)
	require.NoError(t, err)
	require.Equal(t, 0, active)
}

func TestPreDialLeaseExpiresAndIsReclaimed(t *testing.T) {
	mgr, mr := newTestManager(t)
	ctx := context.Background()
	campaign := "c1"
	require.NoError(t, mgr.SetLimit(ctx, campaign, 1))

	_, err := mgr.AcquirePreDial(ctx, campaign, "call-1")
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	// The expired lease hash is gone; acquirePreDial must prune the
	// orphaned set member and grant a new lease.
	_, err = mgr.AcquirePreDial(ctx, campaign, "call-2")
	require.NoError(t, err)
}
