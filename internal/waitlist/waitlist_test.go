package waitlist_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/waitlist"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestWaitlist(t *testing.T, dial waitlist.Dispatch) (*waitlist.Waitlist, *slotmanager.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	slots := slotmanager.New(rdb, 60*time.Second)
	if dial == nil {
		dial = func(ctx context.Context, job waitlist.Job) error { return nil }
	}
	return waitlist.New(rdb, slots, dial, 24*time.Hour, 5*time.Second, 0, 0), slots
}

func TestPush_HighBeforeNormal(t *testing.T) {
	w, _ := newTestWaitlist(t, nil)
	ctx := context.Background()
	require.NoError(t, w.Push(ctx, "c1", "normal-1", waitlist.TierNormal))
	require.NoError(t, w.Push(ctx, "c1", "high-1", waitlist.TierHigh))

	jobID, tier, err := w.Pop(ctx, "c1", waitlist.ModeFIFO, false)
	require.NoError(t, err)
	require.Equal(t, "high-1", jobID)
	require.Equal(t, waitlist.TierHigh, tier)
}

func TestPop_LIFOPopsFromTail(t *testing.T) {
	w, _ := newTestWaitlist(t, nil)
	ctx := context.Background()
	require.NoError(t, w.Push(ctx, "c1", "job-1", waitlist.TierNormal))
	require.NoError(t, w.Push(ctx, "c1", "job-2", waitlist.TierNormal))

	jobID, _, err := w.Pop(ctx, "c1", waitlist.ModeLIFO, false)
	require.NoError(t, err)
	require.Equal(t, "job-2", jobID)
}

func TestPop_EmptyReturnsErrEmpty(t *testing.T) {
	w, _ := newTestWaitlist(t, nil)
	_, _, err := w.Pop(context.Background(), "c1", waitlist.ModeFIFO, false)
	require.ErrorIs(t, err, waitlist.ErrEmpty)
}

func TestPromote_DispatchesUpToLimit(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var dispatched []string
	dial := func(ctx context.Context, job waitlist.Job) error {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, job.JobID)
		return nil
	}
	w, slots := newTestWaitlist(t, dial)
	require.NoError(t, slots.SetLimit(ctx, "c1", 2))

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Push(ctx, "c1", "job-"+string(rune('a'+i)), waitlist.TierNormal))
	}

	require.NoError(t, w.Promote(ctx, "c1", waitlist.ModeFIFO, false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 2, "promotion must stop once active+preDial reaches the limit")
}

func TestCancel_DrainsBothTiers(t *testing.T) {
	w, _ := newTestWaitlist(t, nil)
	ctx := context.Background()
	require.NoError(t, w.Push(ctx, "c1", "h1", waitlist.TierHigh))
	require.NoError(t, w.Push(ctx, "c1", "n1", waitlist.TierNormal))

	removed, err := w.Cancel(ctx, "c1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"h1", "n1"}, removed)

	_, _, err = w.Pop(ctx, "c1", waitlist.ModeFIFO, false)
	require.ErrorIs(t, err, waitlist.ErrEmpty)
}

func TestPromote_ThrottlesDialRate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	slots := slotmanager.New(rdb, 60*time.Second)
	ctx := context.Background()
	require.NoError(t, slots.SetLimit(ctx, "c1", 10))

	var mu sync.Mutex
	var times []time.Time
	dial := func(ctx context.Context, job waitlist.Job) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil
	}
	w := waitlist.New(rdb, slots, dial, 24*time.Hour, 5*time.Second, 50*time.Millisecond, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Push(ctx, "c1", fmt.Sprintf("job-%d", i), waitlist.TierNormal))
	}
	require.NoError(t, w.Promote(ctx, "c1", waitlist.ModeFIFO, false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3, "all three jobs must still dispatch, just spaced out")
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 40*time.Millisecond)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}
