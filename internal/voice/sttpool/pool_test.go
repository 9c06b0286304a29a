package sttpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	closed bool
}

func (c *fakeConn) ClientID() string { return c.id }
func (c *fakeConn) Close() error     { c.closed = true; return nil }

func fakeDialer() Dialer {
	return func(ctx context.Context, clientID string, options map[string]string) (Connection, error) {
		return &fakeConn{id: clientID}, nil
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p := New(fakeDialer(), 2, 10, time.Second)
	c1, err := p.Acquire(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", c1.ClientID())
	assert.Equal(t, 1, p.Snapshot().Active)

	require.NoError(t, p.Release("a"))
	assert.Equal(t, 0, p.Snapshot().Active)
}

func TestPool_PerClientIdempotence(t *testing.T) {
	calls := 0
	dial := func(ctx context.Context, clientID string, options map[string]string) (Connection, error) {
		calls++
		return &fakeConn{id: clientID}, nil
	}
	p := New(dial, 2, 10, time.Second)
	c1, _ := p.Acquire(context.Background(), "a", nil)
	c2, _ := p.Acquire(context.Background(), "a", nil)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, calls)
}

func TestPool_CapacityQueuesAndWakes(t *testing.T) {
	p := New(fakeDialer(), 1, 10, 2*time.Second)
	ctx := context.Background()
	c1, err := p.Acquire(ctx, "a", nil)
	require.NoError(t, err)

	var c2 Connection
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var acquireErr error
		c2, acquireErr = p.Acquire(ctx, "b", nil)
		assert.NoError(t, acquireErr)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.Snapshot().Queued)

	require.NoError(t, p.Release(c1.ClientID()))
	wg.Wait()
	require.NotNil(t, c2)
	assert.Equal(t, "b", c2.ClientID())
}

func TestPool_QueueCapRejects(t *testing.T) {
	p := New(fakeDialer(), 1, 1, 200*time.Millisecond)
	ctx := context.Background()
	_, err := p.Acquire(ctx, "a", nil)
	require.NoError(t, err)
	go func() { _, _ = p.Acquire(ctx, "b", nil) }() // fills the one-entry queue
	require.Eventually(t, func() bool { return p.Snapshot().Queued == 1 }, time.Second, 5*time.Millisecond)
	_, err = p.Acquire(ctx, "c", nil)
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestPool_AcquireTimeout(t *testing.T) {
	p := New(fakeDialer(), 1, 10, 30*time.Millisecond)
	ctx := context.Background()
	_, err := p.Acquire(ctx, "a", nil)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "b", nil)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestPool_DialFailureIsCounted(t *testing.T) {
	var fail atomicBool
	dial := func(ctx context.Context, clientID string, options map[string]string) (Connection, error) {
		if clientID == "bad" && fail.get() {
			return nil, errors.New("boom")
		}
		return &fakeConn{id: clientID}, nil
	}
	p := New(dial, 1, 10, time.Second)
	ctx := context.Background()
	_, err := p.Acquire(ctx, "bad", nil)
	require.NoError(t, err)
	require.NoError(t, p.Release("bad"))

	fail.set(true)
	_, err = p.Acquire(ctx, "bad", nil)
	require.Error(t, err)
	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap.TotalFailed)
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

func TestPool_ConcurrentAcquireStress(t *testing.T) {
	p := New(fakeDialer(), 4, 50, 2*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i%8)
			conn, err := p.Acquire(context.Background(), id, nil)
			if err == nil {
				time.Sleep(time.Millisecond)
				_ = p.Release(conn.ClientID())
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, p.Snapshot().Active)
}
