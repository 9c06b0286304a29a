// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sttpool implements the process-wide streaming STT connection
// pool (spec.md §4.5 "STT connection pool"): at most 20 concurrent
// connections (Deepgram's hard ceiling), a FIFO wait queue capped at 50
// entries, and a 30s acquire timeout. It is the one process-local shared
// mutable resource in the voice session and is guarded by a single mutex
// (spec.md §5 "Shared-resource policy").
package sttpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callforge/dialer/internal/metrics"
)

// ErrPoolFull is returned by Acquire when the wait queue is already at
// capacity; the caller must fall back to batch STT (spec.md §4.5 Failures).
var ErrPoolFull = errors.New("sttpool: wait queue full")

// ErrAcquireTimeout is returned when a queued acquire waits longer than the
// pool's configured timeout (default 30s, spec.md §5).
var ErrAcquireTimeout = errors.New("sttpool: acquire timed out")

// Connection is the live handle a caller gets back from Acquire. Dial opens
// the provider-specific streaming connection; concrete STT adapters are out
// of scope for this core (spec.md §4.5) so Connection is left opaque to the
// pool beyond its clientID and close behavior.
type Connection interface {
	ClientID() string
	Close() error
}

// Dialer opens a new provider connection for a client. Pool calls this at
// most once per distinct clientID concurrently held.
type Dialer func(ctx context.Context, clientID string, options map[string]string) (Connection, error)

// Metrics mirrors spec.md §4.5's required pool counters.
type Metrics struct {
	Active         int
	Queued         int
	TotalAcquired  int64
	TotalReleased  int64
	TotalTimeout   int64
	TotalFailed    int64
}

// Pool is the process-wide streaming STT connection pool.
type Pool struct {
	mu       sync.Mutex
	capacity int
	queueCap int
	timeout  time.Duration
	dial     Dialer

	conns   map[string]Connection
	waiters []chan struct{}

	totalAcquired int64
	totalReleased int64
	totalTimeout  int64
	totalFailed   int64
}

// New constructs a Pool. capacity <= 0 defaults to 20; queueCap <= 0
// defaults to 50; timeout <= 0 defaults to 30s (spec.md §4.5/§5).
func New(dial Dialer, capacity, queueCap int, timeout time.Duration) *Pool {
	if capacity <= 0 {
		capacity = 20
	}
	if queueCap <= 0 {
		queueCap = 50
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		dial:     dial,
		capacity: capacity,
		queueCap: queueCap,
		timeout:  timeout,
		conns:    make(map[string]Connection),
	}
}

// Acquire returns the existing connection for clientID if one is already
// held (per-client idempotence, spec.md §4.5), otherwise queues until a
// slot frees up or the acquire times out. Queued requests beyond queueCap
// are rejected immediately with ErrPoolFull.
func (p *Pool) Acquire(ctx context.Context, clientID string, options map[string]string) (Connection, error) {
	p.mu.Lock()
	if conn, ok := p.conns[clientID]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	if len(p.conns) < p.capacity {
		p.mu.Unlock()
		return p.dialAndStore(ctx, clientID, options)
	}
	if len(p.waiters) >= p.queueCap {
		p.mu.Unlock()
		p.totalFailedInc()
		metrics.STTPoolTotalFailed.Inc()
		return nil, ErrPoolFull
	}
	turn := make(chan struct{})
	p.waiters = append(p.waiters, turn)
	metrics.STTPoolQueued.Set(float64(len(p.waiters)))
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-turn:
		return p.dialAndStore(ctx, clientID, options)
	case <-timer.C:
		p.removeWaiter(turn)
		p.mu.Lock()
		p.totalTimeout++
		p.mu.Unlock()
		metrics.STTPoolTotalTimeout.Inc()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.removeWaiter(turn)
		return nil, ctx.Err()
	}
}

func (p *Pool) dialAndStore(ctx context.Context, clientID string, options map[string]string) (Connection, error) {
	conn, err := p.dial(ctx, clientID, options)
	if err != nil {
		p.mu.Lock()
		p.totalFailed++
		p.mu.Unlock()
		metrics.STTPoolTotalFailed.Inc()
		p.wakeNext()
		return nil, fmt.Errorf("sttpool: dial: %w", err)
	}
	p.mu.Lock()
	p.conns[clientID] = conn
	p.totalAcquired++
	active := len(p.conns)
	p.mu.Unlock()
	metrics.STTPoolActive.Set(float64(active))
	metrics.STTPoolTotalAcquired.Inc()
	return conn, nil
}

// Release closes and removes the connection for clientID, waking the next
// queued waiter if any (spec.md §4.5).
func (p *Pool) Release(clientID string) error {
	p.mu.Lock()
	conn, ok := p.conns[clientID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, clientID)
	p.totalReleased++
	active := len(p.conns)
	p.mu.Unlock()
	metrics.STTPoolActive.Set(float64(active))
	metrics.STTPoolTotalReleased.Inc()
	p.wakeNext()
	return conn.Close()
}

func (p *Pool) wakeNext() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.waiters[0]
	p.waiters = p.waiters[1:]
	metrics.STTPoolQueued.Set(float64(len(p.waiters)))
	p.mu.Unlock()
	close(next)
}

func (p *Pool) removeWaiter(target chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	metrics.STTPoolQueued.Set(float64(len(p.waiters)))
}

func (p *Pool) totalFailedInc() {
	p.mu.Lock()
	p.totalFailed++
	p.mu.Unlock()
}

// Snapshot returns a point-in-time view of pool counters.
func (p *Pool) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Active:        len(p.conns),
		Queued:        len(p.waiters),
		TotalAcquired: p.totalAcquired,
		TotalReleased: p.totalReleased,
		TotalTimeout:  p.totalTimeout,
		TotalFailed:   p.totalFailed,
	}
}
