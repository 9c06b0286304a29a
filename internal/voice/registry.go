// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import "sync"

// Registry is the process-local table of in-memory Sessions keyed by the
// gateway's stream_sid (spec.md §9 "Global mutable state ... registries
// of in-memory sessions keyed by gateway client id"). It is owned by a
// single process-wide manager (cmd/dialer) with explicit Put/Remove calls
// bracketing each call's lifetime.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session under its stream_sid, overwriting any prior
// entry (a reused stream_sid from a crashed prior attempt is stale by
// construction — the gateway only reuses the id within one call).
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.StreamSid] = s
}

// Get looks up a session by stream_sid.
func (r *Registry) Get(streamSid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamSid]
	return s, ok
}

// Remove drops a session from the registry, normally called once its
// Run loop returns (gateway stream closed, end-call phrase, or voicemail).
func (r *Registry) Remove(streamSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamSid)
}

// Len reports the number of live sessions, used by the invariant monitor
// and /metrics gauges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
