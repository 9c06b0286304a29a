// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package orchestrator implements the Call Orchestrator (spec.md §4.4,
// component C4): the per-call state machine that drives a CallSession from
// dial through settlement, the telephony gateway dial/hangup operations,
// and the idempotent inbound status-webhook handler.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/callforge/dialer/internal/fsm"
	"github.com/callforge/dialer/internal/persistence/sqlite"
)

// State is a CallSession.Status value (sqlite.CallStatus*).
type State string

// Event is a CallSession transition trigger.
type Event string

const (
	EventDialOK      Event = "dial_ok"
	EventDialFail    Event = "dial_fail"
	EventRinging     Event = "webhook_ringing"
	EventInProgress  Event = "webhook_in_progress"
	EventCompleted   Event = "webhook_completed"
	EventFailed      Event = "webhook_failed"
	EventNoAnswer    Event = "webhook_no_answer"
	EventBusy        Event = "webhook_busy"
	EventCanceled    Event = "webhook_canceled"
	EventVoicemail   Event = "voicemail_detected"
	EventHangup      Event = "hangup"
	EventMarkEnded   Event = "mark_ended"
)

// nonTerminalStates are every state a live call can be observed in; the
// webhook handler treats them all as legal sources for the next provider
// status because real gateways do not reliably deliver every intermediate
// status (spec.md §4.4 diagram shows the canonical path, but "ringing" is
// frequently skipped for fast-answer calls).
var nonTerminalStates = []State{
	State(sqlite.CallStatusInitiated),
	State(sqlite.CallStatusRinging),
	State(sqlite.CallStatusInProgress),
}

// transitionTargets maps each webhook/operation event to its destination
// state.
var transitionTargets = map[Event]State{
	EventDialOK:     State(sqlite.CallStatusRinging),
	EventDialFail:   State(sqlite.CallStatusFailed),
	EventRinging:    State(sqlite.CallStatusRinging),
	EventInProgress: State(sqlite.CallStatusInProgress),
	EventCompleted:  State(sqlite.CallStatusCompleted),
	EventFailed:     State(sqlite.CallStatusFailed),
	EventNoAnswer:   State(sqlite.CallStatusNoAnswer),
	EventBusy:       State(sqlite.CallStatusBusy),
	EventCanceled:   State(sqlite.CallStatusCanceled),
	EventVoicemail:  State(sqlite.CallStatusCompleted),
	EventHangup:     State(sqlite.CallStatusUserEnded),
	EventMarkEnded:  State(sqlite.CallStatusAgentEnded),
}

// buildMachine constructs a fresh per-call FSM seeded at the session's
// current status. The machine is stateless across calls by design: a
// CallSession's status in sqlite is the durable source of truth, so there
// is nothing to reconstruct after a process restart beyond reading that
// column (spec.md §4.4 idempotence).
func buildMachine(current State) (*fsm.Machine[State, Event], error) {
	var transitions []fsm.Transition[State, Event]
	for _, from := range nonTerminalStates {
		for event, to := range transitionTargets {
			if event == EventDialOK && from != State(sqlite.CallStatusInitiated) {
				continue
			}
			if event == EventDialFail && from != State(sqlite.CallStatusInitiated) {
				continue
			}
			if event == EventHangup && from == State(sqlite.CallStatusInitiated) {
				continue
			}
			transitions = append(transitions, fsm.Transition[State, Event]{From: from, Event: event, To: to})
		}
	}
	return fsm.New(current, transitions)
}

// Fire applies event to a session currently in state current, returning the
// resulting state. ok is false when event is a no-op repeat of the current
// state (webhook redelivery) rather than a genuine error.
func Fire(ctx context.Context, current State, event Event) (next State, ok bool, err error) {
	if sqlite.Terminal(string(current)) {
		// Spec.md §8: once terminal, no further transitions; redelivered
		// webhooks for an already-settled call are silently accepted.
		return current, false, nil
	}
	if target, known := transitionTargets[event]; known && target == current {
		return current, false, nil
	}
	m, err := buildMachine(current)
	if err != nil {
		return current, false, fmt.Errorf("orchestrator: build fsm: %w", err)
	}
	next, err = m.Fire(ctx, event)
	if err != nil {
		return current, false, fmt.Errorf("orchestrator: invalid transition %s -> %s (%s): %w", current, event, current, err)
	}
	return next, true, nil
}
