// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"context"

	"github.com/callforge/dialer/internal/fsm"
)

// TurnState is one state of the per-call turn loop (spec.md §4.5).
type TurnState string

const (
	StateListening    TurnState = "listening"
	StateAccumulating TurnState = "accumulating"
	StateFinalizing   TurnState = "finalizing"
	StateSpeaking     TurnState = "speaking"
	StateCooldown     TurnState = "cooldown"
)

// TurnEvent drives a transition in the turn loop FSM.
type TurnEvent string

const (
	EventPartialFirstWord TurnEvent = "partial_first_word" // listening -> accumulating
	EventEndOfSpeech      TurnEvent = "end_of_speech"       // accumulating -> finalizing
	EventEmptyTranscript  TurnEvent = "empty_transcript"     // finalizing -> listening
	EventTurnReady        TurnEvent = "turn_ready"           // finalizing -> speaking
	EventSpeechDone       TurnEvent = "speech_done"          // speaking -> cooldown
	EventCooldownElapsed  TurnEvent = "cooldown_elapsed"      // cooldown -> listening
)

// Machine is the turn loop's generic FSM instantiation.
type Machine = fsm.Machine[TurnState, TurnEvent]

// newTurnMachine builds the turn loop's state machine (spec.md §4.5):
//
//	listening -> accumulating -> finalizing -> speaking -> cooldown -> listening
//
// with a direct finalizing -> listening edge when the assembled transcript
// is empty (spec.md: "if empty, return to listening").
func newTurnMachine() (*Machine, error) {
	return fsm.New(StateListening, []fsm.Transition[TurnState, TurnEvent]{
		{From: StateListening, Event: EventPartialFirstWord, To: StateAccumulating},
		{From: StateAccumulating, Event: EventEndOfSpeech, To: StateFinalizing},
		{From: StateFinalizing, Event: EventEmptyTranscript, To: StateListening},
		{From: StateFinalizing, Event: EventTurnReady, To: StateSpeaking},
		{From: StateSpeaking, Event: EventSpeechDone, To: StateCooldown},
		{From: StateCooldown, Event: EventCooldownElapsed, To: StateListening},
	})
}

// isProcessing reports whether barge-in suppression applies (spec.md §4.5
// "Barge-in rule": "While isProcessing = true (speaking or finalizing)").
func isProcessing(s TurnState) bool {
	return s == StateFinalizing || s == StateSpeaking
}

// fire is a small indirection so session.go can swap in a fake machine in
// tests without importing internal/fsm directly everywhere.
func fire(ctx context.Context, m *Machine, ev TurnEvent) (TurnState, error) {
	return m.Fire(ctx, ev)
}
