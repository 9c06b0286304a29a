// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package voice implements the Voice Session (spec.md §4.5, component
// C5): the per-call real-time pipeline that streams caller audio into an
// STT provider, feeds incremental transcripts to an LLM, synthesizes
// responses, and frames audio back to the telephony gateway under barge-in
// and cooldown rules. Agent/credential CRUD is an external collaborator
// (spec.md §1); AgentConfig here is the config object the session is
// handed at call start, not a persisted record this package owns.
package voice

import "time"

// VoiceSettings mirrors SPEC_FULL.md's `voice.settings` block.
type VoiceSettings struct {
	Stability       float64
	SimilarityBoost float64
	ModelID         string
	Pitch           float64
	Pace            float64
	Loudness        float64
}

// VoiceChoice selects a TTS provider/voice (SPEC_FULL.md §9 dynamic config).
type VoiceChoice struct {
	Provider string // openai | elevenlabs | deepgram | sarvam
	VoiceID  string
	Settings VoiceSettings
}

// LLMConfig controls the Responder (SPEC_FULL.md §9).
type LLMConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// VoicemailConfig controls the voicemail-detection classifier (spec.md
// §4.5).
type VoicemailConfig struct {
	Enabled           bool
	Keywords          []string
	MinDetectionTime  time.Duration
	ConfidenceThreshold float64
}

// AgentConfig is the enumerated, known set of per-call configuration
// (spec.md §9 "Dynamic configuration objects"). It is loaded once at the
// start of Lifecycle step 1 and held immutable for the call's duration.
type AgentConfig struct {
	Language                     string
	EnableAutoLanguageDetection  bool

	Voice VoiceChoice
	LLM   LLMConfig

	// STTProvider is the agent's configured preference; the session's
	// fallback matrix (spec.md §4.5 step 2) may still select a different
	// concrete provider depending on availability.
	STTProvider string // deepgram | sarvam | whisper

	FirstMessage     string
	GreetingMessage  string
	EndCallPhrases   []string

	VoicemailDetection VoicemailConfig

	Persona string
	Prompt  string
}

// firstMessageText returns FirstMessage, falling back to GreetingMessage,
// matching SPEC_FULL.md §9's `firstMessage | greetingMessage` alternation.
func (a AgentConfig) firstMessageText() string {
	if a.FirstMessage != "" {
		return a.FirstMessage
	}
	return a.GreetingMessage
}
