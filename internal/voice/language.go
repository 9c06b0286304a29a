// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"time"

	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
)

// firstUtteranceThreshold and subsequentUtteranceThreshold are the
// confidence gates spec.md §4.5 "Language handling" mandates: the first
// utterance switches more eagerly than later ones, to avoid chattering
// language switches mid-conversation.
const (
	firstUtteranceThreshold      = 0.70
	subsequentUtteranceThreshold = 0.85
)

// LanguageState tracks configured/current language, every language ever
// detected, and the timestamped switch log (spec.md §3, §4.5).
type LanguageState struct {
	Configured string
	Current    string
	Detected   []string
	Switches   []sqlite.LanguageSwitch

	sawFirst bool
}

// NewLanguageState seeds state from the agent's configured language.
func NewLanguageState(configured string) *LanguageState {
	return &LanguageState{Configured: configured, Current: configured}
}

// Observe applies one detected-language result to the state, switching
// Current if the confidence gate for this utterance's position is met
// (spec.md §4.5). It returns true if a switch occurred.
func (s *LanguageState) Observe(detected string, confidence float64, at time.Time) bool {
	s.recordDetected(detected)

	threshold := subsequentUtteranceThreshold
	if !s.sawFirst {
		threshold = firstUtteranceThreshold
	}
	s.sawFirst = true

	if detected == "" || detected == s.Current || confidence < threshold {
		return false
	}

	sw := sqlite.LanguageSwitch{From: s.Current, To: detected, Confidence: confidence, At: at}
	s.Switches = append(s.Switches, sw)
	s.Current = detected
	metrics.LanguageSwitchesTotal.WithLabelValues(detected).Inc()
	return true
}

func (s *LanguageState) recordDetected(lang string) {
	if lang == "" {
		return
	}
	for _, d := range s.Detected {
		if d == lang {
			return
		}
	}
	s.Detected = append(s.Detected, lang)
}

// VoiceTable maps a language to the TTS voice choice to use once the
// session switches into it (spec.md §4.5 "the TTS voice is reselected from
// a per-language voice table").
type VoiceTable map[string]VoiceChoice

// Resolve returns the voice for the current language, falling back to the
// configured default if the table has no entry for it.
func (t VoiceTable) Resolve(language string, fallback VoiceChoice) VoiceChoice {
	if v, ok := t[language]; ok {
		return v
	}
	return fallback
}

// Directive renders the system-prompt language directive for the current
// language (spec.md §4.5 "the LLM receives a language directive").
func (s *LanguageState) Directive() string {
	if s.Current == "" {
		return ""
	}
	return "Respond in " + s.Current + "."
}
