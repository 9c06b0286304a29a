// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"strings"
	"time"
)

// defaultVoicemailKeywords is used when the agent config supplies none;
// these are the phrases a beep-and-greeting voicemail box commonly opens
// with.
var defaultVoicemailKeywords = []string{
	"leave a message", "leave your message", "after the beep", "after the tone",
	"not available", "voicemail", "voice mail", "mailbox is full", "please record",
}

// VoicemailDetector runs the keyword + confidence-threshold classifier
// (spec.md §4.5 "Voicemail detection") over final user transcripts during
// the first MinDetectionTime of a call.
type VoicemailDetector struct {
	cfg       VoicemailConfig
	keywords  []string
	callStart time.Time
}

// NewVoicemailDetector constructs a detector for one call, seeding the
// detection window from callStart.
func NewVoicemailDetector(cfg VoicemailConfig, callStart time.Time) *VoicemailDetector {
	kw := cfg.Keywords
	if len(kw) == 0 {
		kw = defaultVoicemailKeywords
	}
	lowered := make([]string, len(kw))
	for i, k := range kw {
		lowered[i] = strings.ToLower(k)
	}
	return &VoicemailDetector{cfg: cfg, keywords: lowered, callStart: callStart}
}

// Check evaluates one final transcript at elapsed time `now`. It returns
// (detected, confidence). Detection only runs while no more than
// cfg.MinDetectionTime (default 3s) has elapsed since call start, and only
// if cfg.Enabled (spec.md §4.5).
func (d *VoicemailDetector) Check(transcript string, now time.Time) (detected bool, confidence float64) {
	if !d.cfg.Enabled {
		return false, 0
	}
	minDetect := d.cfg.MinDetectionTime
	if minDetect <= 0 {
		minDetect = 3 * time.Second
	}
	if now.Sub(d.callStart) > minDetect {
		return false, 0
	}

	lowered := strings.ToLower(transcript)
	matches := 0
	for _, kw := range d.keywords {
		if strings.Contains(lowered, kw) {
			matches++
		}
	}
	if matches == 0 {
		return false, 0
	}

	// Confidence scales with the number of distinct keyword hits, capped
	// at 1.0; a single weak match (e.g. "voicemail" alone) still clears a
	// sub-1.0 confidence that the configured threshold can reject.
	confidence = 0.55 + 0.15*float64(matches)
	if confidence > 1.0 {
		confidence = 1.0
	}

	threshold := d.cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return confidence >= threshold, confidence
}
