// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"context"
	"errors"
)

// TranscriptEvent is one incremental or final result from a Transcriber.
type TranscriptEvent struct {
	Text         string
	Final        bool
	Confidence   float64
	Language     string
	UtteranceEnd bool // provider-native end-of-speech signal, spec.md §4.5
}

// Transcriber is a live streaming or batch speech-to-text provider.
// Concrete adapters (Deepgram, Sarvam, Whisper) are out of scope for this
// core (spec.md §1); the fallback-selection logic against this interface
// is what's implemented and tested here.
type Transcriber interface {
	// Ingest feeds one inbound PCM frame.
	Ingest(ctx context.Context, pcm []byte) error
	// Events returns the channel of incremental/final transcript events.
	Events() <-chan TranscriptEvent
	Close() error
}

// Responder is the LLM turn-generation interface. Stream yields tokens as
// they arrive so the session can split on sentence boundaries (spec.md
// §4.5 "speaking").
type Responder interface {
	Stream(ctx context.Context, prompt string) (<-chan string, error)
}

// Synthesizer turns one sentence of assistant text into audio. Chunks may
// be raw PCM (Format() == FormatPCM16_8kMono) or encoded audio needing
// decode before framing (spec.md §4.5).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceChoice) (<-chan []byte, error)
	Format() SourceFormat
}

// SourceFormat mirrors framing.SourceFormat without importing the framing
// package into the provider-interface surface. Session does not read
// Format(): every synthesized chunk is rebuffered and sent as raw PCM, and
// FormatEncoded chunks are not decoded.
type SourceFormat string

const (
	FormatPCM    SourceFormat = "pcm16_8k_mono"
	FormatEncoded SourceFormat = "encoded"
)

// RetrievedChunk is one knowledge-base passage returned by a Retriever
// (spec.md §4.5 RAG gating).
type RetrievedChunk struct {
	Source string
	Text   string
	Score  float64
}

// Retriever is the knowledge-base query interface (spec.md §1: "the
// retrieval API is an interface").
type Retriever interface {
	Query(ctx context.Context, query string, topK int) ([]RetrievedChunk, error)
}

// ErrNoProviderAvailable is returned by SelectTranscriber when neither a
// streaming nor the batch fallback provider is configured.
var ErrNoProviderAvailable = errors.New("voice: no stt provider available")

// TranscriberFactory opens a concrete Transcriber for one call.
type TranscriberFactory func(ctx context.Context, cfg AgentConfig) (Transcriber, error)

// ProviderSet is the set of concrete STT factories the fallback matrix
// chooses among (spec.md §4.5 step 2).
type ProviderSet struct {
	Sarvam   TranscriberFactory // live streaming + VAD, Indian languages
	Deepgram TranscriberFactory // live streaming + VAD + endpointing, pooled
	Batch    TranscriberFactory // Whisper-style batch fallback
}

// indianLanguages is the set the spec's fallback matrix treats as Sarvam's
// native strength (spec.md §4.5 step 2).
var indianLanguages = map[string]bool{
	"hi": true, "hi-IN": true, "ta": true, "ta-IN": true, "te": true, "te-IN": true,
	"kn": true, "kn-IN": true, "ml": true, "ml-IN": true, "mr": true, "mr-IN": true,
	"bn": true, "bn-IN": true, "gu": true, "gu-IN": true, "pa": true, "pa-IN": true,
}

// SelectTranscriber implements spec.md §4.5 step 2's fallback matrix:
// sarvam+Indian-language wins if configured and available; deepgram (or
// configured fallback) otherwise if available; batch whisper-style as the
// last resort. It returns the chosen factory without invoking it so the
// caller can report which path was taken.
func SelectTranscriber(cfg AgentConfig, set ProviderSet) (TranscriberFactory, string, error) {
	if cfg.STTProvider == "sarvam" && indianLanguages[cfg.Language] && set.Sarvam != nil {
		return set.Sarvam, "sarvam", nil
	}
	if set.Deepgram != nil {
		return set.Deepgram, "deepgram", nil
	}
	if set.Batch != nil {
		return set.Batch, "whisper", nil
	}
	return nil, "", ErrNoProviderAvailable
}
