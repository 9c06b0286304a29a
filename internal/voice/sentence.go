// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import "strings"

// minSentenceChars is the length floor below which a sentence-ender is not
// treated as a split point (spec.md §4.5 "speaking": "split on sentence
// enders ... once a sentence is ≥ 10 characters"). This avoids synthesizing
// a TTS call for a bare "Ok." before the model has said anything useful.
const minSentenceChars = 10

var sentenceEnders = map[rune]bool{'.': true, '!': true, '?': true, '\n': true}

// SentenceSplitter accumulates streamed LLM tokens and yields complete
// sentences as soon as they are long enough to synthesize (spec.md §4.5).
type SentenceSplitter struct {
	buf strings.Builder
}

// Feed appends one token/chunk of streamed text and returns every sentence
// that can now be emitted, retaining any trailing partial sentence.
func (s *SentenceSplitter) Feed(chunk string) []string {
	s.buf.WriteString(chunk)
	return s.drain(false)
}

// Flush emits the remaining buffered text as a final sentence (used when
// the LLM stream ends without a trailing sentence-ender), even if shorter
// than minSentenceChars.
func (s *SentenceSplitter) Flush() []string {
	return s.drain(true)
}

func (s *SentenceSplitter) drain(final bool) []string {
	var out []string
	text := s.buf.String()
	start := 0
	for i, r := range text {
		if !sentenceEnders[r] {
			continue
		}
		candidate := strings.TrimSpace(text[start : i+1])
		if len(candidate) < minSentenceChars {
			continue
		}
		out = append(out, candidate)
		start = i + 1
	}
	remainder := text[start:]
	s.buf.Reset()
	if final {
		if trimmed := strings.TrimSpace(remainder); trimmed != "" {
			out = append(out, trimmed)
		}
		return out
	}
	s.buf.WriteString(remainder)
	return out
}
