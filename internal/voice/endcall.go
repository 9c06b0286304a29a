// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"regexp"
	"strings"
)

// EndCallMatcher matches a final user transcript against the agent's
// configured end-call phrase set (spec.md §4.5 "End-call phrases"): exact,
// endswith, or whole-word with regex-escaped boundaries.
type EndCallMatcher struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

// NewEndCallMatcher compiles phrases once per call.
func NewEndCallMatcher(phrases []string) *EndCallMatcher {
	m := &EndCallMatcher{exact: make(map[string]bool, len(phrases))}
	for _, p := range phrases {
		norm := strings.ToLower(strings.TrimSpace(p))
		if norm == "" {
			continue
		}
		m.exact[norm] = true
		m.patterns = append(m.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(norm)+`\b`))
	}
	return m
}

// Match reports whether transcript matches any configured end-call phrase,
// trying exact match, suffix match, then whole-word regex in that order.
func (m *EndCallMatcher) Match(transcript string) bool {
	norm := strings.ToLower(strings.TrimSpace(transcript))
	if norm == "" {
		return false
	}
	if m.exact[norm] {
		return true
	}
	for phrase := range m.exact {
		if strings.HasSuffix(norm, phrase) {
			return true
		}
	}
	for _, re := range m.patterns {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}
