// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// maxRAGContextChars caps the formatted retrieval context handed to the
// LLM (spec.md §4.5 RAG gating: "cap context to ~2000 characters").
const maxRAGContextChars = 2000

// ragMinWords is the length floor below which an utterance is never
// considered an information question, even if it ends in "?" (spec.md
// §4.5: "longer than 3 words").
const ragMinWords = 3

// interrogatives are the lead words that mark a question (spec.md §4.5).
var interrogatives = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "whose": true, "can": true, "could": true,
	"do": true, "does": true, "is": true, "are": true,
}

// ShouldQueryKnowledgeBase is the cheap classifier from spec.md §4.5 "RAG
// gating": interrogative-led or question-mark-terminated utterances longer
// than ragMinWords are considered relevant; short conversational tokens
// (greetings, acknowledgements) are not.
func ShouldQueryKnowledgeBase(utterance string) bool {
	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) <= ragMinWords {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	first := strings.ToLower(strings.Trim(words[0], ".,!?"))
	return interrogatives[first]
}

// RAGContext formats retrieved chunks per spec.md §4.5: top-k already
// applied by the caller, chunks below minScore dropped, source-tagged
// `[1][2]…`, capped to maxRAGContextChars, with a trailing citation
// instruction.
func RAGContext(chunks []RetrievedChunk, minScore float64) string {
	var b strings.Builder
	n := 0
	for i, c := range chunks {
		if c.Score < minScore {
			continue
		}
		tag := "[" + strconv.Itoa(i+1) + "] "
		if b.Len()+len(tag)+len(c.Text) > maxRAGContextChars {
			break
		}
		b.WriteString(tag)
		b.WriteString(c.Text)
		b.WriteString("\n")
		n++
	}
	if n == 0 {
		return ""
	}
	b.WriteString("Answer only from the sources above; cite sources like [1].")
	return b.String()
}

// retrieveTopK wraps a Retriever call with the fixed top-k/min-score gate
// spec.md §4.5 specifies ("top-k = 3 chunks with score ≥ 0.7").
func retrieveTopK(ctx context.Context, r Retriever, query string) (string, error) {
	if r == nil {
		return "", nil
	}
	chunks, err := r.Query(ctx, query, 3)
	if err != nil {
		return "", fmt.Errorf("voice: rag query: %w", err)
	}
	return RAGContext(chunks, 0.7), nil
}

// ComposePrompt assembles the system prompt per spec.md §4.5 "speaking":
// global_rules + agent_persona + optional_rag_context + active_language_directive.
func ComposePrompt(globalRules, persona, ragContext, languageDirective string) string {
	parts := make([]string, 0, 4)
	if globalRules != "" {
		parts = append(parts, globalRules)
	}
	if persona != "" {
		parts = append(parts, persona)
	}
	if ragContext != "" {
		parts = append(parts, ragContext)
	}
	if languageDirective != "" {
		parts = append(parts, languageDirective)
	}
	return strings.Join(parts, "\n\n")
}

// globalRules is the fixed instruction prefix every agent persona composes
// with (spec.md §4.5).
const globalRules = "You are a phone agent. Keep responses brief and natural for voice. " +
	"Never claim to be human. If you don't know, say so."
