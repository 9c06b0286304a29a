package voice

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldQueryKnowledgeBase_QuestionMark(t *testing.T) {
	assert.True(t, ShouldQueryKnowledgeBase("what are your business hours today?"))
}

func TestShouldQueryKnowledgeBase_InterrogativeLead(t *testing.T) {
	assert.True(t, ShouldQueryKnowledgeBase("how do I reset my password"))
}

func TestShouldQueryKnowledgeBase_ShortUtteranceRejected(t *testing.T) {
	assert.False(t, ShouldQueryKnowledgeBase("what now"))
}

func TestShouldQueryKnowledgeBase_GreetingRejected(t *testing.T) {
	assert.False(t, ShouldQueryKnowledgeBase("hi there how are you doing today"))
}

func TestShouldQueryKnowledgeBase_Empty(t *testing.T) {
	assert.False(t, ShouldQueryKnowledgeBase("   "))
}

func TestRAGContext_FiltersByScoreAndCites(t *testing.T) {
	chunks := []RetrievedChunk{
		{Source: "doc1", Text: "hours are 9 to 5", Score: 0.9},
		{Source: "doc2", Text: "irrelevant chunk", Score: 0.3},
	}
	out := RAGContext(chunks, 0.7)
	assert.Contains(t, out, "[1] hours are 9 to 5")
	assert.NotContains(t, out, "irrelevant chunk")
	assert.Contains(t, out, "cite sources")
}

func TestRAGContext_NoChunksClearGate(t *testing.T) {
	chunks := []RetrievedChunk{{Text: "low score", Score: 0.1}}
	assert.Empty(t, RAGContext(chunks, 0.7))
}

func TestRAGContext_CapsToMaxChars(t *testing.T) {
	long := strings.Repeat("x", maxRAGContextChars-10)
	chunks := []RetrievedChunk{
		{Text: long, Score: 0.9},
		{Text: "this should be dropped", Score: 0.9},
	}
	out := RAGContext(chunks, 0.7)
	assert.Contains(t, out, "[1]")
	assert.NotContains(t, out, "dropped")
}

type fakeRetriever struct {
	chunks []RetrievedChunk
	err    error
}

func (f *fakeRetriever) Query(ctx context.Context, query string, topK int) ([]RetrievedChunk, error) {
	return f.chunks, f.err
}

func TestRetrieveTopK_NilRetrieverReturnsEmpty(t *testing.T) {
	out, err := retrieveTopK(context.Background(), nil, "hours?")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRetrieveTopK_PropagatesError(t *testing.T) {
	r := &fakeRetriever{err: errors.New("kb down")}
	_, err := retrieveTopK(context.Background(), r, "hours?")
	assert.Error(t, err)
}

func TestComposePrompt_JoinsNonEmptyParts(t *testing.T) {
	out := ComposePrompt("rules", "persona", "", "Respond in hi.")
	assert.Equal(t, "rules\n\npersona\n\nRespond in hi.", out)
}

func TestComposePrompt_AllEmpty(t *testing.T) {
	assert.Empty(t, ComposePrompt("", "", "", ""))
}
