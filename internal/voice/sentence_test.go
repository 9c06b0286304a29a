package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceSplitter_EmitsCompleteSentence(t *testing.T) {
	s := &SentenceSplitter{}
	out := s.Feed("Hello there, how can I help you today?")
	assert.Equal(t, []string{"Hello there, how can I help you today?"}, out)
}

func TestSentenceSplitter_ShortSentenceBelowFloorHeld(t *testing.T) {
	s := &SentenceSplitter{}
	out := s.Feed("Ok.")
	assert.Empty(t, out, "below minSentenceChars, not emitted until flush")
	flushed := s.Flush()
	assert.Equal(t, []string{"Ok."}, flushed)
}

func TestSentenceSplitter_AccumulatesAcrossFeeds(t *testing.T) {
	s := &SentenceSplitter{}
	assert.Empty(t, s.Feed("Hello "))
	out := s.Feed("there, nice to meet you.")
	assert.Equal(t, []string{"Hello there, nice to meet you."}, out)
}

func TestSentenceSplitter_MultipleSentencesInOneChunk(t *testing.T) {
	s := &SentenceSplitter{}
	out := s.Feed("First sentence here. Second sentence here.")
	assert.Equal(t, []string{"First sentence here.", "Second sentence here."}, out)
}

func TestSentenceSplitter_FlushEmptyRemainderIsNoop(t *testing.T) {
	s := &SentenceSplitter{}
	s.Feed("Complete sentence right here.")
	assert.Empty(t, s.Flush())
}

func TestSentenceSplitter_FlushTrailingPartial(t *testing.T) {
	s := &SentenceSplitter{}
	s.Feed("Complete sentence right here. trailing")
	out := s.Flush()
	assert.Equal(t, []string{"trailing"}, out)
}
