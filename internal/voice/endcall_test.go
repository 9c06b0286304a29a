package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndCallMatcher_ExactMatch(t *testing.T) {
	m := NewEndCallMatcher([]string{"goodbye", "that's all for today"})
	assert.True(t, m.Match("goodbye"))
	assert.True(t, m.Match("  GoodBye  "))
}

func TestEndCallMatcher_SuffixMatch(t *testing.T) {
	m := NewEndCallMatcher([]string{"that's all for today"})
	assert.True(t, m.Match("ok thanks, that's all for today"))
}

func TestEndCallMatcher_WholeWordMatch(t *testing.T) {
	m := NewEndCallMatcher([]string{"bye"})
	assert.True(t, m.Match("alright, bye now"))
	assert.False(t, m.Match("goodbyeeee"), "bye must match on a word boundary, not as a substring")
}

func TestEndCallMatcher_NoMatch(t *testing.T) {
	m := NewEndCallMatcher([]string{"goodbye"})
	assert.False(t, m.Match("see you tomorrow"))
}

func TestEndCallMatcher_EmptyTranscript(t *testing.T) {
	m := NewEndCallMatcher([]string{"goodbye"})
	assert.False(t, m.Match("   "))
}

func TestEndCallMatcher_EmptyPhrasesIgnored(t *testing.T) {
	m := NewEndCallMatcher([]string{"", "  ", "goodbye"})
	assert.False(t, m.Match(""))
	assert.True(t, m.Match("goodbye"))
}
