package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFactory(tag string) TranscriberFactory {
	return func(ctx context.Context, cfg AgentConfig) (Transcriber, error) { return nil, nil }
}

func TestSelectTranscriber_SarvamForIndianLanguage(t *testing.T) {
	set := ProviderSet{Sarvam: fakeFactory("sarvam"), Deepgram: fakeFactory("deepgram")}
	_, name, err := SelectTranscriber(AgentConfig{STTProvider: "sarvam", Language: "hi"}, set)
	require.NoError(t, err)
	assert.Equal(t, "sarvam", name)
}

func TestSelectTranscriber_DeepgramWhenNotIndianLanguage(t *testing.T) {
	set := ProviderSet{Sarvam: fakeFactory("sarvam"), Deepgram: fakeFactory("deepgram")}
	_, name, err := SelectTranscriber(AgentConfig{STTProvider: "sarvam", Language: "en"}, set)
	require.NoError(t, err)
	assert.Equal(t, "deepgram", name)
}

func TestSelectTranscriber_DeepgramWhenSarvamNotConfigured(t *testing.T) {
	set := ProviderSet{Deepgram: fakeFactory("deepgram")}
	_, name, err := SelectTranscriber(AgentConfig{STTProvider: "sarvam", Language: "hi"}, set)
	require.NoError(t, err)
	assert.Equal(t, "deepgram", name)
}

func TestSelectTranscriber_BatchFallback(t *testing.T) {
	set := ProviderSet{Batch: fakeFactory("whisper")}
	_, name, err := SelectTranscriber(AgentConfig{STTProvider: "deepgram", Language: "en"}, set)
	require.NoError(t, err)
	assert.Equal(t, "whisper", name)
}

func TestSelectTranscriber_NoProviderAvailable(t *testing.T) {
	_, _, err := SelectTranscriber(AgentConfig{}, ProviderSet{})
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}
