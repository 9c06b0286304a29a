package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeTranscriber struct {
	events chan TranscriptEvent
}

func (f *fakeTranscriber) Ingest(ctx context.Context, pcm []byte) error { return nil }
func (f *fakeTranscriber) Events() <-chan TranscriptEvent               { return f.events }
func (f *fakeTranscriber) Close() error                                 { return nil }

type fakeResponder struct {
	tokens []string
}

func (f *fakeResponder) Stream(ctx context.Context, prompt string) (<-chan string, error) {
	out := make(chan string, len(f.tokens))
	for _, t := range f.tokens {
		out <- t
	}
	close(out)
	return out, nil
}

type fakeSynthesizer struct{}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceChoice) (<-chan []byte, error) {
	out := make(chan []byte, 1)
	out <- []byte("fake-pcm-" + text)
	close(out)
	return out, nil
}
func (f *fakeSynthesizer) Format() SourceFormat { return FormatPCM }

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	reason string
}

func (f *fakeTransport) SendMedia(streamSid string, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}
func (f *fakeTransport) SendMark(streamSid, name string) error { return nil }
func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

type fakeRecorder struct{}

func (f *fakeRecorder) AppendTranscript(ctx context.Context, id string, entry sqlite.TranscriptEntry) error {
	return nil
}
func (f *fakeRecorder) RecordLanguageSwitch(ctx context.Context, id string, sw sqlite.LanguageSwitch) error {
	return nil
}
func (f *fakeRecorder) RecordCost(ctx context.Context, id string, cost sqlite.CostBreakdown) error {
	return nil
}

type fakeTerminator struct {
	mu         sync.Mutex
	ended      bool
	voicemail  bool
}

func (f *fakeTerminator) MarkEnded(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}
func (f *fakeTerminator) MarkVoicemail(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voicemail = true
	return nil
}

func TestSession_Run_EndCallPhraseEndsTurnLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	terminator := &fakeTerminator{}
	events := make(chan TranscriptEvent, 1)
	events <- TranscriptEvent{Text: "goodbye", Final: true, UtteranceEnd: true}

	sess := NewSession("sess-1", "stream-1", "camp-1", AgentConfig{
		EndCallPhrases: []string{"goodbye"},
	}, Deps{
		Transcriber: &fakeTranscriber{events: events},
		Synthesizer: &fakeSynthesizer{},
		Transport:   transport,
		Recorder:    &fakeRecorder{},
		Terminator:  terminator,
	}, time.Now())

	err := sess.Run(context.Background())
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.True(t, transport.closed)
	assert.Equal(t, "end_call_phrase", transport.reason)
	assert.NotEmpty(t, transport.sent, "the goodbye reply should have been synthesized and framed")
}

func TestSession_Run_VoicemailDetectionTerminatesCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	terminator := &fakeTerminator{}
	events := make(chan TranscriptEvent, 1)
	events <- TranscriptEvent{Text: "please leave a message after the beep, mailbox is full", Final: true}

	sess := NewSession("sess-2", "stream-2", "camp-1", AgentConfig{
		VoicemailDetection: VoicemailConfig{Enabled: true},
	}, Deps{
		Transcriber: &fakeTranscriber{events: events},
		Synthesizer: &fakeSynthesizer{},
		Transport:   transport,
		Recorder:    &fakeRecorder{},
		Terminator:  terminator,
	}, time.Now())

	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, errVoicemailTerminated)

	terminator.mu.Lock()
	defer terminator.mu.Unlock()
	assert.True(t, terminator.voicemail)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.True(t, transport.closed)
}

func TestSession_Run_ContextCancelAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	terminator := &fakeTerminator{}
	events := make(chan TranscriptEvent)

	sess := NewSession("sess-3", "stream-3", "camp-1", AgentConfig{}, Deps{
		Transcriber: &fakeTranscriber{events: events},
		Synthesizer: &fakeSynthesizer{},
		Transport:   transport,
		Recorder:    &fakeRecorder{},
		Terminator:  terminator,
	}, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sess.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	terminator.mu.Lock()
	defer terminator.mu.Unlock()
	assert.True(t, terminator.ended)
}

func TestSession_IsProcessing(t *testing.T) {
	sess := NewSession("sess-4", "stream-4", "camp-1", AgentConfig{}, Deps{}, time.Now())
	assert.False(t, sess.IsProcessing())
	sess.setProcessing(true)
	assert.True(t, sess.IsProcessing())
}
