// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/voice/framing"
)

// Timing constants from spec.md §5 "Timeouts".
const (
	EndOfSpeechDebounce  = 1000 * time.Millisecond
	MaxContinuousSpeech  = 8000 * time.Millisecond
	CooldownDuration     = 1500 * time.Millisecond
	BatchVADSilence      = 150 * time.Millisecond
	earlyLLMMinWords     = 3
)

// TranscriptRecorder is the subset of sqlite.CallSessionStore the voice
// session needs: it owns only the transcript/language fields of the
// CallSession for the call's duration (spec.md §3 "Ownership").
type TranscriptRecorder interface {
	AppendTranscript(ctx context.Context, id string, entry sqlite.TranscriptEntry) error
	RecordLanguageSwitch(ctx context.Context, id string, sw sqlite.LanguageSwitch) error
	RecordCost(ctx context.Context, id string, cost sqlite.CostBreakdown) error
}

// Terminator lets the voice session close out the CallSession it's bound
// to, without importing the Call Orchestrator package directly (cmd/dialer
// wires the concrete implementation).
type Terminator interface {
	// MarkEnded is called when the gateway stream closes before any
	// status webhook arrived (spec.md §4.4 markEnded).
	MarkEnded(ctx context.Context, sessionID string) error
	// MarkVoicemail terminates the call immediately on voicemail
	// detection (spec.md §4.5 "Voicemail detection").
	MarkVoicemail(ctx context.Context, sessionID string) error
}

// Transport is the outbound frame sink the session writes PCM and mark
// events to; cmd/dialer's websocket handler implements this over the
// gateway's bidirectional stream (spec.md §6).
type Transport interface {
	SendMedia(streamSid string, pcm []byte) error
	SendMark(streamSid, name string) error
	Close(code int, reason string) error
}

// Session drives one call's real-time voice pipeline (spec.md §4.5).
type Session struct {
	SessionID string
	StreamSid string
	CampaignID string

	cfg       AgentConfig
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	retriever   Retriever
	transport   Transport
	recorder    TranscriptRecorder
	terminator  Terminator

	voiceTable VoiceTable

	langState  *LanguageState
	voicemail  *VoicemailDetector
	endCall    *EndCallMatcher
	seq        *framing.Rebuffer

	mu          sync.Mutex
	isProcess   bool
	callStart   time.Time

	// early-LLM speculative execution (spec.md §4.5 "accumulating")
	earlyCancel context.CancelFunc
	earlyResult chan earlyLLMResult
	earlyText   string
	earlySource string
	llmInFlight bool
}

type earlyLLMResult struct {
	sourceText string
	response   string
	err        error
}

// Deps bundles the Session's external collaborators.
type Deps struct {
	Transcriber Transcriber
	Responder   Responder
	Synthesizer Synthesizer
	Retriever   Retriever
	Transport   Transport
	Recorder    TranscriptRecorder
	Terminator  Terminator
	VoiceTable  VoiceTable
}

// NewSession constructs a Session bound to one call. callStart anchors the
// voicemail-detection window (spec.md §4.5).
func NewSession(sessionID, streamSid, campaignID string, cfg AgentConfig, deps Deps, callStart time.Time) *Session {
	return &Session{
		SessionID:   sessionID,
		StreamSid:   streamSid,
		CampaignID:  campaignID,
		cfg:         cfg,
		transcriber: deps.Transcriber,
		responder:   deps.Responder,
		synthesizer: deps.Synthesizer,
		retriever:   deps.Retriever,
		transport:   deps.Transport,
		recorder:    deps.Recorder,
		terminator:  deps.Terminator,
		voiceTable:  deps.VoiceTable,
		langState:   NewLanguageState(cfg.Language),
		voicemail:   NewVoicemailDetector(cfg.VoicemailDetection, callStart),
		endCall:     NewEndCallMatcher(cfg.EndCallPhrases),
		seq:         framing.NewRebuffer(),
		callStart:   callStart,
	}
}

// Ingest feeds one inbound PCM frame from the gateway into the STT
// provider (spec.md §4.5 "listening").
func (s *Session) Ingest(ctx context.Context, pcm []byte) error {
	if s.transcriber == nil {
		return nil
	}
	return s.transcriber.Ingest(ctx, pcm)
}

// Run executes the greeting and the turn loop until ctx is canceled, the
// stream closes, an end-call phrase fires, or voicemail is detected
// (spec.md §4.5 Lifecycle steps 3-5).
func (s *Session) Run(ctx context.Context) error {
	if err := s.speakText(ctx, s.cfg.firstMessageText(), true); err != nil {
		log.WithComponent("voice").Warn().Err(err).Str("session_id", s.SessionID).Msg("greeting synthesis failed")
	}

	m, err := newTurnMachine()
	if err != nil {
		return fmt.Errorf("voice: build turn machine: %w", err)
	}

	var accumulated strings.Builder
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	hardCap := time.NewTimer(time.Hour)
	hardCap.Stop()
	cooldown := time.NewTimer(time.Hour)
	cooldown.Stop()
	defer debounce.Stop()
	defer hardCap.Stop()
	defer cooldown.Stop()

	events := s.transcriber.Events()

	for {
		select {
		case <-ctx.Done():
			s.abort(context.Background())
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				s.abort(context.Background())
				return nil
			}
			if err := s.handleTranscriptEvent(ctx, m, &accumulated, ev, debounce, hardCap); err != nil {
				return err
			}

		case <-debounce.C:
			if m.State() == StateAccumulating {
				if err := s.finalizeTurn(ctx, m, &accumulated, hardCap); err != nil {
					return err
				}
			}

		case <-hardCap.C:
			if m.State() == StateAccumulating {
				if err := s.finalizeTurn(ctx, m, &accumulated, hardCap); err != nil {
					return err
				}
			}

		case <-cooldown.C:
			if m.State() == StateCooldown {
				fire(ctx, m, EventCooldownElapsed)
				s.setProcessing(false)
			}

		case res := <-s.earlyResultChan():
			s.applyEarlyResult(res)
		}

		if m.State() == StateSpeaking {
			done := s.runSpeaking(ctx, m, accumulated.String())
			accumulated.Reset()
			if done.voicemailHangup || done.endCall {
				return nil
			}
			cooldown.Reset(CooldownDuration)
		}
	}
}

func (s *Session) earlyResultChan() <-chan earlyLLMResult {
	if s.earlyResult == nil {
		return nil
	}
	return s.earlyResult
}

func (s *Session) handleTranscriptEvent(ctx context.Context, m *Machine, accumulated *strings.Builder, ev TranscriptEvent, debounce, hardCap *time.Timer) error {
	state := m.State()

	if state == StateCooldown {
		// Echo-suppression: drop any transcript arriving during the
		// post-speech cooldown window, final or partial (spec.md:223,
		// glossary "cooldown").
		return nil
	}

	if ev.Final {
		if isProcessing(state) {
			// Barge-in rule: drop final transcripts while processing
			// (spec.md §4.5 "Barge-in rule").
			return nil
		}
		if state == StateListening {
			fire(ctx, m, EventPartialFirstWord)
			hardCap.Reset(MaxContinuousSpeech)
		}
		if accumulated.Len() > 0 {
			accumulated.WriteString(" ")
		}
		accumulated.WriteString(strings.TrimSpace(ev.Text))
		debounce.Reset(EndOfSpeechDebounce)

		if detected, conf := s.voicemail.Check(accumulated.String(), time.Now()); detected {
			metrics.VoicemailDetectedTotal.Inc()
			log.WithComponent("voice").Info().Str("session_id", s.SessionID).Float64("confidence", conf).
				Msg("voicemail detected, terminating call")
			_ = s.terminator.MarkVoicemail(ctx, s.SessionID)
			_ = s.transport.Close(1000, "voicemail")
			return errVoicemailTerminated
		}

		if ev.UtteranceEnd {
			debounce.Stop()
			return s.finalizeTurn(ctx, m, accumulated, hardCap)
		}
		return nil
	}

	// Partial transcript.
	if m.State() == StateListening && strings.TrimSpace(ev.Text) != "" {
		fire(ctx, m, EventPartialFirstWord)
		hardCap.Reset(MaxContinuousSpeech)
	}

	if s.cfg.EnableAutoLanguageDetection && ev.Language != "" {
		s.langState.Observe(ev.Language, ev.Confidence, time.Now())
	}

	words := strings.Fields(ev.Text)
	if len(words) >= earlyLLMMinWords && !s.llmInFlight && m.State() == StateAccumulating {
		s.launchEarlyLLM(ctx, ev.Text)
	}
	return nil
}

var errVoicemailTerminated = fmt.Errorf("voice: call terminated by voicemail detection")

func (s *Session) finalizeTurn(ctx context.Context, m *Machine, accumulated *strings.Builder, hardCap *time.Timer) error {
	hardCap.Stop()
	if _, err := fire(ctx, m, EventEndOfSpeech); err != nil {
		return fmt.Errorf("voice: finalize turn end-of-speech: %w", err)
	}
	text := strings.TrimSpace(accumulated.String())
	if text == "" {
		if _, err := fire(ctx, m, EventEmptyTranscript); err != nil {
			return fmt.Errorf("voice: finalize turn empty-transcript: %w", err)
		}
		return nil
	}
	_ = s.recorder.AppendTranscript(ctx, s.SessionID, sqlite.TranscriptEntry{
		Speaker: "user", Text: text, Timestamp: time.Now().UTC(), Language: s.langState.Current,
	})
	if _, err := fire(ctx, m, EventTurnReady); err != nil {
		return fmt.Errorf("voice: finalize turn ready: %w", err)
	}
	return nil
}

func (s *Session) launchEarlyLLM(ctx context.Context, partial string) {
	s.mu.Lock()
	if s.earlyCancel != nil {
		s.earlyCancel()
	}
	s.llmInFlight = true
	ectx, cancel := context.WithCancel(ctx)
	s.earlyCancel = cancel
	s.earlyResult = make(chan earlyLLMResult, 1)
	result := s.earlyResult
	s.mu.Unlock()

	go func() {
		prompt := ComposePrompt(globalRules, s.cfg.Persona, "", s.langState.Directive())
		tokens, err := s.responder.Stream(ectx, prompt+"\n\nUser: "+partial)
		if err != nil {
			result <- earlyLLMResult{sourceText: partial, err: err}
			return
		}
		var b strings.Builder
		for tok := range tokens {
			b.WriteString(tok)
		}
		select {
		case result <- earlyLLMResult{sourceText: partial, response: b.String()}:
		case <-ectx.Done():
		}
	}()
}

func (s *Session) applyEarlyResult(res earlyLLMResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmInFlight = false
	if res.err != nil {
		s.earlyText = ""
		s.earlySource = ""
		return
	}
	s.earlyText = res.response
	s.earlySource = res.sourceText
}

// materialBreak reports whether the final transcript diverges enough from
// the partial the early-LLM speculated on that its result must be
// discarded (spec.md §4.5: "if the final transcript differs materially
// from the partial, the early result is discarded; otherwise it is
// reused").
func materialBreak(partial, final string) bool {
	p := strings.TrimSpace(strings.ToLower(partial))
	f := strings.TrimSpace(strings.ToLower(final))
	if p == "" {
		return true
	}
	return !strings.HasPrefix(f, p) && !strings.HasPrefix(p, f)
}

type speakingResult struct {
	voicemailHangup bool
	endCall         bool
}

// runSpeaking executes spec.md §4.5's "speaking" state: reuse the early-LLM
// result if it's still valid for the finalized text, otherwise run the
// full pipeline (RAG gate, compose prompt, stream LLM, split sentences,
// synthesize, frame). Returns after the assistant has finished speaking.
func (s *Session) runSpeaking(ctx context.Context, m *Machine, userTurn string) speakingResult {
	s.setProcessing(true)
	defer func() {
		fire(ctx, m, EventSpeechDone)
		s.setProcessing(false)
	}()

	if s.endCall.Match(userTurn) {
		_ = s.speakText(ctx, "Thank you, goodbye.", false)
		_ = s.transport.Close(1000, "end_call_phrase")
		return speakingResult{endCall: true}
	}

	s.mu.Lock()
	early := s.earlyText
	source := s.earlySource
	reuse := early != "" && !materialBreak(source, userTurn)
	s.earlyText = ""
	s.earlySource = ""
	s.mu.Unlock()

	if reuse {
		s.speakResponse(ctx, early)
		return speakingResult{}
	}

	ragCtx := ""
	if ShouldQueryKnowledgeBase(userTurn) {
		if c, err := retrieveTopK(ctx, s.retriever, userTurn); err == nil {
			ragCtx = c
		}
	}
	prompt := ComposePrompt(globalRules, s.cfg.Persona, ragCtx, s.langState.Directive())

	tokens, err := s.responder.Stream(ctx, prompt+"\n\nUser: "+userTurn)
	if err != nil {
		_ = s.speakText(ctx, "I'm sorry, I had trouble with that. Could you repeat?", false)
		return speakingResult{}
	}
	var full strings.Builder
	splitter := &SentenceSplitter{}
	for tok := range tokens {
		full.WriteString(tok)
		for _, sentence := range splitter.Feed(tok) {
			s.synthesizeAndSend(ctx, sentence)
		}
	}
	for _, sentence := range splitter.Flush() {
		s.synthesizeAndSend(ctx, sentence)
	}

	_ = s.recorder.AppendTranscript(ctx, s.SessionID, sqlite.TranscriptEntry{
		Speaker: "assistant", Text: full.String(), Timestamp: time.Now().UTC(), Language: s.langState.Current,
	})
	return speakingResult{}
}

// speakResponse synthesizes and journals a pre-generated (early-LLM) full
// response as one or more sentences.
func (s *Session) speakResponse(ctx context.Context, text string) {
	splitter := &SentenceSplitter{}
	for _, sentence := range splitter.Feed(text) {
		s.synthesizeAndSend(ctx, sentence)
	}
	for _, sentence := range splitter.Flush() {
		s.synthesizeAndSend(ctx, sentence)
	}
	_ = s.recorder.AppendTranscript(ctx, s.SessionID, sqlite.TranscriptEntry{
		Speaker: "assistant", Text: text, Timestamp: time.Now().UTC(), Language: s.langState.Current,
	})
}

// speakText synthesizes one fixed string directly (greeting or a canned
// apology), bypassing the sentence splitter.
func (s *Session) speakText(ctx context.Context, text string, isGreeting bool) error {
	if text == "" {
		return nil
	}
	s.synthesizeAndSend(ctx, text)
	if !isGreeting {
		return nil
	}
	return s.recorder.AppendTranscript(ctx, s.SessionID, sqlite.TranscriptEntry{
		Speaker: "assistant", Text: text, Timestamp: time.Now().UTC(), Language: s.langState.Current,
	})
}

func (s *Session) synthesizeAndSend(ctx context.Context, sentence string) {
	start := time.Now()
	voice := s.voiceTable.Resolve(s.langState.Current, s.cfg.Voice)
	chunks, err := s.synthesizer.Synthesize(ctx, sentence, voice)
	if err != nil {
		log.WithComponent("voice").Warn().Err(err).Str("session_id", s.SessionID).Msg("tts error, dropping sentence")
		return
	}
	for chunk := range chunks {
		for _, frame := range s.seq.Write(chunk) {
			_ = s.transport.SendMedia(s.StreamSid, frame.PCM)
		}
	}
	if frame, ok := s.seq.Flush(); ok {
		_ = s.transport.SendMedia(s.StreamSid, frame.PCM)
	}
	metrics.TurnLatency.WithLabelValues("tts").Observe(time.Since(start).Seconds())
}

func (s *Session) setProcessing(v bool) {
	s.mu.Lock()
	s.isProcess = v
	s.mu.Unlock()
}

// IsProcessing reports whether the session is currently speaking or
// finalizing a turn (spec.md §4.5 "Barge-in rule"), for callers that want
// to inspect session state from outside the turn loop (e.g. metrics/debug
// endpoints).
func (s *Session) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isProcess
}

// abort releases the STT connection and marks the CallSession terminal
// when the gateway stream closes before any status webhook arrives
// (spec.md §4.5 Lifecycle step 5, §4.4 markEnded).
func (s *Session) abort(ctx context.Context) {
	if s.transcriber != nil {
		_ = s.transcriber.Close()
	}
	if s.terminator != nil {
		_ = s.terminator.MarkEnded(ctx, s.SessionID)
	}
}
