// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/telephony"
	"github.com/callforge/dialer/internal/voice"
)

// CallRuntime bundles everything the voice session needs beyond the
// AgentConfig itself: the STT fallback-matrix factories plus the concrete
// LLM/TTS/retrieval collaborators for this call. Concrete adapters are an
// external-collaborator concern (spec.md §1); AgentConfigLoader is the seam
// cmd/dialer wires to whatever provides them.
type CallRuntime struct {
	Config     voice.AgentConfig
	STT        voice.ProviderSet
	Responder  voice.Responder
	Synthesizer voice.Synthesizer
	Retriever  voice.Retriever
	VoiceTable voice.VoiceTable
}

// AgentConfigLoader resolves the AgentConfig and its runtime collaborators
// for a call's agent reference. Agent CRUD is an external collaborator
// (spec.md §1); this is the seam cmd/dialer wires to whatever store owns
// that data.
type AgentConfigLoader interface {
	Load(ctx context.Context, agentID string) (CallRuntime, error)
}

// VoiceStreamServer upgrades the telephony gateway's bidirectional frame
// connection (spec.md §6) to a websocket and drives a voice.Session over
// it for the connection's lifetime.
type VoiceStreamServer struct {
	sessions   *sqlite.CallSessionStore
	agents     AgentConfigLoader
	registry   *voice.Registry
	terminator voice.Terminator
	upgrader   websocket.Upgrader
}

// NewVoiceStreamServer builds a VoiceStreamServer. terminator is normally
// the composition root's *orchestrator.Orchestrator, which implements
// voice.Terminator's MarkEnded/MarkVoicemail.
func NewVoiceStreamServer(sessions *sqlite.CallSessionStore, agents AgentConfigLoader, registry *voice.Registry, terminator voice.Terminator) *VoiceStreamServer {
	return &VoiceStreamServer{
		sessions:   sessions,
		agents:     agents,
		registry:   registry,
		terminator: terminator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway is a hosted, known origin (spec.md §1 "a hosted
			// telephony gateway is assumed"); this is not a browser client.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the voice-stream websocket endpoint.
func (s *VoiceStreamServer) Routes(r chi.Router) {
	r.Get("/voice/{sessionID}", s.serve)
}

func (s *VoiceStreamServer) serve(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	logger := log.WithComponent("voice-stream").With().Str("session_id", sessionID).Logger()

	cs, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("voice stream: unknown session id")
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	rt, err := s.agents.Load(r.Context(), cs.AgentID)
	if err != nil {
		logger.Error().Err(err).Msg("voice stream: failed to load agent config")
		http.Error(w, "agent config unavailable", http.StatusInternalServerError)
		return
	}
	cfg := rt.Config

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("voice stream: websocket upgrade failed")
		return
	}
	defer conn.Close()

	streamSid, callSid, err := awaitStart(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("voice stream: did not receive start frame")
		return
	}
	_ = callSid
	logger = logger.With().Str("stream_sid", streamSid).Logger()

	transport := &wsTransport{conn: conn}
	transcriberFactory, path, err := voice.SelectTranscriber(cfg, rt.STT)
	if err != nil {
		logger.Error().Err(err).Msg("voice stream: no STT provider available, cannot run session")
		_ = transport.Close(1011, "no stt provider configured")
		return
	}
	logger.Info().Str("stt_path", path).Msg("voice stream: selected STT provider")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transcriber, err := transcriberFactory(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("voice stream: failed to open STT connection")
		_ = transport.Close(1011, "stt connection failed")
		return
	}
	defer transcriber.Close()

	session := voice.NewSession(sessionID, streamSid, cs.CampaignID, cfg, voice.Deps{
		Transcriber: transcriber,
		Responder:   rt.Responder,
		Synthesizer: rt.Synthesizer,
		Retriever:   rt.Retriever,
		Transport:   transport,
		Recorder:    s.sessions,
		Terminator:  s.terminator,
		VoiceTable:  rt.VoiceTable,
	}, time.Now())

	s.registry.Put(session)
	defer s.registry.Remove(streamSid)

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	readErr := s.pumpMedia(conn, session)
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("voice stream: session run ended with error")
	}
	if readErr != nil {
		logger.Debug().Err(readErr).Msg("voice stream: gateway connection closed")
	}
}

// pumpMedia reads frames off the gateway connection until it closes,
// feeding media payloads into the session and ignoring stop/mark frames
// (mark acknowledgements are consumed by the session's outbound barge-in
// bookkeeping in a future extension, spec.md §4.5 "Barge-in rule").
func (s *VoiceStreamServer) pumpMedia(conn *websocket.Conn, session *voice.Session) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := telephony.DecodeFrame(raw)
		if err != nil {
			continue
		}
		switch frame.Event {
		case telephony.EventMedia:
			if frame.Media == nil {
				continue
			}
			pcm, err := telephony.DecodePCM(frame.Media.Payload)
			if err != nil {
				continue
			}
			if err := session.Ingest(context.Background(), pcm); err != nil {
				return err
			}
		case telephony.EventStop:
			return nil
		}
	}
}

// awaitStart blocks for the gateway's initial `start` frame, which carries
// the stream_sid frames are keyed by (spec.md §6).
func awaitStart(conn *websocket.Conn) (streamSid, callSid string, err error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", "", err
	}
	frame, err := telephony.DecodeFrame(raw)
	if err != nil {
		return "", "", err
	}
	if frame.Event != telephony.EventStart {
		return "", "", errors.New("voice stream: expected start frame first")
	}
	return frame.StreamSid, frame.CallSid, nil
}

// wsTransport adapts a gorilla/websocket connection to voice.Transport,
// rechunking PCM to the gateway's fixed 3200-byte frame contract via
// internal/voice/framing (invoked by the Session before Transport.SendMedia
// is ever called — this type only frames the already-sized payload, spec.md
// §4.5 "Audio framing contract").
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) SendMedia(streamSid string, pcm []byte) error {
	frame, err := telephony.EncodeMediaFrame(streamSid, pcm)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) SendMark(streamSid, name string) error {
	frame, err := telephony.EncodeMarkFrame(streamSid, name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
