// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/orchestrator"
	"github.com/callforge/dialer/internal/telephony"
)

// WebhookServer serves the inbound telephony status callback (spec.md §6)
// and the call-flow endpoint that tells the gateway where to open the
// bidirectional voice stream.
type WebhookServer struct {
	orch      *orchestrator.Orchestrator
	streamURL func(sessionID string) string
}

// NewWebhookServer builds a WebhookServer. streamURL renders the
// `wss://.../voice/<sessionId>` URL returned from the call-flow endpoint.
func NewWebhookServer(orch *orchestrator.Orchestrator, streamURL func(sessionID string) string) *WebhookServer {
	return &WebhookServer{orch: orch, streamURL: streamURL}
}

// Routes mounts the webhook endpoints onto r. These run on the dedicated
// webhook listener (internal/daemon.Deps.WebhookHandler) so an API
// rate-limit incident never blocks provider redelivery (spec.md §4.4).
func (s *WebhookServer) Routes(r chi.Router) {
	r.Post("/telephony/status", s.status)
	r.Post("/telephony/voice-flow/{sessionID}", s.voiceFlow)
}

// status always answers 200 regardless of internal outcome, per spec.md §7
// "Webhook handlers always respond success to the telephony provider
// regardless of internal outcome, to suppress redelivery storms".
func (s *WebhookServer) status(w http.ResponseWriter, r *http.Request) {
	payload, err := telephony.ParseStatusCallback(r)
	if err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("webhook: unparseable status callback")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if err := s.orch.OnStatusWebhook(r.Context(), payload); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("webhook: OnStatusWebhook returned an error (should not happen)")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// voiceFlow answers the gateway's call-flow lookup with the websocket URL
// it should open for this call's audio stream (spec.md §6 "Call-flow
// response").
func (s *WebhookServer) voiceFlow(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]string{"url": s.streamURL(sessionID)})
}
