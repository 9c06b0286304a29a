// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/ratelimit"
)

// requestID assigns a request id (reusing an inbound X-Request-Id if the
// gateway already set one) and stores it in the request context so
// writeProblem can surface it back to the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := log.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs method/path/status/duration for every request (SPEC_FULL.md
// ambient stack: "an HTTP middleware that logs method/path/status/
// duration").
func accessLog(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", log.RequestIDFromContext(r.Context())).
			Msg("http request")
	})
}

// rateLimit applies the shared global+per-mode+per-IP limiter (spec.md's
// RateLimitConfig) ahead of httprate's coarser per-IP sliding window, so a
// single noisy IP can't starve the global budget the other axes protect.
func rateLimit(lim *ratelimit.Limiter, mode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if lim != nil && !lim.Allow(ratelimit.GetClientIP(r), mode) {
				writeProblem(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewCampaignRouter assembles the public campaign HTTP API (spec.md §6)
// behind the canonical middleware stack (recoverer, request id, access
// log, rate limiting). lim may be nil to disable rate limiting entirely.
func NewCampaignRouter(campaigns *CampaignServer, lim *ratelimit.Limiter, perIPPerMin int) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(rateLimit(lim, "api"))
	if perIPPerMin > 0 {
		r.Use(httprate.LimitByIP(perIPPerMin, time.Minute))
	}
	campaigns.Routes(r)
	return r
}

// NewWebhookRouter assembles the telephony-facing router: a separate
// listener (spec.md §4.4) so a campaign-API rate-limit incident never
// blocks provider redelivery. It still rate-limits, but generously, to
// absorb a thundering-herd of redeliveries without falling over.
func NewWebhookRouter(webhooks *WebhookServer, voiceStream *VoiceStreamServer, lim *ratelimit.Limiter, perIPPerMin int) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(rateLimit(lim, "webhook"))
	if perIPPerMin > 0 {
		r.Use(httprate.LimitByIP(perIPPerMin, time.Minute))
	}
	webhooks.Routes(r)
	voiceStream.Routes(r)
	return r
}
