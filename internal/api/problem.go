// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the campaign HTTP surface (spec.md §6) and the
// inbound telephony webhook/voice-stream endpoints over chi. It is the
// composition root's only HTTP-facing package; everything else is wired
// through plain Go interfaces.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/validate"
)

// problem is the structured error body returned for every non-2xx response
// (SPEC_FULL.md ambient stack: "typed result variants ... `problem` objects
// for HTTP errors instead of ad hoc error strings").
type problem struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, code int, errCode, message string) {
	writeJSON(w, code, problem{
		Code:      errCode,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// writeErr classifies err into the §7 taxonomy and writes the matching
// status code. Unrecognized errors are 500s; the dispatcher/orchestrator
// layers never leak internal-concurrency errors (StaleToken,
// LimitExceeded) to this boundary (spec.md §7).
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr validate.ValidationError
	switch {
	case errors.As(err, &verr):
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, campaign.ErrNearSaturation):
		writeProblem(w, r, http.StatusTooManyRequests, "NEAR_SATURATION", err.Error())
	case errors.Is(err, campaign.ErrInvalidState):
		writeProblem(w, r, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, campaign.ErrNoContacts):
		writeProblem(w, r, http.StatusBadRequest, "NO_CONTACTS", err.Error())
	default:
		log.WithComponent("api").Error().Err(err).Str("path", r.URL.Path).Msg("unhandled API error")
		writeProblem(w, r, http.StatusInternalServerError, "INTERNAL", "an internal error occurred")
	}
}
