// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telephony

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Provider status values the inbound webhook reports (spec.md §6).
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// StatusCallback is the inbound status-webhook payload (spec.md §6): fields
// consumed from the provider's form-encoded POST.
type StatusCallback struct {
	CallSid      string
	CallFrom     string
	CallTo       string
	Direction    string
	Status       string
	Duration     int
	StartTime    time.Time
	EndTime      time.Time
	RecordingURL string
	Digits       string
	CustomField  string
}

// ParseStatusCallback decodes a form-encoded webhook POST. Unparseable
// timestamps are left zero rather than rejecting the whole payload — the
// orchestrator still has CallSid/CustomField to key off of.
func ParseStatusCallback(r *http.Request) (*StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("telephony: parse webhook form: %w", err)
	}
	f := r.PostForm
	sc := &StatusCallback{
		CallSid:      f.Get("CallSid"),
		CallFrom:     f.Get("CallFrom"),
		CallTo:       f.Get("CallTo"),
		Direction:    f.Get("Direction"),
		Status:       f.Get("Status"),
		RecordingURL: f.Get("RecordingUrl"),
		Digits:       f.Get("Digits"),
		CustomField:  f.Get("CustomField"),
	}
	if d, err := strconv.Atoi(f.Get("Duration")); err == nil {
		sc.Duration = d
	}
	if t, err := time.Parse(time.RFC3339, f.Get("StartTime")); err == nil {
		sc.StartTime = t
	}
	if t, err := time.Parse(time.RFC3339, f.Get("EndTime")); err == nil {
		sc.EndTime = t
	}
	return sc, nil
}

// CallFlowResponse is the JSON body the dynamic voice endpoint returns,
// directing the gateway to open the bidirectional audio stream (spec.md
// §6 "Call-flow response").
type CallFlowResponse struct {
	URL string `json:"url"`
}
