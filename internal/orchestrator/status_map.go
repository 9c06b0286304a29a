// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package orchestrator

import (
	"regexp"

	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/telephony"
)

// mapProviderStatus translates a telephony.StatusCallback's Status field
// into the FSM event it triggers. "queued" is not a recognized outcome
// here: the dialer already knows about the call before any webhook
// arrives, so a queued callback carries no new information.
func mapProviderStatus(status string) (Event, bool) {
	switch status {
	case telephony.StatusRinging:
		return EventRinging, true
	case telephony.StatusInProgress:
		return EventInProgress, true
	case telephony.StatusCompleted:
		return EventCompleted, true
	case telephony.StatusFailed:
		return EventFailed, true
	case telephony.StatusNoAnswer:
		return EventNoAnswer, true
	case telephony.StatusBusy:
		return EventBusy, true
	case telephony.StatusCanceled:
		return EventCanceled, true
	default:
		return "", false
	}
}

// mapOutboundStatus translates the provider's status vocabulary to the
// campaign-facing OutboundStatus column (spec.md §3).
func mapOutboundStatus(status string) string {
	switch status {
	case telephony.StatusRinging:
		return sqlite.OutboundStatusRinging
	case telephony.StatusInProgress, telephony.StatusCompleted:
		return sqlite.OutboundStatusConnected
	case telephony.StatusNoAnswer:
		return sqlite.OutboundStatusNoAnswer
	case telephony.StatusBusy:
		return sqlite.OutboundStatusBusy
	default:
		return sqlite.OutboundStatusQueued
	}
}

// failureReasonForStatus assigns a structured failure reason (SPEC_FULL.md
// "Structured failure reasons") to a terminal provider status; completed
// calls carry no failure reason.
func failureReasonForStatus(status string) string {
	switch status {
	case telephony.StatusNoAnswer:
		return sqlite.FailureReasonNoAnswer
	case telephony.StatusBusy:
		return sqlite.FailureReasonBusy
	case telephony.StatusFailed, telephony.StatusCanceled:
		return sqlite.FailureReasonTelephonyError
	default:
		return ""
	}
}

var preTokenPattern = regexp.MustCompile(`"preToken":"([^"]*)"`)

// preTokenFromMetadata extracts the pre-dial lease token the dial operation
// stamped into CallSession.MetadataJSON. The slot manager's Upgrade call
// needs this token to validate the lease it is replacing (spec.md §4.1).
func preTokenFromMetadata(metadataJSON string) string {
	m := preTokenPattern.FindStringSubmatch(metadataJSON)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

var activeTokenPattern = regexp.MustCompile(`"activeToken":"([^"]*)"`)

// activeTokenFromMetadata extracts the active lease token Upgrade stamped
// into CallSession.MetadataJSON, letting settleSession attempt the
// token-based Release before falling back to ForceRelease (spec.md §4.4).
func activeTokenFromMetadata(metadataJSON string) string {
	m := activeTokenPattern.FindStringSubmatch(metadataJSON)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}
