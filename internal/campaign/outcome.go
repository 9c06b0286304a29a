// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/waitlist"
)

// Outcome is the CallSession terminal result the Call Orchestrator
// propagates to the Dispatcher via the webhook handler (spec.md §4.3
// "Retry policy").
type Outcome struct {
	ContactID      string
	CallStatus     string // sqlite.CallStatus*
	OutboundStatus string // sqlite.OutboundStatus*
	CostCents      int64
}

// ApplyOutcome runs the retry policy for one settled contact: completed
// contacts are marked completed, voicemail is retried or excluded per
// campaign settings, and failed/no-answer/busy are retried or marked
// failed, each with the matching `$inc`-style counter delta applied in the
// same transaction as the contact-status update (spec.md §4.3).
func (d *Dispatcher) ApplyOutcome(ctx context.Context, campaignID string, o Outcome) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == sqlite.CampaignStatusCancelled || c.Status == sqlite.CampaignStatusCompleted {
		// Counters are frozen once a campaign is cancelled/completed
		// (spec.md §3 invariant); the webhook still returns 200 upstream.
		return nil
	}

	contact, err := d.contacts.Get(ctx, o.ContactID)
	if err != nil {
		return fmt.Errorf("campaign: applyOutcome get contact: %w", err)
	}

	switch {
	case o.CallStatus == sqlite.CallStatusCompleted || o.CallStatus == sqlite.CallStatusInProgress:
		return d.settleContact(ctx, campaignID, contact, sqlite.ContactStatusCompleted, "", sqlite.CounterDelta{Completed: 1, Queued: -1, CostCents: o.CostCents})

	case o.OutboundStatus == sqlite.OutboundStatusVoicemail:
		if c.Settings.ExcludeVoicemail {
			return d.settleContact(ctx, campaignID, contact, sqlite.ContactStatusVoicemail, sqlite.FailureReasonVoicemail,
				sqlite.CounterDelta{Voicemail: 1, Queued: -1, CostCents: o.CostCents})
		}
		return d.retryOrFail(ctx, c, contact, sqlite.FailureReasonVoicemail, o.CostCents)

	case o.CallStatus == sqlite.CallStatusFailed || o.CallStatus == sqlite.CallStatusNoAnswer || o.CallStatus == sqlite.CallStatusBusy:
		reason := sqlite.FailureReasonTelephonyError
		switch o.CallStatus {
		case sqlite.CallStatusNoAnswer:
			reason = sqlite.FailureReasonNoAnswer
		case sqlite.CallStatusBusy:
			reason = sqlite.FailureReasonBusy
		}
		if c.Settings.RetryFailed {
			return d.retryOrFail(ctx, c, contact, reason, o.CostCents)
		}
		return d.settleContact(ctx, campaignID, contact, sqlite.ContactStatusFailed, reason, sqlite.CounterDelta{Failed: 1, Queued: -1, CostCents: o.CostCents})

	default:
		return d.settleContact(ctx, campaignID, contact, sqlite.ContactStatusFailed, sqlite.FailureReasonUserEnded, sqlite.CounterDelta{Failed: 1, Queued: -1, CostCents: o.CostCents})
	}
}

func (d *Dispatcher) settleContact(ctx context.Context, campaignID string, contact *sqlite.Contact, status, failureReason string, delta sqlite.CounterDelta) error {
	tx, err := d.campaigns.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("campaign: settleContact begin tx: %w", err)
	}
	if err := d.contacts.SetStatus(ctx, tx, contact.ID, status, failureReason); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("campaign: settleContact set status: %w", err)
	}
	if err := d.campaigns.ApplyCounterDelta(ctx, tx, campaignID, delta); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("campaign: settleContact counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("campaign: settleContact commit: %w", err)
	}
	metrics.CampaignContactsTotal.WithLabelValues(campaignID, status).Inc()
	return nil
}

func (d *Dispatcher) retryOrFail(ctx context.Context, c *sqlite.Campaign, contact *sqlite.Contact, failureReason string, costCents int64) error {
	maxRetries := c.Settings.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.defaultMaxRetries
	}
	delay := time.Duration(c.Settings.RetryDelayMinutes) * time.Minute
	if delay <= 0 {
		delay = d.defaultRetryDelay
	}

	if contact.RetryCount >= maxRetries {
		return d.settleContact(ctx, c.ID, contact, sqlite.ContactStatusFailed, failureReason,
			sqlite.CounterDelta{Failed: 1, Queued: -1, CostCents: costCents})
	}

	tx, err := d.campaigns.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("campaign: retryOrFail begin tx: %w", err)
	}
	if err := d.contacts.ScheduleRetry(ctx, tx, contact.ID, sqlite.ContactStatusFailed, delay); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("campaign: retryOrFail schedule: %w", err)
	}
	if err := d.campaigns.ApplyCounterDelta(ctx, tx, c.ID, sqlite.CounterDelta{Failed: 1, Queued: -1, CostCents: costCents}); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("campaign: retryOrFail counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("campaign: retryOrFail commit: %w", err)
	}
	metrics.CampaignContactsTotal.WithLabelValues(c.ID, sqlite.ContactStatusFailed).Inc()
	log.WithComponent("campaign").Debug().
		Str("campaign_id", c.ID).Str("contact_id", contact.ID).Str("failure_reason", failureReason).
		Int("retry_count", contact.RetryCount+1).Dur("delay", delay).
		Msg("contact scheduled for retry")
	return nil
}

// This blank assignment checks at compile time that a plain func of
// waitlist.Dispatch's shape can serve as a Waitlist's process entry point
// (as tests do with a no-op func). Production wiring points the Waitlist at
// the Call Orchestrator's dial entry point instead.
var _ waitlist.Dispatch = func(ctx context.Context, job waitlist.Job) error { return nil }
