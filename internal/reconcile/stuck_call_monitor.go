// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"time"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
)

// StuckCallMonitor forcibly settles CallSessions that never reached a
// terminal status within threshold: a webhook lost in transit, or a
// gateway that dropped the connection without a final status callback,
// otherwise leaves the session (and its concurrency slot) stuck forever
// (spec.md §5, §8 scenario 2).
type StuckCallMonitor struct {
	sessions   *sqlite.CallSessionStore
	slots      *slotmanager.Manager
	dispatch   *campaign.Dispatcher
	interval   time.Duration
	threshold  time.Duration
	batchLimit int
}

// NewStuckCallMonitor constructs the monitor. interval, threshold, and
// batchLimit are typically config.StoreConfig's StuckCallMonitorInterval,
// StuckCallThreshold, and StuckCallBatchLimit.
func NewStuckCallMonitor(sessions *sqlite.CallSessionStore, slots *slotmanager.Manager, dispatch *campaign.Dispatcher, interval, threshold time.Duration, batchLimit int) *StuckCallMonitor {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &StuckCallMonitor{sessions: sessions, slots: slots, dispatch: dispatch, interval: interval, threshold: threshold, batchLimit: batchLimit}
}

func (m *StuckCallMonitor) Name() string { return "stuck_call_monitor" }

func (m *StuckCallMonitor) Run(ctx context.Context) error {
	return runTicker(ctx, componentLogger(m.Name()), m.interval, m.sweep)
}

func (m *StuckCallMonitor) sweep(ctx context.Context) error {
	logger := componentLogger(m.Name())
	stuck, err := m.sessions.ListStuck(ctx, m.threshold, m.batchLimit)
	if err != nil {
		return err
	}
	for _, cs := range stuck {
		if err := m.reclaim(ctx, cs); err != nil {
			logger.Warn().Err(err).Str("session_id", cs.ID).Str("campaign_id", cs.CampaignID).
				Msg("failed to reclaim stuck call")
			continue
		}
		metrics.StuckCallsReclaimed.Inc()
		logger.Info().Str("session_id", cs.ID).Str("campaign_id", cs.CampaignID).Str("contact_id", cs.ContactID).
			Dur("age", time.Since(cs.CreatedAt)).Msg("reclaimed stuck call")
	}
	return nil
}

func (m *StuckCallMonitor) reclaim(ctx context.Context, cs *sqlite.CallSession) error {
	now := time.Now().UTC()
	if err := m.sessions.ApplyTransition(ctx, cs.ID, sqlite.TransitionInput{
		Status:        sqlite.CallStatusFailed,
		FailureReason: sqlite.FailureReasonStuckTimeout,
		EndedAt:       &now,
	}); err != nil {
		return err
	}
	metrics.CallSessionTransitions.WithLabelValues(cs.Status, sqlite.CallStatusFailed).Inc()

	if _, err := m.slots.ForceRelease(ctx, cs.CampaignID, cs.ContactID, true); err != nil {
		return err
	}

	return m.dispatch.ApplyOutcome(ctx, cs.CampaignID, campaign.Outcome{
		ContactID:  cs.ContactID,
		CallStatus: sqlite.CallStatusFailed,
		CostCents:  cs.Cost.TotalCents,
	})
}
