// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
)

// InvariantMonitor cross-checks the two global invariants spec.md §8
// ("Testable Properties") requires to hold at every observation point:
// active-lease count never exceeds the campaign's configured concurrent
// limit, and the settled counters (completed+failed+voicemail+skipped)
// never exceed the contact total. A violation only ever means a bug
// elsewhere, so this loop never repairs state — it logs and counts, for an
// operator or alert rule to act on.
type InvariantMonitor struct {
	campaigns *sqlite.CampaignStore
	slots     *slotmanager.Manager
	interval  time.Duration
}

// NewInvariantMonitor constructs the monitor. interval is typically
// config.StoreConfig.InvariantMonitorInterval.
func NewInvariantMonitor(campaigns *sqlite.CampaignStore, slots *slotmanager.Manager, interval time.Duration) *InvariantMonitor {
	return &InvariantMonitor{campaigns: campaigns, slots: slots, interval: interval}
}

func (m *InvariantMonitor) Name() string { return "invariant_monitor" }

func (m *InvariantMonitor) Run(ctx context.Context) error {
	return runTicker(ctx, componentLogger(m.Name()), m.interval, m.sweep)
}

func (m *InvariantMonitor) sweep(ctx context.Context) error {
	logger := componentLogger(m.Name())
	campaigns, err := m.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		m.checkConcurrency(ctx, logger, c)
		m.checkCounters(logger, c)
	}
	return nil
}

// checkConcurrency verifies active leases never exceed the campaign's
// configured limit (spec.md §4.1 "concurrent-limit invariant").
func (m *InvariantMonitor) checkConcurrency(ctx context.Context, logger zerolog.Logger, c *sqlite.Campaign) {
	active, err := m.slots.ActiveCount(ctx, c.ID)
	if err != nil {
		logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("active count unavailable")
		return
	}
	limit, err := m.slots.GetLimit(ctx, c.ID)
	if err != nil {
		logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("limit unavailable")
		return
	}
	if limit > 0 && active > limit {
		metrics.InvariantViolationsTotal.WithLabelValues(c.ID, "active_leases_exceed_limit").Inc()
		logger.Error().Str("campaign_id", c.ID).Int("active", active).Int("limit", limit).
			Msg("invariant violated: active leases exceed concurrent limit")
	}
}

// checkCounters verifies the settled-state counters never exceed the
// campaign's contact total (spec.md §3 counter/contact-status parity).
func (m *InvariantMonitor) checkCounters(logger zerolog.Logger, c *sqlite.Campaign) {
	settled := c.Counters.Completed + c.Counters.Failed + c.Counters.Voicemail + c.Counters.Skipped
	if settled > c.Counters.Total {
		metrics.InvariantViolationsTotal.WithLabelValues(c.ID, "settled_exceeds_total").Inc()
		logger.Error().Str("campaign_id", c.ID).Int("settled", settled).Int("total", c.Counters.Total).
			Msg("invariant violated: settled counters exceed contact total")
	}
	if c.Counters.Active < 0 || c.Counters.Queued < 0 {
		metrics.InvariantViolationsTotal.WithLabelValues(c.ID, "negative_counter").Inc()
		logger.Error().Str("campaign_id", c.ID).Int("active", c.Counters.Active).Int("queued", c.Counters.Queued).
			Msg("invariant violated: negative counter")
	}
}
