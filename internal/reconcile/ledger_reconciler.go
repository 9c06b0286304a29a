// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"time"

	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/waitlist"
)

// LedgerReconciler re-pushes reserved-ledger entries older than a pre-dial
// TTL threshold (spec.md §5): a reservation whose matching waitlist pop
// never made it to a dial (worker crash between Pop and Dial) leaves a
// ledger entry with no corresponding lease or waitlist job forever.
type LedgerReconciler struct {
	campaigns *sqlite.CampaignStore
	waitlist  *waitlist.Waitlist
	interval  time.Duration
	threshold time.Duration
}

func NewLedgerReconciler(campaigns *sqlite.CampaignStore, wl *waitlist.Waitlist, interval, threshold time.Duration) *LedgerReconciler {
	return &LedgerReconciler{campaigns: campaigns, waitlist: wl, interval: interval, threshold: threshold}
}

func (r *LedgerReconciler) Name() string { return "ledger_reconciler" }

func (r *LedgerReconciler) Run(ctx context.Context) error {
	return runTicker(ctx, componentLogger(r.Name()), r.interval, r.sweep)
}

func (r *LedgerReconciler) sweep(ctx context.Context) error {
	logger := componentLogger(r.Name())
	campaigns, err := r.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		rePushed, err := r.waitlist.ReconcileLedger(ctx, c.ID, r.threshold)
		if err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("reconcile ledger failed")
			continue
		}
		if rePushed > 0 {
			metrics.LedgerOrphansRepushed.WithLabelValues(c.ID).Add(float64(rePushed))
			logger.Info().Str("campaign_id", c.ID).Int("re_pushed", rePushed).Msg("re-pushed orphaned ledger entries")
		}
	}
	return nil
}
