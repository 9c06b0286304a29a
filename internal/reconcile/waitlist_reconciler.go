// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"time"

	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/waitlist"
)

// WaitlistReconciler is the "every N minutes (default 5), scans the first M
// (default 500) delayed jobs per active campaign, verifies each has a live
// marker, re-pushes any missing" loop (spec.md §5).
type WaitlistReconciler struct {
	campaigns *sqlite.CampaignStore
	waitlist  *waitlist.Waitlist
	interval  time.Duration
	scanLimit int
}

func NewWaitlistReconciler(campaigns *sqlite.CampaignStore, wl *waitlist.Waitlist, interval time.Duration, scanLimit int) *WaitlistReconciler {
	if scanLimit <= 0 {
		scanLimit = 500
	}
	return &WaitlistReconciler{campaigns: campaigns, waitlist: wl, interval: interval, scanLimit: scanLimit}
}

func (r *WaitlistReconciler) Name() string { return "waitlist_reconciler" }

func (r *WaitlistReconciler) Run(ctx context.Context) error {
	return runTicker(ctx, componentLogger(r.Name()), r.interval, r.sweep)
}

func (r *WaitlistReconciler) sweep(ctx context.Context) error {
	logger := componentLogger(r.Name())
	campaigns, err := r.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		rePushed, err := r.waitlist.Rebuild(ctx, c.ID, r.scanLimit)
		if err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("rebuild failed")
			continue
		}
		if rePushed > 0 {
			logger.Info().Str("campaign_id", c.ID).Int("re_pushed", rePushed).Msg("re-pushed jobs missing a live marker")
		}
	}
	return nil
}
