// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"time"

	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
)

// LeaseJanitor force-releases orphaned leases: a lease whose contact is no
// longer in the "calling" state (because its call already settled and
// ApplyOutcome moved the contact on, or because a dialer crash left the
// lease behind with nothing to clean it up) still holds a concurrency slot
// forever, since active leases carry no TTL (spec.md §4.1). This is the
// "scans lease keys ... and force-releases" loop spec.md §5 requires.
type LeaseJanitor struct {
	campaigns *sqlite.CampaignStore
	contacts  *sqlite.ContactStore
	slots     *slotmanager.Manager
	interval  time.Duration
}

// NewLeaseJanitor constructs the janitor. interval is typically
// config.StoreConfig.LeaseJanitorInterval.
func NewLeaseJanitor(campaigns *sqlite.CampaignStore, contacts *sqlite.ContactStore, slots *slotmanager.Manager, interval time.Duration) *LeaseJanitor {
	return &LeaseJanitor{campaigns: campaigns, contacts: contacts, slots: slots, interval: interval}
}

func (j *LeaseJanitor) Name() string { return "lease_janitor" }

func (j *LeaseJanitor) Run(ctx context.Context) error {
	return runTicker(ctx, componentLogger(j.Name()), j.interval, j.sweep)
}

func (j *LeaseJanitor) sweep(ctx context.Context) error {
	logger := componentLogger(j.Name())
	campaigns, err := j.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		leaseIDs, err := j.slots.ListLeaseCallIDs(ctx, c.ID)
		if err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("list lease call ids failed")
			continue
		}
		for _, contactID := range leaseIDs {
			contact, err := j.contacts.Get(ctx, contactID)
			orphaned := err != nil || contact.Status != sqlite.ContactStatusCalling
			if !orphaned {
				continue
			}
			kind, err := j.slots.ForceRelease(ctx, c.ID, contactID, true)
			if err != nil {
				logger.Warn().Err(err).Str("campaign_id", c.ID).Str("contact_id", contactID).Msg("force release failed")
				continue
			}
			if kind != slotmanager.ReleaseKindNone {
				logger.Info().Str("campaign_id", c.ID).Str("contact_id", contactID).Str("kind", string(kind)).
					Msg("reclaimed orphaned lease")
			}
		}
	}
	return nil
}
