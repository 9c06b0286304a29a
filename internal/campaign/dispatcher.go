// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package campaign implements the Campaign Dispatcher (spec.md §4.3,
// component C3): campaign lifecycle, batch contact enqueue, retry policy,
// and the per-campaign status counters. It owns the Campaign and
// CampaignContact records and drives the waitlist and slot manager to
// start, pause, resume, cancel, and purge a campaign.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/callforge/dialer/internal/coordination"
	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/validate"
	"github.com/callforge/dialer/internal/waitlist"
)

// Errors returned by the dispatcher's public contract (spec.md §4.3).
var (
	// ErrInvalidState is returned when an operation is attempted from a
	// campaign status that does not permit it.
	ErrInvalidState = errors.New("campaign: invalid state for operation")
	// ErrNoContacts is returned by start when the campaign has no contacts.
	ErrNoContacts = errors.New("campaign: no contacts to dial")
	// ErrNearSaturation is returned by setConcurrentLimit when reducing the
	// limit below 0.9x the current active count (spec.md §4.3).
	ErrNearSaturation = errors.New("campaign: near saturation, cannot reduce limit")
)

// ContactInput is one row of a bulk addContacts request.
type ContactInput struct {
	Phone      string
	Name       string
	Email      string
	CustomData string // raw JSON, defaults to "{}"
	Priority   int
}

// Dispatcher is the Campaign Dispatcher contract (spec.md §4.3).
type Dispatcher struct {
	store      coordination.Store
	slots      *slotmanager.Manager
	waitlist   *waitlist.Waitlist
	campaigns  *sqlite.CampaignStore
	contacts   *sqlite.ContactStore
	defaultMaxRetries int
	defaultRetryDelay time.Duration
}

// New constructs a Dispatcher wired to the coordination store, slot
// manager, waitlist, and durable persistence stores.
func New(store coordination.Store, slots *slotmanager.Manager, wl *waitlist.Waitlist,
	campaigns *sqlite.CampaignStore, contacts *sqlite.ContactStore,
	defaultMaxRetries int, defaultRetryDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		store: store, slots: slots, waitlist: wl,
		campaigns: campaigns, contacts: contacts,
		defaultMaxRetries: defaultMaxRetries, defaultRetryDelay: defaultRetryDelay,
	}
}

// Create validates settings and inserts a new campaign in status draft
// (spec.md §4.3). Ownership of agent and phone is assumed validated by the
// caller — agent/phone CRUD is an external collaborator (spec.md §1).
func (d *Dispatcher) Create(ctx context.Context, userID, agentID, phoneID, name string, settings sqlite.CampaignSettings) (*sqlite.Campaign, error) {
	v := validate.New()
	v.NotEmpty("userId", userID)
	v.NotEmpty("agentId", agentID)
	v.Range("settings.maxRetries", settings.MaxRetries, 0, 10)
	v.Positive("settings.retryDelayMinutes", settings.RetryDelayMinutes)
	v.OneOf("settings.priorityMode", settings.PriorityMode, []string{"fifo", "lifo", "priority"})
	v.Range("settings.concurrentLimit", settings.ConcurrentLimit, 1, 100)
	if err := v.Err(); err != nil {
		return nil, err
	}

	c := &sqlite.Campaign{
		ID:       uuid.NewString(),
		UserID:   userID,
		AgentID:  agentID,
		PhoneID:  phoneID,
		Name:     name,
		Status:   sqlite.CampaignStatusDraft,
		Settings: settings,
	}
	if err := d.campaigns.Insert(ctx, c); err != nil {
		return nil, fmt.Errorf("campaign: create: %w", err)
	}
	return c, nil
}

// AddContacts bulk-inserts rows, deduplicating on phone, and atomically
// increments totalContacts/queuedCalls (spec.md §4.3).
func (d *Dispatcher) AddContacts(ctx context.Context, campaignID string, rows []ContactInput) (sqlite.InsertResult, error) {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return sqlite.InsertResult{}, err
	}
	if c.Status == sqlite.CampaignStatusCancelled || c.Status == sqlite.CampaignStatusCompleted {
		return sqlite.InsertResult{}, fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
	}

	v := validate.New()
	contactRows := make([]*sqlite.Contact, 0, len(rows))
	for _, r := range rows {
		v.Phone("phone", r.Phone)
		// Normalize to NFC so names entered from different import sources
		// (CSV exports, CRMs, manual entry) with visually-identical but
		// differently-composed Unicode don't compare or render as distinct.
		contactRows = append(contactRows, &sqlite.Contact{
			ID: uuid.NewString(), Phone: r.Phone, Name: norm.NFC.String(r.Name), Email: r.Email,
			CustomDataJSON: r.CustomData, Priority: r.Priority,
		})
	}
	if err := v.Err(); err != nil {
		return sqlite.InsertResult{}, err
	}

	res, err := d.contacts.BulkInsert(ctx, campaignID, contactRows)
	if err != nil {
		return res, err
	}
	if res.Added > 0 {
		if err := d.campaigns.IncTotalAndQueued(ctx, campaignID, res.Added, res.Added); err != nil {
			return res, fmt.Errorf("campaign: addContacts counters: %w", err)
		}
	}
	metrics.CampaignContactsTotal.WithLabelValues(campaignID, sqlite.ContactStatusPending).Add(float64(res.Added))
	return res, nil
}

// priorityTier maps a campaign's priorityMode and a contact's priority
// value onto the waitlist's high/normal tiers (spec.md §4.2 push).
func priorityTier(mode string, priority int) waitlist.Tier {
	if mode == "priority" && priority > 0 {
		return waitlist.TierHigh
	}
	return waitlist.TierNormal
}

func waitlistMode(mode string) waitlist.Mode {
	switch mode {
	case "lifo":
		return waitlist.ModeLIFO
	case "priority":
		return waitlist.ModePriority
	default:
		return waitlist.ModeFIFO
	}
}

// Start transitions a campaign to active, initializes the concurrency
// limit, and pushes every pending contact onto the waitlist in priority
// order (spec.md §4.3).
func (d *Dispatcher) Start(ctx context.Context, campaignID string) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case sqlite.CampaignStatusDraft, sqlite.CampaignStatusScheduled, sqlite.CampaignStatusPaused:
	default:
		return fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
	}

	pending, err := d.contacts.ListByStatus(ctx, campaignID, sqlite.ContactStatusPending, 1_000_000)
	if err != nil {
		return fmt.Errorf("campaign: start list pending: %w", err)
	}
	if c.Status == sqlite.CampaignStatusDraft && len(pending) == 0 {
		return ErrNoContacts
	}

	if err := d.slots.SetLimit(ctx, campaignID, c.Settings.ConcurrentLimit); err != nil {
		return fmt.Errorf("campaign: start setLimit: %w", err)
	}

	k := coordination.K(campaignID)
	if err := d.store.Del(ctx, k.Paused()).Err(); err != nil {
		log.WithComponent("campaign").Warn().Err(err).Str("campaign_id", campaignID).Msg("failed to clear paused flag")
	}

	for _, contact := range pending {
		tier := priorityTier(c.Settings.PriorityMode, contact.Priority)
		if err := d.waitlist.Push(ctx, campaignID, contact.ID, tier); err != nil {
			return fmt.Errorf("campaign: start push %s: %w", contact.ID, err)
		}
		tx, err := d.campaigns.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("campaign: start begin tx: %w", err)
		}
		if err := d.contacts.SetStatus(ctx, tx, contact.ID, sqlite.ContactStatusQueued, ""); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("campaign: start set queued: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("campaign: start commit: %w", err)
		}
	}

	if err := d.campaigns.SetStatus(ctx, campaignID, sqlite.CampaignStatusActive); err != nil {
		return fmt.Errorf("campaign: start set active: %w", err)
	}
	if err := coordination.PublishSlotAvailable(ctx, d.store, k); err != nil {
		log.WithComponent("campaign").Warn().Err(err).Str("campaign_id", campaignID).Msg("failed to publish slot-available on start")
	}
	return nil
}

// Pause marks a campaign paused; the promoter stops pulling new jobs for it
// because Waitlist.Promote checks the paused flag before every pop, while
// in-flight calls continue to completion (spec.md §4.3, §5).
func (d *Dispatcher) Pause(ctx context.Context, campaignID string) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != sqlite.CampaignStatusActive {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
	}
	k := coordination.K(campaignID)
	if err := d.store.Set(ctx, k.Paused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("campaign: pause: %w", err)
	}
	return d.campaigns.SetStatus(ctx, campaignID, sqlite.CampaignStatusPaused)
}

// Resume transitions a paused campaign back to active and re-triggers
// promotion (spec.md §4.3).
func (d *Dispatcher) Resume(ctx context.Context, campaignID string) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != sqlite.CampaignStatusPaused {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
	}
	k := coordination.K(campaignID)
	if err := d.store.Del(ctx, k.Paused()).Err(); err != nil {
		return fmt.Errorf("campaign: resume: %w", err)
	}
	if err := d.campaigns.SetStatus(ctx, campaignID, sqlite.CampaignStatusActive); err != nil {
		return fmt.Errorf("campaign: resume set active: %w", err)
	}
	if err := coordination.PublishSlotAvailable(ctx, d.store, k); err != nil {
		log.WithComponent("campaign").Warn().Err(err).Str("campaign_id", campaignID).Msg("failed to publish slot-available on resume")
	}
	return nil
}

// Cancel drains the waitlist, marks pending/queued contacts skipped, and
// transitions the campaign to cancelled. Active calls finish naturally
// (spec.md §4.3, §5 cancellation semantics).
func (d *Dispatcher) Cancel(ctx context.Context, campaignID string) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == sqlite.CampaignStatusCancelled || c.Status == sqlite.CampaignStatusCompleted {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
	}

	k := coordination.K(campaignID)
	if err := d.store.Set(ctx, k.Paused(), "1", 0).Err(); err != nil {
		log.WithComponent("campaign").Warn().Err(err).Str("campaign_id", campaignID).Msg("failed to set paused flag during cancel")
	}
	if _, err := d.waitlist.Cancel(ctx, campaignID); err != nil {
		return fmt.Errorf("campaign: cancel drain waitlist: %w", err)
	}

	for _, status := range []string{sqlite.ContactStatusPending, sqlite.ContactStatusQueued} {
		rows, err := d.contacts.ListByStatus(ctx, campaignID, status, 1_000_000)
		if err != nil {
			return fmt.Errorf("campaign: cancel list %s: %w", status, err)
		}
		for _, contact := range rows {
			tx, err := d.campaigns.BeginTx(ctx)
			if err != nil {
				return fmt.Errorf("campaign: cancel begin tx: %w", err)
			}
			if err := d.contacts.SetStatus(ctx, tx, contact.ID, sqlite.ContactStatusSkipped, ""); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("campaign: cancel set skipped: %w", err)
			}
			delta := sqlite.CounterDelta{Skipped: 1}
			if status == sqlite.ContactStatusQueued {
				delta.Queued = -1
			}
			if err := d.campaigns.ApplyCounterDelta(ctx, tx, campaignID, delta); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("campaign: cancel counters: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("campaign: cancel commit: %w", err)
			}
		}
	}

	return d.campaigns.SetStatus(ctx, campaignID, sqlite.CampaignStatusCancelled)
}

// RetryFailed re-enqueues contacts whose status is failed and retryCount <
// maxRetries, delaying by retryDelayMinutes (spec.md §4.3).
func (d *Dispatcher) RetryFailed(ctx context.Context, campaignID string) (requeued int, err error) {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	maxRetries := c.Settings.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.defaultMaxRetries
	}
	due, err := d.contacts.ListDueForRetry(ctx, campaignID, maxRetries, 1_000_000)
	if err != nil {
		return 0, fmt.Errorf("campaign: retryFailed list: %w", err)
	}

	delay := time.Duration(c.Settings.RetryDelayMinutes) * time.Minute
	if delay <= 0 {
		delay = d.defaultRetryDelay
	}

	for _, contact := range due {
		tier := priorityTier(c.Settings.PriorityMode, contact.Priority)
		if err := d.waitlist.Push(ctx, campaignID, contact.ID, tier); err != nil {
			return requeued, fmt.Errorf("campaign: retryFailed push %s: %w", contact.ID, err)
		}
		tx, err := d.campaigns.BeginTx(ctx)
		if err != nil {
			return requeued, fmt.Errorf("campaign: retryFailed begin tx: %w", err)
		}
		if err := d.contacts.SetStatus(ctx, tx, contact.ID, sqlite.ContactStatusQueued, ""); err != nil {
			_ = tx.Rollback()
			return requeued, fmt.Errorf("campaign: retryFailed set queued: %w", err)
		}
		if err := d.campaigns.ApplyCounterDelta(ctx, tx, campaignID, sqlite.CounterDelta{Queued: 1, Failed: -1}); err != nil {
			_ = tx.Rollback()
			return requeued, fmt.Errorf("campaign: retryFailed counters: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return requeued, fmt.Errorf("campaign: retryFailed commit: %w", err)
		}
		requeued++
	}
	_ = delay // the actual delay was already applied when the contact entered failed (ScheduleRetry); retrying here re-dispatches jobs whose delay has elapsed.
	return requeued, nil
}

// SetConcurrentLimit rejects with ErrNearSaturation if reducing n below
// 0.9*activeCount; otherwise updates the limit key and publishes
// slot-available to trigger new promotions (spec.md §4.3).
func (d *Dispatcher) SetConcurrentLimit(ctx context.Context, campaignID string, n int) error {
	v := validate.New()
	v.Range("concurrentLimit", n, 1, 100)
	if err := v.Err(); err != nil {
		return err
	}

	active, err := d.slots.ActiveCount(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign: setConcurrentLimit activeCount: %w", err)
	}
	if float64(n) < 0.9*float64(active) {
		return ErrNearSaturation
	}

	if err := d.slots.SetLimit(ctx, campaignID, n); err != nil {
		return fmt.Errorf("campaign: setConcurrentLimit: %w", err)
	}
	if err := d.campaigns.SetConcurrentLimit(ctx, campaignID, n); err != nil {
		return fmt.Errorf("campaign: setConcurrentLimit persist: %w", err)
	}
	k := coordination.K(campaignID)
	if err := coordination.PublishSlotAvailable(ctx, d.store, k); err != nil {
		log.WithComponent("campaign").Warn().Err(err).Str("campaign_id", campaignID).Msg("failed to publish slot-available on limit change")
	}
	log.AuditInfo(ctx, "campaign.concurrent_limit.changed", "concurrent limit updated", map[string]any{
		"campaign_id": campaignID, "limit": n, "active": active,
	})
	return nil
}

// Purge pauses the campaign, waits a grace interval, force-releases every
// lease, and deletes all ephemeral coordination-store keys for it
// (spec.md §4.3, §5 cancellation semantics). grace is normally ~3s.
func (d *Dispatcher) Purge(ctx context.Context, campaignID string, grace time.Duration) error {
	k := coordination.K(campaignID)
	if err := d.store.Set(ctx, k.Paused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("campaign: purge pause: %w", err)
	}
	if err := d.campaigns.SetStatus(ctx, campaignID, sqlite.CampaignStatusPaused); err != nil {
		return fmt.Errorf("campaign: purge set status: %w", err)
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	callIDs, err := d.slots.ListLeaseCallIDs(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign: purge list leases: %w", err)
	}
	for _, callID := range callIDs {
		if _, err := d.slots.ForceRelease(ctx, campaignID, callID, false); err != nil {
			return fmt.Errorf("campaign: purge forceRelease %s: %w", callID, err)
		}
	}

	deleted, err := coordination.Purge(ctx, d.store, k)
	if err != nil {
		return fmt.Errorf("campaign: purge: %w", err)
	}

	log.AuditInfo(ctx, "campaign.purged", "campaign ephemeral state purged", map[string]any{
		"campaign_id": campaignID, "keys_deleted": deleted,
	})
	return nil
}
