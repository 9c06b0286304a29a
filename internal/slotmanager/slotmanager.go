// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package slotmanager implements the distributed per-campaign concurrency
// control plane (spec.md §4.1, component C1): the two-phase lease protocol
// that reserves a slot before dialing and promotes it when the call
// connects. Every operation on a campaign is atomic with respect to every
// other operation on that campaign via the Lua scripts in
// internal/coordination; cross-campaign operations never block each other
// because every key is hash-tagged per campaign.
package slotmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callforge/dialer/internal/coordination"
	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// ErrLimitExceeded is returned to the promoter and must never be surfaced
// to the user (spec.md §4.1 Errors).
var ErrLimitExceeded = errors.New("slotmanager: limit exceeded")

// ErrStaleToken means a promoter saw a stale world; it must re-read and
// retry (spec.md §4.1 Errors).
var ErrStaleToken = errors.New("slotmanager: stale token")

// ReleaseKind describes which kind of lease forceRelease found and removed.
type ReleaseKind string

const (
	ReleaseKindNone    ReleaseKind = "none"
	ReleaseKindPreDial ReleaseKind = "preDial"
	ReleaseKindActive  ReleaseKind = "active"
)

// Manager is the Slot Manager contract described in spec.md §4.1.
type Manager struct {
	store    coordination.Store
	preDial  time.Duration
}

// New constructs a Manager bound to a coordination store. preDialTTL is the
// short (default 60s, spec.md §5) TTL applied to every freshly acquired
// pre-dial lease.
func New(store coordination.Store, preDialTTL time.Duration) *Manager {
	if preDialTTL <= 0 {
		preDialTTL = 60 * time.Second
	}
	return &Manager{store: store, preDial: preDialTTL}
}

// AcquirePreDial atomically reserves a slot if active+preDial < limit.
func (m *Manager) AcquirePreDial(ctx context.Context, campaignID, callID string) (token string, err error) {
	k := coordination.K(campaignID)
	limit, err := m.GetLimit(ctx, campaignID)
	if err != nil {
		return "", err
	}
	token, err = coordination.NewToken()
	if err != nil {
		return "", err
	}
	res, err := coordination.AcquirePreDial(ctx, m.store, k, callID, token, limit, m.preDial)
	if err != nil {
		return "", fmt.Errorf("slotmanager: acquirePreDial: %w", err)
	}
	if res == "denied" {
		metrics.SlotAcquireTotal.WithLabelValues(campaignID, "denied").Inc()
		return "", ErrLimitExceeded
	}
	metrics.SlotAcquireTotal.WithLabelValues(campaignID, "ok").Inc()
	m.refreshGauge(ctx, campaignID)
	log.WithComponent("slotmanager").Debug().
		Str("campaign_id", campaignID).Str("call_id", callID).
		Msg("pre-dial lease acquired")
	return token, nil
}

// Upgrade validates preToken and replaces the pre-dial lease with an active
// one (no TTL), returning a fresh active token.
func (m *Manager) Upgrade(ctx context.Context, campaignID, callID, preToken string) (activeToken string, err error) {
	k := coordination.K(campaignID)
	activeToken, err = coordination.NewToken()
	if err != nil {
		return "", err
	}
	res, err := coordination.Upgrade(ctx, m.store, k, callID, preToken, activeToken)
	if err != nil {
		return "", fmt.Errorf("slotmanager: upgrade: %w", err)
	}
	if res == "stale" {
		metrics.SlotUpgradeTotal.WithLabelValues(campaignID, "stale").Inc()
		return "", ErrStaleToken
	}
	metrics.SlotUpgradeTotal.WithLabelValues(campaignID, "ok").Inc()
	m.refreshGauge(ctx, campaignID)
	return activeToken, nil
}

// Release deletes the matching lease iff token matches. If publish is set
// it emits slot-available so the Promoter can pull the next waitlisted job.
func (m *Manager) Release(ctx context.Context, campaignID, callID, token string, isPreDial, publish bool) (released bool, err error) {
	k := coordination.K(campaignID)
	released, err = coordination.Release(ctx, m.store, k, callID, token, isPreDial)
	if err != nil {
		return false, fmt.Errorf("slotmanager: release: %w", err)
	}
	method := "release"
	outcome := "noop"
	if released {
		outcome = "ok"
		m.refreshGauge(ctx, campaignID)
		if publish {
			if pubErr := coordination.PublishSlotAvailable(ctx, m.store, k); pubErr != nil {
				log.WithComponent("slotmanager").Warn().Err(pubErr).
					Str("campaign_id", campaignID).Msg("failed to publish slot-available")
			}
		}
	}
	metrics.SlotReleaseTotal.WithLabelValues(campaignID, method, outcome).Inc()
	return released, nil
}

// ForceRelease is the token-less recovery path used by webhooks and
// janitors. It prefers an active lease over a pre-dial one (spec.md §9).
func (m *Manager) ForceRelease(ctx context.Context, campaignID, callID string, publish bool) (ReleaseKind, error) {
	k := coordination.K(campaignID)
	res, err := coordination.ForceRelease(ctx, m.store, k, callID)
	if err != nil {
		return ReleaseKindNone, fmt.Errorf("slotmanager: forceRelease: %w", err)
	}
	kind := ReleaseKind(res)
	outcome := "noop"
	if kind != ReleaseKindNone {
		outcome = "ok"
		m.refreshGauge(ctx, campaignID)
		if publish {
			if pubErr := coordination.PublishSlotAvailable(ctx, m.store, k); pubErr != nil {
				log.WithComponent("slotmanager").Warn().Err(pubErr).
					Str("campaign_id", campaignID).Msg("failed to publish slot-available")
			}
		}
	}
	metrics.SlotReleaseTotal.WithLabelValues(campaignID, "force_release", outcome).Inc()
	return kind, nil
}

// ActiveCount returns the number of active (promoted) leases.
func (m *Manager) ActiveCount(ctx context.Context, campaignID string) (int, error) {
	active, _, err := coordination.Counts(ctx, m.store, coordination.K(campaignID))
	return active, err
}

// PreDialCount returns the number of outstanding pre-dial leases.
func (m *Manager) PreDialCount(ctx context.Context, campaignID string) (int, error) {
	_, preDial, err := coordination.Counts(ctx, m.store, coordination.K(campaignID))
	return preDial, err
}

// SetLimit updates the campaign's concurrency limit.
func (m *Manager) SetLimit(ctx context.Context, campaignID string, n int) error {
	if err := m.store.Set(ctx, coordination.K(campaignID).Limit(), n, 0).Err(); err != nil {
		return fmt.Errorf("slotmanager: setLimit: %w", err)
	}
	return nil
}

// GetLimit reads the campaign's concurrency limit, defaulting to 1 if unset
// (a campaign must always have *some* limit before it can dial).
func (m *Manager) GetLimit(ctx context.Context, campaignID string) (int, error) {
	v, err := m.store.Get(ctx, coordination.K(campaignID).Limit()).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 1, nil
		}
		return 0, fmt.Errorf("slotmanager: getLimit: %w", err)
	}
	return v, nil
}

// ListLeaseCallIDs returns the distinct call ids with a live lease
// (pre-dial or active), stripping the "pre-" prefix used internally to
// distinguish lease kind in the leases set. Used by Purge (spec.md §4.3)
// to enumerate every lease that must be force-released.
func (m *Manager) ListLeaseCallIDs(ctx context.Context, campaignID string) ([]string, error) {
	k := coordination.K(campaignID)
	members, err := m.store.SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return nil, fmt.Errorf("slotmanager: listLeaseCallIDs: %w", err)
	}
	seen := make(map[string]struct{}, len(members))
	var out []string
	for _, member := range members {
		callID := strings.TrimPrefix(member, "pre-")
		if _, ok := seen[callID]; ok {
			continue
		}
		seen[callID] = struct{}{}
		out = append(out, callID)
	}
	return out, nil
}

// SubscribeSlotAvailable lets the Promoter react to new availability.
func (m *Manager) SubscribeSlotAvailable(ctx context.Context, campaignID string) *redis.PubSub {
	return coordination.SubscribeSlotAvailable(ctx, m.store, coordination.K(campaignID))
}

func (m *Manager) refreshGauge(ctx context.Context, campaignID string) {
	active, preDial, err := coordination.Counts(ctx, m.store, coordination.K(campaignID))
	if err != nil {
		return
	}
	metrics.SlotLeasesActive.WithLabelValues(campaignID, "active").Set(float64(active))
	metrics.SlotLeasesActive.WithLabelValues(campaignID, "pre").Set(float64(preDial))
}
