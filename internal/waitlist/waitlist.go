// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package waitlist implements the priority-ordered contact queue and its
// promotion engine (spec.md §4.2, component C2): push/pop against two
// ordered lists per campaign, a reserved ledger that survives promoter
// crashes, and a promote loop serialized per campaign by a short-TTL mutex.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/callforge/dialer/internal/coordination"
	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Tier is a waitlist priority tier.
type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
)

// Mode controls pop order within a tier. LIFO is "available for use cases
// that prefer last-in-first-out" (spec.md §4.2); FIFO/priority both pop
// from the head.
type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModeLIFO     Mode = "lifo"
	ModePriority Mode = "priority"
)

// DefaultFairnessN is the default "every N-th pop reads normal" cadence
// (spec.md §4.2).
const DefaultFairnessN = 4

// ErrEmpty is returned by Pop when both tiers are empty.
var ErrEmpty = errors.New("waitlist: empty")

// Job is the (jobId, preToken) pair handed to the Dispatcher's process
// entry point on a successful promotion.
type Job struct {
	CampaignID string
	JobID      string
	PreToken   string
}

// Dispatch is the Call Orchestrator's "process" entry point. Promote calls
// it non-blocking per spec.md §4.2 step 4; implementations should enqueue
// onto a bounded, back-pressured channel rather than dial synchronously.
type Dispatch func(ctx context.Context, job Job) error

// Waitlist is the Waitlist & Promoter contract (spec.md §4.2).
type Waitlist struct {
	store  coordination.Store
	slots  *slotmanager.Manager
	dial   Dispatch
	marker time.Duration
	mutex  time.Duration

	fairnessN   int
	popCounters map[string]int

	// interCallDelay and interCallJitter drive the per-campaign dial
	// throttle: a golang.org/x/time/rate.Limiter per campaign, plus a
	// small random jitter, so a pause/resume cycle doesn't redial every
	// waitlisted contact in the same instant (spec.md §5 supplement).
	interCallDelay  time.Duration
	interCallJitter time.Duration
	throttleMu      sync.Mutex
	throttles       map[string]*rate.Limiter
}

// New constructs a Waitlist. markerTTL bounds how long a marker key lives
// before the waitlist reconciler (§5) would consider it stale; mutexTTL is
// the promote-mutex lease duration. interCallDelay sets the minimum spacing
// between successive dial dispatches within a campaign; interCallJitter
// adds bounded randomness on top of it.
func New(store coordination.Store, slots *slotmanager.Manager, dial Dispatch, markerTTL, mutexTTL, interCallDelay, interCallJitter time.Duration) *Waitlist {
	return &Waitlist{
		store:           store,
		slots:           slots,
		dial:            dial,
		marker:          markerTTL,
		mutex:           mutexTTL,
		fairnessN:       DefaultFairnessN,
		popCounters:     make(map[string]int),
		interCallDelay:  interCallDelay,
		interCallJitter: interCallJitter,
		throttles:       make(map[string]*rate.Limiter),
	}
}

// throttleFor returns the campaign's dial-rate limiter, creating it on
// first use. A burst of 1 means each dispatch must wait for its own token;
// bursts never compound across the pause between promotions.
func (w *Waitlist) throttleFor(campaignID string) *rate.Limiter {
	w.throttleMu.Lock()
	defer w.throttleMu.Unlock()
	lim, ok := w.throttles[campaignID]
	if !ok {
		every := w.interCallDelay
		if every <= 0 {
			every = time.Millisecond
		}
		lim = rate.NewLimiter(rate.Every(every), 1)
		w.throttles[campaignID] = lim
	}
	return lim
}

// waitDialSlot blocks until the campaign's throttle admits the next dial,
// then sleeps a small extra jitter so a cold-start burst of promotions
// (e.g. after Resume) doesn't land on the gateway in lockstep.
func (w *Waitlist) waitDialSlot(ctx context.Context, campaignID string) error {
	if err := w.throttleFor(campaignID).Wait(ctx); err != nil {
		return fmt.Errorf("waitlist: dial throttle: %w", err)
	}
	if w.interCallJitter <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(rand.Int63n(int64(w.interCallJitter)))):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push appends jobID to the tail of the tier's ordered list and sets its
// marker key (spec.md §4.2).
func (w *Waitlist) Push(ctx context.Context, campaignID, jobID string, tier Tier) error {
	k := coordination.K(campaignID)
	if err := w.store.RPush(ctx, k.WaitlistKey(string(tier)), jobID).Err(); err != nil {
		return fmt.Errorf("waitlist: push: %w", err)
	}
	if err := w.store.Set(ctx, k.WaitlistMarker(jobID), string(tier), w.marker).Err(); err != nil {
		return fmt.Errorf("waitlist: push marker: %w", err)
	}
	w.refreshDepthGauge(ctx, campaignID)
	return nil
}

// pushFront re-pushes a job to the head of its origin queue, used when a
// reserved job fails acquirePreDial (spec.md §4.2 step 3).
func (w *Waitlist) pushFront(ctx context.Context, campaignID, jobID string, tier Tier) error {
	k := coordination.K(campaignID)
	if err := w.store.LPush(ctx, k.WaitlistKey(string(tier)), jobID).Err(); err != nil {
		return fmt.Errorf("waitlist: pushFront: %w", err)
	}
	if err := w.store.Set(ctx, k.WaitlistMarker(jobID), string(tier), w.marker).Err(); err != nil {
		return fmt.Errorf("waitlist: pushFront marker: %w", err)
	}
	w.refreshDepthGauge(ctx, campaignID)
	return nil
}

// Pop removes and returns the next job per the campaign's mode and fairness
// settings (spec.md §4.2).
func (w *Waitlist) Pop(ctx context.Context, campaignID string, mode Mode, fairnessBit bool) (jobID string, tier Tier, err error) {
	k := coordination.K(campaignID)

	preferNormal := fairnessBit && w.shouldPreferNormal(campaignID)
	order := []Tier{TierHigh, TierNormal}
	if preferNormal {
		order = []Tier{TierNormal, TierHigh}
	}

	for _, t := range order {
		jobID, err = w.popOne(ctx, k, t, mode)
		if err != nil {
			return "", "", err
		}
		if jobID != "" {
			return jobID, t, nil
		}
	}
	return "", "", ErrEmpty
}

func (w *Waitlist) shouldPreferNormal(campaignID string) bool {
	w.popCounters[campaignID]++
	n := w.fairnessN
	if n <= 0 {
		n = DefaultFairnessN
	}
	return w.popCounters[campaignID]%n == 0
}

func (w *Waitlist) popOne(ctx context.Context, k coordination.Keys, t Tier, mode Mode) (string, error) {
	key := k.WaitlistKey(string(t))
	var jobID string
	var err error
	if mode == ModeLIFO {
		jobID, err = w.store.RPop(ctx, key).Result()
	} else {
		jobID, err = w.store.LPop(ctx, key).Result()
	}
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("waitlist: pop %s: %w", t, err)
	}
	return jobID, nil
}

// Promote is the main promotion engine (spec.md §4.2). It is serialized per
// campaign by the promote-mutex and pulls jobs while the slot manager
// reports spare capacity and the campaign's paused flag is not set.
func (w *Waitlist) Promote(ctx context.Context, campaignID string, mode Mode, fairnessBit bool) error {
	k := coordination.K(campaignID)
	token, ok, err := coordination.TryLock(ctx, w.store, k, w.mutex)
	if err != nil {
		return fmt.Errorf("waitlist: promote lock: %w", err)
	}
	if !ok {
		// Another promoter is already running this campaign's loop.
		return nil
	}
	defer func() {
		if unlockErr := coordination.Unlock(ctx, w.store, k, token); unlockErr != nil {
			log.WithComponent("waitlist").Warn().Err(unlockErr).
				Str("campaign_id", campaignID).Msg("failed to release promote-mutex")
		}
	}()

	logger := log.WithComponent("waitlist")
	limit, err := w.slots.GetLimit(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("waitlist: promote getLimit: %w", err)
	}

	for {
		paused, err := w.store.Exists(ctx, k.Paused()).Result()
		if err != nil {
			return fmt.Errorf("waitlist: promote paused check: %w", err)
		}
		if paused > 0 {
			return nil
		}
		active, err := w.slots.ActiveCount(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("waitlist: promote activeCount: %w", err)
		}
		preDial, err := w.slots.PreDialCount(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("waitlist: promote preDialCount: %w", err)
		}
		if active+preDial >= limit {
			return nil
		}

		start := time.Now()
		jobID, tier, err := w.Pop(ctx, campaignID, mode, fairnessBit)
		if errors.Is(err, ErrEmpty) {
			metrics.PromotionsTotal.WithLabelValues(campaignID, "empty").Inc()
			return nil
		}
		if err != nil {
			return fmt.Errorf("waitlist: promote pop: %w", err)
		}

		if err := w.reserve(ctx, campaignID, jobID, tier); err != nil {
			return fmt.Errorf("waitlist: promote reserve: %w", err)
		}

		preToken, acquireErr := w.slots.AcquirePreDial(ctx, campaignID, jobID)
		if acquireErr != nil {
			metrics.PromotionsTotal.WithLabelValues(campaignID, "denied").Inc()
			if unreserveErr := w.unreserve(ctx, campaignID, jobID); unreserveErr != nil {
				logger.Warn().Err(unreserveErr).Str("job_id", jobID).Msg("failed to clear reserved ledger entry")
			}
			if pushErr := w.pushFront(ctx, campaignID, jobID, tier); pushErr != nil {
				logger.Error().Err(pushErr).Str("job_id", jobID).Msg("failed to re-push denied job")
			}
			return nil
		}

		if err := w.unreserve(ctx, campaignID, jobID); err != nil {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to clear reserved ledger entry after acquire")
		}

		metrics.PromotionsTotal.WithLabelValues(campaignID, "dispatched").Inc()
		metrics.PromotionLatency.WithLabelValues(campaignID).Observe(time.Since(start).Seconds())
		w.refreshDepthGauge(ctx, campaignID)

		if err := w.waitDialSlot(ctx, campaignID); err != nil {
			return fmt.Errorf("waitlist: promote throttle: %w", err)
		}

		if dialErr := w.dial(ctx, Job{CampaignID: campaignID, JobID: jobID, PreToken: preToken}); dialErr != nil {
			logger.Error().Err(dialErr).Str("job_id", jobID).Msg("dispatch handoff failed")
		}
	}
}

func (w *Waitlist) reserve(ctx context.Context, campaignID, jobID string, tier Tier) error {
	k := coordination.K(campaignID)
	member := string(tier) + ":" + jobID
	return w.store.ZAdd(ctx, k.ReservedLedger(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: member}).Err()
}

func (w *Waitlist) unreserve(ctx context.Context, campaignID, jobID string) error {
	k := coordination.K(campaignID)
	members, err := w.store.ZRange(ctx, k.ReservedLedger(), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		if strings.HasSuffix(m, ":"+jobID) {
			return w.store.ZRem(ctx, k.ReservedLedger(), m).Err()
		}
	}
	return nil
}

// Rebuild is the reconciler hook (spec.md §4.2) that restores the marker
// key of every scanned waitlisted job whose marker is missing; the job
// stays where it is in its list, and the returned count is the number of
// markers restored. It is invoked by the Waitlist reconciler in
// internal/reconcile.
func (w *Waitlist) Rebuild(ctx context.Context, campaignID string, limit int) (rePushed int, err error) {
	k := coordination.K(campaignID)
	for _, t := range []Tier{TierHigh, TierNormal} {
		ids, rErr := w.store.LRange(ctx, k.WaitlistKey(string(t)), 0, int64(limit-1)).Result()
		if rErr != nil {
			return rePushed, fmt.Errorf("waitlist: rebuild lrange: %w", rErr)
		}
		for _, jobID := range ids {
			exists, existsErr := w.store.Exists(ctx, k.WaitlistMarker(jobID)).Result()
			if existsErr != nil {
				return rePushed, fmt.Errorf("waitlist: rebuild exists: %w", existsErr)
			}
			if exists == 0 {
				if setErr := w.store.Set(ctx, k.WaitlistMarker(jobID), string(t), w.marker).Err(); setErr != nil {
					return rePushed, fmt.Errorf("waitlist: rebuild set marker: %w", setErr)
				}
				rePushed++
			}
		}
	}
	return rePushed, nil
}

// ReconcileLedger re-pushes reserved-ledger entries older than threshold,
// recovering from a promoter crash between reserve and acquirePreDial
// (spec.md §4.2 Failure).
func (w *Waitlist) ReconcileLedger(ctx context.Context, campaignID string, threshold time.Duration) (rePushed int, err error) {
	k := coordination.K(campaignID)
	maxScore := float64(time.Now().Add(-threshold).UnixMilli())
	stale, err := w.store.ZRangeByScore(ctx, k.ReservedLedger(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", maxScore)}).Result()
	if err != nil {
		return 0, fmt.Errorf("waitlist: reconcileLedger: %w", err)
	}
	for _, member := range stale {
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		tier, jobID := Tier(parts[0]), parts[1]
		if err := w.pushFront(ctx, campaignID, jobID, tier); err != nil {
			return rePushed, fmt.Errorf("waitlist: reconcileLedger push: %w", err)
		}
		if err := w.store.ZRem(ctx, k.ReservedLedger(), member).Err(); err != nil {
			return rePushed, fmt.Errorf("waitlist: reconcileLedger zrem: %w", err)
		}
		rePushed++
		metrics.LedgerOrphansRepushed.WithLabelValues(campaignID).Inc()
	}
	return rePushed, nil
}

// Cancel drains both tiers for a campaign, returning the job ids removed
// (used by Campaign.cancel, spec.md §4.3).
func (w *Waitlist) Cancel(ctx context.Context, campaignID string) ([]string, error) {
	k := coordination.K(campaignID)
	var removed []string
	for _, t := range []Tier{TierHigh, TierNormal} {
		key := k.WaitlistKey(string(t))
		for {
			jobID, err := w.store.LPop(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return removed, fmt.Errorf("waitlist: cancel: %w", err)
			}
			removed = append(removed, jobID)
			_ = w.store.Del(ctx, k.WaitlistMarker(jobID)).Err()
		}
	}
	w.refreshDepthGauge(ctx, campaignID)
	return removed, nil
}

func (w *Waitlist) refreshDepthGauge(ctx context.Context, campaignID string) {
	k := coordination.K(campaignID)
	highLen, err := w.store.LLen(ctx, k.WaitlistHigh()).Result()
	if err == nil {
		metrics.WaitlistDepth.WithLabelValues(campaignID, "high").Set(float64(highLen))
	}
	normalLen, err := w.store.LLen(ctx, k.WaitlistNormal()).Result()
	if err == nil {
		metrics.WaitlistDepth.WithLabelValues(campaignID, "normal").Set(float64(normalLen))
	}
}
