// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/metrics"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/telephony"
	"github.com/callforge/dialer/internal/waitlist"
	"github.com/google/uuid"
)

// ErrSessionNotFound means the caller referenced a call session id unknown
// to this store.
var ErrSessionNotFound = errors.New("orchestrator: session not found")

// ErrInvalidHangup means Hangup was called on a session that is not
// currently ringing or in-progress (spec.md §4.4).
var ErrInvalidHangup = errors.New("orchestrator: session not in a hangable state")

// Orchestrator is the Call Orchestrator (spec.md §4.4, component C4): it
// owns the dial/webhook/hangup/markEnded operations that drive a
// CallSession from creation to settlement, bridging the Waitlist's
// promotion loop to the telephony gateway and, on settlement, to the
// campaign Dispatcher's retry policy.
type Orchestrator struct {
	sessions  *sqlite.CallSessionStore
	contacts  *sqlite.ContactStore
	campaigns *sqlite.CampaignStore
	phones    *sqlite.PhoneStore
	slots     *slotmanager.Manager
	gateway   *telephony.Client
	dispatch  *campaign.Dispatcher

	statusCallbackURL string
	callType          string

	dialQueue chan dialJob
}

type dialJob struct {
	ctx context.Context
	job waitlist.Job
}

// Config bundles the Orchestrator's tunables (SPEC_FULL.md dialer config).
type Config struct {
	// StatusCallbackURL is the dialer's own publicly reachable webhook
	// endpoint, passed to the gateway on every Connect so it knows where
	// to POST status callbacks (spec.md §6).
	StatusCallbackURL string
	// CallType is the gateway-specific call flavor (e.g. "trans").
	CallType string
	// DialQueueCapacity bounds how many promoted jobs may be waiting for
	// a free dial worker before Dial starts rejecting (back-pressure,
	// spec.md §4.2 "implementations should enqueue onto a bounded,
	// back-pressured channel rather than dial synchronously").
	DialQueueCapacity int
	// DialWorkers is the number of goroutines draining the dial queue.
	DialWorkers int
}

// New constructs an Orchestrator and starts its dial worker pool. Workers
// run until ctx is canceled.
func New(ctx context.Context, sessions *sqlite.CallSessionStore, contacts *sqlite.ContactStore, campaigns *sqlite.CampaignStore, phones *sqlite.PhoneStore, slots *slotmanager.Manager, gateway *telephony.Client, dispatch *campaign.Dispatcher, cfg Config) *Orchestrator {
	if cfg.DialQueueCapacity <= 0 {
		cfg.DialQueueCapacity = 256
	}
	if cfg.DialWorkers <= 0 {
		cfg.DialWorkers = 8
	}
	o := &Orchestrator{
		sessions:          sessions,
		contacts:          contacts,
		campaigns:         campaigns,
		phones:            phones,
		slots:             slots,
		gateway:           gateway,
		dispatch:          dispatch,
		statusCallbackURL: cfg.StatusCallbackURL,
		callType:          cfg.CallType,
		dialQueue:         make(chan dialJob, cfg.DialQueueCapacity),
	}
	for i := 0; i < cfg.DialWorkers; i++ {
		go o.dialWorker(ctx)
	}
	return o
}

// Dial satisfies waitlist.Dispatch's exact signature (spec.md §4.2 step 4)
// so it can be wired directly as a Waitlist's process entry point. It never
// dials inline: it enqueues the promoted job onto a bounded channel and
// returns immediately, applying back-pressure by returning an error when
// the queue is full rather than blocking the promote loop.
func (o *Orchestrator) Dial(ctx context.Context, job waitlist.Job) error {
	select {
	case o.dialQueue <- dialJob{ctx: context.WithoutCancel(ctx), job: job}:
		return nil
	default:
		return fmt.Errorf("orchestrator: dial queue full, dropping job %s/%s", job.CampaignID, job.JobID)
	}
}

func (o *Orchestrator) dialWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dj := <-o.dialQueue:
			o.doDial(dj.ctx, dj.job)
		}
	}
}

// doDial implements spec.md §4.4's dial(contact, preToken) -> session
// operation: load the contact, create the CallSession row, place the
// outbound call, and on success transition initiated -> ringing; on
// failure mark the session failed and force-release the slot the
// Waitlist's promote loop already reserved.
func (o *Orchestrator) doDial(ctx context.Context, job waitlist.Job) {
	logger := log.WithComponent("orchestrator")

	contact, err := o.contacts.Get(ctx, job.JobID)
	if err != nil {
		logger.Error().Err(err).Str("campaign_id", job.CampaignID).Str("contact_id", job.JobID).Msg("dial: load contact failed")
		o.releaseOnDialFailure(ctx, job)
		return
	}

	campaignRec, err := o.campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		logger.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("dial: load campaign failed")
		o.releaseOnDialFailure(ctx, job)
		return
	}

	phone, err := o.phones.Get(ctx, campaignRec.PhoneID)
	if err != nil {
		logger.Error().Err(err).Str("campaign_id", job.CampaignID).Str("phone_id", campaignRec.PhoneID).Msg("dial: load phone failed")
		o.releaseOnDialFailure(ctx, job)
		return
	}

	sessionIDStr := uuid.NewString()
	now := time.Now().UTC()

	cs := &sqlite.CallSession{
		ID:           sessionIDStr,
		SessionUUID:  sessionIDStr,
		UserID:       campaignRec.UserID,
		CampaignID:   job.CampaignID,
		ContactID:    contact.ID,
		AgentID:      campaignRec.AgentID,
		PhoneID:      phone.ID,
		Direction:    "outbound",
		Status:       sqlite.CallStatusInitiated,
		FromNumber:   phone.CallerID,
		ToNumber:     contact.Phone,
		CustomField:  &sessionIDStr,
		MetadataJSON: fmt.Sprintf(`{"preToken":%q}`, job.PreToken),
		CreatedAt:    now,
		InitiatedAt:  &now,
	}
	if err := o.sessions.Insert(ctx, cs); err != nil {
		logger.Error().Err(err).Str("session_id", sessionIDStr).Msg("dial: insert call session failed")
		o.releaseOnDialFailure(ctx, job)
		return
	}

	externalCallID, err := o.gateway.Connect(ctx, phone.CredentialsCiphertext, telephony.ConnectRequest{
		From:           phone.CallerID,
		To:             contact.Phone,
		CallerID:       phone.CallerID,
		CallType:       o.callType,
		StatusCallback: o.statusCallbackURL,
		CustomField:    sessionIDStr,
	})
	if err != nil {
		o.failDial(ctx, job, cs, err)
		return
	}

	if err := o.sessions.SetExternalCallID(ctx, sessionIDStr, externalCallID); err != nil {
		logger.Error().Err(err).Str("session_id", sessionIDStr).Msg("dial: store external call id failed")
	}
	if err := o.sessions.ApplyTransition(ctx, sessionIDStr, sqlite.TransitionInput{Status: sqlite.CallStatusRinging}); err != nil {
		logger.Error().Err(err).Str("session_id", sessionIDStr).Msg("dial: transition to ringing failed")
	}
	if err := o.contacts.MarkCalling(ctx, contact.ID); err != nil {
		logger.Warn().Err(err).Str("contact_id", contact.ID).Msg("dial: mark contact calling failed")
	}
	metrics.DialAttemptsTotal.WithLabelValues(job.CampaignID, "connected").Inc()
	metrics.CallSessionTransitions.WithLabelValues(sqlite.CallStatusInitiated, sqlite.CallStatusRinging).Inc()
	logger.Info().Str("session_id", sessionIDStr).Str("external_call_id", externalCallID).Msg("call dialed")
}

// failDial marks a created session failed, releases the reservation the
// Waitlist made, and feeds the outcome back through the Dispatcher so the
// contact's retry policy runs even when the gateway never gets a chance to
// deliver a status webhook (spec.md §4.3/§4.4).
func (o *Orchestrator) failDial(ctx context.Context, job waitlist.Job, cs *sqlite.CallSession, dialErr error) {
	logger := log.WithComponent("orchestrator")
	reason := sqlite.FailureReasonTelephonyError
	if errors.Is(dialErr, telephony.ErrCredentialsInvalid) {
		reason = sqlite.FailureReasonCredentialsInvalid
	}
	if err := o.sessions.ApplyTransition(ctx, cs.ID, sqlite.TransitionInput{
		Status:        sqlite.CallStatusFailed,
		FailureReason: reason,
		EndedAt:       timePtr(time.Now().UTC()),
	}); err != nil {
		logger.Error().Err(err).Str("session_id", cs.ID).Msg("failDial: transition to failed failed")
	}
	metrics.DialAttemptsTotal.WithLabelValues(job.CampaignID, "dial_failed").Inc()
	metrics.CallSessionTransitions.WithLabelValues(sqlite.CallStatusInitiated, sqlite.CallStatusFailed).Inc()
	logger.Warn().Err(dialErr).Str("session_id", cs.ID).Str("campaign_id", job.CampaignID).Msg("dial failed")

	o.releaseOnDialFailure(ctx, job)

	if err := o.dispatch.ApplyOutcome(ctx, job.CampaignID, campaign.Outcome{
		ContactID:  job.JobID,
		CallStatus: sqlite.CallStatusFailed,
	}); err != nil {
		logger.Error().Err(err).Str("campaign_id", job.CampaignID).Str("contact_id", job.JobID).Msg("failDial: applyOutcome failed")
	}
}

// releaseOnDialFailure releases the pre-dial lease the Waitlist's Promote
// loop already reserved before handing the job to Dial.
func (o *Orchestrator) releaseOnDialFailure(ctx context.Context, job waitlist.Job) {
	if _, err := o.slots.Release(ctx, job.CampaignID, job.JobID, job.PreToken, true, true); err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).
			Str("campaign_id", job.CampaignID).Str("contact_id", job.JobID).
			Msg("releaseOnDialFailure: release pre-dial lease failed")
	}
}

// OnStatusWebhook implements spec.md §4.4's onStatusWebhook(payload) ->
// void operation. It is idempotent via the three-tier lookup
// (FindByExternalCallID -> FindByCustomField -> FindByRoute), always
// returns nil so the HTTP layer answers 200 regardless of outcome (spec.md
// §7 webhook propagation policy), and on the session's first transition
// into in-progress upgrades the pre-dial lease to active; on any terminal
// transition it releases the lease and runs the campaign's retry policy.
func (o *Orchestrator) OnStatusWebhook(ctx context.Context, payload *telephony.StatusCallback) error {
	start := time.Now()
	defer func() { metrics.WebhookProcessingLatency.Observe(time.Since(start).Seconds()) }()

	logger := log.WithComponent("orchestrator")

	cs, err := o.findSession(ctx, payload)
	if err != nil {
		logger.Warn().Err(err).Str("call_sid", payload.CallSid).Msg("onStatusWebhook: session not found")
		return nil
	}

	event, ok := mapProviderStatus(payload.Status)
	if !ok {
		logger.Debug().Str("status", payload.Status).Str("session_id", cs.ID).Msg("onStatusWebhook: ignored status")
		return nil
	}

	next, changed, err := Fire(ctx, State(cs.Status), event)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", cs.ID).Str("from", cs.Status).Str("event", string(event)).Msg("onStatusWebhook: transition rejected")
		return nil
	}
	if !changed {
		return nil
	}

	in := sqlite.TransitionInput{
		Status:         string(next),
		OutboundStatus: mapOutboundStatus(payload.Status),
		RecordingURL:   payload.RecordingURL,
	}
	if payload.Duration > 0 {
		d := payload.Duration
		in.DurationSec = &d
	}
	if string(next) == sqlite.CallStatusInProgress && cs.StartedAt == nil {
		in.StartedAt = timePtr(time.Now().UTC())
	}
	if sqlite.Terminal(string(next)) {
		in.EndedAt = timePtr(time.Now().UTC())
		in.FailureReason = failureReasonForStatus(payload.Status)
		if in.DurationSec == nil && cs.DurationSec == 0 && cs.StartedAt != nil {
			d := int(in.EndedAt.Sub(*cs.StartedAt).Seconds())
			in.DurationSec = &d
		}
	}
	if err := o.sessions.ApplyTransition(ctx, cs.ID, in); err != nil {
		logger.Error().Err(err).Str("session_id", cs.ID).Msg("onStatusWebhook: apply transition failed")
		return nil
	}
	metrics.CallSessionTransitions.WithLabelValues(cs.Status, string(next)).Inc()

	preToken := preTokenFromMetadata(cs.MetadataJSON)
	if string(next) == sqlite.CallStatusInProgress && cs.Status != sqlite.CallStatusInProgress {
		activeToken, err := o.slots.Upgrade(ctx, cs.CampaignID, cs.ContactID, preToken)
		if err != nil {
			if !errors.Is(err, slotmanager.ErrStaleToken) {
				logger.Warn().Err(err).Str("session_id", cs.ID).Msg("onStatusWebhook: upgrade lease failed")
			}
		} else {
			meta := fmt.Sprintf(`{"preToken":%q,"activeToken":%q}`, preToken, activeToken)
			if err := o.sessions.SetMetadataJSON(ctx, cs.ID, meta); err != nil {
				logger.Warn().Err(err).Str("session_id", cs.ID).Msg("onStatusWebhook: persist active token failed")
			}
		}
	}

	if sqlite.Terminal(string(next)) {
		o.settleSession(ctx, cs, string(next), mapOutboundStatus(payload.Status))
	}
	return nil
}

// settleSession runs the release-lease and retry-policy side effects every
// terminal transition requires.
func (o *Orchestrator) settleSession(ctx context.Context, cs *sqlite.CallSession, finalStatus, outboundStatus string) {
	logger := log.WithComponent("orchestrator")

	// Prefer the documented token-based release (spec.md §4.4): it proves
	// we're releasing the lease this call actually holds. Fall back to the
	// token-less recovery path only when no active token was stamped (the
	// call never reached in-progress) or the stored token no longer matches.
	released := false
	if activeToken := activeTokenFromMetadata(cs.MetadataJSON); activeToken != "" {
		ok, err := o.slots.Release(ctx, cs.CampaignID, cs.ContactID, activeToken, false, true)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", cs.ID).Msg("settleSession: release active lease failed")
		}
		released = ok
	}
	if !released {
		kind, err := o.slots.ForceRelease(ctx, cs.CampaignID, cs.ContactID, true)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", cs.ID).Msg("settleSession: forceRelease failed")
		} else if kind == slotmanager.ReleaseKindNone {
			logger.Debug().Str("session_id", cs.ID).Msg("settleSession: no lease to release")
		}
	}

	if err := o.dispatch.ApplyOutcome(ctx, cs.CampaignID, campaign.Outcome{
		ContactID:      cs.ContactID,
		CallStatus:     finalStatus,
		OutboundStatus: outboundStatus,
		CostCents:      0,
	}); err != nil {
		logger.Error().Err(err).Str("campaign_id", cs.CampaignID).Str("session_id", cs.ID).Msg("settleSession: applyOutcome failed")
	}
}

// findSession runs the idempotent 3-tier correlation lookup (spec.md §4.4):
// external call id, then the CustomField the dialer itself stamped at dial
// time, then a 5-minute (from, to, createdAt) route match as a last resort
// for gateways that drop CustomField on the status callback.
func (o *Orchestrator) findSession(ctx context.Context, payload *telephony.StatusCallback) (*sqlite.CallSession, error) {
	if payload.CallSid != "" {
		if cs, err := o.sessions.FindByExternalCallID(ctx, payload.CallSid); err == nil {
			return cs, nil
		}
	}
	if payload.CustomField != "" {
		if cs, err := o.sessions.FindByCustomField(ctx, payload.CustomField); err == nil {
			if cs.ExternalCallID == nil && payload.CallSid != "" {
				_ = o.sessions.SetExternalCallID(ctx, cs.ID, payload.CallSid)
			}
			return cs, nil
		}
	}
	if payload.CallFrom != "" && payload.CallTo != "" {
		since := time.Now().Add(-5 * time.Minute)
		if cs, err := o.sessions.FindByRoute(ctx, payload.CallFrom, payload.CallTo, since); err == nil {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("no matching session for call_sid=%q custom_field=%q", payload.CallSid, payload.CustomField)
}

// Hangup implements spec.md §4.4's hangup(session) operation: legal only
// while the session is ringing or in-progress.
func (o *Orchestrator) Hangup(ctx context.Context, sessionID string) error {
	cs, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if cs.Status != sqlite.CallStatusRinging && cs.Status != sqlite.CallStatusInProgress {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidHangup, sessionID, cs.Status)
	}
	next, changed, err := Fire(ctx, State(cs.Status), EventHangup)
	if err != nil {
		return fmt.Errorf("orchestrator: hangup: %w", err)
	}
	if !changed {
		return nil
	}
	if err := o.sessions.ApplyTransition(ctx, sessionID, sqlite.TransitionInput{
		Status:  string(next),
		EndedAt: timePtr(time.Now().UTC()),
	}); err != nil {
		return fmt.Errorf("orchestrator: hangup: apply transition: %w", err)
	}
	metrics.CallSessionTransitions.WithLabelValues(cs.Status, string(next)).Inc()
	o.settleSession(ctx, cs, string(next), sqlite.OutboundStatusConnected)
	return nil
}

// MarkEnded implements spec.md §4.4's markEnded(session) operation: the
// idempotent terminal marker the voice session uses when the websocket
// stream closes before any status webhook arrives.
func (o *Orchestrator) MarkEnded(ctx context.Context, sessionID string) error {
	cs, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if sqlite.Terminal(cs.Status) {
		return nil
	}
	next, changed, err := Fire(ctx, State(cs.Status), EventMarkEnded)
	if err != nil {
		return fmt.Errorf("orchestrator: markEnded: %w", err)
	}
	if !changed {
		return nil
	}
	if err := o.sessions.ApplyTransition(ctx, sessionID, sqlite.TransitionInput{
		Status:  string(next),
		EndedAt: timePtr(time.Now().UTC()),
	}); err != nil {
		return fmt.Errorf("orchestrator: markEnded: apply transition: %w", err)
	}
	metrics.CallSessionTransitions.WithLabelValues(cs.Status, string(next)).Inc()
	o.settleSession(ctx, cs, string(next), sqlite.OutboundStatusConnected)
	return nil
}

// MarkVoicemail implements the voice session's Terminator contract: the
// voicemail classifier (spec.md §4.5 "Voicemail detection") fired, so the
// call ends immediately, settles as completed/voicemail, and feeds the
// campaign's voicemail retry policy (spec.md §4.3 outcome table).
func (o *Orchestrator) MarkVoicemail(ctx context.Context, sessionID string) error {
	cs, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if sqlite.Terminal(cs.Status) {
		return nil
	}
	next, changed, err := Fire(ctx, State(cs.Status), EventVoicemail)
	if err != nil {
		return fmt.Errorf("orchestrator: markVoicemail: %w", err)
	}
	if !changed {
		return nil
	}
	if err := o.sessions.ApplyTransition(ctx, sessionID, sqlite.TransitionInput{
		Status:         string(next),
		OutboundStatus: sqlite.OutboundStatusVoicemail,
		FailureReason:  sqlite.FailureReasonVoicemail,
		EndedAt:        timePtr(time.Now().UTC()),
	}); err != nil {
		return fmt.Errorf("orchestrator: markVoicemail: apply transition: %w", err)
	}
	metrics.CallSessionTransitions.WithLabelValues(cs.Status, string(next)).Inc()
	o.settleSession(ctx, cs, string(next), sqlite.OutboundStatusVoicemail)
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
