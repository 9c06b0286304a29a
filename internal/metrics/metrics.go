// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics provides Prometheus metrics collection for the dialer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Slot Manager (C1)
	SlotLeasesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_slot_leases_active",
		Help: "Current number of leases held per campaign by kind (pre, active)",
	}, []string{"campaign_id", "kind"})

	SlotAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_slot_acquire_total",
		Help: "Slot acquisition attempts by outcome (ok, denied)",
	}, []string{"campaign_id", "outcome"})

	SlotUpgradeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_slot_upgrade_total",
		Help: "Pre-dial to active upgrade attempts by outcome (ok, stale)",
	}, []string{"campaign_id", "outcome"})

	SlotReleaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_slot_release_total",
		Help: "Lease release attempts by method (release, force_release) and outcome",
	}, []string{"campaign_id", "method", "outcome"})

	// Waitlist & Promoter (C2)
	WaitlistDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_waitlist_depth",
		Help: "Current waitlist length per campaign and priority tier",
	}, []string{"campaign_id", "tier"})

	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_promotions_total",
		Help: "Promotion attempts by outcome (dispatched, denied, empty)",
	}, []string{"campaign_id", "outcome"})

	PromotionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dialer_promotion_latency_seconds",
		Help:    "Time from pop to dispatch handoff during promotion",
		Buckets: prometheus.DefBuckets,
	}, []string{"campaign_id"})

	LedgerOrphansRepushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_ledger_orphans_repushed_total",
		Help: "Reserved-ledger entries re-pushed by the ledger reconciler",
	}, []string{"campaign_id"})

	// Campaign Dispatcher (C3)
	CampaignContactsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_campaign_contacts",
		Help: "Contact counters per campaign by status",
	}, []string{"campaign_id", "status"})

	// Call Orchestrator (C4)
	DialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_dial_attempts_total",
		Help: "Outbound dial attempts by outcome",
	}, []string{"campaign_id", "outcome"})

	WebhookProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dialer_webhook_processing_seconds",
		Help:    "Time to process an inbound telephony status webhook",
		Buckets: prometheus.DefBuckets,
	})

	CallSessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_call_session_transitions_total",
		Help: "CallSession FSM transitions by (from, to)",
	}, []string{"from", "to"})

	StuckCallsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_stuck_calls_reclaimed_total",
		Help: "Calls forcibly marked failed by the stuck-call monitor",
	})

	InvariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_invariant_violations_total",
		Help: "Invariant monitor detections by campaign and invariant name",
	}, []string{"campaign_id", "invariant"})

	// Voice Session (C5)
	TurnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dialer_voice_turn_latency_seconds",
		Help:    "End-to-end turn latency by stage (stt, llm, tts)",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	VoicemailDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_voicemail_detected_total",
		Help: "Calls terminated by voicemail detection",
	})

	LanguageSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_language_switches_total",
		Help: "Mid-call language switches by target language",
	}, []string{"language"})

	STTPoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialer_stt_pool_active",
		Help: "Active streaming STT connections held from the pool",
	})
	STTPoolQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialer_stt_pool_queued",
		Help: "Acquire requests currently queued for the STT pool",
	})
	STTPoolTotalAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_stt_pool_acquired_total",
		Help: "Total successful STT pool acquisitions",
	})
	STTPoolTotalReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_stt_pool_released_total",
		Help: "Total STT pool releases",
	})
	STTPoolTotalTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_stt_pool_timeout_total",
		Help: "Total acquire requests that timed out waiting for a pool slot",
	})
	STTPoolTotalFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialer_stt_pool_failed_total",
		Help: "Total acquire requests that failed outright (capacity exceeded)",
	})

	// Ambient: bus-drop counters, and the circuit breaker metrics used by internal/resilience.
	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_bus_drop_total",
		Help: "Total number of in-memory bus message drops (backpressure)",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_bus_dropped_total",
		Help: "Total number of in-memory bus message drops by topic and reason",
	}, []string{"topic", "reason"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialer_circuit_breaker_state",
		Help: "Circuit breaker state by component (closed=1, half-open=1, open=1; others 0)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialer_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"component", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a circuit breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}

// IncBusDrop records a dropped bus message for the given topic.
func IncBusDrop(topic string) {
	IncBusDropReason(topic, "full")
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDropsTotal.WithLabelValues(topic).Inc()
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
