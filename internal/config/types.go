// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the fully resolved, validated runtime configuration for the
// dialer process. It is assembled once at startup by Loader.Load and may be
// hot-swapped afterwards by ConfigHolder for the fields that are safe to
// change without disrupting in-flight leases or sessions.
type AppConfig struct {
	Version string

	Server     ServerConfig
	Store      StoreConfig
	Persist    PersistConfig
	Telephony  TelephonyConfig
	Voice      VoiceConfig
	Dialer     DialerConfig
	Log        LogConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
}

// ServerConfig controls the HTTP API, webhook, and metrics listeners.
type ServerConfig struct {
	APIAddr     string
	WebhookAddr string
	MetricsAddr string
	ReadTimeout time.Duration
	WriteTimeout time.Duration
	ShutdownGrace time.Duration
}

// StoreConfig points at the coordination store (Redis or Redis-protocol
// compatible) backing the Slot Manager, waitlists, and reserved ledger.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int

	PreDialLeaseTTL   time.Duration
	PromoteMutexTTL   time.Duration
	WaitlistMarkerTTL time.Duration
	PausedMarkerTTL   time.Duration

	LeaseJanitorInterval      time.Duration
	WaitlistReconcileInterval time.Duration
	LedgerReconcileInterval   time.Duration

	// StuckCallMonitorInterval governs how often the stuck-call monitor
	// sweeps for CallSessions that never reached a terminal status
	// (spec.md §5, §8 scenario 2).
	StuckCallMonitorInterval time.Duration
	StuckCallThreshold       time.Duration
	StuckCallBatchLimit      int

	// InvariantMonitorInterval governs how often the invariant monitor
	// cross-checks active-lease counts against the configured concurrent
	// limit per campaign (spec.md §8 "Testable Properties").
	InvariantMonitorInterval time.Duration
}

// PersistConfig points at the durable sqlite store for campaigns, contacts,
// and call sessions.
type PersistConfig struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// TelephonyConfig controls the outbound telephony gateway client and the
// credential-at-rest encryption applied to per-phone provider secrets.
type TelephonyConfig struct {
	// BaseURL is the telephony gateway's host, e.g.
	// "https://api.telephony.example.com".
	BaseURL        string
	ConnectPath    string
	WebhookPath    string
	RequestTimeout time.Duration

	// CredentialSecret seeds PBKDF2-SHA256 key derivation (100k iterations)
	// for AES-256-GCM encryption of stored provider credentials.
	CredentialSecret string
	KDFIterations    int
}

// VoiceConfig controls the voice-session turn loop and its STT/LLM/TTS
// dependencies.
type VoiceConfig struct {
	FrameBytes int

	STTPoolCapacity    int
	STTPoolQueueCap    int
	STTAcquireTimeout  time.Duration

	VoicemailMinDetectSeconds float64
	VoicemailConfidence       float64

	DefaultLanguage string
}

// DialerConfig controls campaign-level dial throttling and retry behavior.
type DialerConfig struct {
	InterCallDelay    time.Duration
	InterCallJitter   time.Duration
	MaxBackoff        time.Duration
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
}

// LogConfig configures the base zerolog logger.
type LogConfig struct {
	Level  string
	Pretty bool
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool
	OTLPEndpoint string
	Insecure    bool
	SampleRatio float64
}

// RateLimitConfig configures the per-IP/global HTTP rate limiter in front of
// the campaign API and webhook endpoints.
type RateLimitConfig struct {
	Enabled      bool
	GlobalPerMin int
	WebhookPerMin int
}
