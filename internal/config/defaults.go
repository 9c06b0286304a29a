// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Default returns an AppConfig populated with the values spec.md cites
// directly (pre-dial lease TTL, pool timeouts, inter-call delay, etc.) so a
// zero-config deployment behaves the way the design notes describe.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			APIAddr:       ":8080",
			WebhookAddr:   ":8081",
			MetricsAddr:   ":9090",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			ShutdownGrace: 15 * time.Second,
		},
		Store: StoreConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,

			PreDialLeaseTTL:   60 * time.Second,
			PromoteMutexTTL:   5 * time.Second,
			WaitlistMarkerTTL: 24 * time.Hour,
			PausedMarkerTTL:   24 * time.Hour,

			LeaseJanitorInterval:      10 * time.Second,
			WaitlistReconcileInterval: 30 * time.Second,
			LedgerReconcileInterval:   15 * time.Second,

			StuckCallMonitorInterval: 60 * time.Second,
			StuckCallThreshold:       2 * time.Hour,
			StuckCallBatchLimit:      100,

			InvariantMonitorInterval: 30 * time.Second,
		},
		Persist: PersistConfig{
			Path:         "dialer.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 25,
		},
		Telephony: TelephonyConfig{
			BaseURL:        "https://api.telephony.example.com",
			ConnectPath:    "/Calls/connect",
			WebhookPath:    "/webhooks/telephony",
			RequestTimeout: 10 * time.Second,
			KDFIterations:  100_000,
		},
		Voice: VoiceConfig{
			FrameBytes: 3200,

			STTPoolCapacity:   20,
			STTPoolQueueCap:   50,
			STTAcquireTimeout: 30 * time.Second,

			VoicemailMinDetectSeconds: 3.0,
			VoicemailConfidence:       0.7,

			DefaultLanguage: "en-US",
		},
		Dialer: DialerConfig{
			InterCallDelay:    1 * time.Second,
			InterCallJitter:   250 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			DefaultMaxRetries: 3,
			DefaultRetryDelay: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Insecure:    true,
			SampleRatio: 1.0,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			GlobalPerMin:  600,
			WebhookPerMin: 1200,
		},
	}
}
