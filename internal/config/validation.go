// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"github.com/callforge/dialer/internal/validate"
)

// Validate fails closed on any setting that would let the process start in
// an inconsistent or unsafe state.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.NotEmpty("server.apiAddr", cfg.Server.APIAddr)
	v.NotEmpty("server.webhookAddr", cfg.Server.WebhookAddr)
	v.NotEmpty("store.addr", cfg.Store.Addr)
	v.NotEmpty("persist.path", cfg.Persist.Path)

	v.Positive("store.preDialLeaseTTL", int(cfg.Store.PreDialLeaseTTL))
	v.Positive("persist.maxOpenConns", cfg.Persist.MaxOpenConns)

	v.NotEmpty("telephony.baseUrl", cfg.Telephony.BaseURL)
	if cfg.Telephony.CredentialSecret == "" {
		v.AddError("telephony.credentialSecret", "must not be empty (used to derive the credential encryption key)", cfg.Telephony.CredentialSecret)
	}
	v.Range("telephony.kdfIterations", cfg.Telephony.KDFIterations, 10_000, 1_000_000)

	v.Range("voice.sttPoolCapacity", cfg.Voice.STTPoolCapacity, 1, 1000)
	v.Range("voice.sttPoolQueueCap", cfg.Voice.STTPoolQueueCap, 0, 10_000)
	v.Range("voice.frameBytes", cfg.Voice.FrameBytes, 160, 65536)
	v.Range("voice.voicemailConfidence", int(cfg.Voice.VoicemailConfidence*100), 0, 100)

	v.Range("dialer.defaultMaxRetries", cfg.Dialer.DefaultMaxRetries, 0, 10)
	v.Positive("dialer.interCallDelay", int(cfg.Dialer.InterCallDelay))

	v.OneOf("log.level", cfg.Log.Level, []string{"debug", "info", "warn", "error"})

	if cfg.Tracing.Enabled {
		v.NotEmpty("tracing.otlpEndpoint", cfg.Tracing.OTLPEndpoint)
	}
	v.Range("tracing.sampleRatio", int(cfg.Tracing.SampleRatio*100), 0, 100)

	return v.Err()
}
