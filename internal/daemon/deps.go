// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"net/http"

	"github.com/callforge/dialer/internal/config"
	"github.com/rs/zerolog"
)

// Deps contains dependencies required by the daemon Manager. Keeping the
// manager bound to http.Handler and the Reconciler interface (rather than
// concrete coordination/campaign types) lets the composition root
// (cmd/dialer) own all the wiring.
type Deps struct {
	Logger zerolog.Logger

	// APIHandler serves the campaign/contact/call HTTP API.
	APIHandler http.Handler
	// WebhookHandler serves inbound telephony status callbacks. Run on a
	// separate listener so an API rate-limit incident never blocks
	// providers retrying a delivery.
	WebhookHandler http.Handler
	// MetricsHandler serves /metrics. Empty MetricsAddr disables it.
	MetricsHandler http.Handler
	MetricsAddr    string

	// Reconcilers run as supervised background goroutines for the life of
	// the process (lease janitor, waitlist reconciler, ledger reconciler,
	// stuck-call monitor). Each must respect ctx cancellation promptly.
	Reconcilers []Reconciler
}

// Reconciler is a named background loop started by the Manager and stopped
// during graceful shutdown.
type Reconciler interface {
	Name() string
	Run(ctx context.Context) error
}

// Validate checks that the dependencies are sufficient to start.
func (d *Deps) Validate() error {
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	if d.WebhookHandler == nil {
		return ErrMissingWebhookHandler
	}
	return nil
}
