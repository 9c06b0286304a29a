// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package reconcile implements the five background repair loops spec.md §5
// requires to exist: the lease janitor, waitlist reconciler, ledger
// reconciler, invariant monitor, and stuck-call monitor. Each is a
// daemon.Reconciler started and stopped by the daemon Manager.
package reconcile

import (
	"context"
	"time"

	"github.com/callforge/dialer/internal/log"
	"github.com/rs/zerolog"
)

// runTicker is the shared loop shape every reconciler in this package uses:
// run once immediately, then every interval, until ctx is canceled. tick
// errors are logged and swallowed so one bad sweep never kills the loop.
func runTicker(ctx context.Context, logger zerolog.Logger, interval time.Duration, tick func(ctx context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if err := tick(ctx); err != nil {
		logger.Warn().Err(err).Msg("reconcile tick failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				logger.Warn().Err(err).Msg("reconcile tick failed")
			}
		}
	}
}

func componentLogger(name string) zerolog.Logger {
	return log.WithComponent("reconcile").With().Str("reconciler", name).Logger()
}
