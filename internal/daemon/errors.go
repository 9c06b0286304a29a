// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrMissingAPIHandler is returned when the API handler is not provided.
	ErrMissingAPIHandler = errors.New("API handler is required")

	// ErrMissingWebhookHandler is returned when the webhook handler is not provided.
	ErrMissingWebhookHandler = errors.New("webhook handler is required")

	// ErrManagerNotStarted is returned when Shutdown is called before Start.
	ErrManagerNotStarted = errors.New("manager not started")

	// ErrManagerAlreadyStarted is returned when Start is called twice.
	ErrManagerAlreadyStarted = errors.New("manager already started")
)
