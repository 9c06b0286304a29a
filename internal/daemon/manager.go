// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/callforge/dialer/internal/config"
	"github.com/rs/zerolog"
)

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order (LIFO), so the last thing wired up is the
// first thing torn down.
type ShutdownHook func(ctx context.Context) error

// Manager owns the HTTP listeners and background reconciler goroutines for
// one dialer process.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	RegisterShutdownHook(name string, hook ShutdownHook)
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type manager struct {
	serverCfg config.ServerConfig
	deps      Deps

	apiServer     *http.Server
	webhookServer *http.Server
	metricsServer *http.Server

	shutdownHooks []namedHook

	reconcilerCancel context.CancelFunc
	reconcilerWG     sync.WaitGroup

	started bool
	mu      sync.Mutex

	logger zerolog.Logger
}

// NewManager builds a Manager bound to the given server config and deps.
func NewManager(serverCfg config.ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &manager{
		serverCfg: serverCfg,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// Start starts the API, webhook, and (optional) metrics servers plus every
// registered reconciler, then blocks until ctx is canceled or a server
// fails.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrManagerAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Dur("read_timeout", m.serverCfg.ReadTimeout).
		Dur("write_timeout", m.serverCfg.WriteTimeout).
		Dur("shutdown_grace", m.serverCfg.ShutdownGrace).
		Msg("starting daemon manager")

	errChan := make(chan error, 3+len(m.deps.Reconcilers))

	m.startAPIServer(errChan)
	m.startWebhookServer(errChan)
	if m.serverCfg.MetricsAddr != "" && m.deps.MetricsHandler != nil {
		m.startMetricsServer(errChan)
	}
	m.startReconcilers(ctx, errChan)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil {
			return fmt.Errorf("%w (shutdown: %v)", err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(context.Background())
	}
}

func (m *manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:         m.serverCfg.APIAddr,
		Handler:      m.deps.APIHandler,
		ReadTimeout:  m.serverCfg.ReadTimeout,
		WriteTimeout: m.serverCfg.WriteTimeout,
	}
	go func() {
		m.logger.Info().Str("addr", m.serverCfg.APIAddr).Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "api.server.failed").Msg("API server failed")
			errChan <- fmt.Errorf("API server: %w", err)
		}
	}()
}

func (m *manager) startWebhookServer(errChan chan<- error) {
	m.webhookServer = &http.Server{
		Addr:         m.serverCfg.WebhookAddr,
		Handler:      m.deps.WebhookHandler,
		ReadTimeout:  m.serverCfg.ReadTimeout,
		WriteTimeout: m.serverCfg.WriteTimeout,
	}
	go func() {
		m.logger.Info().Str("addr", m.serverCfg.WebhookAddr).Msg("webhook server listening")
		if err := m.webhookServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "webhook.server.failed").Msg("webhook server failed")
			errChan <- fmt.Errorf("webhook server: %w", err)
		}
	}()
}

func (m *manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:    m.serverCfg.MetricsAddr,
		Handler: m.deps.MetricsHandler,
	}
	go func() {
		m.logger.Info().Str("addr", m.serverCfg.MetricsAddr).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "metrics.server.failed").Msg("metrics server failed")
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// startReconcilers launches every registered background loop under a
// cancelable child of the caller's ctx; Shutdown also cancels it
// explicitly through reconcilerCancel.
func (m *manager) startReconcilers(ctx context.Context, errChan chan<- error) {
	rctx, cancel := context.WithCancel(ctx)
	m.reconcilerCancel = cancel

	for _, r := range m.deps.Reconcilers {
		r := r
		m.reconcilerWG.Add(1)
		go func() {
			defer m.reconcilerWG.Done()
			m.logger.Info().Str("reconciler", r.Name()).Msg("reconciler starting")
			if err := r.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Str("reconciler", r.Name()).Msg("reconciler exited with error")
				errChan <- fmt.Errorf("reconciler %s: %w", r.Name(), err)
			}
		}()
	}
}

// Shutdown gracefully stops the servers, reconcilers, and every registered
// hook (LIFO).
func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrManagerNotStarted
	}

	m.logger.Info().Msg("shutting down daemon manager")
	shutdownCtx, cancel := context.WithTimeout(ctx, m.serverCfg.ShutdownGrace)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	if m.webhookServer != nil {
		if err := m.webhookServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("webhook server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if m.reconcilerCancel != nil {
		m.reconcilerCancel()
		done := make(chan struct{})
		go func() {
			m.reconcilerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			errs = append(errs, errors.New("reconcilers did not stop within shutdown grace period"))
		}
	}

	for i := len(m.shutdownHooks) - 1; i >= 0; i-- {
		hook := m.shutdownHooks[i]
		start := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", hook.name).Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
		} else {
			m.logger.Debug().Str("hook", hook.name).Dur("duration", time.Since(start)).Msg("shutdown hook completed")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function run in LIFO order
// during Shutdown.
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}
