// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT

// Command dialer is the composition root for the outbound calling daemon:
// it wires durable persistence, the coordination store, the five core
// components (C1-C5), the background reconcilers, and the HTTP surface,
// then hands them to internal/daemon.Manager for the process lifetime.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/callforge/dialer/internal/api"
	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/config"
	"github.com/callforge/dialer/internal/coordination"
	"github.com/callforge/dialer/internal/daemon"
	dialerlog "github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/orchestrator"
	"github.com/callforge/dialer/internal/persistence/sqlite"
	"github.com/callforge/dialer/internal/ratelimit"
	"github.com/callforge/dialer/internal/reconcile"
	"github.com/callforge/dialer/internal/slotmanager"
	"github.com/callforge/dialer/internal/telemetry"
	"github.com/callforge/dialer/internal/telephony"
	"github.com/callforge/dialer/internal/voice"
	"github.com/callforge/dialer/internal/waitlist"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	dialerlog.Configure(dialerlog.Config{Level: "info", Service: "dialer", Version: version})
	logger := dialerlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	holder := config.NewConfigHolder(cfg, loader, *configPath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config file watcher did not start")
	}

	dialerlog.Configure(dialerlog.Config{Level: cfg.Log.Level, Service: "dialer", Version: version})

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "dialer",
		ServiceVersion: version,
		ExporterType:   "grpc",
		Endpoint:       cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	db, err := sqlite.Open(cfg.Persist.Path, sqlite.Config{
		BusyTimeout:  cfg.Persist.BusyTimeout,
		MaxOpenConns: cfg.Persist.MaxOpenConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open durable store")
	}
	if err := sqlite.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	store := coordination.NewClient(cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
	if err := coordination.Ping(ctx, store); err != nil {
		logger.Fatal().Err(err).Msg("failed to reach coordination store")
	}

	campaigns := sqlite.NewCampaignStore(db)
	contacts := sqlite.NewContactStore(db)
	sessions := sqlite.NewCallSessionStore(db)
	phones := sqlite.NewPhoneStore(db)

	slots := slotmanager.New(store, cfg.Store.PreDialLeaseTTL)

	cipher := telephony.NewCredentialCipher(cfg.Telephony.CredentialSecret, cfg.Telephony.KDFIterations)
	gateway := telephony.NewClient(cfg.Telephony.BaseURL, cfg.Telephony.ConnectPath, cfg.Telephony.RequestTimeout, cipher)

	// The Waitlist's promote loop dials through the Call Orchestrator, and
	// the Orchestrator settles outcomes through the Dispatcher, which in
	// turn pushes onto the Waitlist. Breaking that three-way cycle means
	// the Waitlist is built first against a forwarding closure that only
	// resolves orch once construction finishes below (spec.md §4.2 step 4).
	var orch *orchestrator.Orchestrator
	wl := waitlist.New(store, slots, func(ctx context.Context, job waitlist.Job) error {
		return orch.Dial(ctx, job)
	}, cfg.Store.WaitlistMarkerTTL, cfg.Store.PromoteMutexTTL, cfg.Dialer.InterCallDelay, cfg.Dialer.InterCallJitter)

	dispatch := campaign.New(store, slots, wl, campaigns, contacts, cfg.Dialer.DefaultMaxRetries, cfg.Dialer.DefaultRetryDelay)

	statusCallbackURL := publicURL(cfg.Server.WebhookAddr, cfg.Telephony.WebhookPath)
	orch = orchestrator.New(ctx, sessions, contacts, campaigns, phones, slots, gateway, dispatch, orchestrator.Config{
		StatusCallbackURL: statusCallbackURL,
		CallType:          "trans",
		DialQueueCapacity: 256,
		DialWorkers:       8,
	})

	registry := voice.NewRegistry()

	campaignServer := api.NewCampaignServer(dispatch, campaigns, contacts, sessions, 3*time.Second)
	webhookServer := api.NewWebhookServer(orch, func(sessionID string) string {
		return streamURL(cfg.Server.WebhookAddr, sessionID)
	})
	voiceStreamServer := api.NewVoiceStreamServer(sessions, stubAgentConfigLoader{}, registry, orch)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rlCfg := ratelimit.DefaultConfig()
		rlCfg.GlobalRate = rate.Limit(float64(cfg.RateLimit.GlobalPerMin) / 60)
		rlCfg.ModeRates["api"] = rate.Limit(float64(cfg.RateLimit.GlobalPerMin) / 60)
		rlCfg.ModeRates["webhook"] = rate.Limit(float64(cfg.RateLimit.WebhookPerMin) / 60)
		limiter = ratelimit.New(rlCfg)
	}

	apiRouter := api.NewCampaignRouter(campaignServer, limiter, rateLimitOrZero(cfg.RateLimit.Enabled, cfg.RateLimit.GlobalPerMin))
	webhookRouter := api.NewWebhookRouter(webhookServer, voiceStreamServer, limiter, rateLimitOrZero(cfg.RateLimit.Enabled, cfg.RateLimit.WebhookPerMin))

	reconcilers := []daemon.Reconciler{
		reconcile.NewLeaseJanitor(campaigns, contacts, slots, cfg.Store.LeaseJanitorInterval),
		reconcile.NewWaitlistReconciler(campaigns, wl, cfg.Store.WaitlistReconcileInterval, 0),
		reconcile.NewLedgerReconciler(campaigns, wl, cfg.Store.LedgerReconcileInterval, cfg.Store.WaitlistMarkerTTL),
		reconcile.NewStuckCallMonitor(sessions, slots, dispatch, cfg.Store.StuckCallMonitorInterval, cfg.Store.StuckCallThreshold, cfg.Store.StuckCallBatchLimit),
		reconcile.NewInvariantMonitor(campaigns, slots, cfg.Store.InvariantMonitorInterval),
	}

	mgr, err := daemon.NewManager(cfg.Server, daemon.Deps{
		Logger:         logger,
		APIHandler:     apiRouter,
		WebhookHandler: webhookRouter,
		MetricsHandler: promhttp.Handler(),
		MetricsAddr:    cfg.Server.MetricsAddr,
		Reconcilers:    reconcilers,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build daemon manager")
	}

	mgr.RegisterShutdownHook("sqlite", func(ctx context.Context) error {
		return db.Close()
	})
	mgr.RegisterShutdownHook("config-watcher", func(ctx context.Context) error {
		holder.Stop()
		return nil
	})
	mgr.RegisterShutdownHook("tracing", tracer.Shutdown)

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

// publicURL renders the dialer's own webhook endpoint for the gateway's
// StatusCallback field (spec.md §6); addr is typically just a port
// (":8081"), masked behind a reverse proxy in production.
func publicURL(addr, path string) string {
	u := url.URL{Scheme: "http", Host: "localhost" + addr, Path: path}
	return u.String()
}

func streamURL(addr, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: "localhost" + addr, Path: "/voice/" + sessionID}
	return u.String()
}

func rateLimitOrZero(enabled bool, perMin int) int {
	if !enabled {
		return 0
	}
	return perMin
}

// stubAgentConfigLoader is the external-collaborator seam spec.md §1 places
// out of scope: agent CRUD and concrete STT/LLM/TTS adapters live in
// whatever system owns agent configuration. A real deployment replaces this
// with an implementation backed by that system.
type stubAgentConfigLoader struct{}

func (stubAgentConfigLoader) Load(ctx context.Context, agentID string) (api.CallRuntime, error) {
	return api.CallRuntime{}, fmt.Errorf("dialer: agent config loading is not wired (agent %s); provide an api.AgentConfigLoader implementation", agentID)
}
