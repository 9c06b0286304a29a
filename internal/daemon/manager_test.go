// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/callforge/dialer/internal/config"
	"github.com/callforge/dialer/internal/log"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func reserveListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve listen addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForListen(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("listen timeout")
}

func TestNewManager_ValidDeps(t *testing.T) {
	deps := Deps{
		Logger:         log.WithComponent("test"),
		APIHandler:     http.NotFoundHandler(),
		WebhookHandler: http.NotFoundHandler(),
	}
	serverCfg := config.ServerConfig{
		APIAddr:       "127.0.0.1:0",
		WebhookAddr:   "127.0.0.1:0",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		ShutdownGrace: 5 * time.Second,
	}

	mgr, err := NewManager(serverCfg, deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if mgr == nil {
		t.Fatal("NewManager() returned nil manager")
	}
}

func TestNewManager_MissingAPIHandler(t *testing.T) {
	deps := Deps{Logger: zerolog.Nop(), WebhookHandler: http.NotFoundHandler()}
	if _, err := NewManager(config.ServerConfig{}, deps); !errors.Is(err, ErrMissingAPIHandler) {
		t.Fatalf("expected ErrMissingAPIHandler wrapped, got %v", err)
	}
}

func TestNewManager_MissingWebhookHandler(t *testing.T) {
	deps := Deps{Logger: zerolog.Nop(), APIHandler: http.NotFoundHandler()}
	if _, err := NewManager(config.ServerConfig{}, deps); !errors.Is(err, ErrMissingWebhookHandler) {
		t.Fatalf("expected ErrMissingWebhookHandler wrapped, got %v", err)
	}
}

type fakeReconciler struct {
	name    string
	started chan struct{}
}

func (f *fakeReconciler) Name() string { return f.name }

func (f *fakeReconciler) Run(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerStartAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	apiAddr := reserveListenAddr(t)
	webhookAddr := reserveListenAddr(t)
	reconciler := &fakeReconciler{name: "lease-janitor", started: make(chan struct{})}

	deps := Deps{
		Logger:         log.WithComponent("test"),
		APIHandler:     http.NotFoundHandler(),
		WebhookHandler: http.NotFoundHandler(),
		Reconcilers:    []Reconciler{reconciler},
	}
	serverCfg := config.ServerConfig{
		APIAddr:       apiAddr,
		WebhookAddr:   webhookAddr,
		ReadTimeout:   2 * time.Second,
		WriteTimeout:  2 * time.Second,
		ShutdownGrace: 2 * time.Second,
	}

	mgr, err := NewManager(serverCfg, deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var hookCalled bool
	mgr.RegisterShutdownHook("test-hook", func(ctx context.Context) error {
		hookCalled = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Start(ctx) }()

	if err := waitForListen(apiAddr, 2*time.Second); err != nil {
		t.Fatalf("API server did not start listening: %v", err)
	}
	if err := waitForListen(webhookAddr, 2*time.Second); err != nil {
		t.Fatalf("webhook server did not start listening: %v", err)
	}
	select {
	case <-reconciler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned error after shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not shut down in time")
	}

	if !hookCalled {
		t.Error("expected shutdown hook to run")
	}
}

func TestManagerShutdownBeforeStart(t *testing.T) {
	deps := Deps{
		Logger:         log.WithComponent("test"),
		APIHandler:     http.NotFoundHandler(),
		WebhookHandler: http.NotFoundHandler(),
	}
	mgr, err := NewManager(config.ServerConfig{ShutdownGrace: time.Second}, deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := mgr.Shutdown(context.Background()); !errors.Is(err, ErrManagerNotStarted) {
		t.Fatalf("expected ErrManagerNotStarted, got %v", err)
	}
}
