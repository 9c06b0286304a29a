// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/callforge/dialer/internal/ratelimit"
)

func TestRateLimit_AllowsThenRejects(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.GlobalRate = 1
	cfg.GlobalBurst = 1
	cfg.ModeRates = map[string]rate.Limit{"api": 1}
	cfg.ModeBurst = map[string]int{"api": 1}
	lim := ratelimit.New(cfg)

	handler := rateLimit(lim, "api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestRateLimit_NilLimiterAlwaysAllows(t *testing.T) {
	handler := rateLimit(nil, "api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
