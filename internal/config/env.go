// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callforge/dialer/internal/log"
)

type envLookupFunc func(string) (string, bool)

func (l *Loader) envString(key, defaultVal string) string {
	logger := log.WithComponent("config")
	v, ok := l.envLookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("source", "default").Msg("using default value")
		return defaultVal
	}
	if strings.Contains(strings.ToLower(key), "secret") || strings.Contains(strings.ToLower(key), "password") {
		logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	}
	return v
}

func (l *Loader) envInt(key string, defaultVal int) int {
	logger := log.WithComponent("config")
	v, ok := l.envLookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultVal).Msg("invalid integer in environment variable, using default")
		return defaultVal
	}
	return i
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	logger := log.WithComponent("config")
	v, ok := l.envLookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultVal).Msg("invalid float in environment variable, using default")
		return defaultVal
	}
	return f
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	logger := log.WithComponent("config")
	v, ok := l.envLookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultVal).Msg("invalid boolean in environment variable, using default")
		return defaultVal
	}
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := l.envLookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultVal).Msg("invalid duration in environment variable, using default")
		return defaultVal
	}
	return d
}

func (l *Loader) envLookup(key string) (string, bool) {
	l.consumedEnvKeys[key] = struct{}{}
	if l.lookupEnvFn == nil {
		return os.LookupEnv(key)
	}
	return l.lookupEnvFn(key)
}
