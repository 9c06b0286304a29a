// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-decodable subset of AppConfig. Every field is a
// pointer so the loader can tell "absent from file" apart from "explicitly
// zero", and only overlay what the operator actually set.
type FileConfig struct {
	Server *struct {
		APIAddr     *string `yaml:"apiAddr"`
		WebhookAddr *string `yaml:"webhookAddr"`
		MetricsAddr *string `yaml:"metricsAddr"`
	} `yaml:"server"`

	Store *struct {
		Addr              *string        `yaml:"addr"`
		Password          *string        `yaml:"password"`
		DB                *int           `yaml:"db"`
		PreDialLeaseTTL   *time.Duration `yaml:"preDialLeaseTTL"`
		PromoteMutexTTL   *time.Duration `yaml:"promoteMutexTTL"`
		WaitlistMarkerTTL *time.Duration `yaml:"waitlistMarkerTTL"`
	} `yaml:"store"`

	Persist *struct {
		Path         *string `yaml:"path"`
		MaxOpenConns *int    `yaml:"maxOpenConns"`
	} `yaml:"persist"`

	Telephony *struct {
		BaseURL          *string `yaml:"baseUrl"`
		ConnectPath      *string `yaml:"connectPath"`
		WebhookPath      *string `yaml:"webhookPath"`
		CredentialSecret *string `yaml:"credentialSecret"`
	} `yaml:"telephony"`

	Voice *struct {
		STTPoolCapacity *int     `yaml:"sttPoolCapacity"`
		STTPoolQueueCap *int     `yaml:"sttPoolQueueCap"`
		DefaultLanguage *string  `yaml:"defaultLanguage"`
	} `yaml:"voice"`

	Dialer *struct {
		InterCallDelay    *time.Duration `yaml:"interCallDelay"`
		DefaultMaxRetries *int           `yaml:"defaultMaxRetries"`
		DefaultRetryDelay *time.Duration `yaml:"defaultRetryDelay"`
	} `yaml:"dialer"`

	Log *struct {
		Level  *string `yaml:"level"`
		Pretty *bool   `yaml:"pretty"`
	} `yaml:"log"`

	Tracing *struct {
		Enabled      *bool    `yaml:"enabled"`
		OTLPEndpoint *string  `yaml:"otlpEndpoint"`
		SampleRatio  *float64 `yaml:"sampleRatio"`
	} `yaml:"tracing"`
}

// Loader resolves AppConfig with precedence ENV > File > Defaults.
type Loader struct {
	configPath      string
	version         string
	consumedEnvKeys map[string]struct{}
	lookupEnvFn     envLookupFunc
}

// NewLoader creates a loader that reads the process environment.
func NewLoader(configPath, version string) *Loader {
	return NewLoaderWithEnv(configPath, version, os.LookupEnv)
}

// NewLoaderWithEnv creates a loader with an injected environment source, for
// tests that need deterministic env without touching the real process
// environment.
func NewLoaderWithEnv(configPath, version string, lookup envLookupFunc) *Loader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Loader{
		configPath:      configPath,
		version:         version,
		consumedEnvKeys: make(map[string]struct{}),
		lookupEnvFn:     lookup,
	}
}

// Load resolves configuration: defaults, overlaid by the YAML file (if any),
// overlaid by environment variables, then validated.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Default()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string) (*FileConfig, error) {
	ext := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	if ext != "yaml" && ext != "yml" {
		return nil, fmt.Errorf("unsupported config format: .%s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file path is provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) {
	if f == nil {
		return
	}
	if s := f.Server; s != nil {
		if s.APIAddr != nil {
			cfg.Server.APIAddr = *s.APIAddr
		}
		if s.WebhookAddr != nil {
			cfg.Server.WebhookAddr = *s.WebhookAddr
		}
		if s.MetricsAddr != nil {
			cfg.Server.MetricsAddr = *s.MetricsAddr
		}
	}
	if s := f.Store; s != nil {
		if s.Addr != nil {
			cfg.Store.Addr = *s.Addr
		}
		if s.Password != nil {
			cfg.Store.Password = *s.Password
		}
		if s.DB != nil {
			cfg.Store.DB = *s.DB
		}
		if s.PreDialLeaseTTL != nil {
			cfg.Store.PreDialLeaseTTL = *s.PreDialLeaseTTL
		}
		if s.PromoteMutexTTL != nil {
			cfg.Store.PromoteMutexTTL = *s.PromoteMutexTTL
		}
		if s.WaitlistMarkerTTL != nil {
			cfg.Store.WaitlistMarkerTTL = *s.WaitlistMarkerTTL
		}
	}
	if s := f.Persist; s != nil {
		if s.Path != nil {
			cfg.Persist.Path = *s.Path
		}
		if s.MaxOpenConns != nil {
			cfg.Persist.MaxOpenConns = *s.MaxOpenConns
		}
	}
	if s := f.Telephony; s != nil {
		if s.BaseURL != nil {
			cfg.Telephony.BaseURL = *s.BaseURL
		}
		if s.ConnectPath != nil {
			cfg.Telephony.ConnectPath = *s.ConnectPath
		}
		if s.WebhookPath != nil {
			cfg.Telephony.WebhookPath = *s.WebhookPath
		}
		if s.CredentialSecret != nil {
			cfg.Telephony.CredentialSecret = *s.CredentialSecret
		}
	}
	if s := f.Voice; s != nil {
		if s.STTPoolCapacity != nil {
			cfg.Voice.STTPoolCapacity = *s.STTPoolCapacity
		}
		if s.STTPoolQueueCap != nil {
			cfg.Voice.STTPoolQueueCap = *s.STTPoolQueueCap
		}
		if s.DefaultLanguage != nil {
			cfg.Voice.DefaultLanguage = *s.DefaultLanguage
		}
	}
	if s := f.Dialer; s != nil {
		if s.InterCallDelay != nil {
			cfg.Dialer.InterCallDelay = *s.InterCallDelay
		}
		if s.DefaultMaxRetries != nil {
			cfg.Dialer.DefaultMaxRetries = *s.DefaultMaxRetries
		}
		if s.DefaultRetryDelay != nil {
			cfg.Dialer.DefaultRetryDelay = *s.DefaultRetryDelay
		}
	}
	if s := f.Log; s != nil {
		if s.Level != nil {
			cfg.Log.Level = *s.Level
		}
		if s.Pretty != nil {
			cfg.Log.Pretty = *s.Pretty
		}
	}
	if s := f.Tracing; s != nil {
		if s.Enabled != nil {
			cfg.Tracing.Enabled = *s.Enabled
		}
		if s.OTLPEndpoint != nil {
			cfg.Tracing.OTLPEndpoint = *s.OTLPEndpoint
		}
		if s.SampleRatio != nil {
			cfg.Tracing.SampleRatio = *s.SampleRatio
		}
	}
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Server.APIAddr = l.envString("DIALER_API_ADDR", cfg.Server.APIAddr)
	cfg.Server.WebhookAddr = l.envString("DIALER_WEBHOOK_ADDR", cfg.Server.WebhookAddr)
	cfg.Server.MetricsAddr = l.envString("DIALER_METRICS_ADDR", cfg.Server.MetricsAddr)

	cfg.Store.Addr = l.envString("DIALER_STORE_ADDR", cfg.Store.Addr)
	cfg.Store.Password = l.envString("DIALER_STORE_PASSWORD", cfg.Store.Password)
	cfg.Store.DB = l.envInt("DIALER_STORE_DB", cfg.Store.DB)
	cfg.Store.PreDialLeaseTTL = l.envDuration("DIALER_PREDIAL_LEASE_TTL", cfg.Store.PreDialLeaseTTL)

	cfg.Persist.Path = l.envString("DIALER_DB_PATH", cfg.Persist.Path)

	cfg.Telephony.BaseURL = l.envString("DIALER_TELEPHONY_BASE_URL", cfg.Telephony.BaseURL)
	cfg.Telephony.CredentialSecret = l.envString("DIALER_CREDENTIAL_SECRET", cfg.Telephony.CredentialSecret)

	cfg.Voice.STTPoolCapacity = l.envInt("DIALER_STT_POOL_CAPACITY", cfg.Voice.STTPoolCapacity)
	cfg.Voice.STTPoolQueueCap = l.envInt("DIALER_STT_POOL_QUEUE_CAP", cfg.Voice.STTPoolQueueCap)
	cfg.Voice.DefaultLanguage = l.envString("DIALER_DEFAULT_LANGUAGE", cfg.Voice.DefaultLanguage)

	cfg.Dialer.InterCallDelay = l.envDuration("DIALER_INTER_CALL_DELAY", cfg.Dialer.InterCallDelay)
	cfg.Dialer.DefaultMaxRetries = l.envInt("DIALER_DEFAULT_MAX_RETRIES", cfg.Dialer.DefaultMaxRetries)

	cfg.Log.Level = l.envString("DIALER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = l.envBool("DIALER_LOG_PRETTY", cfg.Log.Pretty)

	cfg.Tracing.Enabled = l.envBool("DIALER_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.OTLPEndpoint = l.envString("DIALER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRatio = l.envFloat("DIALER_TRACE_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	cfg.RateLimit.Enabled = l.envBool("DIALER_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
}
