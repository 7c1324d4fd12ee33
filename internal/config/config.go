// Package config loads server configuration from environment variables and
// from the optional local YAML flag file.
//
// Required variables: none; the server runs fully in-memory by default.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - DATABASE_URL: PostgreSQL connection string; enables the persistent
//     flag/cohort store when set.
//   - FLAG_FILE: path to a YAML file with a top-level "flags" map, merged
//     into the in-memory flag map at startup and on file change.
//   - REMOTE_CONFIG_URL: endpoint polled for {"flags": {...}} payloads.
//   - REMOTE_POLL_INTERVAL: remote polling interval (default "30s", > 0).
//   - EVAL_CACHE_TTL: evaluation cache TTL (default "1m", > 0).
//   - DEFAULT_VERSION: fallback routing version, "1.0" or "2.0"
//     (default "1.0").
//   - USER_OVERRIDES_ENABLED: honor user preferred versions (default "true").
//   - ENVIRONMENT: "production" hides internal error messages in routing
//     responses (default "production").
//   - V1_UPSTREAM_URL / V2_UPSTREAM_URL: upstream base URLs for the gateway
//     version handlers; both or neither must be set.
//   - API_KEYS: comma-separated id:bcrypt-hash pairs; empty disables auth.
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", > 0).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", > 0).
//   - LOG_LEVEL: "debug", "info", "warn", or "error" (default "info").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultRemotePollInterval       = 30 * time.Second
	defaultEvalCacheTTL             = time.Minute
	defaultVersion                  = "1.0"
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
)

// APIKey pairs a key ID with the bcrypt hash of its secret.
type APIKey struct {
	ID   string
	Hash string
}

// Config holds the runtime configuration for the flipgate server.
type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	FlagFile             string
	RemoteConfigURL      string
	RemotePollInterval   time.Duration
	EvalCacheTTL         time.Duration
	DefaultVersion       string
	UserOverridesEnabled bool
	Environment          string
	V1UpstreamURL        string
	V2UpstreamURL        string
	APIKeys              []APIKey
	AuthRateLimit        int
	MaxJSONBodySize      int64
	LogLevel             string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		FlagFile:             strings.TrimSpace(os.Getenv("FLAG_FILE")),
		RemoteConfigURL:      strings.TrimSpace(os.Getenv("REMOTE_CONFIG_URL")),
		RemotePollInterval:   defaultRemotePollInterval,
		EvalCacheTTL:         defaultEvalCacheTTL,
		DefaultVersion:       envOrDefault("DEFAULT_VERSION", defaultVersion),
		UserOverridesEnabled: true,
		Environment:          envOrDefault("ENVIRONMENT", "production"),
		V1UpstreamURL:        strings.TrimSpace(os.Getenv("V1_UPSTREAM_URL")),
		V2UpstreamURL:        strings.TrimSpace(os.Getenv("V2_UPSTREAM_URL")),
		AuthRateLimit:        defaultAuthRateLimit,
		MaxJSONBodySize:      defaultMaxJSONBodySize,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
	}

	if value := strings.TrimSpace(os.Getenv("REMOTE_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse REMOTE_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("REMOTE_POLL_INTERVAL must be > 0")
		}
		cfg.RemotePollInterval = parsed
	}

	if value := strings.TrimSpace(os.Getenv("EVAL_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse EVAL_CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("EVAL_CACHE_TTL must be > 0")
		}
		cfg.EvalCacheTTL = parsed
	}

	if cfg.DefaultVersion != "1.0" && cfg.DefaultVersion != "2.0" {
		return Config{}, errors.New(`DEFAULT_VERSION must be "1.0" or "2.0"`)
	}

	if value := strings.TrimSpace(os.Getenv("USER_OVERRIDES_ENABLED")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse USER_OVERRIDES_ENABLED: %w", err)
		}
		cfg.UserOverridesEnabled = parsed
	}

	if (cfg.V1UpstreamURL == "") != (cfg.V2UpstreamURL == "") {
		return Config{}, errors.New("V1_UPSTREAM_URL and V2_UPSTREAM_URL must be set together")
	}

	keys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys = keys

	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be a positive integer")
		}
		cfg.AuthRateLimit = parsed
	}

	if value := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = parsed
	}

	return cfg, nil
}

// parseAPIKeys parses comma-separated "id:hash" pairs. The hash is the bcrypt
// hash of the key secret; raw secrets never appear in configuration.
func parseAPIKeys(raw string) ([]APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	keys := make([]APIKey, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, hash, found := strings.Cut(part, ":")
		if !found || strings.TrimSpace(id) == "" || strings.TrimSpace(hash) == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be id:hash", part)
		}
		keys = append(keys, APIKey{ID: strings.TrimSpace(id), Hash: strings.TrimSpace(hash)})
	}

	return keys, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
