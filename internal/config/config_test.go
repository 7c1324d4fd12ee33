package config

import (
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so ambient environment does not
// leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_ADDR", "DATABASE_URL", "FLAG_FILE", "REMOTE_CONFIG_URL",
		"REMOTE_POLL_INTERVAL", "EVAL_CACHE_TTL", "DEFAULT_VERSION",
		"USER_OVERRIDES_ENABLED", "ENVIRONMENT", "V1_UPSTREAM_URL",
		"V2_UPSTREAM_URL", "API_KEYS", "AUTH_RATE_LIMIT",
		"MAX_JSON_BODY_SIZE", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.RemotePollInterval != 30*time.Second {
		t.Errorf("RemotePollInterval = %v, want 30s", cfg.RemotePollInterval)
	}
	if cfg.EvalCacheTTL != time.Minute {
		t.Errorf("EvalCacheTTL = %v, want 1m", cfg.EvalCacheTTL)
	}
	if cfg.DefaultVersion != "1.0" {
		t.Errorf("DefaultVersion = %q, want %q", cfg.DefaultVersion, "1.0")
	}
	if !cfg.UserOverridesEnabled {
		t.Error("UserOverridesEnabled = false, want true")
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "production")
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("APIKeys = %v, want empty", cfg.APIKeys)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("REMOTE_POLL_INTERVAL", "5s")
	t.Setenv("EVAL_CACHE_TTL", "10s")
	t.Setenv("DEFAULT_VERSION", "2.0")
	t.Setenv("USER_OVERRIDES_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("V1_UPSTREAM_URL", "http://legacy:8080")
	t.Setenv("V2_UPSTREAM_URL", "http://next:8080")
	t.Setenv("API_KEYS", "svc-a:$2a$10$hashA, svc-b:$2a$10$hashB")
	t.Setenv("AUTH_RATE_LIMIT", "3")
	t.Setenv("MAX_JSON_BODY_SIZE", "2048")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.RemotePollInterval != 5*time.Second {
		t.Errorf("RemotePollInterval = %v", cfg.RemotePollInterval)
	}
	if cfg.EvalCacheTTL != 10*time.Second {
		t.Errorf("EvalCacheTTL = %v", cfg.EvalCacheTTL)
	}
	if cfg.DefaultVersion != "2.0" {
		t.Errorf("DefaultVersion = %q", cfg.DefaultVersion)
	}
	if cfg.UserOverridesEnabled {
		t.Error("UserOverridesEnabled = true, want false")
	}
	if cfg.V1UpstreamURL != "http://legacy:8080" || cfg.V2UpstreamURL != "http://next:8080" {
		t.Errorf("upstreams = %q, %q", cfg.V1UpstreamURL, cfg.V2UpstreamURL)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0].ID != "svc-a" || cfg.APIKeys[1].ID != "svc-b" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.AuthRateLimit != 3 {
		t.Errorf("AuthRateLimit = %d", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 2048 {
		t.Errorf("MaxJSONBodySize = %d", cfg.MaxJSONBodySize)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad poll interval", key: "REMOTE_POLL_INTERVAL", value: "soon"},
		{name: "negative poll interval", key: "REMOTE_POLL_INTERVAL", value: "-1s"},
		{name: "bad cache ttl", key: "EVAL_CACHE_TTL", value: "forever"},
		{name: "zero cache ttl", key: "EVAL_CACHE_TTL", value: "0s"},
		{name: "bad default version", key: "DEFAULT_VERSION", value: "3.0"},
		{name: "bad overrides flag", key: "USER_OVERRIDES_ENABLED", value: "maybe"},
		{name: "lone v1 upstream", key: "V1_UPSTREAM_URL", value: "http://legacy:8080"},
		{name: "lone v2 upstream", key: "V2_UPSTREAM_URL", value: "http://next:8080"},
		{name: "bad api key entry", key: "API_KEYS", value: "missing-separator"},
		{name: "bad rate limit", key: "AUTH_RATE_LIMIT", value: "0"},
		{name: "bad body size", key: "MAX_JSON_BODY_SIZE", value: "-5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "single", raw: "svc:hash", want: 1},
		{name: "multiple with spaces", raw: "a:h1, b:h2 ,c:h3", want: 3},
		{name: "trailing comma", raw: "a:h1,", want: 1},
		{name: "missing hash", raw: "a:", wantErr: true},
		{name: "missing id", raw: ":h1", wantErr: true},
		{name: "no separator", raw: "justakey", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			keys, err := parseAPIKeys(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseAPIKeys(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
			if len(keys) != tc.want {
				t.Errorf("parseAPIKeys(%q) len = %d, want %d", tc.raw, len(keys), tc.want)
			}
		})
	}
}
