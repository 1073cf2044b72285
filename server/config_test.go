package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.OAuth.ClientID = "loginguard-web"
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:3000
  dev_mode: true
oauth:
  # zitadel instance
  discovery_url: http://localhost:8080/.well-known/openid-configuration
  client_id: from-file
policy:
  allowed_countries: [India]
`)

	t.Setenv("LOGINGUARD_OAUTH_CLIENT_ID", "from-env")
	t.Setenv("LOGINGUARD_POLICY_ALLOWED_COUNTRIES", "India, Nepal ,")
	t.Setenv("LOGINGUARD_INFERENCE_TIMEOUT", "3s")
	t.Setenv("LOGINGUARD_SESSIONS_REDIS_DB", "4")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.OAuth.ClientID != "from-env" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.OAuth.ClientID)
	}
	if len(cfg.Policy.AllowedCountries) != 2 || cfg.Policy.AllowedCountries[1] != "Nepal" {
		t.Fatalf("AllowedCountries override mismatch, got %v", cfg.Policy.AllowedCountries)
	}
	if cfg.Inference.Timeout != 3*time.Second {
		t.Fatalf("Inference timeout override mismatch, got %s", cfg.Inference.Timeout)
	}
	if cfg.Sessions.RedisDB != 4 {
		t.Fatalf("RedisDB override mismatch, got %d", cfg.Sessions.RedisDB)
	}
	if cfg.Inference.Options.NumPredict != 150 {
		t.Fatalf("default inference options lost: %+v", cfg.Inference.Options)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `oauth:
  client_id: web
  clientsecret: typo
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "# only a comment\n")
	t.Setenv("LOGINGUARD_OAUTH_CLIENT_ID", "web")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Audit.Driver != AuditDriverFile || cfg.Sessions.Store != StoreMemory {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Audit, cfg.Sessions)
	}
}

func TestConfigValidateRequiresClientID(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without oauth.client_id")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"discovery url suffix", func(c *Config) { c.OAuth.DiscoveryURL = "http://localhost:8080" }},
		{"empty allow-list", func(c *Config) { c.Policy.AllowedCountries = nil }},
		{"lookup placeholder", func(c *Config) { c.Geo.LookupURL = "https://ipapi.co/json/" }},
		{"audit driver", func(c *Config) { c.Audit.Driver = "sqlite" }},
		{"postgres dsn", func(c *Config) { c.Audit.Driver = AuditDriverPostgres }},
		{"redis addr", func(c *Config) { c.Sessions.Store = StoreRedis }},
		{"inference url", func(c *Config) { c.Inference.URL = "localhost:11434" }},
		{"tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }},
		{"cookie domain", func(c *Config) { c.Server.CookieDomain = "example.com" }},
		{"flow ttl", func(c *Config) { c.Sessions.FlowTTL = 0 }},
		{"oauth timeout", func(c *Config) { c.OAuth.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigValidateSkipsInferenceWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.Enabled = false
	cfg.Inference.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled inference should not be validated: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if !parseBool("yes", false) || parseBool("off", true) {
		t.Fatalf("parseBool did not recognise known values")
	}
	if !parseBool("maybe", true) {
		t.Fatalf("parseBool should keep the fallback for unknown input")
	}
}

func TestInferCORSOrigins(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PublicURL = "https://login.example.com/app"
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:5173/", "https://login.example.com"}

	got := cfg.InferCORSOrigins()
	want := []string{"https://login.example.com", "http://localhost:5173"}
	if len(got) != len(want) {
		t.Fatalf("origins = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("origin %d = %q, want %q", i, got[i], want[i])
		}
	}
}
