package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loginguard/authz"
	"loginguard/claims"
	"loginguard/explain"
	"loginguard/geo"
	"loginguard/risk"
)

// Session and flow defaults
const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultFlowTTL    = 10 * time.Minute
)

// Audit drivers
const (
	AuditDriverFile     = "file"
	AuditDriverPostgres = "postgres"
	AuditDriverMemory   = "memory"
)

// Session store drivers
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultSelectableRoles are the applications a user can pick before login.
var DefaultSelectableRoles = []string{"User", "Manager", "Admin"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Policy    PolicyConfig    `yaml:"policy"`
	Geo       GeoConfig       `yaml:"geo"`
	Inference InferenceConfig `yaml:"inference"`
	Audit     AuditConfig     `yaml:"audit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	CookieDomain      string     `yaml:"cookie_domain"`
	SecretsPath       string     `yaml:"secrets_path"`
	TLS               TLSConfig  `yaml:"tls"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the JSON API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OAuthConfig identifies this service to the OpenID provider.
type OAuthConfig struct {
	DiscoveryURL    string   `yaml:"discovery_url"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	RedirectURL     string   `yaml:"redirect_url"`
	Scopes          []string `yaml:"scopes"`
	RolesClaim      string   `yaml:"roles_claim"`
	SkipIssuerCheck bool     `yaml:"skip_issuer_check"`
	VerifySignature bool     `yaml:"verify_signature"`

	// Timeout bounds each request to the provider.
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig holds the geofence and role selection.
type PolicyConfig struct {
	AllowedCountries []string `yaml:"allowed_countries"`
	ApprovedCountry  string   `yaml:"approved_country"`
	SelectableRoles  []string `yaml:"selectable_roles"`
}

// GeoConfig configures IP geolocation.
type GeoConfig struct {
	LookupURL   string        `yaml:"lookup_url"`
	PublicIPURL string        `yaml:"public_ip_url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// InferenceConfig configures the explanation backend.
type InferenceConfig struct {
	Enabled   bool            `yaml:"enabled"`
	URL       string          `yaml:"url"`
	Model     string          `yaml:"model"`
	Timeout   time.Duration   `yaml:"timeout"`
	MinLength int             `yaml:"min_length"`
	Options   explain.Options `yaml:"options"`
}

// AuditConfig selects where login records are written.
type AuditConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// SessionsConfig controls browser sessions and pending PKCE flows.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	FlowTTL       time.Duration `yaml:"flow_ttl"`
	Store         string        `yaml:"store"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		OAuth: OAuthConfig{
			DiscoveryURL: "http://localhost:8080/.well-known/openid-configuration",
			RedirectURL:  "http://localhost:3000/callback",
			Scopes:       []string{"openid", "profile", "email"},
			RolesClaim:   claims.DefaultRolesClaim,
			Timeout:      10 * time.Second,
		},
		Policy: PolicyConfig{
			AllowedCountries: append([]string(nil), authz.DefaultAllowedCountries...),
			ApprovedCountry:  risk.DefaultApprovedCountry,
			SelectableRoles:  append([]string(nil), DefaultSelectableRoles...),
		},
		Geo: GeoConfig{
			LookupURL:   geo.DefaultLookupURL,
			PublicIPURL: geo.DefaultPublicIPURL,
			Timeout:     5 * time.Second,
			CacheTTL:    time.Hour,
		},
		Inference: InferenceConfig{
			Enabled:   true,
			URL:       explain.DefaultOllamaURL,
			Model:     explain.DefaultModel,
			Timeout:   explain.DefaultTimeout,
			MinLength: explain.DefaultMinLength,
			Options:   explain.DefaultOptions,
		},
		Audit: AuditConfig{
			Driver: AuditDriverFile,
			Path:   "auth_logs.jsonl",
		},
		Sessions: SessionsConfig{
			TTL:     DefaultSessionTTL,
			FlowTTL: DefaultFlowTTL,
			Store:   StoreMemory,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LOGINGUARD_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"LOGINGUARD_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"LOGINGUARD_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"LOGINGUARD_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"LOGINGUARD_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"LOGINGUARD_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"LOGINGUARD_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"LOGINGUARD_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"LOGINGUARD_SERVER_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"LOGINGUARD_OAUTH_DISCOVERY_URL":        func(v string) { cfg.OAuth.DiscoveryURL = v },
		"LOGINGUARD_OAUTH_CLIENT_ID":            func(v string) { cfg.OAuth.ClientID = v },
		"LOGINGUARD_OAUTH_CLIENT_SECRET":        func(v string) { cfg.OAuth.ClientSecret = v },
		"LOGINGUARD_OAUTH_REDIRECT_URL":         func(v string) { cfg.OAuth.RedirectURL = v },
		"LOGINGUARD_OAUTH_VERIFY_SIGNATURE":     func(v string) { cfg.OAuth.VerifySignature = parseBool(v, cfg.OAuth.VerifySignature) },
		"LOGINGUARD_OAUTH_TIMEOUT":              func(v string) { cfg.OAuth.Timeout = parseDuration(v, cfg.OAuth.Timeout) },
		"LOGINGUARD_POLICY_ALLOWED_COUNTRIES":   func(v string) { cfg.Policy.AllowedCountries = splitAndTrim(v) },
		"LOGINGUARD_INFERENCE_ENABLED":          func(v string) { cfg.Inference.Enabled = parseBool(v, cfg.Inference.Enabled) },
		"LOGINGUARD_INFERENCE_URL":              func(v string) { cfg.Inference.URL = v },
		"LOGINGUARD_INFERENCE_MODEL":            func(v string) { cfg.Inference.Model = v },
		"LOGINGUARD_INFERENCE_TIMEOUT":          func(v string) { cfg.Inference.Timeout = parseDuration(v, cfg.Inference.Timeout) },
		"LOGINGUARD_AUDIT_DRIVER":               func(v string) { cfg.Audit.Driver = v },
		"LOGINGUARD_AUDIT_PATH":                 func(v string) { cfg.Audit.Path = v },
		"LOGINGUARD_AUDIT_DSN":                  func(v string) { cfg.Audit.DSN = v },
		"LOGINGUARD_SESSIONS_STORE":             func(v string) { cfg.Sessions.Store = v },
		"LOGINGUARD_SESSIONS_REDIS_ADDR":        func(v string) { cfg.Sessions.RedisAddr = v },
		"LOGINGUARD_SESSIONS_REDIS_PASSWORD":    func(v string) { cfg.Sessions.RedisPassword = v },
		"LOGINGUARD_SESSIONS_REDIS_DB":          func(v string) { cfg.Sessions.RedisDB = parseInt(v, cfg.Sessions.RedisDB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := validateHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := validateHTTPURL("oauth.discovery_url", c.OAuth.DiscoveryURL); err != nil {
		return err
	}
	if !strings.HasSuffix(strings.TrimSuffix(c.OAuth.DiscoveryURL, "/"), "/.well-known/openid-configuration") {
		slog.Error("Invalid configuration value", "field", "oauth.discovery_url", "value", c.OAuth.DiscoveryURL, "reason", "must end with /.well-known/openid-configuration")
		return fmt.Errorf("oauth.discovery_url must end with /.well-known/openid-configuration, got: %s", c.OAuth.DiscoveryURL)
	}
	if c.OAuth.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oauth.client_id")
		return errors.New("oauth.client_id is required")
	}
	if err := validateHTTPURL("oauth.redirect_url", c.OAuth.RedirectURL); err != nil {
		return err
	}
	if c.OAuth.Timeout <= 0 {
		slog.Error("Invalid configuration value", "field", "oauth.timeout", "value", c.OAuth.Timeout)
		return fmt.Errorf("oauth.timeout must be positive, got: %s", c.OAuth.Timeout)
	}

	if len(c.Policy.AllowedCountries) == 0 {
		slog.Error("Missing required configuration", "field", "policy.allowed_countries")
		return errors.New("policy.allowed_countries must list at least one country")
	}
	if len(c.Policy.SelectableRoles) == 0 {
		slog.Error("Missing required configuration", "field", "policy.selectable_roles")
		return errors.New("policy.selectable_roles must list at least one role")
	}

	if !strings.Contains(c.Geo.LookupURL, "{ip}") {
		slog.Error("Invalid configuration value", "field", "geo.lookup_url", "value", c.Geo.LookupURL, "reason", "must contain {ip}")
		return fmt.Errorf("geo.lookup_url must contain the {ip} placeholder, got: %s", c.Geo.LookupURL)
	}
	if c.Geo.PublicIPURL != "" {
		if err := validateHTTPURL("geo.public_ip_url", c.Geo.PublicIPURL); err != nil {
			return err
		}
	}

	if c.Inference.Enabled {
		if err := validateHTTPURL("inference.url", c.Inference.URL); err != nil {
			return err
		}
		if c.Inference.Timeout <= 0 {
			slog.Error("Invalid configuration value", "field", "inference.timeout", "value", c.Inference.Timeout)
			return fmt.Errorf("inference.timeout must be positive, got: %s", c.Inference.Timeout)
		}
	}

	switch c.Audit.Driver {
	case AuditDriverFile:
		if c.Audit.Path == "" {
			slog.Error("Missing required configuration", "field", "audit.path")
			return errors.New("audit.path is required for the file driver")
		}
	case AuditDriverPostgres:
		if c.Audit.DSN == "" {
			slog.Error("Missing required configuration", "field", "audit.dsn")
			return errors.New("audit.dsn is required for the postgres driver")
		}
	case AuditDriverMemory:
	default:
		slog.Error("Invalid audit driver", "field", "audit.driver", "value", c.Audit.Driver, "valid_values", []string{AuditDriverFile, AuditDriverPostgres, AuditDriverMemory})
		return fmt.Errorf("audit.driver must be one of file, postgres, memory, got: %s", c.Audit.Driver)
	}

	if c.Sessions.TTL <= 0 || c.Sessions.FlowTTL <= 0 {
		slog.Error("Invalid session lifetimes", "ttl", c.Sessions.TTL, "flow_ttl", c.Sessions.FlowTTL)
		return errors.New("sessions.ttl and sessions.flow_ttl must be positive")
	}
	switch c.Sessions.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Sessions.RedisAddr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis_addr")
			return errors.New("sessions.redis_addr is required for the redis store")
		}
	default:
		slog.Error("Invalid session store", "field", "sessions.store", "value", c.Sessions.Store)
		return fmt.Errorf("sessions.store must be memory or redis, got: %s", c.Sessions.Store)
	}

	return nil
}

func validateHTTPURL(field, value string) error {
	if value == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must start with http:// or https://")
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, value)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// InferCORSOrigins returns the configured origins plus the public URL's origin.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, candidate := range append([]string{c.Server.PublicURL}, c.Server.CORS.AllowedOrigins...) {
		origin := extractOrigin(candidate)
		if candidate == "*" {
			origin = "*"
		}
		if origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

func extractOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
