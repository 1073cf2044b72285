package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"loginguard/audit"
	"loginguard/explain"
	"loginguard/login"
	"loginguard/pkce"
	"loginguard/risk"
	"loginguard/server"
)

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the audit database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := loadConfig(configPath, slog.Default())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.Audit.DSN
			}
			if dsn == "" {
				return errors.New("no database dsn: set audit.dsn or pass --dsn")
			}
			if err := audit.Migrate(cmd.Context(), dsn); err != nil {
				return err
			}
			slog.Info("audit schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (overrides audit.dsn)")
	return cmd
}

func scoreCmd() *cobra.Command {
	var (
		username    string
		roles       []string
		location    string
		loginTime   string
		withExplain bool
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the risk assessment of a login offline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now().UTC()
			if loginTime != "" {
				t, err := time.Parse(time.RFC3339, loginTime)
				if err != nil {
					return fmt.Errorf("login time must be RFC 3339: %w", err)
				}
				at = t
			}
			req := login.AnalyzeRequest{
				Username:  username,
				LoginTime: at,
				Location:  location,
				Roles:     roles,
			}

			p := &login.Pipeline{Scorer: risk.Scorer{ApprovedCountry: risk.DefaultApprovedCountry}}
			if withExplain {
				cfg, err := loadConfig(configPath, slog.Default())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				p.Scorer.ApprovedCountry = cfg.Policy.ApprovedCountry
				p.Explainer = newGenerator(cfg)
			}
			return printScore(cmd.OutOrStdout(), p.Analyze(cmd.Context(), req), withExplain)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username of the login")
	cmd.Flags().StringSliceVarP(&roles, "roles", "r", nil, "Comma-separated roles")
	cmd.Flags().StringVar(&location, "location", risk.DefaultApprovedCountry, "Location or country of the login")
	cmd.Flags().StringVar(&loginTime, "at", "", "Login time in RFC 3339 (default now)")
	cmd.Flags().BoolVar(&withExplain, "explain", false, "Also generate an explanation using the configured inference server")
	return cmd
}

func newGenerator(cfg server.Config) *explain.Generator {
	g := &explain.Generator{
		Timeout:         cfg.Inference.Timeout,
		MinLength:       cfg.Inference.MinLength,
		ApprovedCountry: cfg.Policy.ApprovedCountry,
	}
	if cfg.Inference.Enabled {
		g.Backend = &explain.Ollama{URL: cfg.Inference.URL, Model: cfg.Inference.Model, Options: cfg.Inference.Options}
	}
	return g
}

func printScore(w io.Writer, a login.Analysis, withExplanation bool) error {
	out := map[string]any{
		"riskScore":   a.Assessment.Score,
		"riskFactors": a.Assessment.Factors,
		"tier":        risk.TierFor(a.Assessment.Score),
	}
	if withExplanation {
		out["summary"] = a.Explanation.Text
		out["source"] = a.Explanation.Source
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Check that the identity provider accepts an authorization request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Default()
			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, logger, nil); err != nil {
				logger.Error("provider connectivity failed", "error", err)
				return err
			}
			logger.Info("provider connectivity succeeded")
			return nil
		},
	}
}

func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	engine := pkce.NewEngine(pkce.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
	}, &pkce.OIDCDiscoverer{
		WellKnownURL:    cfg.OAuth.DiscoveryURL,
		SkipIssuerCheck: cfg.OAuth.SkipIssuerCheck,
		HTTPClient:      httpClient,
	}, pkce.NewMemoryStore(cfg.Sessions.FlowTTL), pkce.WithLogger(logger))

	authURL, err := engine.StartFlow(ctx, "connect")
	if err != nil {
		return fmt.Errorf("start flow: %w", err)
	}
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write a configuration file through guided prompts",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := os.Stat(configPath); err == nil {
					return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", configPath)
				}
				if _, err := runSetup(configPath, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("config init failed: %w", err)
				}
				slog.Info("configuration initialized successfully", "path", configPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load the configuration and probe the services it names",
			RunE: func(cmd *cobra.Command, _ []string) error {
				logger := slog.Default()
				cfg, err := server.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("config validation failed: %w", err)
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				logger.Info("validating configuration URLs...")
				validateStartupURLs(ctx, cfg, logger)
				logger.Info("configuration is valid", "path", configPath)
				return nil
			},
		},
	)
	return cmd
}

func runSetup(path string, in io.Reader, out io.Writer) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "Creating configuration at %s.\n", path)
	fmt.Fprintln(out, "Guided setup for a Zitadel project. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. login.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	issuer := strings.TrimSuffix(askRequired(reader, out, "Zitadel instance URL (e.g. https://my-instance.zitadel.cloud)"), "/")
	cfg.OAuth.DiscoveryURL = issuer + "/.well-known/openid-configuration"
	cfg.OAuth.ClientID = askRequired(reader, out, "Application client ID")
	cfg.OAuth.RedirectURL = ask(reader, out, "Redirect URI", cfg.Server.PublicURL+"/callback")
	cfg.Policy.AllowedCountries = normalizeList(ask(reader, out, "Allowed countries (comma separated)", strings.Join(cfg.Policy.AllowedCountries, ",")), cfg.Policy.AllowedCountries)
	cfg.Inference.Enabled = askYesNo(reader, out, "Use a local Ollama server for explanations?", true)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			// stdin closed
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
