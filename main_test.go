package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loginguard/login"
	"loginguard/risk"
	"loginguard/server"
)

func newProviderStub(t *testing.T, authorize http.HandlerFunc) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/start",
			"token_endpoint":         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/start", authorize)
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("login"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func connectConfig(srv *httptest.Server) server.Config {
	cfg := server.DefaultConfig()
	cfg.OAuth.ClientID = "web"
	cfg.OAuth.DiscoveryURL = srv.URL + "/.well-known/openid-configuration"
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	srv := newProviderStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code_challenge_method") != "S256" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), connectConfig(srv), logger, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := newProviderStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), connectConfig(srv), logger, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), connectConfig(srv), logger, nil); err == nil {
		t.Fatalf("expected error for missing discovery document")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",
		"",
		"",
		"https://demo.zitadel.cloud/",
		"client-123",
		"",
		"India, Nepal",
		"n",
	}, "\n") + "\n"

	cfg, err := runSetup(path, strings.NewReader(answers), io.Discard)
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.OAuth.DiscoveryURL != "https://demo.zitadel.cloud/.well-known/openid-configuration" {
		t.Fatalf("discovery url = %q", cfg.OAuth.DiscoveryURL)
	}
	if cfg.OAuth.ClientID != "client-123" || cfg.Inference.Enabled {
		t.Fatalf("unexpected config %+v", cfg.OAuth)
	}
	if len(cfg.Policy.AllowedCountries) != 2 || cfg.Policy.AllowedCountries[1] != "Nepal" {
		t.Fatalf("allowed countries = %v", cfg.Policy.AllowedCountries)
	}
	if cfg.Sessions.FlowTTL != server.DefaultFlowTTL {
		t.Fatalf("durations should round-trip, got %s", cfg.Sessions.FlowTTL)
	}
}

func TestPrintScore(t *testing.T) {
	p := &login.Pipeline{Scorer: risk.Scorer{ApprovedCountry: risk.DefaultApprovedCountry}}
	a := p.Analyze(context.Background(), login.AnalyzeRequest{
		Username:  "admin-bot",
		LoginTime: mustTime(t, "2024-01-15T21:00:00Z"),
		Location:  "Unknown",
	})

	var buf bytes.Buffer
	if err := printScore(&buf, a, false); err != nil {
		t.Fatalf("printScore: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["riskScore"] != float64(100) || out["tier"] != string(risk.TierHigh) {
		t.Fatalf("unexpected output %v", out)
	}
	if _, ok := out["summary"]; ok {
		t.Fatalf("summary only printed on request")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestBaseURL(t *testing.T) {
	if got := baseURL("http://localhost:11434/api/generate"); got != "http://localhost:11434/" {
		t.Fatalf("baseURL = %q", got)
	}
}

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return at
}
