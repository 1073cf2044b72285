package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	slogctx "github.com/veqryn/slog-context"

	"loginguard/audit"
	"loginguard/authz"
	"loginguard/claims"
	"loginguard/explain"
	"loginguard/geo"
	"loginguard/login"
	"loginguard/pkce"
	"loginguard/risk"
)

const maxBodyBytes = 1 << 20

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    SessionStore
	Sessions *SessionManager
	Engine   *pkce.Engine
	Pipeline *login.Pipeline
	Audit    audit.Log
	Metrics  *Metrics

	closers []func() error
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	flows, err := app.buildStores(ctx)
	if err != nil {
		return nil, err
	}
	app.Sessions = NewSessionManager(cfg, app.Store, logger)

	providerClient := &http.Client{Timeout: cfg.OAuth.Timeout}
	discoverer := &pkce.OIDCDiscoverer{
		WellKnownURL:    cfg.OAuth.DiscoveryURL,
		SkipIssuerCheck: cfg.OAuth.SkipIssuerCheck,
		HTTPClient:      providerClient,
	}
	app.Engine = pkce.NewEngine(pkce.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
	}, discoverer, flows, pkce.WithLogger(logger), pkce.WithHTTPClient(providerClient))

	var verifier claims.Verifier
	if cfg.OAuth.VerifySignature {
		endpoints, err := discoverer.Discover(ctx)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("discover jwks for signature verification: %w", err)
		}
		verifier = claims.NewJWKSVerifier(claims.VerifierConfig{
			Issuer:     endpoints.Issuer,
			JWKSURL:    endpoints.JWKSURL,
			ClientID:   cfg.OAuth.ClientID,
			HTTPClient: providerClient,
		})
	} else {
		logger.Warn("id token signatures are not verified; set oauth.verify_signature to enable")
	}

	auditLog, err := app.openAudit(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Audit = auditLog

	generator := &explain.Generator{
		Timeout:         cfg.Inference.Timeout,
		MinLength:       cfg.Inference.MinLength,
		ApprovedCountry: cfg.Policy.ApprovedCountry,
		Logger:          logger,
		Observe:         metrics.ObserveExplanation,
	}
	if cfg.Inference.Enabled {
		generator.Backend = &explain.Ollama{
			URL:     cfg.Inference.URL,
			Model:   cfg.Inference.Model,
			Options: cfg.Inference.Options,
		}
	}

	app.Pipeline = &login.Pipeline{
		Geo: geo.NewResolver(geo.Config{
			LookupURL:   cfg.Geo.LookupURL,
			PublicIPURL: cfg.Geo.PublicIPURL,
			Timeout:     cfg.Geo.Timeout,
			CacheTTL:    cfg.Geo.CacheTTL,
		}, logger),
		Policy:     authz.Policy{AllowedCountries: cfg.Policy.AllowedCountries},
		Scorer:     risk.Scorer{ApprovedCountry: cfg.Policy.ApprovedCountry},
		Audit:      auditLog,
		RolesClaim: cfg.OAuth.RolesClaim,
		Verifier:   verifier,
		Explainer:  generator,
		Observer:   metrics,
		Logger:     logger,
	}

	return app, nil
}

// buildStores sets a.Store and returns the flow store. In redis mode both
// share one client so any replica can complete a flow another one started.
func (a *App) buildStores(ctx context.Context) (pkce.Store, error) {
	cfg := a.Config.Sessions
	if cfg.Store != StoreRedis {
		a.Store = NewInMemoryStore()
		return pkce.NewMemoryStore(cfg.FlowTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, client.Close)
	a.Logger.Info("sessions and pkce flows stored in redis", "addr", cfg.RedisAddr)
	a.Store = NewRedisSessionStore(client)
	return pkce.NewRedisStore(client, cfg.FlowTTL), nil
}

func (a *App) openAudit(ctx context.Context) (audit.Log, error) {
	cfg := a.Config.Audit
	switch cfg.Driver {
	case AuditDriverPostgres:
		if cfg.AutoMigrate {
			if err := audit.Migrate(ctx, cfg.DSN); err != nil {
				return nil, fmt.Errorf("migrate audit database: %w", err)
			}
		}
		pg, err := audit.OpenPostgresLog(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		return pg, nil
	case AuditDriverMemory:
		a.Logger.Warn("audit records are kept in memory and lost on restart")
		return audit.NewMemoryLog(), nil
	default:
		fl, err := audit.OpenFileLog(cfg.Path, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fl.Close)
		return fl, nil
	}
}

// Close releases the audit log and flow store connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if !a.selectable(role) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("role must be one of %s", strings.Join(a.Config.Policy.SelectableRoles, ", ")))
		return
	}

	sess, err := a.Sessions.Begin(w, r, role)
	if err != nil {
		slogctx.Error(r.Context(), "start session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	authURL, err := a.Engine.StartFlow(r.Context(), sess.ID)
	if err != nil {
		slogctx.Error(r.Context(), "start login flow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	slogctx.Info(r.Context(), "login flow started", "selected_role", role)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) selectable(role string) bool {
	for _, candidate := range a.Config.Policy.SelectableRoles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess := a.Sessions.Fetch(r)

	if e := q.Get("error"); e != "" {
		slogctx.Warn(r.Context(), "provider returned error", "error", e, "description", q.Get("error_description"))
		if sess != nil {
			if err := a.Engine.Abort(r.Context(), sess.ID); err != nil {
				slogctx.Error(r.Context(), "abort login flow failed", "error", err)
			}
		}
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	if sess == nil {
		slogctx.Warn(r.Context(), "callback without session cookie")
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	tokens, err := a.Engine.CompleteFlow(r.Context(), sess.ID, q.Get("code"), q.Get("state"))
	if err != nil {
		slogctx.Error(r.Context(), "complete login flow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	res, err := a.Pipeline.Run(r.Context(), login.Attempt{
		IDToken:      tokens.IDToken,
		SelectedRole: sess.SelectedRole,
		SourceIP:     geo.ClientIP(r, a.Config.Server.TrustProxyHeaders),
	})
	if err != nil {
		slogctx.Error(r.Context(), "identity token rejected", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	sess.Result = &res
	if res.Allowed() {
		sess.Tokens = &tokens
	}
	if err := a.Sessions.Save(r.Context(), *sess); err != nil {
		slogctx.Error(r.Context(), "save session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	writeJSON(w, res)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil || sess.Result == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	writeJSON(w, meResponse{
		Authenticated: sess.Authenticated(),
		SelectedRole:  sess.SelectedRole,
		Result:        sess.Result,
		ExpiresAt:     sess.ExpiresAt,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	writeJSON(w, map[string]bool{"success": true})
}

func (a *App) handleLogAuth(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case authz.StatusSuccess, authz.StatusDeniedCountry, authz.StatusDeniedRole:
	default:
		writeError(w, http.StatusBadRequest, "status must be success, denied_country or denied_role")
		return
	}

	rec, err := a.Pipeline.Ingest(r.Context(), audit.Record{
		Username:  req.Username,
		UserID:    req.UserID,
		Roles:     req.Roles,
		LoginTime: req.LoginTime,
		Country:   req.Country,
		IP:        req.IP,
		Status:    req.Status,
		Reason:    req.Reason,
	})
	if err != nil {
		slogctx.Error(r.Context(), "ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to log authentication")
		return
	}
	writeJSON(w, ingestResponse{Success: true, LogEntry: rec})
}

func (a *App) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Status:   q.Get("status"),
		Username: q.Get("username"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	records, err := a.Audit.Query(r.Context(), f)
	if err != nil {
		slogctx.Error(r.Context(), "query audit log failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	writeJSON(w, audit.History(records))
}

func (a *App) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	records, err := a.Audit.Query(r.Context(), audit.Filter{})
	if err != nil {
		slogctx.Error(r.Context(), "query audit log failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}
	writeJSON(w, audit.ComputeStats(records, now, risk.IST))
}

func (a *App) handleManagerUsers(w http.ResponseWriter, r *http.Request) {
	records, err := a.Audit.Query(r.Context(), audit.Filter{Status: authz.StatusSuccess})
	if err != nil {
		slogctx.Error(r.Context(), "query audit log failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch users")
		return
	}
	writeJSON(w, audit.Users(records))
}

func (a *App) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req login.AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	analysis := a.Pipeline.Analyze(r.Context(), req)
	writeJSON(w, analyzeResponse{
		RiskScore:   analysis.Assessment.Score,
		RiskFactors: analysis.Assessment.Factors,
		Summary:     analysis.Explanation.Text,
		Source:      analysis.Explanation.Source,
	})
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
