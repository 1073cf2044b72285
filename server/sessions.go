package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "lg_session"

// SessionManager handles cookie-backed browser sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	// Lax so the cookie survives the redirect back from the provider.
	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie if present.
// Store failures are logged and treated as no session.
func (sm *SessionManager) Fetch(r *http.Request) *BrowserSession {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	ctx := r.Context()
	sess, ok, err := sm.store.GetSession(ctx, cookie.Value)
	if err != nil {
		sm.logger.Error("load session failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	now := sm.now()
	if now.After(sess.ExpiresAt) {
		sm.delete(ctx, sess.ID)
		return nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = now.Add(sm.ttl)
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		sm.logger.Error("extend session failed", "error", err)
	}
	return &sess
}

// Begin starts a fresh session for a new login and sets the cookie. Any
// session carried by the request is discarded.
func (sm *SessionManager) Begin(w http.ResponseWriter, r *http.Request, selectedRole string) (BrowserSession, error) {
	if old := sm.Fetch(r); old != nil {
		sm.delete(r.Context(), old.ID)
	}
	now := sm.now()
	sess := BrowserSession{
		ID:           sm.store.NewID(),
		SelectedRole: selectedRole,
		CreatedAt:    now,
		ExpiresAt:    now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), sess); err != nil {
		return BrowserSession{}, fmt.Errorf("save session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return sess, nil
}

// Save persists changes to an existing session.
func (sm *SessionManager) Save(ctx context.Context, sess BrowserSession) error {
	return sm.store.SaveSession(ctx, sess)
}

// Clear removes the session and its cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.delete(r.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// RunJanitor drops expired sessions every interval until ctx is done.
func (sm *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sm.store.PurgeExpired(ctx, sm.now())
			if err != nil {
				sm.logger.Error("purge sessions failed", "error", err)
			} else if n > 0 {
				sm.logger.Debug("expired sessions purged", "count", n)
			}
		}
	}
}

func (sm *SessionManager) delete(ctx context.Context, id string) {
	if err := sm.store.DeleteSession(ctx, id); err != nil {
		sm.logger.Error("delete session failed", "error", err)
	}
}
