// Package pkce runs the OAuth2 authorization-code flow with S256 proof keys.
package pkce

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrDiscoveryFailed     = errors.New("provider discovery failed")
	ErrMissingVerifier     = errors.New("no pending pkce verifier")
	ErrStateMismatch       = errors.New("state mismatch")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrRandomness          = errors.New("secure randomness unavailable")
)

const (
	verifierBytes = 96 // 128 base64url characters
	stateBytes    = 32
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email"}

// Session is a pending flow. The verifier never leaves the server except in the token request.
type Session struct {
	Verifier  string    `json:"verifier"`
	Challenge string    `json:"challenge"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenSet is the result of a successful exchange.
type TokenSet struct {
	AccessToken string    `json:"access_token"`
	IDToken     string    `json:"id_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry,omitempty"`

	// Raw is the decoded token response, provider-specific fields included.
	Raw map[string]any `json:"raw,omitempty"`
}

// Config identifies the client to the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Engine starts and completes flows against one provider.
type Engine struct {
	cfg        Config
	discoverer Discoverer
	store      Store
	client     *http.Client
	logger     *slog.Logger
	random     io.Reader
	now        func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for the token request.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRandom replaces crypto/rand as the entropy source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

// NewEngine wires an Engine.
func NewEngine(cfg Config, d Discoverer, s Store, opts ...Option) *Engine {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	e := &Engine{
		cfg:        cfg,
		discoverer: d,
		store:      s,
		logger:     slog.Default(),
		random:     rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartFlow creates a session for clientContext and returns the authorization URL.
// A previous pending session for the same context is replaced.
func (e *Engine) StartFlow(ctx context.Context, clientContext string) (string, error) {
	endpoints, err := e.discoverer.Discover(ctx)
	if err != nil {
		return "", wrapDiscovery(err)
	}

	verifier, err := e.randomString(verifierBytes)
	if err != nil {
		return "", err
	}
	state, err := e.randomString(stateBytes)
	if err != nil {
		return "", err
	}

	session := Session{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		State:     state,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.Put(ctx, clientContext, session); err != nil {
		return "", fmt.Errorf("save pkce session: %w", err)
	}

	e.logger.Debug("pkce flow started", "client_context", clientContext)
	return e.oauth2Config(endpoints).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// CompleteFlow exchanges code for tokens. The pending session is consumed
// whatever the outcome, so a failed attempt must restart the flow.
func (e *Engine) CompleteFlow(ctx context.Context, clientContext, code, state string) (TokenSet, error) {
	session, ok, err := e.store.Take(ctx, clientContext)
	if err != nil {
		return TokenSet{}, fmt.Errorf("load pkce session: %w", err)
	}
	if !ok || session.Verifier == "" {
		return TokenSet{}, ErrMissingVerifier
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(session.State)) != 1 {
		return TokenSet{}, ErrStateMismatch
	}

	endpoints, err := e.discoverer.Discover(ctx)
	if err != nil {
		return TokenSet{}, wrapDiscovery(err)
	}

	capture, client := newCapture(e.client)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	tok, err := e.oauth2Config(endpoints).Exchange(ctx, code, oauth2.VerifierOption(session.Verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return TokenSet{}, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed, re.Response.StatusCode, re.ErrorCode)
		}
		return TokenSet{}, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return TokenSet{}, fmt.Errorf("%w: response has no id_token", ErrTokenExchangeFailed)
	}

	e.logger.Debug("pkce flow completed", "client_context", clientContext)
	return TokenSet{
		AccessToken: tok.AccessToken,
		IDToken:     idToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
		Raw:         capture.fields(),
	}, nil
}

// Abort discards the pending session for clientContext, if any.
func (e *Engine) Abort(ctx context.Context, clientContext string) error {
	if _, _, err := e.store.Take(ctx, clientContext); err != nil {
		return fmt.Errorf("discard pkce session: %w", err)
	}
	e.logger.Debug("pkce flow aborted", "client_context", clientContext)
	return nil
}

func (e *Engine) oauth2Config(ep Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
		RedirectURL:  e.cfg.RedirectURL,
		Scopes:       e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthURL,
			TokenURL:  ep.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (e *Engine) randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// captureTransport keeps the last response body it relayed.
type captureTransport struct {
	base http.RoundTripper
	body []byte
}

func newCapture(c *http.Client) (*captureTransport, *http.Client) {
	if c == nil {
		c = http.DefaultClient
	}
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	capture := &captureTransport{base: base}
	client := *c
	client.Transport = capture
	return capture, &client
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	c.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// fields decodes a JSON token response. Form-encoded responses yield nil.
func (c *captureTransport) fields() map[string]any {
	var raw map[string]any
	if err := json.Unmarshal(c.body, &raw); err != nil {
		return nil
	}
	return raw
}

// Challenge returns base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func wrapDiscovery(err error) error {
	if errors.Is(err, ErrDiscoveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
}
