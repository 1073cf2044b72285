package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSignatureInvalid is returned when an identity token fails verification.
var ErrSignatureInvalid = errors.New("identity token signature invalid")

// Verifier checks an identity token before its claims are trusted.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (Claims, error)
}

// VerifierConfig configures the JWKS-backed verifier.
type VerifierConfig struct {
	Issuer   string
	JWKSURL  string
	ClientID string
	CacheTTL time.Duration

	// MinRefreshInterval limits forced refetches for unknown key ids.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// JWKSVerifier validates identity tokens against the provider's published keys.
type JWKSVerifier struct {
	cfg    VerifierConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
	now    func() time.Time
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// NewJWKSVerifier creates a verifier with sane defaults.
func NewJWKSVerifier(cfg VerifierConfig) *JWKSVerifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MinRefreshInterval == 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	return &JWKSVerifier{cfg: cfg, client: client, now: time.Now}
}

// Verify checks signature, expiry, issuer and audience and returns the claims.
func (v *JWKSVerifier) Verify(ctx context.Context, idToken string) (Claims, error) {
	if strings.Count(idToken, ".") != 2 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformedToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.ClientID))
	}

	mc := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(idToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		set, err := v.keySet(ctx, false)
		if err != nil {
			return nil, err
		}
		key := findKey(set, kid)
		if key == nil {
			// unknown kid: the provider may have rotated
			if set, err = v.keySet(ctx, true); err == nil {
				key = findKey(set, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrSignatureInvalid
	}

	out := make(Claims, len(mc))
	for k, val := range mc {
		out[k] = val
	}
	return out, nil
}

func (v *JWKSVerifier) keySet(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	now := v.now()
	if cache.set.Keys != nil {
		if !force && now.Before(cache.expires) {
			return cache.set, nil
		}
		if force && now.Sub(cache.fetched) < v.cfg.MinRefreshInterval {
			return cache.set, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.fetched = now
		cache.expires = now.Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		fetched: now,
		expires: now.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
