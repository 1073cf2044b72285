package claims

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "k1",
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, kid string, mc jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                "https://issuer.example",
		"aud":                "client-1",
		"sub":                "user-1",
		"preferred_username": "alice",
		"exp":                time.Now().Add(time.Hour).Unix(),
		DefaultRolesClaim:    map[string]any{"Admin": map[string]any{}},
	}
}

func newTestVerifier(f *jwksFixture) *JWKSVerifier {
	return NewJWKSVerifier(VerifierConfig{
		Issuer:   "https://issuer.example",
		JWKSURL:  f.server.URL,
		ClientID: "client-1",
	})
}

func TestJWKSVerifierAcceptsValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestVerifier(f)

	c, err := v.Verify(context.Background(), f.sign(t, "k1", validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Username() != "alice" {
		t.Fatalf("username = %q", c.Username())
	}
	if roles := c.Roles(""); len(roles) != 1 || roles[0] != "Admin" {
		t.Fatalf("roles = %v", roles)
	}

	if _, err := v.Verify(context.Background(), f.sign(t, "k1", validClaims())); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if n := f.fetches.Load(); n != 1 {
		t.Fatalf("expected cached jwks, fetched %d times", n)
	}
}

func TestJWKSVerifierRejectsWrongAudience(t *testing.T) {
	f := newJWKSFixture(t)
	mc := validClaims()
	mc["aud"] = "someone-else"

	_, err := newTestVerifier(f).Verify(context.Background(), f.sign(t, "k1", mc))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestJWKSVerifierRejectsExpired(t *testing.T) {
	f := newJWKSFixture(t)
	mc := validClaims()
	mc["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := newTestVerifier(f).Verify(context.Background(), f.sign(t, "k1", mc))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestJWKSVerifierRejectsUnknownKey(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestVerifier(f)
	clock := time.Now()
	v.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	_, err := v.Verify(context.Background(), f.sign(t, "rotated", validClaims()))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if n := f.fetches.Load(); n != 2 {
		t.Fatalf("expected forced refresh on unknown kid, fetched %d times", n)
	}
}

func TestJWKSVerifierLimitsForcedRefresh(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestVerifier(f)

	for i := 0; i < 5; i++ {
		if _, err := v.Verify(context.Background(), f.sign(t, "unknown", validClaims())); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	}
	if n := f.fetches.Load(); n != 1 {
		t.Fatalf("unknown kids must not refetch within the refresh interval, fetched %d times", n)
	}
}

func TestJWKSVerifierRejectsTamperedPayload(t *testing.T) {
	f := newJWKSFixture(t)
	signed := f.sign(t, "k1", validClaims())
	other := f.sign(t, "k1", jwt.MapClaims{"iss": "https://issuer.example", "aud": "client-1", "exp": time.Now().Add(time.Hour).Unix(), "sub": "mallory"})

	// header and signature of one token, payload of another
	a := strings.Split(signed, ".")
	b := strings.Split(other, ".")
	_, err := newTestVerifier(f).Verify(context.Background(), a[0]+"."+b[1]+"."+a[2])
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestJWKSVerifierMalformed(t *testing.T) {
	f := newJWKSFixture(t)
	if _, err := newTestVerifier(f).Verify(context.Background(), "not-a-token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if d := maxCacheDuration("public, max-age=120", time.Minute); d != 2*time.Minute {
		t.Fatalf("max-age = %s", d)
	}
	if d := maxCacheDuration("no-store", time.Minute); d != time.Minute {
		t.Fatalf("fallback = %s", d)
	}
}
