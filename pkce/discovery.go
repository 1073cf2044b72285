package pkce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// Endpoints are the provider endpoints the flow depends on.
type Endpoints struct {
	Issuer   string
	AuthURL  string
	TokenURL string
	JWKSURL  string
}

// Discoverer resolves provider endpoints.
type Discoverer interface {
	Discover(ctx context.Context) (Endpoints, error)
}

// OIDCDiscoverer reads the provider's discovery document once and caches it.
type OIDCDiscoverer struct {
	WellKnownURL string
	// SkipIssuerCheck accepts documents whose issuer differs from the URL
	// they were served from, as happens behind reverse proxies.
	SkipIssuerCheck bool
	HTTPClient      *http.Client

	mu        sync.Mutex
	endpoints *Endpoints
}

// Discover returns the cached endpoints or fetches them. Failed attempts are not cached.
func (d *OIDCDiscoverer) Discover(ctx context.Context) (Endpoints, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.endpoints != nil {
		return *d.endpoints, nil
	}

	issuer := IssuerFromWellKnown(d.WellKnownURL)
	if issuer == "" {
		return Endpoints{}, fmt.Errorf("%w: empty discovery url", ErrDiscoveryFailed)
	}
	if d.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, d.HTTPClient)
	}
	if d.SkipIssuerCheck {
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	ep := provider.Endpoint()
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return Endpoints{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, errors.New("document lacks authorization or token endpoint"))
	}

	d.endpoints = &Endpoints{
		Issuer:   doc.Issuer,
		AuthURL:  ep.AuthURL,
		TokenURL: ep.TokenURL,
		JWKSURL:  doc.JWKSURL,
	}
	return *d.endpoints, nil
}

// IssuerFromWellKnown strips the discovery suffix from a well-known URL.
func IssuerFromWellKnown(wellKnown string) string {
	return strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(wellKnown), "/"), wellKnownSuffix)
}
