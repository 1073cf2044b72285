// Package geo resolves a caller's IP address to a country and location.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Unknown is used for every field that could not be resolved.
const Unknown = "Unknown"

const (
	DefaultLookupURL   = "https://ipapi.co/{ip}/json/"
	DefaultPublicIPURL = "https://api.ipify.org?format=json"
)

// ErrLookupFailed is returned by Lookup. Resolve degrades it to Unknown.
var ErrLookupFailed = errors.New("geo lookup failed")

// Info describes where a request came from.
type Info struct {
	IP       string `json:"ip"`
	Country  string `json:"country"`
	City     string `json:"city,omitempty"`
	Location string `json:"location"`
}

// UnknownInfo is the result of a failed resolution.
func UnknownInfo() Info {
	return Info{IP: Unknown, Country: Unknown, Location: Unknown}
}

// Config configures a Resolver.
type Config struct {
	// LookupURL contains the literal {ip} placeholder.
	LookupURL string
	// PublicIPURL is queried when the caller address is not routable. Empty disables it.
	PublicIPURL string
	Timeout     time.Duration
	CacheTTL    time.Duration
	HTTPClient  *http.Client
}

// Resolver looks addresses up over HTTP and caches the answers.
type Resolver struct {
	cfg    Config
	client *http.Client
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewResolver applies defaults to cfg.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.LookupURL == "" {
		cfg.LookupURL = DefaultLookupURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		client: client,
		cache:  gocache.New(cfg.CacheTTL, 10*time.Minute),
		logger: logger,
	}
}

// Resolve never fails: any error yields UnknownInfo, which the geofence denies.
func (r *Resolver) Resolve(ctx context.Context, sourceIP string) Info {
	ip := sourceIP
	if !Routable(ip) && r.cfg.PublicIPURL != "" {
		public, err := r.publicIP(ctx)
		if err != nil {
			r.logger.Warn("public ip discovery failed", "error", err)
			return UnknownInfo()
		}
		ip = public
	}

	info, err := r.Lookup(ctx, ip)
	if err != nil {
		r.logger.Warn("geo lookup failed", "ip", ip, "error", err)
		return UnknownInfo()
	}
	return info
}

// Lookup resolves ip through the configured service.
func (r *Resolver) Lookup(ctx context.Context, ip string) (Info, error) {
	if ip == "" {
		return Info{}, fmt.Errorf("%w: empty ip", ErrLookupFailed)
	}
	if cached, ok := r.cache.Get(ip); ok {
		return cached.(Info), nil
	}

	var body struct {
		CountryName string `json:"country_name"`
		City        string `json:"city"`
		Error       any    `json:"error"`
		Reason      string `json:"reason"`
	}
	target := strings.ReplaceAll(r.cfg.LookupURL, "{ip}", ip)
	if err := r.getJSON(ctx, target, &body); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	info := Info{IP: ip, Country: orUnknown(body.CountryName), City: body.City}
	if isSet(body.Error) {
		info.Location = Unknown
	} else {
		info.Location = orUnknown(body.City) + ", " + info.Country
	}
	r.cache.SetDefault(ip, info)
	return info, nil
}

func (r *Resolver) publicIP(ctx context.Context) (string, error) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := r.getJSON(ctx, r.cfg.PublicIPURL, &body); err != nil {
		return "", err
	}
	if _, err := netip.ParseAddr(body.IP); err != nil {
		return "", fmt.Errorf("invalid public ip %q", body.IP)
	}
	return body.IP, nil
}

func (r *Resolver) getJSON(ctx context.Context, target string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Routable reports whether ip is a public unicast address worth looking up.
func Routable(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified())
}

// ClientIP returns the caller address, honouring X-Forwarded-For when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

func isSet(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}
