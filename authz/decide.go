// Package authz turns a caller's roles, selected application role and
// resolved country into an allow/deny verdict.
package authz

import (
	"fmt"
	"strings"
)

// DefaultAllowedCountries is the single-entry geofence of the reference deployment.
var DefaultAllowedCountries = []string{"India"}

// Status values as written to the audit log.
const (
	StatusSuccess       = "success"
	StatusDeniedCountry = "denied_country"
	StatusDeniedRole    = "denied_role"
)

// Context is the per-attempt input to Decide.
type Context struct {
	SelectedRole string
	Roles        []string
	Country      string
	SourceIP     string
}

// Verdict is the terminal outcome of an authorization decision.
// It is one of Allowed, DeniedCountry or DeniedRole.
type Verdict interface {
	Status() string
	Reason() string
	Allowed() bool
	verdict()
}

// Allowed grants access.
type Allowed struct{}

func (Allowed) Status() string { return StatusSuccess }
func (Allowed) Reason() string { return "" }
func (Allowed) Allowed() bool  { return true }
func (Allowed) verdict()       {}

// DeniedCountry rejects a caller whose country is outside the allow-list.
type DeniedCountry struct {
	Country string
}

func (DeniedCountry) Status() string { return StatusDeniedCountry }
func (d DeniedCountry) Reason() string {
	return "Access not permitted from country: " + d.Country
}
func (DeniedCountry) Allowed() bool { return false }
func (DeniedCountry) verdict()      {}

// DeniedRole rejects a caller holding none of the selected application's role.
type DeniedRole struct {
	Roles        []string
	SelectedRole string
}

func (DeniedRole) Status() string { return StatusDeniedRole }
func (d DeniedRole) Reason() string {
	return fmt.Sprintf("User role(s) [%s] do not match selected app (%s)", strings.Join(d.Roles, ", "), d.SelectedRole)
}
func (DeniedRole) Allowed() bool { return false }
func (DeniedRole) verdict()      {}

// Policy holds the country allow-list. The zero value uses DefaultAllowedCountries.
type Policy struct {
	AllowedCountries []string
}

// Decide checks the country first and the role second.
func (p Policy) Decide(c Context) Verdict {
	if !p.countryAllowed(c.Country) {
		return DeniedCountry{Country: c.Country}
	}
	if !HasRole(c.Roles, c.SelectedRole) {
		roles := make([]string, len(c.Roles))
		copy(roles, c.Roles)
		return DeniedRole{Roles: roles, SelectedRole: c.SelectedRole}
	}
	return Allowed{}
}

// Decide is Policy{}.Decide.
func Decide(c Context) Verdict {
	return Policy{}.Decide(c)
}

func (p Policy) countryAllowed(country string) bool {
	allowed := p.AllowedCountries
	if len(allowed) == 0 {
		allowed = DefaultAllowedCountries
	}
	for _, c := range allowed {
		if c == country {
			return true
		}
	}
	return false
}

// HasRole reports whether roles contains selected, ignoring case.
func HasRole(roles []string, selected string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, selected) {
			return true
		}
	}
	return false
}
