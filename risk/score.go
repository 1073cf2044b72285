// Package risk scores login attempts from the time of day, origin, roles and username.
package risk

import (
	"fmt"
	"strings"
	"time"
)

// DefaultApprovedCountry is the only country considered a normal origin.
const DefaultApprovedCountry = "India"

// IST is the fixed +05:30 zone every time-of-day rule is evaluated in.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// Factor descriptions, in the order they are evaluated.
const (
	FactorBusinessHours = "Login during business hours (8 AM - 5 PM IST)"
	FactorUnusualHours  = "Login during unusual hours (2 AM - 5 AM IST)"
	FactorAfterHours    = "Login outside business hours"
	FactorAdmin         = "Admin privileges detected"
	FactorNoRoles       = "No roles assigned"
)

const (
	weightBusinessHours = 5
	weightUnusualHours  = 40
	weightAfterHours    = 20
	weightAdmin         = 15
	weightLocation      = 35
	weightNoRoles       = 10

	maxScore = 100
)

// Tier thresholds used by explanations.
const (
	HighThreshold     = 70
	ModerateThreshold = 40
)

// Tier classifies a score.
type Tier string

const (
	TierLow      Tier = "low"
	TierModerate Tier = "moderate"
	TierHigh     Tier = "high"
)

// Input is everything a score may depend on.
type Input struct {
	LoginTime time.Time
	Location  string
	Roles     []string
	Username  string
}

// Assessment is the bounded score and the factors that produced it.
type Assessment struct {
	Score   int      `json:"riskScore"`
	Factors []string `json:"riskFactors"`
}

// Tier returns the tier of the assessment's score.
func (a Assessment) Tier() Tier {
	return TierFor(a.Score)
}

// Scorer holds the approved country. The zero value approves DefaultApprovedCountry.
type Scorer struct {
	ApprovedCountry string
}

// Score is Scorer{}.Score.
func Score(in Input) Assessment {
	return Scorer{}.Score(in)
}

// Score evaluates the time, privilege, location and role rules in that order.
func (s Scorer) Score(in Input) Assessment {
	country := s.approved()
	total := 0
	factors := make([]string, 0, 4)

	switch hour := LocalHour(in.LoginTime); {
	case hour >= 8 && hour < 17:
		total += weightBusinessHours
		factors = append(factors, FactorBusinessHours)
	case hour >= 2 && hour <= 5:
		total += weightUnusualHours
		factors = append(factors, FactorUnusualHours)
	default:
		total += weightAfterHours
		factors = append(factors, FactorAfterHours)
	}

	if HasAdminPrivileges(in.Username, in.Roles) {
		total += weightAdmin
		factors = append(factors, FactorAdmin)
	}

	if !strings.Contains(in.Location, country) {
		total += weightLocation
		factors = append(factors, OutsideCountryFactor(country))
	}

	if len(in.Roles) == 0 {
		total += weightNoRoles
		factors = append(factors, FactorNoRoles)
	}

	return Assessment{Score: min(total, maxScore), Factors: factors}
}

func (s Scorer) approved() string {
	if s.ApprovedCountry == "" {
		return DefaultApprovedCountry
	}
	return s.ApprovedCountry
}

// OutsideCountryFactor is the location factor for the given approved country.
func OutsideCountryFactor(country string) string {
	return fmt.Sprintf("Login from outside %s", country)
}

// LocalHour returns the hour of t in IST.
func LocalHour(t time.Time) int {
	return t.In(IST).Hour()
}

// OutsideBusinessHours reports whether t falls outside 08:00-17:00 IST.
func OutsideBusinessHours(t time.Time) bool {
	h := LocalHour(t)
	return h < 8 || h >= 17
}

// HasAdminPrivileges reports whether the username or any role mentions admin.
func HasAdminPrivileges(username string, roles []string) bool {
	if strings.Contains(strings.ToLower(username), "admin") {
		return true
	}
	return HasAdminRole(roles)
}

// HasAdminRole reports whether any role mentions admin, ignoring case.
func HasAdminRole(roles []string) bool {
	for _, r := range roles {
		if strings.Contains(strings.ToLower(r), "admin") {
			return true
		}
	}
	return false
}

// TierFor maps a score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= HighThreshold:
		return TierHigh
	case score >= ModerateThreshold:
		return TierModerate
	default:
		return TierLow
	}
}
