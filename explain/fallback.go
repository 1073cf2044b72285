package explain

import (
	"fmt"
	"slices"
	"strings"

	"loginguard/risk"
)

// Fallback renders five deterministic bullet points covering privilege,
// geography, time of day, role configuration and the overall tier.
func Fallback(req Request, approvedCountry string) string {
	if approvedCountry == "" {
		approvedCountry = risk.DefaultApprovedCountry
	}
	points := make([]string, 0, 5)

	switch {
	case risk.HasAdminRole(req.Roles):
		points = append(points, "High-privilege admin account detected - requires enhanced monitoring and audit logging")
	case len(req.Roles) > 0:
		points = append(points, fmt.Sprintf("Standard user account with %d assigned role(s) - normal privilege level", len(req.Roles)))
	default:
		points = append(points, "Account has no assigned roles - potential configuration issue or guest access")
	}

	if strings.Contains(req.Location, approvedCountry) {
		points = append(points, fmt.Sprintf("Login originated from expected geographic region (%s) - normal location pattern", approvedCountry))
	} else {
		points = append(points, "Login from unexpected geographic location - verify user travel or potential account compromise")
	}

	switch hour := risk.LocalHour(req.LoginTime); {
	case hour >= 2 && hour <= 5:
		points = append(points, "Access during unusual hours (2-5 AM IST) - uncommon for legitimate business activity")
	case hour >= 8 && hour < 17:
		points = append(points, "Login during standard business hours (8 AM - 5 PM IST) - consistent with normal work patterns")
	default:
		points = append(points, "After-hours access detected - verify legitimacy for off-peak system usage")
	}

	switch {
	case slices.Contains(req.Roles, "Admin") && len(req.Roles) > 1:
		points = append(points, "Multiple roles including admin privileges - ensure proper separation of duties")
	case len(req.Roles) == 0:
		points = append(points, "No roles assigned to account - access should be restricted until roles configured")
	default:
		points = append(points, fmt.Sprintf("Role configuration appears standard with %s - verify against policy", strings.Join(req.Roles, ", ")))
	}

	score := req.Assessment.Score
	switch risk.TierFor(score) {
	case risk.TierHigh:
		points = append(points, fmt.Sprintf("HIGH RISK (%d/100): Multiple security concerns detected - immediate review recommended", score))
	case risk.TierModerate:
		points = append(points, fmt.Sprintf("MODERATE RISK (%d/100): Some anomalies present - monitor session closely", score))
	default:
		points = append(points, fmt.Sprintf("LOW RISK (%d/100): Login patterns appear normal - routine monitoring sufficient", score))
	}

	for i, p := range points {
		points[i] = "• " + p
	}
	return strings.Join(points, "\n")
}
