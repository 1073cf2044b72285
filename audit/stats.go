package audit

import (
	"math"
	"slices"
	"strings"
	"time"

	"loginguard/authz"
	"loginguard/risk"
)

// HighRiskThreshold is the score at which a login counts as high risk in Stats.
const HighRiskThreshold = 60

// Stats summarises today's successful logins.
type Stats struct {
	TotalLoginsToday     int `json:"totalLoginsToday"`
	HighRiskLoginsToday  int `json:"highRiskLoginsToday"`
	AverageRiskScore     int `json:"averageRiskScore"`
	OutsideBusinessHours int `json:"outsideBusinessHours"`
}

// UserSummary is the latest successful login of a non-admin user.
type UserSummary struct {
	Username      string    `json:"username"`
	UserID        string    `json:"userId"`
	Roles         []string  `json:"roles"`
	LastLoginTime time.Time `json:"lastLoginTime"`
	Country       string    `json:"country"`
}

// StartOfDay returns midnight of now's calendar day in loc.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// History returns a copy of records ordered by Timestamp, newest first.
func History(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	slices.SortStableFunc(out, func(a, b Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

// ComputeStats counts successful records stamped since the start of now's day in loc.
// Records without a risk score count towards the total only.
func ComputeStats(records []Record, now time.Time, loc *time.Location) Stats {
	since := StartOfDay(now, loc)

	var (
		s         Stats
		riskTotal int
	)
	for _, r := range records {
		if r.Status != authz.StatusSuccess || r.Timestamp.Before(since) {
			continue
		}
		s.TotalLoginsToday++
		if r.RiskScore == nil {
			continue
		}
		riskTotal += *r.RiskScore
		if *r.RiskScore >= HighRiskThreshold {
			s.HighRiskLoginsToday++
		}
		if risk.OutsideBusinessHours(r.LoginTime) {
			s.OutsideBusinessHours++
		}
	}
	if s.TotalLoginsToday > 0 {
		s.AverageRiskScore = int(math.Floor(float64(riskTotal)/float64(s.TotalLoginsToday) + 0.5))
	}
	return s
}

// Users lists non-admin users with a successful login, in order of first
// appearance, each carrying the details of their latest login. Users without
// roles are listed.
func Users(records []Record) []UserSummary {
	index := make(map[string]int)
	var out []UserSummary
	for _, r := range records {
		if r.Status != authz.StatusSuccess || isAdmin(r.Roles) {
			continue
		}
		userID := r.UserID
		if userID == "" {
			userID = "N/A"
		}
		roles := r.Roles
		if roles == nil {
			roles = []string{}
		}
		u := UserSummary{
			Username:      r.Username,
			UserID:        userID,
			Roles:         roles,
			LastLoginTime: r.LoginTime,
			Country:       r.Country,
		}
		if i, ok := index[r.Username]; ok {
			out[i] = u
			continue
		}
		index[r.Username] = len(out)
		out = append(out, u)
	}
	if out == nil {
		out = []UserSummary{}
	}
	return out
}

func isAdmin(roles []string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, "admin") {
			return true
		}
	}
	return false
}
