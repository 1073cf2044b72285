// Package audit records every login attempt and projects the history into
// dashboards: the raw history, today's statistics and the user roster.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWriteFailed is returned when a record could not be persisted.
var ErrWriteFailed = errors.New("audit write failed")

// Record is one login attempt. It is never modified after Append.
type Record struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	UserID      string    `json:"userId,omitempty"`
	Roles       []string  `json:"roles"`
	LoginTime   time.Time `json:"loginTime"`
	Country     string    `json:"country"`
	IP          string    `json:"ip"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RiskScore   *int      `json:"riskScore,omitempty"`
	RiskFactors []string  `json:"riskFactors,omitempty"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Status   string
	Username string
	Since    time.Time
	Limit    int
}

// Log persists records. Query returns matches in append order.
type Log interface {
	Append(ctx context.Context, r Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// Prepare fills the ID and Timestamp of r when they are unset.
func Prepare(r Record, now time.Time) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
	if r.Roles == nil {
		r.Roles = []string{}
	}
	return r
}

func (f Filter) match(r Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Username != "" && r.Username != f.Username {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// apply filters records and keeps the newest Limit entries.
func (f Filter) apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
