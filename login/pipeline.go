// Package login runs one authentication attempt through claims extraction,
// geolocation, authorization, risk scoring, auditing and explanation.
package login

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loginguard/audit"
	"loginguard/authz"
	"loginguard/claims"
	"loginguard/explain"
	"loginguard/geo"
	"loginguard/risk"
)

// GeoResolver turns a source address into location details. It never fails.
type GeoResolver interface {
	Resolve(ctx context.Context, sourceIP string) geo.Info
}

// Explainer annotates an assessment. It never fails.
type Explainer interface {
	Explain(ctx context.Context, req explain.Request) explain.Explanation
}

// Observer is notified of every completed attempt.
type Observer interface {
	ObserveAttempt(status string, a *risk.Assessment)
}

// Attempt is the input of one login.
type Attempt struct {
	IDToken      string
	SelectedRole string
	SourceIP     string
}

// Result is everything the caller may show about an attempt.
type Result struct {
	Status      string               `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	Username    string               `json:"username"`
	UserID      string               `json:"userId,omitempty"`
	Roles       []string             `json:"roles"`
	Geo         geo.Info             `json:"geo"`
	LoginTime   time.Time            `json:"loginTime"`
	Assessment  *risk.Assessment     `json:"risk,omitempty"`
	Explanation *explain.Explanation `json:"explanation,omitempty"`
	RecordID    string               `json:"recordId"`

	Verdict authz.Verdict `json:"-"`
}

// Allowed reports whether access was granted. Results decoded from a
// session store carry only Status.
func (r Result) Allowed() bool {
	if r.Verdict != nil {
		return r.Verdict.Allowed()
	}
	return r.Status == authz.StatusSuccess
}

// Pipeline holds the collaborators of a login attempt.
type Pipeline struct {
	Geo        GeoResolver
	Policy     authz.Policy
	Scorer     risk.Scorer
	Audit      audit.Log
	RolesClaim string

	// Verifier checks the token signature when set; otherwise claims are decoded unverified.
	Verifier claims.Verifier
	// Explainer runs after the record is appended when set.
	Explainer Explainer
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Run processes one attempt. Denials are reported in the Result; the error
// is non-nil only when the token cannot be trusted at all.
func (p *Pipeline) Run(ctx context.Context, a Attempt) (Result, error) {
	c, err := p.claims(ctx, a.IDToken)
	if err != nil {
		return Result{}, err
	}

	now := p.now()
	roles := c.Roles(p.RolesClaim)
	info := p.Geo.Resolve(ctx, a.SourceIP)

	verdict := p.Policy.Decide(authz.Context{
		SelectedRole: a.SelectedRole,
		Roles:        roles,
		Country:      info.Country,
		SourceIP:     info.IP,
	})

	res := Result{
		Status:    verdict.Status(),
		Reason:    verdict.Reason(),
		Username:  c.Username(),
		UserID:    c.Subject(),
		Roles:     roles,
		Geo:       info,
		LoginTime: now,
		Verdict:   verdict,
	}

	if verdict.Allowed() {
		// scored on the country, as ingested records are
		assessment := p.Scorer.Score(risk.Input{
			LoginTime: now,
			Location:  info.Country,
			Roles:     roles,
			Username:  res.Username,
		})
		res.Assessment = &assessment
	}

	rec := audit.Prepare(toRecord(res), now)
	res.RecordID = rec.ID
	if err := p.Audit.Append(ctx, rec); err != nil {
		p.logger().Error("audit append failed", "record_id", rec.ID, "status", rec.Status, "error", err)
	}

	if p.Observer != nil {
		p.Observer.ObserveAttempt(res.Status, res.Assessment)
	}

	p.logger().Info("login attempt",
		"username", res.Username,
		"status", res.Status,
		"selected_role", a.SelectedRole,
		"country", info.Country,
	)

	if res.Assessment != nil && p.Explainer != nil {
		e := p.Explainer.Explain(ctx, explain.Request{
			Username:   res.Username,
			Roles:      roles,
			Location:   info.Location,
			LoginTime:  now,
			Assessment: *res.Assessment,
		})
		res.Explanation = &e
	}

	return res, nil
}

func (p *Pipeline) claims(ctx context.Context, idToken string) (claims.Claims, error) {
	if p.Verifier != nil {
		c, err := p.Verifier.Verify(ctx, idToken)
		if err != nil {
			return nil, fmt.Errorf("verify id token: %w", err)
		}
		return c, nil
	}
	c, err := claims.Decode(idToken)
	if err != nil {
		return nil, fmt.Errorf("decode id token: %w", err)
	}
	return c, nil
}

func toRecord(res Result) audit.Record {
	rec := audit.Record{
		Username:  res.Username,
		UserID:    res.UserID,
		Roles:     res.Roles,
		LoginTime: res.LoginTime,
		Country:   res.Geo.Country,
		IP:        res.Geo.IP,
		Status:    res.Status,
		Reason:    res.Reason,
	}
	if res.Assessment != nil {
		rec.RiskScore = audit.IntPtr(res.Assessment.Score)
		rec.RiskFactors = res.Assessment.Factors
	}
	return rec
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
