package login

import (
	"context"
	"fmt"
	"time"

	"loginguard/audit"
	"loginguard/authz"
	"loginguard/explain"
	"loginguard/risk"
)

// Ingest stores a client-reported attempt. Risk is computed for successful
// attempts only; any score or timestamp sent by the client is replaced.
func (p *Pipeline) Ingest(ctx context.Context, r audit.Record) (audit.Record, error) {
	now := p.now()
	r.ID = ""
	r.Timestamp = time.Time{}
	r.RiskScore = nil
	r.RiskFactors = nil
	if r.LoginTime.IsZero() {
		r.LoginTime = now
	}
	if r.Roles == nil {
		r.Roles = []string{}
	}

	var assessment *risk.Assessment
	if r.Status == authz.StatusSuccess {
		a := p.Scorer.Score(risk.Input{
			LoginTime: r.LoginTime,
			Location:  r.Country,
			Roles:     r.Roles,
			Username:  r.Username,
		})
		r.RiskScore = audit.IntPtr(a.Score)
		r.RiskFactors = a.Factors
		assessment = &a
	}

	r = audit.Prepare(r, now)
	if err := p.Audit.Append(ctx, r); err != nil {
		return audit.Record{}, fmt.Errorf("ingest: %w", err)
	}
	if p.Observer != nil {
		p.Observer.ObserveAttempt(r.Status, assessment)
	}
	return r, nil
}

// AnalyzeRequest describes a login to assess out of band.
type AnalyzeRequest struct {
	Username  string    `json:"username"`
	LoginTime time.Time `json:"loginTime"`
	IP        string    `json:"ip"`
	Location  string    `json:"location"`
	Roles     []string  `json:"roles"`
}

// Analysis is the score of an analyzed login and its explanation.
type Analysis struct {
	Assessment  risk.Assessment     `json:"risk"`
	Explanation explain.Explanation `json:"explanation"`
}

// Analyze scores req against its location and explains the result. It
// always produces an explanation, using the fallback when no Explainer is set.
func (p *Pipeline) Analyze(ctx context.Context, req AnalyzeRequest) Analysis {
	if req.LoginTime.IsZero() {
		req.LoginTime = p.now()
	}
	a := p.Scorer.Score(risk.Input{
		LoginTime: req.LoginTime,
		Location:  req.Location,
		Roles:     req.Roles,
		Username:  req.Username,
	})
	er := explain.Request{
		Username:   req.Username,
		Roles:      req.Roles,
		Location:   req.Location,
		LoginTime:  req.LoginTime,
		Assessment: a,
	}

	var e explain.Explanation
	if p.Explainer != nil {
		e = p.Explainer.Explain(ctx, er)
	} else {
		e = explain.Explanation{Text: explain.Fallback(er, p.Scorer.ApprovedCountry), Source: explain.SourceFallback}
	}
	return Analysis{Assessment: a, Explanation: e}
}
