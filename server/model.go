package server

import (
	"time"

	"loginguard/login"
	"loginguard/pkce"
)

// BrowserSession is the server-side state bound to the session cookie. Its ID
// doubles as the client context of the pending PKCE flow.
type BrowserSession struct {
	ID           string         `json:"id"`
	SelectedRole string         `json:"selected_role"`
	Tokens       *pkce.TokenSet `json:"tokens,omitempty"`
	Result       *login.Result  `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Authenticated reports whether a login completed with an allowed verdict.
func (s BrowserSession) Authenticated() bool {
	return s.Result != nil && s.Result.Allowed()
}

// ingestRequest is the body of POST /log-auth. Timestamp and risk fields are
// computed server side and ignored if sent.
type ingestRequest struct {
	Username  string    `json:"username"`
	UserID    string    `json:"userId"`
	Roles     []string  `json:"roles"`
	LoginTime time.Time `json:"loginTime"`
	Country   string    `json:"country"`
	IP        string    `json:"ip"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
}

type ingestResponse struct {
	Success  bool `json:"success"`
	LogEntry any  `json:"logEntry"`
}

type analyzeResponse struct {
	RiskScore   int      `json:"riskScore"`
	RiskFactors []string `json:"riskFactors"`
	Summary     string   `json:"summary"`
	Source      string   `json:"source"`
}

type meResponse struct {
	Authenticated bool          `json:"authenticated"`
	SelectedRole  string        `json:"selectedRole,omitempty"`
	Result        *login.Result `json:"result,omitempty"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}
