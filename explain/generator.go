// Package explain produces a short natural-language account of a login's risk.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"loginguard/risk"
)

// ErrInferenceUnavailable covers every backend failure. It never reaches callers of Explain.
var ErrInferenceUnavailable = errors.New("inference backend unavailable")

// Explanation sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

const (
	DefaultTimeout   = 20 * time.Second
	DefaultMinLength = 50
)

// Backend generates text for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request carries the login being explained together with its assessment.
type Request struct {
	Username   string
	Roles      []string
	Location   string
	LoginTime  time.Time
	Assessment risk.Assessment
}

// Explanation is the generated text and where it came from.
type Explanation struct {
	Text   string `json:"summary"`
	Source string `json:"source"`
}

// Generator tries the backend once and falls back to a deterministic summary.
type Generator struct {
	Backend         Backend
	Timeout         time.Duration
	MinLength       int
	ApprovedCountry string
	Logger          *slog.Logger
	// Observe, when set, is told which source produced each explanation.
	Observe func(source string)
}

// Explain never fails. A nil Backend always yields the fallback.
func (g *Generator) Explain(ctx context.Context, req Request) Explanation {
	text, err := g.infer(ctx, req)
	if err == nil {
		return g.observe(Explanation{Text: text, Source: SourceModel})
	}
	g.logger().Warn("using fallback explanation", "error", err)
	return g.observe(Explanation{Text: Fallback(req, g.ApprovedCountry), Source: SourceFallback})
}

func (g *Generator) infer(ctx context.Context, req Request) (string, error) {
	if g.Backend == nil {
		return "", fmt.Errorf("%w: no backend configured", ErrInferenceUnavailable)
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	minLength := g.MinLength
	if minLength <= 0 {
		minLength = DefaultMinLength
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := g.Backend.Generate(ctx, Prompt(req))
	if err != nil {
		if !errors.Is(err, ErrInferenceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
		}
		return "", err
	}
	out = strings.TrimSpace(out)
	if n := utf8.RuneCountInString(out); n < minLength {
		return "", fmt.Errorf("%w: response too short (%d chars)", ErrInferenceUnavailable, n)
	}
	return out, nil
}

func (g *Generator) observe(e Explanation) Explanation {
	if g.Observe != nil {
		g.Observe(e.Source)
	}
	return e
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Prompt asks for five short points matching the fallback's structure.
func Prompt(req Request) string {
	roles := strings.Join(req.Roles, ", ")
	if roles == "" {
		roles = "None"
	}
	return fmt.Sprintf(`Security Analysis for: %s
Roles: %s
Location: %s
Time: %s

Provide 5 brief security points (max 40 words each):
1. Privilege level
2. Location risk
3. Time pattern
4. Role concerns
5. Overall risk`, req.Username, roles, req.Location, req.LoginTime.UTC().Format(time.RFC3339))
}
