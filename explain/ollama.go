package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	DefaultOllamaURL = "http://localhost:11434/api/generate"
	DefaultModel     = "tinydolphin"
)

// Options are the sampling parameters sent with every request.
type Options struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	NumPredict  int     `json:"num_predict" yaml:"num_predict"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
}

// DefaultOptions keep answers short and mostly deterministic.
var DefaultOptions = Options{Temperature: 0.3, NumPredict: 150, TopP: 0.9}

// Ollama calls a local Ollama server's non-streaming generate endpoint.
type Ollama struct {
	URL     string
	Model   string
	Options Options
	Client  *http.Client
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends prompt and returns the raw completion.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	target := o.URL
	if target == "" {
		target = DefaultOllamaURL
	}
	model := o.Model
	if model == "" {
		model = DefaultModel
	}
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Options: o.Options})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %s", ErrInferenceUnavailable, resp.Status)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrInferenceUnavailable, err)
	}
	return out.Response, nil
}
