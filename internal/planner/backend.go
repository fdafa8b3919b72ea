package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend produces completions for plan generation.
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Ping(ctx context.Context) error
}

// ProviderError marks a transient transport or model-host failure. Callers
// may retry the step once before giving up.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "plan provider: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// GenerationError marks output the model produced but the pipeline cannot
// use. Retrying with the same inputs is not expected to help.
type GenerationError struct {
	Reason string
}

func (e *GenerationError) Error() string { return "plan generation: " + e.Reason }

// OllamaBackend generates completions through a local Ollama server.
type OllamaBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaBackend(baseURL, model string, timeout time.Duration) *OllamaBackend {
	return &OllamaBackend{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (b *OllamaBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   b.model,
		System:  system,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return "", &ProviderError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &ProviderError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Response == "" {
		return "", &GenerationError{Reason: "model returned an empty response"}
	}
	return out.Response, nil
}

// Ping verifies the model host is reachable.
func (b *OllamaBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &ProviderError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
