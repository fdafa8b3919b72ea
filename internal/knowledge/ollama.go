package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// OllamaEmbedder requests embeddings from a local Ollama server.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dims:    hashEmbedderDims,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Dimensions() int { return e.dims }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding provider: status %d: %s", resp.StatusCode, msg)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding provider: empty embedding")
	}
	return out.Embedding, nil
}

// FallbackEmbedder tries a primary embedder and degrades to a deterministic
// hash embedding when the primary is unreachable. Once degraded it stays
// degraded, so chunk and query vectors stay in the same space for the rest
// of the process lifetime. One instance serves every in-flight workflow, so
// the degraded flag is atomic.
type FallbackEmbedder struct {
	Primary  Embedder
	Fallback Embedder
	degraded atomic.Bool
}

func NewFallbackEmbedder(primary Embedder) *FallbackEmbedder {
	return &FallbackEmbedder{Primary: primary, Fallback: HashEmbedder{}}
}

func (f *FallbackEmbedder) Dimensions() int {
	if f.degraded.Load() {
		return f.Fallback.Dimensions()
	}
	return f.Primary.Dimensions()
}

func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.degraded.Load() {
		return f.Fallback.Embed(ctx, text)
	}
	vec, err := f.Primary.Embed(ctx, text)
	if err != nil {
		f.degraded.Store(true)
		return f.Fallback.Embed(ctx, text)
	}
	return vec, nil
}

// Degraded reports whether the embedder has fallen back to hashing.
func (f *FallbackEmbedder) Degraded() bool { return f.degraded.Load() }
