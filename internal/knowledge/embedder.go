package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
)

// Embedder turns text into a fixed-size vector for dense retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const hashEmbedderDims = 384

// HashEmbedder is a deterministic offline fallback. It derives a stable
// pseudo-embedding from a hash of the text, so the retrieval pipeline keeps
// working when no embedding model is reachable. Semantically blind, but
// reproducible across restarts.
type HashEmbedder struct{}

func (HashEmbedder) Dimensions() int { return hashEmbedderDims }

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float32, hashEmbedderDims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
