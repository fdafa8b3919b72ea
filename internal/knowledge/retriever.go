package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"careline/internal/domain"
)

// Search modes.
const (
	ModeDense   = "dense"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// Store is the persistence surface the retriever needs.
type Store interface {
	InsertDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error
	ListChunks(ctx context.Context) ([]domain.Chunk, error)
	KnowledgeStats(ctx context.Context) (docs int, chunks int, err error)
}

// Retriever answers grounding queries over the clinical knowledge base.
type Retriever struct {
	Store       Store
	Embedder    Embedder
	Chunker     Chunker
	TopK        int
	Threshold   float64
	DenseWeight float64
	Mode        string
	Now         func() time.Time
}

// AddDocument chunks, embeds, and persists a document. The returned record
// carries the generated id and chunk count.
func (r *Retriever) AddDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if strings.TrimSpace(doc.Title) == "" {
		return domain.Document{}, fmt.Errorf("document title is required")
	}
	pieces := r.Chunker.Split(doc.Content)
	if len(pieces) == 0 {
		return domain.Document{}, fmt.Errorf("document content is empty")
	}
	doc.DocID = uuid.NewString()
	if doc.DocType == "" {
		doc.DocType = "note"
	}
	doc.ChunkCount = len(pieces)
	doc.CreatedAt = r.Now().UTC().Format(time.RFC3339)
	chunks := make([]domain.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		vec, err := r.Embedder.Embed(ctx, piece)
		if err != nil {
			return domain.Document{}, fmt.Errorf("embed chunk %d: %w", i, err)
		}
		chunks = append(chunks, domain.Chunk{
			ChunkID:   uuid.NewString(),
			DocID:     doc.DocID,
			Title:     doc.Title,
			Position:  i,
			Content:   piece,
			Embedding: vec,
		})
	}
	if err := r.Store.InsertDocument(ctx, doc, chunks); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Search returns the top-K chunks scoring at or above the confidence
// threshold, ordered by score descending with chunk id breaking ties.
func (r *Retriever) Search(ctx context.Context, query string) ([]domain.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}
	chunks, err := r.Store.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	mode := r.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	var queryVec []float32
	if mode != ModeKeyword {
		queryVec, err = r.Embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	queryTerms := tokenize(query)

	scored := make([]domain.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		var score float64
		switch mode {
		case ModeDense:
			score = denseScore(queryVec, chunk.Embedding)
		case ModeKeyword:
			score = keywordScore(queryTerms, chunk.Content)
		default:
			d := denseScore(queryVec, chunk.Embedding)
			k := keywordScore(queryTerms, chunk.Content)
			score = r.DenseWeight*d + (1-r.DenseWeight)*k
		}
		if score < r.Threshold {
			continue
		}
		scored = append(scored, domain.ScoredChunk{Chunk: chunk, Score: score, MatchType: mode})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if r.TopK > 0 && len(scored) > r.TopK {
		scored = scored[:r.TopK]
	}
	return scored, nil
}

// Stats reports corpus size for the kb stats operation.
func (r *Retriever) Stats(ctx context.Context) (map[string]any, error) {
	docs, chunks, err := r.Store.KnowledgeStats(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]any{
		"documents": docs,
		"chunks":    chunks,
		"mode":      r.Mode,
		"top_k":     r.TopK,
		"threshold": r.Threshold,
	}
	if fb, ok := r.Embedder.(*FallbackEmbedder); ok {
		stats["embedder_degraded"] = fb.Degraded()
	}
	return stats, nil
}

func denseScore(query, chunk []float32) float64 {
	score := cosineSimilarity(query, chunk)
	if score < 0 {
		return 0
	}
	return score
}

func keywordScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := map[string]bool{}
	for _, term := range tokenize(content) {
		contentTerms[term] = true
	}
	matched := 0
	for _, term := range queryTerms {
		if contentTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
