package knowledge

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"careline/internal/domain"
)

type memStore struct {
	docs   []domain.Document
	chunks []domain.Chunk
}

func (m *memStore) InsertDocument(_ context.Context, doc domain.Document, chunks []domain.Chunk) error {
	m.docs = append(m.docs, doc)
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memStore) ListChunks(context.Context) ([]domain.Chunk, error) {
	return m.chunks, nil
}

func (m *memStore) KnowledgeStats(context.Context) (int, int, error) {
	return len(m.docs), len(m.chunks), nil
}

// angleEmbedder maps known texts to unit vectors at fixed angles so dense
// scores are exact cosines.
type angleEmbedder struct {
	angles map[string]float64
}

func (e angleEmbedder) Dimensions() int { return 2 }

func (e angleEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	theta, ok := e.angles[text]
	if !ok {
		return nil, fmt.Errorf("no angle for %q", text)
	}
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta))}, nil
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func denseRetriever(store *memStore, embedder Embedder, threshold float64) *Retriever {
	return &Retriever{
		Store:       store,
		Embedder:    embedder,
		Chunker:     NewChunker(),
		TopK:        10,
		Threshold:   threshold,
		DenseWeight: 0.7,
		Mode:        ModeDense,
		Now:         fixedNow,
	}
}

func TestSearchFiltersBelowThreshold(t *testing.T) {
	scores := []float64{0.8, 0.5, 0.3, 0.1}
	embedder := angleEmbedder{angles: map[string]float64{"query": 0}}
	store := &memStore{}
	for i, score := range scores {
		text := fmt.Sprintf("chunk-%d", i)
		embedder.angles[text] = math.Acos(score)
		store.chunks = append(store.chunks, domain.Chunk{
			ChunkID:   text,
			DocID:     "doc",
			Title:     "Doc",
			Position:  i,
			Content:   text,
			Embedding: mustEmbed(t, embedder, text),
		})
	}
	r := denseRetriever(store, embedder, 0.4)

	results, err := r.Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (0.8 and 0.5 only): %+v", len(results), results)
	}
	if results[0].ChunkID != "chunk-0" || results[1].ChunkID != "chunk-1" {
		t.Errorf("wrong order: %s, %s", results[0].ChunkID, results[1].ChunkID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted by score descending")
	}
}

func TestSearchTieBreaksByChunkID(t *testing.T) {
	embedder := angleEmbedder{angles: map[string]float64{
		"query": 0,
		"b":     math.Acos(0.9),
		"a":     math.Acos(0.9),
	}}
	store := &memStore{}
	for _, id := range []string{"b", "a"} {
		store.chunks = append(store.chunks, domain.Chunk{
			ChunkID:   id,
			Content:   id,
			Embedding: mustEmbed(t, embedder, id),
		})
	}
	r := denseRetriever(store, embedder, 0.4)

	results, err := r.Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ChunkID != "a" {
		t.Errorf("equal scores should order by chunk id: %+v", results)
	}
}

func TestSearchTopKCapsResults(t *testing.T) {
	embedder := angleEmbedder{angles: map[string]float64{"query": 0}}
	store := &memStore{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		embedder.angles[id] = math.Acos(0.9)
		store.chunks = append(store.chunks, domain.Chunk{
			ChunkID:   id,
			Content:   id,
			Embedding: mustEmbed(t, embedder, id),
		})
	}
	r := denseRetriever(store, embedder, 0.4)
	r.TopK = 3

	results, err := r.Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want top 3", len(results))
	}
}

func TestKeywordSearch(t *testing.T) {
	store := &memStore{chunks: []domain.Chunk{
		{ChunkID: "sepsis", Content: "Measure lactate and obtain blood cultures before antibiotics."},
		{ChunkID: "discharge", Content: "Discharge planning begins at admission."},
	}}
	r := &Retriever{
		Store:     store,
		Embedder:  HashEmbedder{},
		Chunker:   NewChunker(),
		TopK:      5,
		Threshold: 0.3,
		Mode:      ModeKeyword,
		Now:       fixedNow,
	}

	results, err := r.Search(context.Background(), "lactate blood cultures")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "sepsis" {
		t.Fatalf("keyword search = %+v, want the sepsis chunk only", results)
	}
	if results[0].MatchType != ModeKeyword {
		t.Errorf("match type = %s, want keyword", results[0].MatchType)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	r := denseRetriever(&memStore{}, HashEmbedder{}, 0.4)
	if _, err := r.Search(context.Background(), "   "); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestAddDocumentChunksAndPersists(t *testing.T) {
	store := &memStore{}
	r := &Retriever{
		Store:    store,
		Embedder: HashEmbedder{},
		Chunker:  NewChunker(),
		Now:      fixedNow,
	}
	content := strings.Repeat("The capacity protocol requires a documented review of every patient. ", 30)
	doc, err := r.AddDocument(context.Background(), domain.Document{Title: "Capacity Protocol", Content: content})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if doc.DocID == "" {
		t.Error("doc id missing")
	}
	if doc.DocType != "note" {
		t.Errorf("default doc type = %s, want note", doc.DocType)
	}
	if doc.ChunkCount < 2 {
		t.Errorf("long document should produce multiple chunks, got %d", doc.ChunkCount)
	}
	if len(store.chunks) != doc.ChunkCount {
		t.Errorf("store has %d chunks, doc says %d", len(store.chunks), doc.ChunkCount)
	}
	for i, chunk := range store.chunks {
		if chunk.Position != i {
			t.Errorf("chunk %d has position %d", i, chunk.Position)
		}
		if len(chunk.Embedding) != (HashEmbedder{}).Dimensions() {
			t.Errorf("chunk %d embedding has %d dims", i, len(chunk.Embedding))
		}
	}

	if _, err := r.AddDocument(context.Background(), domain.Document{Title: "", Content: "x"}); err == nil {
		t.Error("expected error for missing title")
	}
	if _, err := r.AddDocument(context.Background(), domain.Document{Title: "Empty", Content: "  "}); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	store := &memStore{}
	r := &Retriever{
		Store:    store,
		Embedder: HashEmbedder{},
		Chunker:  NewChunker(),
		Now:      fixedNow,
	}
	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(store.docs) != 3 {
		t.Fatalf("seeded %d documents, want 3", len(store.docs))
	}
	before := len(store.chunks)
	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if len(store.docs) != 3 || len(store.chunks) != before {
		t.Error("Seed must not duplicate the corpus")
	}
}

func mustEmbed(t *testing.T, e Embedder, text string) []float32 {
	t.Helper()
	vec, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed %q: %v", text, err)
	}
	return vec
}
