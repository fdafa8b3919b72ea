package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"careline/internal/domain"
)

// InsertDocument stores a document and its chunks in one transaction.
func (r *Repo) InsertDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert document: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, title, content, source, doc_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.Title, doc.Content, doc.Source, doc.DocType, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	for _, chunk := range chunks {
		embJSON, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO doc_chunks (chunk_id, doc_id, position, content, embedding_json)
			VALUES (?, ?, ?, ?, ?)`,
			chunk.ChunkID, chunk.DocID, chunk.Position, chunk.Content, string(embJSON))
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// ListChunks loads every chunk with its embedding and parent title.
func (r *Repo) ListChunks(ctx context.Context) ([]domain.Chunk, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT c.chunk_id, c.doc_id, d.title, c.position, c.content, c.embedding_json
		FROM doc_chunks c JOIN documents d ON d.doc_id = c.doc_id
		ORDER BY d.created_at, c.position`)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		var chunk domain.Chunk
		var embJSON string
		if err := rows.Scan(&chunk.ChunkID, &chunk.DocID, &chunk.Title, &chunk.Position, &chunk.Content, &embJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(embJSON), &chunk.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// ListDocuments returns document metadata without content, newest first.
func (r *Repo) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT d.doc_id, d.title, coalesce(d.source, ''), d.doc_type, d.created_at,
			(SELECT count(*) FROM doc_chunks c WHERE c.doc_id = d.doc_id)
		FROM documents d ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var doc domain.Document
		if err := rows.Scan(&doc.DocID, &doc.Title, &doc.Source, &doc.DocType, &doc.CreatedAt, &doc.ChunkCount); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// KnowledgeStats counts documents and chunks.
func (r *Repo) KnowledgeStats(ctx context.Context) (int, int, error) {
	var docs, chunks int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM doc_chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return docs, chunks, nil
}
