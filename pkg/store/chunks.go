// Copyright 2025 OneKey
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Chunk is one embedded slice of a page.
type Chunk struct {
	ID             int64
	PageID         int64
	ChunkIndex     int
	SectionPath    string
	Text           string
	Hash           string
	TokenCount     int
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

// ScoredChunk is a retrieval candidate joined to its page.
type ScoredChunk struct {
	ChunkID     int64
	PageID      int64
	KBID        string
	URL         string
	Title       string
	SectionPath string
	Text        string
	Score       float64
}

// SearchFilter scopes retrieval queries to a workspace and optionally one
// knowledge base.
type SearchFilter struct {
	Workspace string
	KBID      string
}

// AddressChunk is a chunk row used by the contract index (reverse lookup
// and batch building).
type AddressChunk struct {
	ChunkID int64
	Text    string
	URL     string
	KBID    string
}

// ReplaceChunks atomically swaps the chunk set of a page. Chunks and their
// embeddings are immutable once written; re-indexing always goes through
// delete+insert.
func (s *Store) ReplaceChunks(ctx context.Context, pageID int64, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE page_id = $1`, pageID); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO chunks (page_id, chunk_index, section_path, chunk_text, chunk_hash, token_count, embedding, embedding_model)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, pageID, c.ChunkIndex, c.SectionPath, c.Text, c.Hash, c.TokenCount,
			pgvector.NewVector(c.Embedding), c.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// SearchChunksVector returns the top-k chunks by cosine similarity.
// Score is 1 - cosine_distance clamped to [0, 1].
func (s *Store) SearchChunksVector(ctx context.Context, embedding []float32, f SearchFilter, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
SELECT c.id, c.page_id, p.kb_id, p.url, p.title, c.section_path, c.chunk_text,
       (c.embedding <=> $1) AS distance
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE c.embedding IS NOT NULL`
	args := []any{pgvector.NewVector(embedding)}
	argIndex := 2

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND p.workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND p.kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1 LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var distance float64
		if err := rows.Scan(&sc.ChunkID, &sc.PageID, &sc.KBID, &sc.URL, &sc.Title,
			&sc.SectionPath, &sc.Text, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan vector result: %w", err)
		}
		sc.Score = clampScore(1 - distance)
		results = append(results, sc)
	}
	return results, rows.Err()
}

// SearchChunksLexical returns the top-k chunks by full-text rank. Scores
// are raw ts_rank values; callers normalize them before mixing with the
// vector side.
func (s *Store) SearchChunksLexical(ctx context.Context, text, ftsConfig string, f SearchFilter, limit int) ([]ScoredChunk, error) {
	if limit <= 0 || text == "" {
		return nil, nil
	}
	cfg := SanitizeFTSConfig(ftsConfig)

	query := fmt.Sprintf(`
SELECT c.id, c.page_id, p.kb_id, p.url, p.title, c.section_path, c.chunk_text,
       ts_rank(to_tsvector('%[1]s', c.chunk_text), plainto_tsquery('%[1]s', $1)) AS rank
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE to_tsvector('%[1]s', c.chunk_text) @@ plainto_tsquery('%[1]s', $1)`, cfg)
	args := []any{text}
	argIndex := 2

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND p.workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND p.kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	query += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		if err := rows.Scan(&sc.ChunkID, &sc.PageID, &sc.KBID, &sc.URL, &sc.Title,
			&sc.SectionPath, &sc.Text, &sc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan lexical result: %w", err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// FindChunksContaining returns up to limit chunks whose text contains the
// needle, joined to their pages. Used for contract reverse lookup.
func (s *Store) FindChunksContaining(ctx context.Context, needle string, limit int) ([]AddressChunk, error) {
	if needle == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.chunk_text, p.url, p.kb_id
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE c.chunk_text ILIKE '%' || $1 || '%'
ORDER BY c.id
LIMIT $2
`, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("address chunk search failed: %w", err)
	}
	defer rows.Close()

	var results []AddressChunk
	for rows.Next() {
		var ac AddressChunk
		if err := rows.Scan(&ac.ChunkID, &ac.Text, &ac.URL, &ac.KBID); err != nil {
			return nil, fmt.Errorf("failed to scan address chunk: %w", err)
		}
		results = append(results, ac)
	}
	return results, rows.Err()
}

// ListAddressChunks pages through chunks that contain at least one
// contract address, ordered by id, starting after afterID. Used by the
// contract index batch builder.
func (s *Store) ListAddressChunks(ctx context.Context, f SearchFilter, afterID int64, limit int) ([]AddressChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
SELECT c.id, c.chunk_text, p.url, p.kb_id
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE c.chunk_text ~ '0x[a-fA-F0-9]{40}' AND c.id > $1`
	args := []any{afterID}
	argIndex := 2

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND p.workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND p.kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	query += fmt.Sprintf(" ORDER BY c.id LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("address chunk scan failed: %w", err)
	}
	defer rows.Close()

	var results []AddressChunk
	for rows.Next() {
		var ac AddressChunk
		if err := rows.Scan(&ac.ChunkID, &ac.Text, &ac.URL, &ac.KBID); err != nil {
			return nil, fmt.Errorf("failed to scan address chunk: %w", err)
		}
		results = append(results, ac)
	}
	return results, rows.Err()
}

// CountChunks returns the number of chunks in scope.
func (s *Store) CountChunks(ctx context.Context, f SearchFilter) (int, error) {
	query := `
SELECT COUNT(*)
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE 1=1`
	args := []any{}
	argIndex := 1

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND p.workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND p.kb_id = $%d", argIndex)
		args = append(args, f.KBID)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
