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

// Package store implements the PostgreSQL persistence layer: pages and
// chunks (with pgvector embeddings and full-text search), the contract
// address index, the job queue, file batches, and feedback.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/onekeyhq/ragserve/pkg/config"
)

// Store wraps the shared database handle. All row access goes through it.
type Store struct {
	db *sql.DB
}

const (
	createPagesTableSQL = `
CREATE TABLE IF NOT EXISTS pages (
    id BIGSERIAL PRIMARY KEY,
    workspace TEXT NOT NULL DEFAULT 'default',
    kb_id TEXT NOT NULL DEFAULT 'default',
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    content_markdown TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    indexed_content_hash TEXT NOT NULL DEFAULT '',
    http_status INT NOT NULL DEFAULT 0,
    last_crawled_at TIMESTAMPTZ,
    meta JSONB NOT NULL DEFAULT '{}',
    UNIQUE (workspace, kb_id, url)
)`

	createPagesScopeIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_pages_workspace_kb ON pages (workspace, kb_id)`

	// chunks.embedding is declared with a fixed dimension; the column type
	// is rendered at bootstrap from the embedder dimension.
	createChunksTableSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    id BIGSERIAL PRIMARY KEY,
    page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    chunk_index INT NOT NULL,
    section_path TEXT NOT NULL DEFAULT '',
    chunk_text TEXT NOT NULL,
    chunk_hash TEXT NOT NULL DEFAULT '',
    token_count INT NOT NULL DEFAULT 0,
    embedding vector(%d),
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (page_id, chunk_index)
)`

	createContractTableSQL = `
CREATE TABLE IF NOT EXISTS contract_index (
    address TEXT PRIMARY KEY,
    protocol TEXT NOT NULL DEFAULT '',
    protocol_version TEXT NOT NULL DEFAULT '',
    contract_type TEXT NOT NULL DEFAULT '',
    contract_name TEXT NOT NULL DEFAULT '',
    source_url TEXT NOT NULL DEFAULT '',
    source_kb TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    chain_id INT NOT NULL DEFAULT 1,
    meta JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createContractProtocolIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_contract_index_protocol ON contract_index (protocol)`

	createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    payload JSONB NOT NULL DEFAULT '{}',
    progress JSONB NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
)`

	createJobsStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`

	createFileBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS file_batches (
    id TEXT PRIMARY KEY,
    workspace TEXT NOT NULL DEFAULT 'default',
    kb_id TEXT NOT NULL DEFAULT 'default',
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createFileItemsTableSQL = `
CREATE TABLE IF NOT EXISTS file_items (
    id BIGSERIAL PRIMARY KEY,
    batch_id TEXT NOT NULL REFERENCES file_batches(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT NOT NULL DEFAULT '',
    UNIQUE (batch_id, filename)
)`

	createFeedbackTableSQL = `
CREATE TABLE IF NOT EXISTS feedback (
    id BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    rating TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT '',
    sources JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, message_id)
)`
)

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db}, nil
}

// BootstrapOptions controls schema creation.
type BootstrapOptions struct {
	// EmbeddingDim is the fixed dimension of the chunks.embedding column.
	EmbeddingDim int

	// VectorIndex selects the ANN index built over embeddings.
	VectorIndex        config.VectorIndexKind
	IVFFlatLists       int
	HNSWM              int
	HNSWEfConstruction int

	// FTSConfig is the text search configuration used by the GIN index.
	// It must match the configuration queries use, or Postgres will not
	// use the index. Sanitized to [a-zA-Z0-9_].
	FTSConfig string
}

// BootstrapOptionsFromConfig derives bootstrap options from the loaded
// configuration sections.
func BootstrapOptionsFromConfig(db *config.DatabaseConfig, embedder *config.EmbedderConfig, rag *config.RAGConfig) BootstrapOptions {
	return BootstrapOptions{
		EmbeddingDim:       embedder.Dimension,
		VectorIndex:        db.VectorIndex,
		IVFFlatLists:       db.IVFFlatLists,
		HNSWM:              db.HNSWM,
		HNSWEfConstruction: db.HNSWEfConstruction,
		FTSConfig:          rag.Hybrid.FTSConfig,
	}
}

// Bootstrap creates the extension, tables, and indexes. Statements are
// idempotent; Bootstrap is safe to run on every startup.
func (s *Store) Bootstrap(ctx context.Context, opts BootstrapOptions) error {
	if opts.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", opts.EmbeddingDim)
	}

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		createPagesTableSQL,
		createPagesScopeIndexSQL,
		fmt.Sprintf(createChunksTableSQL, opts.EmbeddingDim),
		createContractTableSQL,
		createContractProtocolIndexSQL,
		createJobsTableSQL,
		createJobsStatusIndexSQL,
		createFileBatchesTableSQL,
		createFileItemsTableSQL,
		createFeedbackTableSQL,
	}

	if stmt := vectorIndexSQL(opts); stmt != "" {
		statements = append(statements, stmt)
	}
	statements = append(statements, ftsIndexSQL(opts.FTSConfig))

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}

	slog.Info("Database schema ready",
		"embedding_dim", opts.EmbeddingDim,
		"vector_index", string(opts.VectorIndex),
		"fts_config", SanitizeFTSConfig(opts.FTSConfig))
	return nil
}

// vectorIndexSQL renders the ANN index statement, or "" when disabled.
func vectorIndexSQL(opts BootstrapOptions) string {
	switch opts.VectorIndex {
	case config.VectorIndexHNSW:
		m, ef := opts.HNSWM, opts.HNSWEfConstruction
		if m <= 0 {
			m = 16
		}
		if ef <= 0 {
			ef = 64
		}
		return fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw ON chunks USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
			m, ef)
	case config.VectorIndexIVFFlat:
		lists := opts.IVFFlatLists
		if lists <= 0 {
			lists = 100
		}
		return fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_ivfflat ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`,
			lists)
	default:
		return ""
	}
}

// ftsIndexSQL renders the full-text GIN index statement.
func ftsIndexSQL(ftsConfig string) string {
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_chunks_fts ON chunks USING GIN (to_tsvector('%s', chunk_text))`,
		SanitizeFTSConfig(ftsConfig))
}

var ftsConfigPattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeFTSConfig strips everything outside [a-zA-Z0-9_] from a text
// search configuration name. The name is interpolated into SQL (it cannot
// be a bind parameter inside to_tsvector's regconfig argument).
func SanitizeFTSConfig(name string) string {
	cleaned := ftsConfigPattern.ReplaceAllString(name, "")
	if cleaned == "" {
		return "simple"
	}
	return cleaned
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Health reports the state of the database and the pgvector extension.
type Health struct {
	Postgres bool `json:"postgres"`
	PGVector bool `json:"pgvector"`
}

// CheckHealth pings the database and checks that the vector extension is
// installed. It never returns an error; failures show up as false fields.
func (s *Store) CheckHealth(ctx context.Context) Health {
	var h Health
	if err := s.db.PingContext(ctx); err != nil {
		slog.Warn("Database ping failed", "error", err)
		return h
	}
	h.Postgres = true

	var installed int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pg_extension WHERE extname = 'vector'`).Scan(&installed)
	if err == nil && installed == 1 {
		h.PGVector = true
	} else if err != nil && err != sql.ErrNoRows {
		slog.Warn("pgvector extension check failed", "error", err)
	}
	return h
}

// DB exposes the raw handle for callers that need transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
