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

// Package ingest turns stored pages into embedded chunks and extracts
// text from uploaded files so they enter the same index. The indexer is
// driven by the job worker (index and file_process jobs) and by the
// inline admin backend.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Index modes. Incremental reindexes only pages whose content hash
// changed since their last pass; full rebuilds every page in scope.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// PageIndexStore is the slice of the store the indexer needs.
type PageIndexStore interface {
	ListPagesToIndex(ctx context.Context, f store.PageFilter, full bool) ([]*store.Page, error)
	ReplaceChunks(ctx context.Context, pageID int64, chunks []store.Chunk) error
	MarkPageIndexed(ctx context.Context, pageID int64, contentHash string) error
}

// Request scopes one index pass. It doubles as the payload of an index
// job.
type Request struct {
	Workspace string `json:"workspace,omitempty" mapstructure:"workspace"`
	KBID      string `json:"kb_id,omitempty" mapstructure:"kb_id"`
	Mode      string `json:"mode,omitempty" mapstructure:"mode"`
}

// Result counts one index pass. Field names surface through the admin
// job API.
type Result struct {
	Pages  int `json:"pages"`
	Chunks int `json:"chunks"`
}

// Indexer chunks and embeds pages.
type Indexer struct {
	store    PageIndexStore
	chunker  *rag.Chunker
	embedder embeddings.Embedder
	tokens   *utils.TokenCounter
	logger   *slog.Logger
}

// NewIndexer builds an indexer. tokens may be nil, in which case chunk
// token counts fall back to the byte estimate.
func NewIndexer(st PageIndexStore, chunker *rag.Chunker, embedder embeddings.Embedder, tokens *utils.TokenCounter, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:    st,
		chunker:  chunker,
		embedder: embedder,
		tokens:   tokens,
		logger:   logger,
	}
}

// Run indexes every page in scope that is due. A page-level failure
// aborts the pass with the counts so far; the worker retries the whole
// job, and pages already indexed are skipped on the retry because their
// indexed hash is current.
func (ix *Indexer) Run(ctx context.Context, req Request) (*Result, error) {
	req = withRequestDefaults(req)
	full := req.Mode == ModeFull

	pages, err := ix.store.ListPagesToIndex(ctx, store.PageFilter{
		Workspace: req.Workspace,
		KBID:      req.KBID,
	}, full)
	if err != nil {
		return nil, err
	}

	ix.logger.Info("Index pass started",
		"workspace", req.Workspace, "kb_id", req.KBID, "mode", req.Mode, "pending", len(pages))

	res := &Result{}
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := ix.indexPage(ctx, page)
		if err != nil {
			return res, fmt.Errorf("failed to index page %s: %w", page.URL, err)
		}
		res.Pages++
		res.Chunks += n
	}

	ix.logger.Info("Index pass finished", "pages", res.Pages, "chunks", res.Chunks)
	return res, nil
}

func withRequestDefaults(req Request) Request {
	if req.Workspace == "" {
		req.Workspace = "default"
	}
	if req.KBID == "" {
		req.KBID = "default"
	}
	if req.Mode == "" {
		req.Mode = ModeIncremental
	}
	return req
}

// indexPage replaces a page's chunks and records the content hash they
// were built from. A page with no indexable text keeps zero chunks but
// is still marked indexed so it stops showing up as pending.
func (ix *Indexer) indexPage(ctx context.Context, page *store.Page) (int, error) {
	pieces := ix.chunker.Split(page.ContentMarkdown)

	chunks := make([]store.Chunk, 0, len(pieces))
	if len(pieces) > 0 {
		texts := make([]string, len(pieces))
		for i, piece := range pieces {
			texts[i] = piece.Text
		}
		vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != len(pieces) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
		}
		for i, piece := range pieces {
			chunks = append(chunks, store.Chunk{
				PageID:         page.ID,
				ChunkIndex:     piece.Index,
				SectionPath:    piece.SectionPath,
				Text:           piece.Text,
				Hash:           utils.SHA256Text(piece.Text),
				TokenCount:     ix.tokens.Count(piece.Text),
				Embedding:      vectors[i],
				EmbeddingModel: ix.embedder.Model(),
			})
		}
	}

	if err := ix.store.ReplaceChunks(ctx, page.ID, chunks); err != nil {
		return 0, err
	}
	if err := ix.store.MarkPageIndexed(ctx, page.ID, page.ContentHash); err != nil {
		return 0, err
	}

	ix.logger.Debug("Indexed page", "url", page.URL, "chunks", len(chunks))
	return len(chunks), nil
}
