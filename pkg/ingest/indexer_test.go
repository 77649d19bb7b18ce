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

package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

type fakeIndexStore struct {
	mu         sync.Mutex
	pages      []*store.Page
	chunks     map[int64][]store.Chunk
	indexed    map[int64]string
	lastFilter store.PageFilter
}

func newFakeIndexStore(pages ...*store.Page) *fakeIndexStore {
	return &fakeIndexStore{
		pages:   pages,
		chunks:  make(map[int64][]store.Chunk),
		indexed: make(map[int64]string),
	}
}

func (f *fakeIndexStore) ListPagesToIndex(_ context.Context, filter store.PageFilter, full bool) ([]*store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter

	var out []*store.Page
	for _, p := range f.pages {
		indexed := p.IndexedContentHash
		if h, ok := f.indexed[p.ID]; ok {
			indexed = h
		}
		if full || p.ContentHash != indexed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeIndexStore) ReplaceChunks(_ context.Context, pageID int64, chunks []store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[pageID] = chunks
	return nil
}

func (f *fakeIndexStore) MarkPageIndexed(_ context.Context, pageID int64, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[pageID] = contentHash
	return nil
}

func testIndexer(t *testing.T, st PageIndexStore) *Indexer {
	t.Helper()

	chunkCfg := &config.ChunkingConfig{}
	chunkCfg.SetDefaults()

	embedder, err := embeddings.New(&config.EmbedderConfig{
		Provider:  config.EmbedderProviderHash,
		Model:     "hash-test",
		Dimension: 8,
	})
	require.NoError(t, err)

	return NewIndexer(st, rag.NewChunker(chunkCfg), embedder, nil, nil)
}

func indexablePage(id int64, url, markdown string) *store.Page {
	return &store.Page{
		ID:              id,
		Workspace:       "default",
		KBID:            "default",
		URL:             url,
		ContentMarkdown: markdown,
		ContentHash:     utils.SHA256Text(markdown),
	}
}

func TestIndexerEmbedsChangedPages(t *testing.T) {
	st := newFakeIndexStore(
		indexablePage(1, "https://docs.test/guide", "# Guide\n\nConnect the device."),
		indexablePage(2, "https://docs.test/api", "# API\n\nCall the endpoint."),
	)
	ix := testIndexer(t, st)

	res, err := ix.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, store.PageFilter{Workspace: "default", KBID: "default"}, st.lastFilter)

	chunks := st.chunks[1]
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(1), chunks[0].PageID)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "Guide", chunks[0].SectionPath)
	assert.Equal(t, utils.SHA256Text(chunks[0].Text), chunks[0].Hash)
	assert.Equal(t, "hash-test", chunks[0].EmbeddingModel)
	assert.Len(t, chunks[0].Embedding, 8)
	assert.Greater(t, chunks[0].TokenCount, 0)

	assert.Equal(t, st.pages[0].ContentHash, st.indexed[1])
	assert.Equal(t, st.pages[1].ContentHash, st.indexed[2])
}

func TestIndexerIncrementalSkipsCurrentPages(t *testing.T) {
	current := indexablePage(1, "https://docs.test/stable", "# Stable\n\nUnchanged.")
	current.IndexedContentHash = current.ContentHash
	st := newFakeIndexStore(
		current,
		indexablePage(2, "https://docs.test/changed", "# Changed\n\nNew body."),
	)
	ix := testIndexer(t, st)

	res, err := ix.Run(context.Background(), Request{Mode: ModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.NotContains(t, st.chunks, int64(1))
	assert.Contains(t, st.chunks, int64(2))
}

func TestIndexerFullRebuildsCurrentPages(t *testing.T) {
	current := indexablePage(1, "https://docs.test/stable", "# Stable\n\nUnchanged.")
	current.IndexedContentHash = current.ContentHash
	st := newFakeIndexStore(current)
	ix := testIndexer(t, st)

	res, err := ix.Run(context.Background(), Request{Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Contains(t, st.chunks, int64(1))
}

func TestIndexerMarksEmptyPages(t *testing.T) {
	st := newFakeIndexStore(indexablePage(1, "https://docs.test/empty", "   \n\n  "))
	ix := testIndexer(t, st)

	res, err := ix.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 0, res.Chunks)
	assert.Empty(t, st.chunks[1])

	// The empty page must not stay pending forever.
	assert.Equal(t, st.pages[0].ContentHash, st.indexed[1])
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("upstream unavailable")
}

func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("upstream unavailable")
}

func (failingEmbedder) Dimension() int { return 8 }
func (failingEmbedder) Model() string  { return "failing" }

func TestIndexerAbortsOnEmbedFailure(t *testing.T) {
	st := newFakeIndexStore(indexablePage(1, "https://docs.test/guide", "# Guide\n\nBody."))

	chunkCfg := &config.ChunkingConfig{}
	chunkCfg.SetDefaults()
	ix := NewIndexer(st, rag.NewChunker(chunkCfg), failingEmbedder{}, nil, nil)

	res, err := ix.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to index page https://docs.test/guide")
	assert.Equal(t, 0, res.Pages)
	assert.Empty(t, st.indexed)
}
