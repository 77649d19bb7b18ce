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

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/crawler"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/ingest"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// fakeWorkerStore backs the worker, the indexer, and the crawler in one
// in-memory store so a claimed job runs end to end.
type fakeWorkerStore struct {
	mu      sync.Mutex
	jobs    map[string]*store.Job
	order   []string
	pages   []*store.Page
	chunks  map[int64][]store.Chunk
	batches map[string]*store.FileBatch
	nextID  int64
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		jobs:    make(map[string]*store.Job),
		chunks:  make(map[int64][]store.Chunk),
		batches: make(map[string]*store.FileBatch),
	}
}

func (f *fakeWorkerStore) addJob(id string, jobType store.JobType, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = &store.Job{ID: id, Type: jobType, Status: store.JobQueued, Payload: payload, Progress: map[string]any{}}
	f.order = append(f.order, id)
}

func (f *fakeWorkerStore) seedPage(p *store.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	f.pages = append(f.pages, p)
}

func (f *fakeWorkerStore) seedBatch(b *store.FileBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[b.ID] = b
}

func (f *fakeWorkerStore) job(id string) store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeWorkerStore) jobStatus(id string) store.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

func (f *fakeWorkerStore) batch(id string) store.FileBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.batches[id]
}

func (f *fakeWorkerStore) pageByURL(url string) *store.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.URL == url {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (f *fakeWorkerStore) ClaimNextJob(_ context.Context, _ time.Duration) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		job := f.jobs[id]
		if job.Status != store.JobQueued {
			continue
		}
		now := time.Now()
		job.Status = store.JobRunning
		job.StartedAt = &now
		job.Error = ""
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeWorkerStore) UpdateJobProgress(_ context.Context, id string, progress map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Progress = progress
	return nil
}

func (f *fakeWorkerStore) FinishJob(_ context.Context, id string, status store.JobStatus, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	now := time.Now()
	job.Status = status
	job.Error = errText
	job.FinishedAt = &now
	return nil
}

func (f *fakeWorkerStore) RequeueJob(_ context.Context, id, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Status = store.JobQueued
	job.Error = errText
	job.StartedAt = nil
	return nil
}

func (f *fakeWorkerStore) GetFileBatch(_ context.Context, id string) (*store.FileBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	cp.Items = append([]store.FileItem(nil), b.Items...)
	return &cp, nil
}

func (f *fakeWorkerStore) SetFileBatchStatus(_ context.Context, id, status, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return fmt.Errorf("batch %s not found", id)
	}
	b.Status = status
	b.Error = errText
	return nil
}

func (f *fakeWorkerStore) UpdateFileItem(_ context.Context, batchID, filename, status, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	for i := range b.Items {
		if b.Items[i].Filename == filename {
			b.Items[i].Status = status
			b.Items[i].Error = errText
			return nil
		}
	}
	return fmt.Errorf("file %s not found in batch", filename)
}

func (f *fakeWorkerStore) UpsertPage(_ context.Context, p *store.Page) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.pages {
		if existing.Workspace == p.Workspace && existing.KBID == p.KBID && existing.URL == p.URL {
			existing.Title = p.Title
			existing.ContentMarkdown = p.ContentMarkdown
			existing.ContentHash = p.ContentHash
			existing.HTTPStatus = p.HTTPStatus
			existing.LastCrawledAt = p.LastCrawledAt
			existing.Meta = p.Meta
			return existing.ID, nil
		}
	}
	f.nextID++
	cp := *p
	cp.ID = f.nextID
	f.pages = append(f.pages, &cp)
	return cp.ID, nil
}

func (f *fakeWorkerStore) ListPageURLs(_ context.Context, filter store.PageFilter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var urls []string
	for _, p := range f.pages {
		if pageMatches(p, filter) {
			urls = append(urls, p.URL)
		}
	}
	return urls, nil
}

func (f *fakeWorkerStore) ListPagesToIndex(_ context.Context, filter store.PageFilter, full bool) ([]*store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Page
	for _, p := range f.pages {
		if pageMatches(p, filter) && (full || p.ContentHash != p.IndexedContentHash) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWorkerStore) ReplaceChunks(_ context.Context, pageID int64, chunks []store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[pageID] = chunks
	return nil
}

func (f *fakeWorkerStore) MarkPageIndexed(_ context.Context, pageID int64, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			p.IndexedContentHash = contentHash
			return nil
		}
	}
	return fmt.Errorf("page %d not found", pageID)
}

func pageMatches(p *store.Page, filter store.PageFilter) bool {
	if filter.Workspace != "" && p.Workspace != filter.Workspace {
		return false
	}
	if filter.KBID != "" && p.KBID != filter.KBID {
		return false
	}
	return true
}

// flakyEmbedder fails its first n document calls, then behaves.
type flakyEmbedder struct {
	embeddings.Embedder
	mu    sync.Mutex
	fails int
}

func (f *flakyEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, fmt.Errorf("embedding backend unavailable")
	}
	f.mu.Unlock()
	return f.Embedder.EmbedDocuments(ctx, texts)
}

func hashEmbedder(t *testing.T) embeddings.Embedder {
	t.Helper()
	emb, err := embeddings.New(&config.EmbedderConfig{
		Provider:  config.EmbedderProviderHash,
		Model:     "hash-test",
		Dimension: 8,
	})
	require.NoError(t, err)
	return emb
}

func newTestWorker(t *testing.T, st *fakeWorkerStore, emb embeddings.Embedder, cfg *config.WorkerConfig) *Worker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chunkCfg := &config.ChunkingConfig{}
	chunkCfg.SetDefaults()
	ix := ingest.NewIndexer(st, rag.NewChunker(chunkCfg), emb, nil, logger)

	crawlCfg := &config.CrawlConfig{Concurrency: 2}
	crawlCfg.SetDefaults()
	cr := crawler.New(st, crawlCfg, logger)

	return New(st, cr, ix, cfg, nil, logger)
}

// startWorker runs w until the test ends.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastConfig(maxAttempts int) *config.WorkerConfig {
	return &config.WorkerConfig{
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Hour,
		MaxAttempts:  maxAttempts,
	}
}

func TestWorkerRetriesFailedJob(t *testing.T) {
	st := newFakeWorkerStore()
	st.seedPage(&store.Page{
		Workspace:       "default",
		KBID:            "default",
		URL:             "https://docs.test/guide",
		ContentMarkdown: "# Guide\n\nConnect the device.",
		ContentHash:     "h1",
	})

	emb := &flakyEmbedder{Embedder: hashEmbedder(t), fails: 1}
	w := newTestWorker(t, st, emb, fastConfig(3))
	st.addJob("index_1", store.JobTypeIndex, map[string]any{"mode": "full"})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("index_1") == store.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	job := st.job("index_1")
	assert.Empty(t, job.Error)
	assert.EqualValues(t, 1, job.Progress["pages"])
	assert.EqualValues(t, 1, job.Progress["chunks"])

	meta, ok := job.Progress["_meta"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, meta["attempts"])
	assert.Equal(t, w.ID(), meta["worker_id"])
}

func TestWorkerFailsJobAfterMaxAttempts(t *testing.T) {
	st := newFakeWorkerStore()
	st.seedPage(&store.Page{
		Workspace:       "default",
		KBID:            "default",
		URL:             "https://docs.test/guide",
		ContentMarkdown: "# Guide\n\nBody.",
		ContentHash:     "h1",
	})

	emb := &flakyEmbedder{Embedder: hashEmbedder(t), fails: 100}
	w := newTestWorker(t, st, emb, fastConfig(2))
	st.addJob("index_1", store.JobTypeIndex, map[string]any{"mode": "full"})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("index_1") == store.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	job := st.job("index_1")
	assert.Contains(t, job.Error, "failed to embed chunks")
	require.NotNil(t, job.FinishedAt)

	meta, ok := job.Progress["_meta"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, meta["attempts"])
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	st := newFakeWorkerStore()
	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(1))
	st.addJob("job_1", store.JobType("publish"), map[string]any{})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("job_1") == store.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "unknown job type: publish", st.job("job_1").Error)
}

func TestWorkerRunsCrawlJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Swap Guide</title></head>
<body><main><h1>Swap Guide</h1><p>How to swap tokens safely.</p></main></body></html>`)
	}))
	defer server.Close()

	st := newFakeWorkerStore()
	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(1))

	// Payloads come back from JSONB as untyped maps; the decoder has to
	// cope with []any where handlers want []string.
	st.addJob("crawl_1", store.JobTypeCrawl, map[string]any{
		"workspace": "default",
		"kb_id":     "default",
		"seed_urls": []any{server.URL + "/docs/swap"},
	})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("crawl_1") == store.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	job := st.job("crawl_1")
	assert.EqualValues(t, 1, job.Progress["pages_stored"])
	assert.EqualValues(t, 0, job.Progress["pages_failed"])

	page := st.pageByURL(server.URL + "/docs/swap")
	require.NotNil(t, page)
	assert.Equal(t, "Swap Guide", page.Title)
}

func TestWorkerProcessesFileBatch(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("The bridge contract handles swaps."), 0o644))
	junk := filepath.Join(dir, "junk.zip")
	require.NoError(t, os.WriteFile(junk, []byte("PK"), 0o644))

	st := newFakeWorkerStore()
	st.seedBatch(&store.FileBatch{
		ID:        "batch_1",
		Workspace: "default",
		KBID:      "default",
		Status:    store.FileBatchPending,
		Items: []store.FileItem{
			{ID: 1, BatchID: "batch_1", Filename: "notes.txt", Path: notes, Status: store.FileItemPending},
			{ID: 2, BatchID: "batch_1", Filename: "junk.zip", Path: junk, Status: store.FileItemPending},
		},
	})

	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(1))
	st.addJob("file_1", store.JobTypeFileProcess, map[string]any{"batch_id": "batch_1"})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("file_1") == store.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	job := st.job("file_1")
	assert.EqualValues(t, 2, job.Progress["total"])
	assert.EqualValues(t, 1, job.Progress["done"])
	assert.EqualValues(t, 1, job.Progress["failed"])
	assert.EqualValues(t, 1, job.Progress["indexed_pages"])

	failedFiles, ok := job.Progress["failed_files"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, failedFiles, 1)
	assert.Equal(t, "junk.zip", failedFiles[0]["filename"])
	assert.Contains(t, failedFiles[0]["error"], "unsupported file type")

	batch := st.batch("batch_1")
	assert.Equal(t, store.FileBatchPartial, batch.Status)
	assert.Equal(t, "1 files failed", batch.Error)
	assert.Equal(t, store.FileItemDone, batch.Items[0].Status)
	assert.Equal(t, store.FileItemFailed, batch.Items[1].Status)

	// The uploaded file enters the index as a synthetic page.
	page := st.pageByURL("file://batch_1/notes.txt")
	require.NotNil(t, page)
	assert.Equal(t, "notes.txt", page.Title)
	assert.Equal(t, utils.SHA256Text("The bridge contract handles swaps."), page.ContentHash)
	assert.Equal(t, page.ContentHash, page.IndexedContentHash)
	assert.Equal(t, 200, page.HTTPStatus)
}

func TestWorkerFailsBatchWhenAllFilesFail(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.zip")
	require.NoError(t, os.WriteFile(junk, []byte("PK"), 0o644))

	st := newFakeWorkerStore()
	st.seedBatch(&store.FileBatch{
		ID:        "batch_1",
		Workspace: "default",
		KBID:      "default",
		Status:    store.FileBatchPending,
		Items: []store.FileItem{
			{ID: 1, BatchID: "batch_1", Filename: "junk.zip", Path: junk, Status: store.FileItemPending},
		},
	})

	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(1))
	st.addJob("file_1", store.JobTypeFileProcess, map[string]any{"batch_id": "batch_1"})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("file_1") == store.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, store.FileBatchFailed, st.batch("batch_1").Status)
}

func TestWorkerFileProcessRequiresKnownBatch(t *testing.T) {
	st := newFakeWorkerStore()
	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(1))
	st.addJob("file_1", store.JobTypeFileProcess, map[string]any{"batch_id": "nope"})

	startWorker(t, w)

	require.Eventually(t, func() bool {
		return st.jobStatus("file_1") == store.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "file batch not found", st.job("file_1").Error)
}

func TestWorkerExecuteRunsJobInline(t *testing.T) {
	st := newFakeWorkerStore()
	st.seedPage(&store.Page{
		Workspace:       "default",
		KBID:            "default",
		URL:             "https://docs.test/guide",
		ContentMarkdown: "# Guide\n\nBody.",
		ContentHash:     "h1",
	})

	w := newTestWorker(t, st, hashEmbedder(t), fastConfig(3))

	progress, err := w.Execute(context.Background(), &store.Job{
		ID:      "index_inline",
		Type:    store.JobTypeIndex,
		Payload: map[string]any{"mode": "full"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, progress["pages"])
	assert.EqualValues(t, 1, progress["chunks"])
}

func TestWorkerKeepsConfiguredID(t *testing.T) {
	st := newFakeWorkerStore()
	cfg := fastConfig(3)
	cfg.ID = "worker_fixed"
	w := newTestWorker(t, st, hashEmbedder(t), cfg)
	assert.Equal(t, "worker_fixed", w.ID())

	w2 := newTestWorker(t, st, hashEmbedder(t), fastConfig(3))
	assert.NotEmpty(t, w2.ID())
	assert.NotEqual(t, w.ID(), w2.ID())
}
