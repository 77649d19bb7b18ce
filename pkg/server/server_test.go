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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
)

type fakeStore struct {
	mu        sync.Mutex
	health    store.Health
	jobs      map[string]*store.Job
	batches   map[string]*store.FileBatch
	feedback  []*store.Feedback
	protocols []store.ProtocolCount
	contracts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		health:  store.Health{Postgres: true, PGVector: true},
		jobs:    map[string]*store.Job{},
		batches: map[string]*store.FileBatch{},
	}
}

func (f *fakeStore) CheckHealth(ctx context.Context) store.Health { return f.health }

func (f *fakeStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, id string, jobType store.JobType, payload map[string]any) error {
	return f.createJob(id, jobType, payload, store.JobQueued)
}

func (f *fakeStore) CreateRunningJob(ctx context.Context, id string, jobType store.JobType, payload map[string]any) error {
	return f.createJob(id, jobType, payload, store.JobRunning)
}

func (f *fakeStore) createJob(id string, jobType store.JobType, payload map[string]any, status store.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = &store.Job{
		ID:       id,
		Type:     jobType,
		Status:   status,
		Payload:  payload,
		Progress: map[string]any{},
	}
	return nil
}

func (f *fakeStore) UpdateJobProgress(ctx context.Context, id string, progress map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Progress = progress
	}
	return nil
}

func (f *fakeStore) FinishJob(ctx context.Context, id string, status store.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		now := time.Now()
		j.Status = status
		j.Error = errMsg
		j.FinishedAt = &now
	}
	return nil
}

func (f *fakeStore) CreateFileBatch(ctx context.Context, batch *store.FileBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *batch
	cp.Items = append([]store.FileItem(nil), batch.Items...)
	for i := range cp.Items {
		if cp.Items[i].Status == "" {
			cp.Items[i].Status = store.FileItemPending
		}
	}
	f.batches[cp.ID] = &cp
	return nil
}

func (f *fakeStore) GetFileBatch(ctx context.Context, id string) (*store.FileBatch, error) {
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

func (f *fakeStore) UpsertFeedback(ctx context.Context, fb *store.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeStore) ContractProtocolStats(ctx context.Context) ([]store.ProtocolCount, error) {
	return f.protocols, nil
}

func (f *fakeStore) CountContracts(ctx context.Context) (int, error) {
	return f.contracts, nil
}

func (f *fakeStore) job(t *testing.T, id string) *store.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	require.True(t, ok, "job %s not found", id)
	cp := *j
	return &cp
}

type fakePipeline struct {
	mu          sync.Mutex
	prepared    *rag.Prepared
	prepareErr  error
	answer      *rag.Answer
	answerErr   error
	answerDelay time.Duration
	inline      bool
	appendTail  bool
	gotQuery    *rag.Query
}

func (f *fakePipeline) Prepare(ctx context.Context, q *rag.Query) (*rag.Prepared, error) {
	f.mu.Lock()
	f.gotQuery = q
	f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return f.prepared, nil
}

func (f *fakePipeline) Answer(ctx context.Context, q *rag.Query) (*rag.Answer, error) {
	f.mu.Lock()
	f.gotQuery = q
	f.mu.Unlock()
	if f.answerDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("prepare context: %w", ctx.Err())
		case <-time.After(f.answerDelay):
		}
	}
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return f.answer, nil
}

func (f *fakePipeline) Framing(q *rag.Query) (bool, bool) { return f.inline, f.appendTail }

func (f *fakePipeline) query(t *testing.T) *rag.Query {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.gotQuery, "pipeline never saw a query")
	return f.gotQuery
}

type fakeChat struct {
	mu       sync.Mutex
	reply    string
	usage    llms.Usage
	chunks   []llms.StreamChunk
	startErr error
	gotOpts  llms.Options
}

func (f *fakeChat) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (string, llms.Usage, error) {
	f.mu.Lock()
	f.gotOpts = opts
	f.mu.Unlock()
	return f.reply, f.usage, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamChunk, error) {
	f.mu.Lock()
	f.gotOpts = opts
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan llms.StreamChunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Model() string { return "upstream-test" }

type fakeContracts struct {
	mu           sync.Mutex
	indexed      map[string]*contracts.Info
	reverse      map[string]*contracts.Info
	buildStats   *contracts.BuildStats
	gotAutoLearn []bool
	gotFilter    store.SearchFilter
	gotDryRun    bool
}

func (f *fakeContracts) Get(ctx context.Context, address string) (*contracts.Info, error) {
	return f.indexed[address], nil
}

func (f *fakeContracts) ReverseLookup(ctx context.Context, address string, autoLearn bool) (*contracts.Info, error) {
	f.mu.Lock()
	f.gotAutoLearn = append(f.gotAutoLearn, autoLearn)
	f.mu.Unlock()
	return f.reverse[address], nil
}

func (f *fakeContracts) BatchBuild(ctx context.Context, filter store.SearchFilter, dryRun bool) (*contracts.BuildStats, error) {
	f.mu.Lock()
	f.gotFilter = filter
	f.gotDryRun = dryRun
	f.mu.Unlock()
	return f.buildStats, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	progress map[string]any
	err      error
	gotJob   *store.Job
}

func (f *fakeExecutor) Execute(ctx context.Context, job *store.Job) (map[string]any, error) {
	f.mu.Lock()
	f.gotJob = job
	f.mu.Unlock()
	return f.progress, f.err
}

type testServer struct {
	*Server
	handler   http.Handler
	cfg       *config.Config
	store     *fakeStore
	pipeline  *fakePipeline
	chat      *fakeChat
	contracts *fakeContracts
	executor  *fakeExecutor
}

// newTestServer wires a Server over fakes. mutate tweaks config and
// deps before construction; set deps.Chat = nil for the no-upstream
// surface.
func newTestServer(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()

	ts := &testServer{
		cfg:       cfg,
		store:     newFakeStore(),
		pipeline:  &fakePipeline{inline: true, appendTail: true},
		chat:      &fakeChat{},
		contracts: &fakeContracts{indexed: map[string]*contracts.Info{}, reverse: map[string]*contracts.Info{}},
		executor:  &fakeExecutor{},
	}
	deps := Deps{
		Store:     ts.store,
		Pipeline:  ts.pipeline,
		Chat:      ts.chat,
		Contracts: ts.contracts,
		Executor:  ts.executor,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	ts.Server = New(cfg, deps)
	ts.handler = ts.Server.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

// requireErrorEnvelope asserts the OpenAI error shape and returns the
// inner error object.
func requireErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, errType string) map[string]any {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	body := decodeBody(t, rec)
	inner, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error object: %s", rec.Body.String())
	assert.Equal(t, errType, inner["type"])
	assert.Contains(t, inner, "param")
	assert.Contains(t, inner, "code")
	return inner
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "ok", deps["pgvector"])
}

func TestHealthzReportsDegradedDependencies(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.health = store.Health{Postgres: true, PGVector: false}

	body := decodeBody(t, ts.do(t, http.MethodGet, "/healthz", nil))
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "unavailable", deps["pgvector"])
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.Chat.Model = "gpt-test"
	})

	rec := ts.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "list", body["object"])

	data := body["data"].([]any)
	require.Len(t, data, 1)
	model := data[0].(map[string]any)
	assert.Equal(t, "onekey-docs", model["id"])
	assert.Equal(t, "model", model["object"])
	assert.Equal(t, "onekey", model["owned_by"])
	assert.Equal(t, "onekey-docs", model["root"])
	assert.Nil(t, model["parent"])

	meta := model["meta"].(map[string]any)
	assert.Equal(t, "gpt-test", meta["upstream_model"])
	assert.Equal(t, ts.cfg.Chat.BaseURL, meta["base_url"])
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/v9/nothing", nil)
	inner := requireErrorEnvelope(t, rec, http.StatusNotFound, errTypeNotFound)
	assert.Equal(t, "Not Found", inner["message"])
}

func TestMethodNotAllowedUsesErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodDelete, "/healthz", nil)
	requireErrorEnvelope(t, rec, http.StatusMethodNotAllowed, errTypeInvalidRequest)
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.Server.CORS = &config.CORSConfig{Enabled: true}
		cfg.Server.SetDefaults()
	})

	rec := ts.do(t, http.MethodOptions, "/v1/chat/completions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))

	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestConcurrencyGateExemptsHealth(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.Server.MaxConcurrentChat = 2
	})

	// Saturate the gate as two in-flight completions would.
	require.True(t, ts.sem.TryAcquire(2))

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A gated route whose client has already gone away is dropped
	// without a response instead of queueing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil).WithContext(ctx)
	gated := httptest.NewRecorder()
	ts.handler.ServeHTTP(gated, req)
	assert.Zero(t, gated.Body.Len())

	ts.sem.Release(2)
	rec = ts.do(t, http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContractRoutesAbsentWithoutResolver(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		deps.Contracts = nil
	})

	addr := "0x" + strings.Repeat("ab", 20)
	rec := ts.do(t, http.MethodGet, "/api/v1/contracts/"+addr, nil)
	requireErrorEnvelope(t, rec, http.StatusNotFound, errTypeNotFound)
}
