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

// Package server exposes the HTTP surface: OpenAI-compatible chat
// completions (streaming and not), admin crawl/index/file jobs, the
// contract address API, answer feedback, health and metrics.
//
// Handlers depend on narrow interfaces over the store, the answer
// pipeline, and the contract index, so the surface tests without
// Postgres.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/observability"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// Store is the slice of the persistence layer the HTTP surface needs.
type Store interface {
	CheckHealth(ctx context.Context) store.Health
	GetJob(ctx context.Context, id string) (*store.Job, error)
	CreateJob(ctx context.Context, id string, jobType store.JobType, payload map[string]any) error
	CreateRunningJob(ctx context.Context, id string, jobType store.JobType, payload map[string]any) error
	UpdateJobProgress(ctx context.Context, id string, progress map[string]any) error
	FinishJob(ctx context.Context, id string, status store.JobStatus, errMsg string) error
	CreateFileBatch(ctx context.Context, batch *store.FileBatch) error
	GetFileBatch(ctx context.Context, id string) (*store.FileBatch, error)
	UpsertFeedback(ctx context.Context, f *store.Feedback) error
	ContractProtocolStats(ctx context.Context) ([]store.ProtocolCount, error)
	CountContracts(ctx context.Context) (int, error)
}

// AnswerPipeline prepares retrieval context and produces answers.
type AnswerPipeline interface {
	Prepare(ctx context.Context, q *rag.Query) (*rag.Prepared, error)
	Answer(ctx context.Context, q *rag.Query) (*rag.Answer, error)
	Framing(q *rag.Query) (inline, appendSources bool)
}

// ContractResolver resolves contract addresses against the index and,
// failing that, against indexed chunks.
type ContractResolver interface {
	Get(ctx context.Context, address string) (*contracts.Info, error)
	ReverseLookup(ctx context.Context, address string, autoLearn bool) (*contracts.Info, error)
	BatchBuild(ctx context.Context, filter store.SearchFilter, dryRun bool) (*contracts.BuildStats, error)
}

// JobExecutor runs one admin job to completion, for the inline jobs
// backend.
type JobExecutor interface {
	Execute(ctx context.Context, job *store.Job) (map[string]any, error)
}

// Deps bundles the server's collaborators. Chat, Contracts, Executor
// and Observability may be nil; the affected surfaces degrade rather
// than fail.
type Deps struct {
	Store         Store
	Pipeline      AnswerPipeline
	Chat          llms.ChatClient
	Contracts     ContractResolver
	Executor      JobExecutor
	Observability *observability.Manager
	Logger        *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg       *config.Config
	store     Store
	pipeline  AnswerPipeline
	chat      llms.ChatClient
	contracts ContractResolver
	executor  JobExecutor
	obs       *observability.Manager
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

// New builds a Server. cfg must already have defaults applied.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxChat := cfg.Server.MaxConcurrentChat
	if maxChat <= 0 {
		maxChat = 1
	}
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		chat:      deps.Chat,
		contracts: deps.Contracts,
		executor:  deps.Executor,
		obs:       deps.Observability,
		sem:       semaphore.NewWeighted(int64(maxChat)),
		logger:    logger,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	if s.cfg.Server.CORS != nil && s.cfg.Server.CORS.Enabled {
		r.Use(s.corsMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.obs != nil && s.obs.MetricsEnabled() {
		r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	}

	// Everything below the health and metrics endpoints shares the
	// concurrency gate. Streaming completions hold a permit for their
	// whole duration.
	r.Group(func(r chi.Router) {
		r.Use(s.concurrencyGate)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/feedback", s.handleFeedback)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/crawl", s.handleAdminCrawl)
			r.Get("/crawl/{job_id}", s.handleJobStatus)
			r.Post("/index", s.handleAdminIndex)
			r.Get("/index/{job_id}", s.handleJobStatus)
			r.Post("/files", s.handleAdminFiles)
			r.Get("/files/{batch_id}", s.handleFileBatch)
		})

		if s.contracts != nil {
			r.Route("/api/v1/contracts", func(r chi.Router) {
				r.Post("/lookup", s.handleContractLookup)
				r.Get("/stats/protocols", s.handleProtocolStats)
				r.Post("/build-index", s.handleContractBuildIndex)
				r.Get("/{address}", s.handleContractGet)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errTypeInvalidRequest, "Method Not Allowed")
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panicked",
					"method", r.Method, "path", r.URL.Path, "panic", rec)
				internalError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// concurrencyGate bounds in-flight requests with the weighted
// semaphore. Waiting respects the request context: a client that goes
// away while queued is dropped without a response.
func (s *Server) concurrencyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	cors := s.cfg.Server.CORS
	origins := strings.Join(cors.AllowedOrigins, ", ")
	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.store.CheckHealth(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"dependencies": map[string]string{
			"postgres": healthWord(h.Postgres),
			"pgvector": healthWord(h.PGVector),
		},
	})
}

func healthWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

// metrics returns the recorder; nil is safe to call through.
func (s *Server) metrics() *observability.ServiceMetrics {
	if s.obs == nil {
		return nil
	}
	return s.obs.Metrics()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
