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
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/crawler"
	"github.com/onekeyhq/ragserve/pkg/ingest"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

type adminCrawlRequest struct {
	Mode            string   `json:"mode"`
	SitemapURL      string   `json:"sitemap_url"`
	SeedURLs        []string `json:"seed_urls"`
	IncludePatterns []string `json:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns"`
	MaxPages        int      `json:"max_pages"`
}

func (s *Server) handleAdminCrawl(w http.ResponseWriter, r *http.Request) {
	var req adminCrawlRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	mode, ok := jobMode(req.Mode, crawler.ModeFull)
	if !ok {
		badRequest(w, msgBadRequest)
		return
	}

	payload, err := jobPayload(crawler.Request{
		Mode:            mode,
		SitemapURL:      req.SitemapURL,
		SeedURLs:        req.SeedURLs,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		MaxPages:        req.MaxPages,
	})
	if err != nil {
		internalError(w)
		return
	}

	jobID := utils.NewID("crawl", 12)
	if err := s.submitJob(r.Context(), jobID, store.JobTypeCrawl, payload); err != nil {
		s.logger.Error("Failed to submit crawl job", "job_id", jobID, "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

type adminIndexRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleAdminIndex(w http.ResponseWriter, r *http.Request) {
	var req adminIndexRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	mode, ok := jobMode(req.Mode, ingest.ModeIncremental)
	if !ok {
		badRequest(w, msgBadRequest)
		return
	}

	payload, err := jobPayload(ingest.Request{Mode: mode})
	if err != nil {
		internalError(w)
		return
	}

	jobID := utils.NewID("index", 12)
	if err := s.submitJob(r.Context(), jobID, store.JobTypeIndex, payload); err != nil {
		s.logger.Error("Failed to submit index job", "job_id", jobID, "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

// handleJobStatus serves GET /admin/crawl/{job_id} and
// GET /admin/index/{job_id}; job ids are unique across types.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("Failed to load job", "job_id", jobID, "error", err)
		internalError(w)
		return
	}
	if job == nil {
		notFound(w, "job not found")
		return
	}
	progress := job.Progress
	if progress == nil {
		progress = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": progress,
		"error":    job.Error,
	})
}

type adminFileEntry struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

type adminFilesRequest struct {
	Workspace string           `json:"workspace"`
	KBID      string           `json:"kb_id"`
	Files     []adminFileEntry `json:"files"`
}

// handleAdminFiles registers a batch of already-uploaded files and
// queues a processing job for it.
func (s *Server) handleAdminFiles(w http.ResponseWriter, r *http.Request) {
	var req adminFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	if len(req.Files) == 0 {
		badRequest(w, msgBadRequest)
		return
	}
	for _, f := range req.Files {
		if strings.TrimSpace(f.Filename) == "" || strings.TrimSpace(f.Path) == "" {
			badRequest(w, msgBadRequest)
			return
		}
	}

	batch := &store.FileBatch{
		ID:        utils.NewID("batch", 12),
		Workspace: req.Workspace,
		KBID:      req.KBID,
		Status:    store.FileBatchPending,
	}
	if batch.Workspace == "" {
		batch.Workspace = s.cfg.RAG.Workspace
	}
	if batch.KBID == "" {
		batch.KBID = "default"
	}
	for _, f := range req.Files {
		batch.Items = append(batch.Items, store.FileItem{Filename: f.Filename, Path: f.Path})
	}
	if err := s.store.CreateFileBatch(r.Context(), batch); err != nil {
		s.logger.Error("Failed to create file batch", "batch_id", batch.ID, "error", err)
		internalError(w)
		return
	}

	jobID := utils.NewID("file", 12)
	payload := map[string]any{"batch_id": batch.ID}
	if err := s.submitJob(r.Context(), jobID, store.JobTypeFileProcess, payload); err != nil {
		s.logger.Error("Failed to submit file job", "job_id", jobID, "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"batch_id": batch.ID,
		"job_id":   jobID,
	})
}

func (s *Server) handleFileBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.store.GetFileBatch(r.Context(), batchID)
	if err != nil {
		s.logger.Error("Failed to load file batch", "batch_id", batchID, "error", err)
		internalError(w)
		return
	}
	if batch == nil {
		notFound(w, "file batch not found")
		return
	}

	files := make([]map[string]any, 0, len(batch.Items))
	for _, it := range batch.Items {
		files = append(files, map[string]any{
			"filename": it.Filename,
			"status":   it.Status,
			"error":    it.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":  batch.ID,
		"workspace": batch.Workspace,
		"kb_id":     batch.KBID,
		"status":    batch.Status,
		"error":     batch.Error,
		"files":     files,
	})
}

// submitJob queues the job for the worker, or, on the inline backend,
// records it running and executes it in the API process.
func (s *Server) submitJob(ctx context.Context, jobID string, jobType store.JobType, payload map[string]any) error {
	if s.cfg.Worker.Backend == config.JobsBackendInline && s.executor != nil {
		if err := s.store.CreateRunningJob(ctx, jobID, jobType, payload); err != nil {
			return err
		}
		go s.runInlineJob(jobID, jobType, payload)
		return nil
	}
	return s.store.CreateJob(ctx, jobID, jobType, payload)
}

// runInlineJob executes one job detached from the request. Inline jobs
// get no retries; a failure goes straight to the job record.
func (s *Server) runInlineJob(jobID string, jobType store.JobType, payload map[string]any) {
	ctx := context.Background()
	job := &store.Job{ID: jobID, Type: jobType, Payload: payload}

	progress, err := s.executor.Execute(ctx, job)
	if err != nil {
		s.logger.Error("Inline job failed", "job_id", jobID, "type", jobType, "error", err)
		if ferr := s.store.FinishJob(ctx, jobID, store.JobFailed, err.Error()); ferr != nil {
			s.logger.Error("Failed to finish job", "job_id", jobID, "error", ferr)
		}
		return
	}
	if len(progress) > 0 {
		if uerr := s.store.UpdateJobProgress(ctx, jobID, progress); uerr != nil {
			s.logger.Error("Failed to update job progress", "job_id", jobID, "error", uerr)
		}
	}
	if ferr := s.store.FinishJob(ctx, jobID, store.JobSucceeded, ""); ferr != nil {
		s.logger.Error("Failed to finish job", "job_id", jobID, "error", ferr)
	}
}

func jobMode(mode, def string) (string, bool) {
	switch mode {
	case "":
		return def, true
	case crawler.ModeFull, crawler.ModeIncremental:
		return mode, true
	}
	return "", false
}

// jobPayload flattens a typed request into the JSONB payload map.
func jobPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
