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

// Package worker claims queued background jobs from the store and runs
// them: crawl, index, and file_process. One claim per poll tick, FOR
// UPDATE SKIP LOCKED in the store, so any number of workers can share a
// queue. Failed jobs are retried up to max_attempts; the attempt count
// lives in progress._meta so it survives worker restarts.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/crawler"
	"github.com/onekeyhq/ragserve/pkg/ingest"
	"github.com/onekeyhq/ragserve/pkg/observability"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Store is the slice of the store the worker drives.
type Store interface {
	ClaimNextJob(ctx context.Context, staleAfter time.Duration) (*store.Job, error)
	UpdateJobProgress(ctx context.Context, id string, progress map[string]any) error
	FinishJob(ctx context.Context, id string, status store.JobStatus, errText string) error
	RequeueJob(ctx context.Context, id, errText string) error

	GetFileBatch(ctx context.Context, id string) (*store.FileBatch, error)
	SetFileBatchStatus(ctx context.Context, id, status, errText string) error
	UpdateFileItem(ctx context.Context, batchID, filename, status, errText string) error
	UpsertPage(ctx context.Context, p *store.Page) (int64, error)
}

// Worker polls the job queue and dispatches claimed jobs.
type Worker struct {
	store   Store
	crawler *crawler.Crawler
	indexer *ingest.Indexer
	cfg     config.WorkerConfig
	id      string
	metrics *observability.ServiceMetrics
	logger  *slog.Logger
}

// New builds a worker. A configured id is kept so restarts keep their
// identity in job metadata; otherwise a fresh one is generated. A nil
// metrics recorder is a no-op.
func New(st Store, cr *crawler.Crawler, ix *ingest.Indexer, cfg *config.WorkerConfig, metrics *observability.ServiceMetrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = utils.NewID("worker", 10)
	}
	return &Worker{
		store:   st,
		crawler: cr,
		indexer: ix,
		cfg:     *cfg,
		id:      id,
		metrics: metrics,
		logger:  logger,
	}
}

// ID returns the worker identity recorded in job metadata.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. Each tick requeues stale jobs and
// claims at most one queued job; an empty queue sleeps for the poll
// interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		"id", w.id,
		"poll_interval", w.cfg.PollInterval,
		"stale_after", w.cfg.StaleAfter,
		"max_attempts", w.cfg.MaxAttempts)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped", "id", w.id)
			return nil
		}

		job, err := w.store.ClaimNextJob(ctx, w.cfg.StaleAfter)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Job claim failed", "error", err)
				w.sleep(ctx, w.cfg.PollInterval)
			}
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.logger.Info("Job claimed", "id", job.ID, "type", job.Type)
		w.process(ctx, job)
	}
}

// sleep waits d or until ctx is done.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process runs one claimed job through dispatch and terminal
// bookkeeping. Worker identity and the attempt number land in
// progress._meta before dispatch, so a crash mid-job still shows who
// had it and how many times it ran.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	attempts := metaAttempts(job.Progress) + 1
	if err := w.store.UpdateJobProgress(ctx, job.ID, mergeJobMeta(job.Progress, w.id, attempts)); err != nil {
		w.logger.Error("Failed to update job metadata", "id", job.ID, "error", err)
	}

	start := time.Now()
	result, runErr := w.dispatch(ctx, job)

	// Terminal bookkeeping must outlive a cancelled run context, or an
	// interrupted job stays running until the stale requeue finds it.
	finCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	status := store.JobSucceeded
	switch {
	case runErr == nil:
		w.updateProgress(finCtx, job.ID, mergeJobMeta(result, w.id, attempts))
		w.finish(finCtx, job.ID, store.JobSucceeded, "")

	case w.cfg.MaxAttempts > 0 && attempts < w.cfg.MaxAttempts:
		status = store.JobQueued
		if err := w.store.RequeueJob(finCtx, job.ID, runErr.Error()); err != nil {
			w.logger.Error("Failed to requeue job", "id", job.ID, "error", err)
		}

	default:
		status = store.JobFailed
		w.updateProgress(finCtx, job.ID, mergeJobMeta(result, w.id, attempts))
		w.finish(finCtx, job.ID, store.JobFailed, runErr.Error())
	}

	w.metrics.RecordJob(finCtx, string(job.Type), string(status), time.Since(start))
	w.logger.Info("Job done",
		"id", job.ID,
		"type", job.Type,
		"status", status,
		"cost_ms", time.Since(start).Milliseconds())
}

func (w *Worker) updateProgress(ctx context.Context, id string, progress map[string]any) {
	if err := w.store.UpdateJobProgress(ctx, id, progress); err != nil {
		w.logger.Error("Failed to update job progress", "id", id, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, id string, status store.JobStatus, errText string) {
	if err := w.store.FinishJob(ctx, id, status, errText); err != nil {
		w.logger.Error("Failed to finish job", "id", id, "error", err)
	}
}

// Execute runs one job's handler directly, bypassing the queue. The
// inline jobs backend uses it to run admin-submitted jobs in the API
// process; queue bookkeeping stays with the caller.
func (w *Worker) Execute(ctx context.Context, job *store.Job) (map[string]any, error) {
	return w.dispatch(ctx, job)
}

func (w *Worker) dispatch(ctx context.Context, job *store.Job) (map[string]any, error) {
	switch job.Type {
	case store.JobTypeCrawl:
		var req crawler.Request
		if err := decodePayload(job.Payload, &req); err != nil {
			return nil, err
		}
		res, err := w.crawler.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		w.metrics.RecordPagesCrawled(ctx, res.PagesStored)
		return toProgress(res)

	case store.JobTypeIndex:
		var req ingest.Request
		if err := decodePayload(job.Payload, &req); err != nil {
			return nil, err
		}
		res, err := w.indexer.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		w.metrics.RecordChunksIndexed(ctx, res.Chunks)
		return toProgress(res)

	case store.JobTypeFileProcess:
		return w.processFiles(ctx, job.Payload)

	default:
		return nil, fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func decodePayload(payload map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	return nil
}

// toProgress converts a typed handler result into the JSONB progress
// shape.
func toProgress(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// mergeJobMeta folds worker identity into a progress map under "_meta",
// keeping whatever the handler reported.
func mergeJobMeta(progress map[string]any, workerID string, attempts int) map[string]any {
	merged := make(map[string]any, len(progress)+1)
	for k, v := range progress {
		merged[k] = v
	}

	meta, _ := merged["_meta"].(map[string]any)
	out := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		out[k] = v
	}
	out["worker_id"] = workerID
	out["attempts"] = attempts
	out["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	merged["_meta"] = out
	return merged
}

// metaAttempts reads the attempt count from progress._meta. JSONB
// numbers scan as float64; in-process maps carry int.
func metaAttempts(progress map[string]any) int {
	meta, _ := progress["_meta"].(map[string]any)
	switch n := meta["attempts"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// processFiles handles one file_process job: every item in the batch is
// extracted and upserted as a page independently, then a single
// incremental index pass covers the batch's workspace and knowledge
// base. The job succeeds even when individual files fail; those show up
// in failed_files and in the batch status.
func (w *Worker) processFiles(ctx context.Context, payload map[string]any) (map[string]any, error) {
	batchID, _ := payload["batch_id"].(string)
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	batch, err := w.store.GetFileBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("file batch not found")
	}

	if err := w.store.SetFileBatchStatus(ctx, batchID, store.FileBatchProcessing, ""); err != nil {
		return nil, err
	}

	var (
		done, failed int
		failedFiles  = []map[string]any{}
		logs         = []map[string]any{}
	)

	for _, item := range batch.Items {
		entries, err := w.processFileItem(ctx, batch, item)
		logs = append(logs, entries...)
		if err != nil {
			failed++
			failedFiles = append(failedFiles, map[string]any{
				"id": item.ID, "filename": item.Filename, "error": err.Error(),
			})
			logs = append(logs, map[string]any{
				"file_id": item.ID, "filename": item.Filename, "status": "failed", "error": err.Error(),
			})
			if uerr := w.store.UpdateFileItem(ctx, batchID, item.Filename, store.FileItemFailed, err.Error()); uerr != nil {
				w.logger.Error("Failed to record file item failure",
					"batch_id", batchID, "file", item.Filename, "error", uerr)
			}
			continue
		}
		done++
		if uerr := w.store.UpdateFileItem(ctx, batchID, item.Filename, store.FileItemDone, ""); uerr != nil {
			w.logger.Error("Failed to record file item success",
				"batch_id", batchID, "file", item.Filename, "error", uerr)
		}
	}

	indexedPages, indexedChunks := 0, 0
	res, err := w.indexer.Run(ctx, ingest.Request{
		Workspace: batch.Workspace,
		KBID:      batch.KBID,
		Mode:      ingest.ModeIncremental,
	})
	if err != nil {
		failedFiles = append(failedFiles, map[string]any{
			"id": "indexing", "filename": "*", "error": fmt.Sprintf("index failed: %v", err),
		})
		logs = append(logs, map[string]any{"file_id": "*", "status": "index_failed", "error": err.Error()})
	} else {
		indexedPages, indexedChunks = res.Pages, res.Chunks
		w.metrics.RecordChunksIndexed(ctx, res.Chunks)
	}

	status := store.FileBatchCompleted
	batchErr := ""
	switch {
	case failed > 0 && failed == len(batch.Items):
		status = store.FileBatchFailed
	case failed > 0:
		status = store.FileBatchPartial
	}
	if failed > 0 {
		batchErr = fmt.Sprintf("%d files failed", failed)
	}
	if err := w.store.SetFileBatchStatus(ctx, batchID, status, batchErr); err != nil {
		return nil, err
	}

	return map[string]any{
		"total":          len(batch.Items),
		"done":           done,
		"failed":         failed,
		"running":        0,
		"batch_id":       batchID,
		"failed_files":   failedFiles,
		"indexed_pages":  indexedPages,
		"indexed_chunks": indexedChunks,
		"logs":           logs,
	}, nil
}

// processFileItem extracts one file and upserts its synthetic page. The
// page URL file://{batch}/{filename} is a natural key, so reprocessing
// a batch refreshes instead of duplicating.
func (w *Worker) processFileItem(ctx context.Context, batch *store.FileBatch, item store.FileItem) ([]map[string]any, error) {
	var entries []map[string]any

	text, err := ingest.ExtractFileText(item.Path, item.Filename)
	if err != nil {
		return entries, err
	}
	if strings.TrimSpace(text) == "" {
		return entries, fmt.Errorf("empty file content")
	}
	entries = append(entries, map[string]any{
		"file_id": item.ID, "filename": item.Filename, "status": "parsed",
	})

	page := &store.Page{
		Workspace:       batch.Workspace,
		KBID:            batch.KBID,
		URL:             fmt.Sprintf("file://%s/%s", batch.ID, item.Filename),
		Title:           item.Filename,
		ContentMarkdown: text,
		ContentHash:     utils.SHA256Text(text),
		HTTPStatus:      200,
		LastCrawledAt:   time.Now(),
		Meta:            map[string]any{"batch_id": batch.ID, "filename": item.Filename},
	}
	if _, err := w.store.UpsertPage(ctx, page); err != nil {
		return entries, err
	}

	entries = append(entries, map[string]any{
		"file_id": item.ID, "filename": item.Filename, "status": "indexed",
	})
	return entries, nil
}
