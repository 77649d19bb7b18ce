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
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// JobType identifies a background job handler.
type JobType string

const (
	JobTypeCrawl       JobType = "crawl"
	JobTypeIndex       JobType = "index"
	JobTypeFileProcess JobType = "file_process"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// staleRequeueNote is appended to a job's error when a worker reclaims it
// after its previous run went silent.
const staleRequeueNote = "\n[worker] 检测到任务运行超时，已重新入队"

// maxStaleRequeuePerTick bounds how many stale jobs one poll requeues.
const maxStaleRequeuePerTick = 10

// Job is one queued unit of background work.
type Job struct {
	ID         string
	Type       JobType
	Status     JobStatus
	Payload    map[string]any
	Progress   map[string]any
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// CreateJob enqueues a new job.
func (s *Store) CreateJob(ctx context.Context, id string, jobType JobType, payload map[string]any) error {
	return s.createJob(ctx, id, jobType, payload, JobQueued)
}

// CreateRunningJob inserts a job already in the running state. The
// inline jobs backend uses it: the API process executes the job itself,
// and inserting it queued would let a polling worker claim it too.
func (s *Store) CreateRunningJob(ctx context.Context, id string, jobType JobType, payload map[string]any) error {
	return s.createJob(ctx, id, jobType, payload, JobRunning)
}

func (s *Store) createJob(ctx context.Context, id string, jobType JobType, payload map[string]any, status JobStatus) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	data, err := marshalJSONB(payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, type, status, payload, progress, error, started_at)
VALUES ($1, $2, $3, $4, '{}', '', CASE WHEN $3 = 'running' THEN now() END)
`, id, string(jobType), string(status), data)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id. Returns nil when unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, status, payload, progress, error, started_at, finished_at
FROM jobs
WHERE id = $1
`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ClaimNextJob is one worker poll tick. Inside a single transaction it
// requeues running jobs whose started_at is older than staleAfter (at most
// maxStaleRequeuePerTick per call, with a note appended to their error),
// then claims the next queued job with FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same job. Fresh jobs are claimed
// before retried ones. staleAfter <= 0 disables the requeue sweep.
// Returns nil when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, staleAfter time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	if staleAfter > 0 {
		cutoff := time.Now().Add(-staleAfter)
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = 'queued', error = error || $2
WHERE id IN (
    SELECT id FROM jobs
    WHERE status = 'running' AND started_at < $1
    ORDER BY started_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
`, cutoff, staleRequeueNote, maxStaleRequeuePerTick)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue stale jobs: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Warn("Requeued stale jobs", "count", n, "stale_after", staleAfter)
		}
	}

	row := tx.QueryRowContext(ctx, `
SELECT id, type, status, payload, progress, error, started_at, finished_at
FROM jobs
WHERE status = 'queued'
ORDER BY started_at ASC NULLS FIRST, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued job: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = 'running', started_at = $2, error = ''
WHERE id = $1
`, job.ID, now); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	job.Status = JobRunning
	job.StartedAt = &now
	job.Error = ""
	return job, nil
}

// UpdateJobProgress replaces the progress document.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress map[string]any) error {
	data, err := marshalJSONB(progress)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET progress = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// FinishJob terminates a job as succeeded or failed.
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, errText string) error {
	if status != JobSucceeded && status != JobFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = $2, error = $3, finished_at = now()
WHERE id = $1
`, id, string(status), errText)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// RequeueJob puts a failed attempt back on the queue. started_at is kept
// from the failed run, which makes retried jobs sort after fresh ones.
func (s *Store) RequeueJob(ctx context.Context, id, errText string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'queued', error = $2
WHERE id = $1
`, id, errText)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var jobType, status string
	var payload, progress []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.ID, &jobType, &status, &payload, &progress,
		&job.Error, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	if job.Payload, err = unmarshalJSONB(payload); err != nil {
		return nil, err
	}
	if job.Progress, err = unmarshalJSONB(progress); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
