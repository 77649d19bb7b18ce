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

package config

import (
	"fmt"
	"time"
)

// JobsBackend selects where admin-submitted jobs execute.
type JobsBackend string

const (
	// JobsBackendWorker queues jobs for a separate worker process.
	JobsBackendWorker JobsBackend = "worker"

	// JobsBackendInline runs jobs in the API process.
	JobsBackendInline JobsBackend = "inline"
)

// WorkerConfig configures the background job worker.
type WorkerConfig struct {
	// ID identifies this worker in job metadata. Auto-generated when
	// empty.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Backend selects queued execution ("worker") or inline execution in
	// the API process ("inline").
	Backend JobsBackend `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,description=Job execution backend,enum=worker,enum=inline,default=worker"`

	// PollInterval between queue polls when idle.
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`

	// StaleAfter requeues running jobs older than this. Zero disables
	// stale requeue.
	StaleAfter time.Duration `yaml:"stale_after,omitempty" json:"stale_after,omitempty"`

	// MaxAttempts bounds retries per job. Zero or negative means
	// unlimited retries never happen: the first failure is final.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"title=Max Attempts,description=Attempts before a job is failed,minimum=1,default=3"`

	// SpoolDir, when set, is watched for dropped files; each new file is
	// queued as a file_process job.
	SpoolDir string `yaml:"spool_dir,omitempty" json:"spool_dir,omitempty"`

	// UploadDir stores uploaded file batches.
	UploadDir string `yaml:"upload_dir,omitempty" json:"upload_dir,omitempty"`
}

// SetDefaults applies default values.
func (c *WorkerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = JobsBackendWorker
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = time.Hour
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.UploadDir == "" {
		c.UploadDir = "data/uploads"
	}
}

// Validate checks the worker configuration.
func (c *WorkerConfig) Validate() error {
	switch c.Backend {
	case JobsBackendWorker, JobsBackendInline:
	default:
		return fmt.Errorf("invalid backend %q (valid: worker, inline)", c.Backend)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval cannot be negative")
	}
	return nil
}
