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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

var supportedExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "csv": true,
	"html": true, "htm": true, "pdf": true, "docx": true, "xlsx": true,
}

// SupportedFile reports whether filename has an extension the extractor
// handles.
func SupportedFile(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return supportedExtensions[ext]
}

// SpoolStore is the slice of the store the spool watcher needs.
type SpoolStore interface {
	CreateFileBatch(ctx context.Context, batch *store.FileBatch) error
	CreateJob(ctx context.Context, id string, jobType store.JobType, payload map[string]any) error
}

// SpoolWatcher watches a directory for dropped files and queues each
// one as a single-file file_process batch. Files are moved into batch
// storage before the job is queued, which keeps the spool empty so a
// restart never queues the same file twice. Spooled files land in the
// default workspace and knowledge base.
type SpoolWatcher struct {
	store     SpoolStore
	spoolDir  string
	uploadDir string
	debounce  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// spoolDebounce is how long a file must sit quiet before it is queued,
// so half-written files settle first.
const spoolDebounce = 500 * time.Millisecond

// NewSpoolWatcher builds a watcher for cfg.SpoolDir. Returns nil when
// no spool directory is configured.
func NewSpoolWatcher(st SpoolStore, cfg *config.WorkerConfig, logger *slog.Logger) (*SpoolWatcher, error) {
	if cfg.SpoolDir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	spoolDir, err := utils.EnsureDir(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	uploadDir, err := utils.EnsureDir(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	return &SpoolWatcher{
		store:     st,
		spoolDir:  spoolDir,
		uploadDir: uploadDir,
		debounce:  spoolDebounce,
		logger:    logger,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Run watches the spool until ctx is cancelled. Files already sitting
// in the spool are queued on start.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool %s: %w", w.spoolDir, err)
	}

	if err := w.sweep(ctx); err != nil {
		w.logger.Warn("Spool sweep failed", "error", err)
	}

	w.logger.Info("Watching spool", "dir", w.spoolDir)
	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Spool watcher error", "error", err)
		}
	}
}

// sweep queues files that were dropped while the watcher was down.
func (w *SpoolWatcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedule(ctx, filepath.Join(w.spoolDir, entry.Name()))
	}
	return nil
}

// schedule queues path after the debounce delay, resetting the timer on
// every new event for the same file.
func (w *SpoolWatcher) schedule(ctx context.Context, path string) {
	if !SupportedFile(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if err := w.enqueue(ctx, path); err != nil {
			w.logger.Error("Failed to queue spooled file", "path", path, "error", err)
		}
	})
}

func (w *SpoolWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

// enqueue moves the file into batch storage and queues a file_process
// job for it.
func (w *SpoolWatcher) enqueue(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return err
	}

	filename := utils.BaseFilename(path)
	batchID := utils.NewID("batch", 12)

	dir, err := utils.EnsureDir(filepath.Join(w.uploadDir, batchID))
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, filename)
	if err := moveFile(path, dest); err != nil {
		return fmt.Errorf("failed to move spooled file: %w", err)
	}

	batch := &store.FileBatch{
		ID:        batchID,
		Workspace: "default",
		KBID:      "default",
		Items:     []store.FileItem{{Filename: filename, Path: dest}},
	}
	if err := w.store.CreateFileBatch(ctx, batch); err != nil {
		return err
	}

	jobID := utils.NewID("file", 12)
	payload := map[string]any{"batch_id": batchID}
	if err := w.store.CreateJob(ctx, jobID, store.JobTypeFileProcess, payload); err != nil {
		return err
	}

	w.logger.Info("Queued spooled file", "file", filename, "batch_id", batchID, "job_id", jobID)
	return nil
}

// moveFile renames src onto dest, copying when rename fails (the spool
// and upload dirs may sit on different filesystems).
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
