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
	"time"
)

// File batch lifecycle. A batch starts pending, moves to processing
// when a worker picks it up, and ends completed (all items done),
// partial (some failed), or failed (all failed). Items are independent:
// one bad file never blocks the rest.
const (
	FileBatchPending    = "pending"
	FileBatchProcessing = "processing"
	FileBatchCompleted  = "completed"
	FileBatchPartial    = "partial"
	FileBatchFailed     = "failed"

	FileItemPending = "pending"
	FileItemDone    = "done"
	FileItemFailed  = "failed"
)

// FileBatch groups uploaded files processed by one file_process job.
type FileBatch struct {
	ID        string
	Workspace string
	KBID      string
	Status    string
	Error     string
	CreatedAt time.Time
	Items     []FileItem
}

// FileItem is one file inside a batch.
type FileItem struct {
	ID       int64
	BatchID  string
	Filename string
	Path     string
	Status   string
	Error    string
}

// CreateFileBatch inserts a batch and its items atomically.
func (s *Store) CreateFileBatch(ctx context.Context, batch *FileBatch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if len(batch.Items) == 0 {
		return fmt.Errorf("batch requires at least one file")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO file_batches (id, workspace, kb_id, status)
VALUES ($1, $2, $3, 'pending')
`, batch.ID, batch.Workspace, batch.KBID); err != nil {
		return fmt.Errorf("failed to create file batch: %w", err)
	}

	for _, item := range batch.Items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO file_items (batch_id, filename, path, status)
VALUES ($1, $2, $3, 'pending')
`, batch.ID, item.Filename, item.Path); err != nil {
			return fmt.Errorf("failed to create file item %q: %w", item.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file batch: %w", err)
	}
	return nil
}

// GetFileBatch fetches a batch with its items. Returns nil when unknown.
func (s *Store) GetFileBatch(ctx context.Context, id string) (*FileBatch, error) {
	var batch FileBatch
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace, kb_id, status, error, created_at
FROM file_batches
WHERE id = $1
`, id).Scan(&batch.ID, &batch.Workspace, &batch.KBID, &batch.Status, &batch.Error, &batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, batch_id, filename, path, status, error
FROM file_items
WHERE batch_id = $1
ORDER BY id
`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query file items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item FileItem
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Filename, &item.Path,
			&item.Status, &item.Error); err != nil {
			return nil, fmt.Errorf("failed to scan file item: %w", err)
		}
		batch.Items = append(batch.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdateFileItem records the outcome of one file.
func (s *Store) UpdateFileItem(ctx context.Context, batchID, filename, status, errText string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE file_items SET status = $3, error = $4
WHERE batch_id = $1 AND filename = $2
`, batchID, filename, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update file item: %w", err)
	}
	return nil
}

// SetFileBatchStatus records the batch outcome. errText summarizes item
// failures ("2 files failed"); empty clears a previous summary.
func (s *Store) SetFileBatchStatus(ctx context.Context, id, status, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_batches SET status = $2, error = $3 WHERE id = $1`, id, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update file batch status: %w", err)
	}
	return nil
}

// BatchStatusFromItems derives the batch outcome from item outcomes.
func BatchStatusFromItems(items []FileItem) string {
	var done, failed int
	for _, item := range items {
		switch item.Status {
		case FileItemDone:
			done++
		case FileItemFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return FileBatchCompleted
	case done == 0:
		return FileBatchFailed
	default:
		return FileBatchPartial
	}
}
