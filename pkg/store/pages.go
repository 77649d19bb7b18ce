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

// Page is one crawled document, unique by (workspace, kb_id, url).
type Page struct {
	ID                 int64
	Workspace          string
	KBID               string
	URL                string
	Title              string
	ContentMarkdown    string
	ContentHash        string
	IndexedContentHash string
	HTTPStatus         int
	LastCrawledAt      time.Time
	Meta               map[string]any
}

// PageFilter scopes page queries. Empty fields match everything.
type PageFilter struct {
	Workspace string
	KBID      string
	URLPrefix string
}

// UpsertPage inserts or refreshes a page by its natural key. The
// indexed_content_hash column is owned by the indexer and never touched
// here, so re-crawling a changed page leaves it due for re-indexing.
// Returns the page id.
func (s *Store) UpsertPage(ctx context.Context, p *Page) (int64, error) {
	if p.URL == "" {
		return 0, fmt.Errorf("page url is required")
	}
	meta, err := marshalJSONB(p.Meta)
	if err != nil {
		return 0, err
	}

	lastCrawled := p.LastCrawledAt
	if lastCrawled.IsZero() {
		lastCrawled = time.Now()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO pages (workspace, kb_id, url, title, content_markdown, content_hash, http_status, last_crawled_at, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (workspace, kb_id, url) DO UPDATE SET
    title = EXCLUDED.title,
    content_markdown = EXCLUDED.content_markdown,
    content_hash = EXCLUDED.content_hash,
    http_status = EXCLUDED.http_status,
    last_crawled_at = EXCLUDED.last_crawled_at,
    meta = EXCLUDED.meta
RETURNING id
`, p.Workspace, p.KBID, p.URL, p.Title, p.ContentMarkdown, p.ContentHash, p.HTTPStatus, lastCrawled, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert page: %w", err)
	}
	p.ID = id
	return id, nil
}

// GetPage fetches a page by natural key. Returns nil when absent.
func (s *Store) GetPage(ctx context.Context, workspace, kbID, url string) (*Page, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workspace, kb_id, url, title, content_markdown, content_hash, indexed_content_hash, http_status, COALESCE(last_crawled_at, 'epoch'::timestamptz), meta
FROM pages
WHERE workspace = $1 AND kb_id = $2 AND url = $3
`, workspace, kbID, url)

	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}
	return p, nil
}

// ListPagesToIndex returns pages in scope whose content changed since the
// last index pass. With full=true every page in scope is returned.
func (s *Store) ListPagesToIndex(ctx context.Context, f PageFilter, full bool) ([]*Page, error) {
	query := `
SELECT id, workspace, kb_id, url, title, content_markdown, content_hash, indexed_content_hash, http_status, COALESCE(last_crawled_at, 'epoch'::timestamptz), meta
FROM pages
WHERE 1=1`
	args := []any{}
	argIndex := 1

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	if f.URLPrefix != "" {
		query += fmt.Sprintf(" AND url LIKE $%d", argIndex)
		args = append(args, likePrefix(f.URLPrefix))
		argIndex++
	}
	if !full {
		query += " AND content_hash != indexed_content_hash"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// ListPageURLs returns the URLs of every page in scope. The crawler uses
// it in incremental mode to skip URLs it already holds.
func (s *Store) ListPageURLs(ctx context.Context, f PageFilter) ([]string, error) {
	query := `SELECT url FROM pages WHERE 1=1`
	args := []any{}
	argIndex := 1

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	if f.URLPrefix != "" {
		query += fmt.Sprintf(" AND url LIKE $%d", argIndex)
		args = append(args, likePrefix(f.URLPrefix))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list page urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan page url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// MarkPageIndexed records the content hash the chunks were built from.
func (s *Store) MarkPageIndexed(ctx context.Context, pageID int64, contentHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pages SET indexed_content_hash = $2 WHERE id = $1`, pageID, contentHash)
	if err != nil {
		return fmt.Errorf("failed to mark page indexed: %w", err)
	}
	return nil
}

// CountPages returns the number of pages in scope.
func (s *Store) CountPages(ctx context.Context, f PageFilter) (int, error) {
	query := `SELECT COUNT(*) FROM pages WHERE 1=1`
	args := []any{}
	argIndex := 1

	if f.Workspace != "" {
		query += fmt.Sprintf(" AND workspace = $%d", argIndex)
		args = append(args, f.Workspace)
		argIndex++
	}
	if f.KBID != "" {
		query += fmt.Sprintf(" AND kb_id = $%d", argIndex)
		args = append(args, f.KBID)
		argIndex++
	}
	if f.URLPrefix != "" {
		query += fmt.Sprintf(" AND url LIKE $%d", argIndex)
		args = append(args, likePrefix(f.URLPrefix))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (*Page, error) {
	var p Page
	var meta []byte
	err := row.Scan(&p.ID, &p.Workspace, &p.KBID, &p.URL, &p.Title,
		&p.ContentMarkdown, &p.ContentHash, &p.IndexedContentHash,
		&p.HTTPStatus, &p.LastCrawledAt, &meta)
	if err != nil {
		return nil, err
	}
	p.Meta, err = unmarshalJSONB(meta)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// likePrefix escapes LIKE metacharacters so a prefix matches literally.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}
