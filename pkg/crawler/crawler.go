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

// Package crawler fetches documentation pages from a sitemap or seed
// URL list, extracts their main content as Markdown, and upserts them
// as pages for the indexer to pick up.
package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/httpclient"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Crawl modes. Full refetches every selected URL; incremental skips
// URLs that already have a stored page.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// maxFetchBytes caps a single page download.
const maxFetchBytes = 10 << 20

// maxRecordedErrors bounds the per-URL error list kept in job progress.
const maxRecordedErrors = 20

// PageStore is the slice of the store the crawler writes through.
type PageStore interface {
	UpsertPage(ctx context.Context, p *store.Page) (int64, error)
	ListPageURLs(ctx context.Context, f store.PageFilter) ([]string, error)
}

// Request describes one crawl run. Zero values fall back to the
// crawler's configuration. It doubles as the crawl job payload.
type Request struct {
	Workspace       string   `json:"workspace,omitempty" mapstructure:"workspace"`
	KBID            string   `json:"kb_id,omitempty" mapstructure:"kb_id"`
	Mode            string   `json:"mode,omitempty" mapstructure:"mode"`
	SitemapURL      string   `json:"sitemap_url,omitempty" mapstructure:"sitemap_url"`
	SeedURLs        []string `json:"seed_urls,omitempty" mapstructure:"seed_urls"`
	IncludePatterns []string `json:"include_patterns,omitempty" mapstructure:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
	MaxPages        int      `json:"max_pages,omitempty" mapstructure:"max_pages"`
}

// URLError records one page that could not be crawled.
type URLError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Result summarizes a crawl run. It is stored as job progress, so the
// field names are part of the admin API surface.
type Result struct {
	URLsDiscovered int        `json:"urls_discovered"`
	URLsSelected   int        `json:"urls_selected"`
	PagesStored    int        `json:"pages_stored"`
	PagesSkipped   int        `json:"pages_skipped"`
	PagesFailed    int        `json:"pages_failed"`
	Errors         []URLError `json:"errors,omitempty"`
}

// Crawler fetches and stores documentation pages.
type Crawler struct {
	store  PageStore
	cfg    config.CrawlConfig
	client *httpclient.Client
	logger *slog.Logger
}

// New builds a crawler over the given page store.
func New(st PageStore, cfg *config.CrawlConfig, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		store: st,
		cfg:   *cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
		logger: logger,
	}
}

// Run executes one crawl: URL discovery, include/exclude filtering,
// bounded-concurrency fetching, extraction, and page upserts. Per-URL
// failures are recorded in the result and skipped; only discovery
// errors, invalid patterns, and cancellation fail the run.
func (c *Crawler) Run(ctx context.Context, req Request) (*Result, error) {
	req = c.withDefaults(req)

	urls, err := c.collectURLs(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{URLsDiscovered: len(urls)}

	urls, err = filterURLs(urls, req.IncludePatterns, req.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	if req.Mode == ModeIncremental {
		existing, err := c.store.ListPageURLs(ctx, store.PageFilter{
			Workspace: req.Workspace,
			KBID:      req.KBID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list existing pages: %w", err)
		}
		urls = dropKnownURLs(urls, existing, &res.PagesSkipped)
	}

	if req.MaxPages > 0 && len(urls) > req.MaxPages {
		res.PagesSkipped += len(urls) - req.MaxPages
		urls = urls[:req.MaxPages]
	}
	res.URLsSelected = len(urls)

	c.logger.Info("Crawl starting",
		"workspace", req.Workspace,
		"kb", req.KBID,
		"mode", req.Mode,
		"discovered", res.URLsDiscovered,
		"selected", res.URLsSelected)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, pageURL := range urls {
		pageURL := pageURL // pin for the goroutine below (pre-go1.22 loop semantics)
		g.Go(func() error {
			err := c.crawlPage(gctx, req, pageURL)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Cancellation aborts the whole run; anything else is a
				// per-URL failure that the crawl carries on past.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.PagesFailed++
				if len(res.Errors) < maxRecordedErrors {
					res.Errors = append(res.Errors, URLError{URL: pageURL, Error: err.Error()})
				}
				c.logger.Warn("Page crawl failed", "url", pageURL, "error", err)
				return nil
			}
			res.PagesStored++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	c.logger.Info("Crawl finished",
		"stored", res.PagesStored,
		"failed", res.PagesFailed,
		"skipped", res.PagesSkipped)
	return res, nil
}

func (c *Crawler) withDefaults(req Request) Request {
	if req.Workspace == "" {
		req.Workspace = "default"
	}
	if req.KBID == "" {
		req.KBID = "default"
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	if req.SitemapURL == "" {
		req.SitemapURL = c.cfg.SitemapURL
	}
	if req.MaxPages <= 0 {
		req.MaxPages = c.cfg.MaxPages
	}
	if len(req.IncludePatterns) == 0 {
		req.IncludePatterns = c.cfg.IncludePatterns
	}
	if len(req.ExcludePatterns) == 0 {
		req.ExcludePatterns = c.cfg.ExcludePatterns
	}
	return req
}

// collectURLs resolves the crawl frontier: explicit seed URLs when
// given, otherwise the sitemap. URLs are resolved against the
// configured base, stripped of fragments, and deduplicated in order.
func (c *Crawler) collectURLs(ctx context.Context, req Request) ([]string, error) {
	var raw []string
	if len(req.SeedURLs) > 0 {
		raw = req.SeedURLs
	} else {
		if req.SitemapURL == "" {
			return nil, fmt.Errorf("crawl needs seed_urls or a sitemap_url")
		}
		var err error
		raw, err = c.FetchSitemapURLs(ctx, req.SitemapURL)
		if err != nil {
			return nil, err
		}
	}

	var base *url.URL
	if c.cfg.BaseURL != "" {
		base, _ = url.Parse(c.cfg.BaseURL)
	}

	seen := make(map[string]struct{}, len(raw))
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		resolved := resolveURL(base, u)
		if resolved == "" {
			continue
		}
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		urls = append(urls, resolved)
	}
	return urls, nil
}

func resolveURL(base *url.URL, raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		if base == nil {
			return ""
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// filterURLs keeps URLs matching at least one include pattern (all,
// when none are configured), then drops those matching any exclude.
func filterURLs(urls []string, includes, excludes []string) ([]string, error) {
	includeRes, err := compilePatterns(includes)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	excludeRes, err := compilePatterns(excludes)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	var out []string
	for _, u := range urls {
		if len(includeRes) > 0 && !anyMatch(includeRes, u) {
			continue
		}
		if anyMatch(excludeRes, u) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func dropKnownURLs(urls, existing []string, skipped *int) []string {
	known := make(map[string]struct{}, len(existing))
	for _, u := range existing {
		known[u] = struct{}{}
	}
	out := urls[:0]
	for _, u := range urls {
		if _, ok := known[u]; ok {
			*skipped++
			continue
		}
		out = append(out, u)
	}
	return out
}

// crawlPage fetches one URL, extracts its content, and upserts the
// page. The indexed_content_hash column is untouched by the upsert, so
// changed pages become due for re-indexing automatically.
func (c *Crawler) crawlPage(ctx context.Context, req Request, pageURL string) error {
	body, status, err := c.fetch(ctx, pageURL)
	if err != nil {
		return err
	}

	title, markdown, err := Extract(string(body))
	if err != nil {
		return fmt.Errorf("failed to extract content: %w", err)
	}
	if strings.TrimSpace(markdown) == "" {
		return fmt.Errorf("no readable content")
	}
	if title == "" {
		title = pageURL
	}

	_, err = c.store.UpsertPage(ctx, &store.Page{
		Workspace:       req.Workspace,
		KBID:            req.KBID,
		URL:             pageURL,
		Title:           title,
		ContentMarkdown: markdown,
		ContentHash:     utils.SHA256Text(markdown),
		HTTPStatus:      status,
		LastCrawledAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store page: %w", err)
	}
	return nil
}

// fetch downloads a URL with the crawler's user agent. Redirects are
// followed; non-2xx statuses and oversized bodies are errors.
func (c *Crawler) fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, status, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
