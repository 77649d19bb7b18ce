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

package main

import (
	"fmt"

	"github.com/onekeyhq/ragserve/pkg/crawler"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/ingest"
	"github.com/onekeyhq/ragserve/pkg/logger"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// CrawlCmd runs one crawl pass in-process, without queueing a job.
type CrawlCmd struct {
	Workspace string   `help:"Workspace id (default: default)."`
	KB        string   `name:"kb" help:"Knowledge base id (default: default)."`
	Mode      string   `help:"Crawl mode. Incremental skips URLs already stored." enum:"full,incremental" default:"full"`
	Sitemap   string   `help:"Sitemap URL (overrides config)."`
	Seed      []string `help:"Seed URLs crawled instead of the sitemap." placeholder:"URL"`
	Include   []string `help:"Keep only URLs containing these substrings." placeholder:"PATTERN"`
	Exclude   []string `help:"Drop URLs containing these substrings." placeholder:"PATTERN"`
	MaxPages  int      `name:"max-pages" help:"Page cap for this run (overrides config)."`
}

func (c *CrawlCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, cleanup, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cr := crawler.New(st, &cfg.Crawl, logger.GetLogger())
	result, err := cr.Run(ctx, crawler.Request{
		Workspace:       c.Workspace,
		KBID:            c.KB,
		Mode:            c.Mode,
		SitemapURL:      c.Sitemap,
		SeedURLs:        c.Seed,
		IncludePatterns: c.Include,
		ExcludePatterns: c.Exclude,
		MaxPages:        c.MaxPages,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Discovered %d URLs, selected %d\n", result.URLsDiscovered, result.URLsSelected)
	fmt.Printf("Stored %d pages (%d unchanged, %d failed)\n",
		result.PagesStored, result.PagesSkipped, result.PagesFailed)
	for _, e := range result.Errors {
		fmt.Printf("  failed: %s: %s\n", e.URL, e.Error)
	}
	return nil
}

// IndexCmd chunks and embeds stored pages in-process.
type IndexCmd struct {
	Workspace string `help:"Workspace id (default: default)."`
	KB        string `name:"kb" help:"Knowledge base id (default: default)."`
	Mode      string `help:"Index mode. Incremental skips pages whose content is unchanged." enum:"incremental,full" default:"incremental"`
}

func (c *IndexCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, cleanup, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	log := logger.GetLogger()

	embedder, err := embeddings.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	tokens, err := utils.NewTokenCounter("")
	if err != nil {
		log.Warn("Token counter unavailable, chunk token counts disabled", "error", err)
	}

	ix := ingest.NewIndexer(st, rag.NewChunker(&cfg.Chunking), embedder, tokens, log)
	result, err := ix.Run(ctx, ingest.Request{
		Workspace: c.Workspace,
		KBID:      c.KB,
		Mode:      c.Mode,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Indexed %d pages into %d chunks\n", result.Pages, result.Chunks)
	return nil
}
