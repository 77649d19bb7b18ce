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
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/crawler"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/ingest"
	"github.com/onekeyhq/ragserve/pkg/logger"
	"github.com/onekeyhq/ragserve/pkg/observability"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
	"github.com/onekeyhq/ragserve/pkg/worker"
)

// WorkerCmd runs the background job worker: it claims queued crawl,
// index, and file jobs, and watches the file spool when one is
// configured.
type WorkerCmd struct {
	NoBootstrap bool `name:"no-bootstrap" help:"Skip schema bootstrap at startup."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, cleanup, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.NoBootstrap {
		cfg.Database.Bootstrap = config.BoolPtr(false)
	}

	log := logger.GetLogger()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := embeddings.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	obs := observability.NewManager(*cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("Observability shutdown failed", "error", err)
		}
	}()

	wk := buildWorker(st, cfg, embedder, obs.Metrics(), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wk.Run(ctx) })

	watcher, err := ingest.NewSpoolWatcher(st, &cfg.Worker, log)
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	return g.Wait()
}

// buildWorker wires the crawler and indexer a worker dispatches jobs to.
func buildWorker(st *store.Store, cfg *config.Config, embedder embeddings.Embedder, metrics *observability.ServiceMetrics, log *slog.Logger) *worker.Worker {
	tokens, err := utils.NewTokenCounter("")
	if err != nil {
		log.Warn("Token counter unavailable, chunk token counts disabled", "error", err)
	}

	cr := crawler.New(st, &cfg.Crawl, log)
	ix := ingest.NewIndexer(st, rag.NewChunker(&cfg.Chunking), embedder, tokens, log)
	return worker.New(st, cr, ix, &cfg.Worker, metrics, log)
}
