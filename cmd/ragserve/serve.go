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

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/logger"
	"github.com/onekeyhq/ragserve/pkg/observability"
	"github.com/onekeyhq/ragserve/pkg/rag"
	"github.com/onekeyhq/ragserve/pkg/rerank"
	"github.com/onekeyhq/ragserve/pkg/server"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Host        string `help:"Bind host (overrides config)."`
	Port        int    `help:"Port to listen on (overrides config)."`
	Watch       bool   `help:"Watch the config file and revalidate on change."`
	NoBootstrap bool   `name:"no-bootstrap" help:"Skip schema bootstrap at startup."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, loader, err := loadConfigOrDefaults(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	logCleanup, err := applyConfigLogger(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	if logCleanup != nil {
		defer logCleanup()
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.NoBootstrap {
		cfg.Database.Bootstrap = config.BoolPtr(false)
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
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

	chat, err := llms.New(&cfg.Chat)
	if err != nil {
		return fmt.Errorf("failed to create chat client: %w", err)
	}
	if chat == nil {
		log.Warn("No upstream chat model configured, answers degrade to retrieved snippets")
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

	contractIndex := contracts.NewIndex(st, &cfg.Contracts, log)

	ragDeps := rag.Deps{
		Searcher:  st,
		Embedder:  embedder,
		Chat:      chat,
		Contracts: contractIndex,
		Metrics:   obs.Metrics(),
		Logger:    log,
	}
	if rr := rerank.New(&cfg.Rerank); rr != nil {
		ragDeps.Reranker = rr
		log.Info("Reranker enabled", "model", cfg.Rerank.Model)
	}
	pipeline := rag.NewPipeline(&cfg.RAG, ragDeps)

	deps := server.Deps{
		Store:         st,
		Pipeline:      pipeline,
		Chat:          chat,
		Contracts:     contractIndex,
		Observability: obs,
		Logger:        log,
	}
	if cfg.Worker.Backend == config.JobsBackendInline {
		deps.Executor = buildWorker(st, cfg, embedder, obs.Metrics(), log)
		log.Info("Admin jobs execute inline")
	}

	printServeInfo(cfg, obs, chat != nil)

	return server.New(cfg, deps).Run(ctx)
}

// printServeInfo prints the startup summary.
func printServeInfo(cfg *config.Config, obs *observability.Manager, hasChat bool) {
	greenColor := "\033[38;2;0;184;18m"
	resetColor := "\033[0m"
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	fmt.Printf("\n%sragserve ready!%s\n", greenColor, resetColor)
	fmt.Printf("   Chat API:    http://%s/v1/chat/completions\n", addr)
	fmt.Printf("   Models:      http://%s/v1/models\n", addr)
	fmt.Printf("   Health:      http://%s/healthz\n", addr)
	if obs.MetricsEnabled() {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}
	if hasChat {
		fmt.Printf("   Upstream:    %s (%s)\n", cfg.Chat.Model, cfg.Chat.BaseURL)
	} else {
		fmt.Printf("   Upstream:    none (answers fall back to retrieved snippets)\n")
	}
	fmt.Printf("   Jobs:        %s backend\n", cfg.Worker.Backend)
	fmt.Println("\nPress Ctrl+C to stop")
}
