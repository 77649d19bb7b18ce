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

// Command ragserve is the CLI for the ragserve service.
//
// Usage:
//
//	ragserve serve --config ragserve.yaml
//	ragserve worker --config ragserve.yaml
//	ragserve crawl --config ragserve.yaml --max-pages 50
//	ragserve validate ragserve.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/onekeyhq/ragserve"
	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the HTTP API server."`
	Worker    WorkerCmd    `cmd:"" help:"Run the background job worker."`
	Crawl     CrawlCmd     `cmd:"" help:"Crawl documentation pages into the store."`
	Index     IndexCmd     `cmd:"" help:"Chunk and embed stored pages."`
	Contracts ContractsCmd `cmd:"" help:"Maintain the contract-address index."`
	Validate  ValidateCmd  `cmd:"" help:"Validate a configuration file."`
	Schema    SchemaCmd    `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides LOG_LEVEL and the config file." placeholder:"LEVEL"`
	LogFile   string `help:"Log file path (empty = stderr). Overrides LOG_FILE and the config file." placeholder:"PATH"`
	LogFormat string `help:"Log format (simple, verbose, json). Overrides LOG_FORMAT and the config file." placeholder:"FORMAT"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(ragserve.GetVersion().String())
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// loadConfigOrDefaults loads the configuration from path, or built-in
// defaults when no config file is given. The loader is nil in the
// defaults case.
func loadConfigOrDefaults(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		slog.Info("No config file given, using built-in defaults")
		return config.Default(), nil, nil
	}

	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// loadConfig is the config entry point for one-shot commands: it loads
// the configuration, applies its logger section, and folds the loader
// and log file teardown into a single cleanup.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, func(), error) {
	cfg, loader, err := loadConfigOrDefaults(ctx, cli.Config)
	if err != nil {
		return nil, nil, err
	}

	logClose, err := applyConfigLogger(cli, &cfg.Logger)
	if err != nil {
		if loader != nil {
			_ = loader.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		if logClose != nil {
			logClose()
		}
		if loader != nil {
			_ = loader.Close()
		}
	}
	return cfg, cleanup, nil
}

// openStore connects to PostgreSQL and bootstraps the schema unless
// database.bootstrap is false.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if config.BoolValue(cfg.Database.Bootstrap, true) {
		opts := store.BootstrapOptionsFromConfig(&cfg.Database, &cfg.Embedder, &cfg.RAG)
		if err := st.Bootstrap(ctx, opts); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}

	return st, nil
}

// printBanner prints a colored ASCII banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err != nil || (fileInfo.Mode()&os.ModeCharDevice) == 0 {
		return
	}

	greenColor := "\033[38;2;0;184;18m"
	resetColor := "\033[0m"

	banner := `
██████╗  █████╗  ██████╗ ███████╗███████╗██████╗ ██╗   ██╗███████╗
██╔══██╗██╔══██╗██╔════╝ ██╔════╝██╔════╝██╔══██╗██║   ██║██╔════╝
██████╔╝███████║██║  ███╗███████╗█████╗  ██████╔╝██║   ██║█████╗
██╔══██╗██╔══██║██║   ██║╚════██║██╔══╝  ██╔══██╗╚██╗ ██╔╝██╔══╝
██║  ██║██║  ██║╚██████╔╝███████║███████╗██║  ██║ ╚████╔╝ ███████╗
╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚══════╝╚══════╝╚═╝  ╚═╝  ╚═══╝  ╚══════╝
`
	fmt.Printf("%s%s%s\n", greenColor, banner, resetColor)
}

// shouldSkipBanner reports whether the invoked command is informational
// (version, validate, schema) and should not print the banner.
func shouldSkipBanner(args []string) bool {
	for _, arg := range args[1:] {
		switch arg {
		case "version", "validate", "schema":
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ragserve"),
		kong.Description("ragserve - retrieval-augmented QA over crawled developer docs"),
		kong.UsageOnError(),
	)

	// Logger from CLI flags and env vars; commands that load a config
	// file re-apply its logger section for any knob still unset.
	cleanup, err := initLogger(&cli, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
