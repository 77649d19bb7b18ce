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

// Package config defines the service configuration and its loading
// pipeline: parse YAML, expand environment variables, decode, apply
// defaults, validate.
package config

import (
	"fmt"

	"github.com/onekeyhq/ragserve/pkg/observability"
)

// Config is the root service configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Database configures PostgreSQL (with pgvector).
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`

	// Chat configures the upstream chat model.
	Chat ChatConfig `yaml:"chat,omitempty" json:"chat,omitempty"`

	// Embedder configures the embeddings provider.
	Embedder EmbedderConfig `yaml:"embedder,omitempty" json:"embedder,omitempty"`

	// Rerank configures the optional cross-encoder reranker.
	Rerank RerankConfig `yaml:"rerank,omitempty" json:"rerank,omitempty"`

	// RAG configures retrieval and answer assembly.
	RAG RAGConfig `yaml:"rag,omitempty" json:"rag,omitempty"`

	// Chunking tunes Markdown splitting for embedding.
	Chunking ChunkingConfig `yaml:"chunking,omitempty" json:"chunking,omitempty"`

	// Crawl configures the documentation crawler.
	Crawl CrawlConfig `yaml:"crawl,omitempty" json:"crawl,omitempty"`

	// Worker configures the background job worker.
	Worker WorkerConfig `yaml:"worker,omitempty" json:"worker,omitempty"`

	// Contracts configures the contract-address index.
	Contracts ContractsConfig `yaml:"contracts,omitempty" json:"contracts,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`

	// Logger configures log output.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Chat.SetDefaults()
	c.Embedder.SetDefaults()
	c.Rerank.SetDefaults()
	c.RAG.SetDefaults()
	c.Chunking.SetDefaults()
	c.Crawl.SetDefaults()
	c.Worker.SetDefaults()
	c.Contracts.SetDefaults()
	c.Logger.SetDefaults()

	if c.Observability == nil {
		c.Observability = &observability.Config{}
	}
	c.Observability.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Rerank.Validate(); err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	if err := c.RAG.Validate(); err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if err := c.Crawl.Validate(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := c.Contracts.Validate(); err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Default returns a fully defaulted configuration, as if loaded from an
// empty file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
