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

// EmbedderProvider identifies the embeddings provider type.
type EmbedderProvider string

const (
	EmbedderProviderOpenAI EmbedderProvider = "openai"
	EmbedderProviderOllama EmbedderProvider = "ollama"

	// EmbedderProviderHash is a deterministic local fallback with no
	// external dependency. Retrieval quality is poor; intended for
	// development and tests.
	EmbedderProviderHash EmbedderProvider = "hash"
)

// EmbedderConfig configures the embeddings provider.
type EmbedderConfig struct {
	// Provider type (openai, ollama, hash).
	Provider EmbedderProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=Embeddings provider,enum=openai,enum=ollama,enum=hash,default=openai"`

	// Model name (e.g. "text-embedding-3-small", "nomic-embed-text").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Embedding model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`

	// Dimension of the produced vectors. Must match the column dimension
	// in the chunk store.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"title=Dimension,description=Embedding vector dimension,minimum=1,default=1536"`

	// BatchSize is the number of texts embedded per API call.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Texts per embed call,minimum=1,default=64"`

	// Timeout bounds a single embed call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for transient upstream failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = EmbedderProviderOpenAI
	}
	if c.Model == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Model = "text-embedding-3-small"
		case EmbedderProviderOllama:
			c.Model = "nomic-embed-text"
		case EmbedderProviderHash:
			c.Model = "hash-v1"
		}
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case EmbedderProviderOllama:
			c.BaseURL = "http://localhost:11434"
		}
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Provider))
	}
	if c.Dimension == 0 {
		switch c.Provider {
		case EmbedderProviderOllama:
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderProviderOpenAI, EmbedderProviderOllama, EmbedderProviderHash:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, ollama, hash)", c.Provider)
	}

	if c.Provider == EmbedderProviderOpenAI && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be at least 1")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}

	return nil
}
