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

// RerankConfig configures the optional cross-encoder reranker.
// A reranker failure never fails a query; the pipeline falls back to
// pre-rerank order.
type RerankConfig struct {
	// Enabled turns reranking on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// BaseURL of the rerank endpoint (Cohere/Jina compatible).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Rerank API base URL"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// Model name for the rerank call.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Rerank model identifier"`

	// MaxCandidates caps how many retrieved chunks are sent for scoring.
	MaxCandidates int `yaml:"max_candidates,omitempty" json:"max_candidates,omitempty" jsonschema:"title=Max Candidates,description=Candidate cap per rerank call,minimum=1,default=30"`

	// MaxChars truncates each candidate document before scoring.
	MaxChars int `yaml:"max_chars,omitempty" json:"max_chars,omitempty" jsonschema:"title=Max Chars,description=Per-candidate truncation,minimum=1,default=1200"`

	// BatchSize is the number of pairs scored per API call.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// Timeout bounds a single rerank call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *RerankConfig) SetDefaults() {
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 30
	}
	if c.MaxChars == 0 {
		c.MaxChars = 1200
	}
	if c.BatchSize == 0 {
		c.BatchSize = 16
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

// Validate checks the rerank configuration.
func (c *RerankConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required when rerank is enabled")
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("max_candidates must be at least 1")
	}
	return nil
}
