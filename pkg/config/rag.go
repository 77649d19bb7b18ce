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

// RetrievalMode selects how candidate chunks are fetched.
type RetrievalMode string

const (
	RetrievalModeVector RetrievalMode = "vector"
	RetrievalModeHybrid RetrievalMode = "hybrid"
)

// RAGConfig configures the retrieval and answer pipeline.
type RAGConfig struct {
	// Workspace is the default workspace id for queries that do not
	// specify one.
	Workspace string `yaml:"workspace,omitempty" json:"workspace,omitempty" jsonschema:"title=Workspace,description=Default workspace id,default=default"`

	// TopK is the candidate pool size fetched per retrieval.
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty" jsonschema:"title=Top K,description=Retrieval candidate pool size,minimum=1,default=12"`

	// TopN is how many candidates survive reranking into the context.
	TopN int `yaml:"top_n,omitempty" json:"top_n,omitempty" jsonschema:"title=Top N,description=Context chunk count after rerank,minimum=1,default=6"`

	// MaxSources caps the source list returned with an answer.
	MaxSources int `yaml:"max_sources,omitempty" json:"max_sources,omitempty" jsonschema:"title=Max Sources,description=Source list cap,minimum=1,default=6"`

	// SnippetMaxChars truncates each source snippet.
	SnippetMaxChars int `yaml:"snippet_max_chars,omitempty" json:"snippet_max_chars,omitempty"`

	// ContextMaxChars bounds the assembled document-snippet block.
	ContextMaxChars int `yaml:"context_max_chars,omitempty" json:"context_max_chars,omitempty"`

	// Mode selects vector or hybrid retrieval.
	Mode RetrievalMode `yaml:"mode,omitempty" json:"mode,omitempty" jsonschema:"title=Mode,description=Retrieval mode,enum=vector,enum=hybrid,default=vector"`

	// Hybrid tunes hybrid retrieval; only used when Mode is hybrid.
	Hybrid HybridConfig `yaml:"hybrid,omitempty" json:"hybrid,omitempty"`

	// InlineCitations asks the model for [n] citation markers and
	// numbers the sources accordingly.
	InlineCitations *bool `yaml:"inline_citations,omitempty" json:"inline_citations,omitempty"`

	// AppendSources appends a references tail to the answer text.
	AppendSources *bool `yaml:"append_sources,omitempty" json:"append_sources,omitempty"`

	// PrepareTimeout bounds the retrieval/context phase of a query.
	PrepareTimeout time.Duration `yaml:"prepare_timeout,omitempty" json:"prepare_timeout,omitempty"`

	// TotalTimeout bounds a whole non-stream query.
	TotalTimeout time.Duration `yaml:"total_timeout,omitempty" json:"total_timeout,omitempty"`

	// Compaction tunes the multi-turn conversation compactor.
	Compaction CompactionConfig `yaml:"compaction,omitempty" json:"compaction,omitempty"`

	// Prompts overrides the built-in prompt templates per exposed model
	// id. Recognized keys in each entry: "system", "user", "no_sources".
	Prompts map[string]PromptTemplates `yaml:"prompts,omitempty" json:"prompts,omitempty"`
}

// HybridConfig tunes hybrid (vector + lexical) retrieval.
type HybridConfig struct {
	// VectorK is the vector-side candidate count.
	VectorK int `yaml:"vector_k,omitempty" json:"vector_k,omitempty"`

	// BM25K is the lexical-side candidate count.
	BM25K int `yaml:"bm25_k,omitempty" json:"bm25_k,omitempty"`

	// VectorWeight scales the normalized vector score.
	VectorWeight *float64 `yaml:"vector_weight,omitempty" json:"vector_weight,omitempty"`

	// BM25Weight scales the normalized lexical score.
	BM25Weight *float64 `yaml:"bm25_weight,omitempty" json:"bm25_weight,omitempty"`

	// FTSConfig is the PostgreSQL text search configuration.
	FTSConfig string `yaml:"fts_config,omitempty" json:"fts_config,omitempty"`
}

// CompactionConfig tunes the conversation compactor. One LLM call
// rewrites a multi-turn conversation into a retrievable query plus a
// compressed memory summary.
type CompactionConfig struct {
	// QueryRewrite enables retrieval-query rewriting.
	QueryRewrite *bool `yaml:"query_rewrite,omitempty" json:"query_rewrite,omitempty"`

	// MemorySummary enables the compressed conversation summary.
	MemorySummary *bool `yaml:"memory_summary,omitempty" json:"memory_summary,omitempty"`

	// HistoryMaxMessages caps how many recent turns feed the compactor
	// and the history excerpt.
	HistoryMaxMessages int `yaml:"history_max_messages,omitempty" json:"history_max_messages,omitempty"`

	// HistoryMaxChars caps the formatted history excerpt.
	HistoryMaxChars int `yaml:"history_max_chars,omitempty" json:"history_max_chars,omitempty"`

	// MessageMaxChars caps each message inside the excerpt.
	MessageMaxChars int `yaml:"message_max_chars,omitempty" json:"message_max_chars,omitempty"`

	// MaxTokens for the compactor completion.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// Timeout bounds the compactor call; on timeout the raw question is
	// used unchanged.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// PromptTemplates overrides prompt text for one exposed model id.
// The user template may reference {user_query}, {retrieved_context},
// {formatting_rules}, {citation_rules}, {extra}, and {workspace_id};
// unknown placeholders render as empty strings.
type PromptTemplates struct {
	System    string `yaml:"system,omitempty" json:"system,omitempty"`
	User      string `yaml:"user,omitempty" json:"user,omitempty"`
	NoSources string `yaml:"no_sources,omitempty" json:"no_sources,omitempty"`
}

// SetDefaults applies default values.
func (c *RAGConfig) SetDefaults() {
	if c.Workspace == "" {
		c.Workspace = "default"
	}
	if c.TopK == 0 {
		c.TopK = 12
	}
	if c.TopN == 0 {
		c.TopN = 6
	}
	if c.MaxSources == 0 {
		c.MaxSources = 6
	}
	if c.SnippetMaxChars == 0 {
		c.SnippetMaxChars = 400
	}
	if c.ContextMaxChars == 0 {
		c.ContextMaxChars = 12000
	}
	if c.Mode == "" {
		c.Mode = RetrievalModeVector
	}
	if c.Hybrid.VectorK == 0 {
		c.Hybrid.VectorK = 24
	}
	if c.Hybrid.BM25K == 0 {
		c.Hybrid.BM25K = 24
	}
	if c.Hybrid.VectorWeight == nil {
		c.Hybrid.VectorWeight = Float64Ptr(0.5)
	}
	if c.Hybrid.BM25Weight == nil {
		c.Hybrid.BM25Weight = Float64Ptr(0.5)
	}
	if c.Hybrid.FTSConfig == "" {
		c.Hybrid.FTSConfig = "simple"
	}
	if c.InlineCitations == nil {
		c.InlineCitations = BoolPtr(true)
	}
	if c.AppendSources == nil {
		c.AppendSources = BoolPtr(true)
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = 20 * time.Second
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = 60 * time.Second
	}

	if c.Compaction.QueryRewrite == nil {
		c.Compaction.QueryRewrite = BoolPtr(true)
	}
	if c.Compaction.MemorySummary == nil {
		c.Compaction.MemorySummary = BoolPtr(true)
	}
	if c.Compaction.HistoryMaxMessages == 0 {
		c.Compaction.HistoryMaxMessages = 6
	}
	if c.Compaction.HistoryMaxChars == 0 {
		c.Compaction.HistoryMaxChars = 2000
	}
	if c.Compaction.MessageMaxChars == 0 {
		c.Compaction.MessageMaxChars = 800
	}
	if c.Compaction.MaxTokens == 0 {
		c.Compaction.MaxTokens = 400
	}
	if c.Compaction.Timeout == 0 {
		c.Compaction.Timeout = 8 * time.Second
	}
}

// Validate checks the RAG configuration.
func (c *RAGConfig) Validate() error {
	switch c.Mode {
	case RetrievalModeVector, RetrievalModeHybrid:
	default:
		return fmt.Errorf("invalid mode %q (valid: vector, hybrid)", c.Mode)
	}

	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}
	if c.TopN < 1 {
		return fmt.Errorf("top_n must be at least 1")
	}

	if *c.Hybrid.VectorWeight < 0 || *c.Hybrid.BM25Weight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if *c.Hybrid.VectorWeight == 0 && *c.Hybrid.BM25Weight == 0 {
		return fmt.Errorf("at least one hybrid weight must be positive")
	}

	return nil
}
