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

// Package llms provides the upstream chat model client. The service
// treats the chat model as optional: when unconfigured, answers degrade
// to the retrieved-snippets fallback instead of failing.
package llms

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token accounting reported by the upstream model.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Options are per-call overrides. Nil fields fall back to the configured
// defaults; Model must be the already-resolved upstream model name.
type Options struct {
	Model          string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	ResponseFormat string // "" or "json_object"
}

// Stream chunk types.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// StreamChunk is one unit of streaming output.
type StreamChunk struct {
	Type  string
	Text  string
	Usage *Usage
	Err   error
}

// ChatClient is the upstream chat surface used by the answer pipeline and
// the conversation compactor.
type ChatClient interface {
	// Chat runs a non-streaming completion.
	Chat(ctx context.Context, messages []Message, opts Options) (string, Usage, error)

	// ChatStream runs a streaming completion. The channel is closed after
	// a done or error chunk; an error chunk means the stream broke after
	// zero or more text chunks.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	// Model is the configured default upstream model.
	Model() string
}
