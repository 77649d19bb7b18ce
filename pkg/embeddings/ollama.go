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

package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/httpclient"
)

// ollamaEmbedMu serializes Ollama embedding requests. Ollama's llama
// runner crashes when it receives concurrent embedding requests.
var ollamaEmbedMu sync.Mutex

// ollamaEmbedder calls a local Ollama server. It prefers the batch
// /api/embed endpoint and falls back to the legacy per-text
// /api/embeddings endpoint for older servers.
type ollamaEmbedder struct {
	client    *httpclient.Client
	baseURL   string
	model     string
	dimension int

	mu           sync.Mutex
	legacyServer bool
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaLegacyEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaLegacyEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func newOllamaEmbedder(cfg *config.EmbedderConfig) (*ollamaEmbedder, error) {
	return &ollamaEmbedder{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

func (e *ollamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	if !e.useLegacy() {
		embeddings, err := e.embedBatch(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		slog.Debug("Ollama /api/embed failed, falling back to /api/embeddings",
			"error", err)
		e.setLegacy()
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.embedLegacy(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = v
	}
	return embeddings, nil
}

func (e *ollamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *ollamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := e.post(ctx, "/api/embed", ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}

	var response ollamaEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d vectors for %d inputs",
			len(response.Embeddings), len(texts))
	}

	for i, v := range response.Embeddings {
		if err := checkDimension(v, e.dimension); err != nil {
			return nil, err
		}
		response.Embeddings[i] = normalize(v)
	}
	return response.Embeddings, nil
}

func (e *ollamaEmbedder) embedLegacy(ctx context.Context, text string) ([]float32, error) {
	body, err := e.post(ctx, "/api/embeddings", ollamaLegacyEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	var response ollamaLegacyEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}
	if err := checkDimension(response.Embedding, e.dimension); err != nil {
		return nil, err
	}
	return normalize(response.Embedding), nil
}

func (e *ollamaEmbedder) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *ollamaEmbedder) useLegacy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.legacyServer
}

func (e *ollamaEmbedder) setLegacy() {
	e.mu.Lock()
	e.legacyServer = true
	e.mu.Unlock()
}

func (e *ollamaEmbedder) Dimension() int { return e.dimension }
func (e *ollamaEmbedder) Model() string  { return e.model }
