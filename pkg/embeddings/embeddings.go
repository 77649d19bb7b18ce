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

// Package embeddings provides the embedding providers used for indexing
// and retrieval. All providers return L2-normalized vectors of the
// configured dimension; a remote failure is always surfaced as an error,
// never as a zero vector.
package embeddings

import (
	"context"
	"fmt"
	"math"

	"github.com/onekeyhq/ragserve/pkg/config"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// EmbedDocuments embeds a batch of texts, preserving order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension is the fixed vector dimension.
	Dimension() int

	// Model is the provider model identifier stored with each chunk.
	Model() string
}

// New builds the configured embedding provider.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbedderProviderOpenAI:
		return newOpenAIEmbedder(cfg)
	case config.EmbedderProviderOllama:
		return newOllamaEmbedder(cfg)
	case config.EmbedderProviderHash:
		return newHashEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", cfg.Provider)
	}
}

// normalize scales v to unit L2 length in place and returns it. Zero
// vectors are left untouched.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// checkDimension verifies a provider returned the configured dimension.
func checkDimension(v []float32, want int) error {
	if len(v) != want {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(v), want)
	}
	return nil
}
