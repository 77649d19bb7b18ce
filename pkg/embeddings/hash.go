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
	"context"
	"crypto/sha256"

	"github.com/onekeyhq/ragserve/pkg/config"
)

// hashEmbedder produces deterministic vectors from a sha256 digest of the
// text. No external dependency and no failure mode; retrieval quality is
// poor. Used for development and tests.
type hashEmbedder struct {
	model     string
	dimension int
}

func newHashEmbedder(cfg *config.EmbedderConfig) *hashEmbedder {
	return &hashEmbedder{model: cfg.Model, dimension: cfg.Dimension}
}

func (e *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.embed(text)
	}
	return embeddings, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// embed repeats the sha256 digest until the dimension is filled, scaling
// each byte to [-1, 1], then L2-normalizes.
func (e *hashEmbedder) embed(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	v := make([]float32, e.dimension)
	for i := range v {
		b := digest[i%len(digest)]
		v[i] = float32(b)/255*2 - 1
	}
	return normalize(v)
}

func (e *hashEmbedder) Dimension() int { return e.dimension }
func (e *hashEmbedder) Model() string  { return e.model }
