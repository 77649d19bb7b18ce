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
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/config"
)

func embedderConfig(provider config.EmbedderProvider, baseURL string, dim int) *config.EmbedderConfig {
	cfg := &config.EmbedderConfig{
		Provider:  provider,
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Dimension: dim,
	}
	cfg.SetDefaults()
	cfg.BaseURL = baseURL
	cfg.Dimension = dim
	return cfg
}

func l2(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := newHashEmbedder(embedderConfig(config.EmbedderProviderHash, "", 64))

	a, err := e.EmbedQuery(context.Background(), "aave v3 pool")
	require.NoError(t, err)
	b, err := e.EmbedQuery(context.Background(), "aave v3 pool")
	require.NoError(t, err)
	c, err := e.EmbedQuery(context.Background(), "uniswap router")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, l2(a), 1e-5)
}

func TestHashEmbedderBatchOrder(t *testing.T) {
	e := newHashEmbedder(embedderConfig(config.EmbedderProviderHash, "", 16))

	vecs, err := e.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.EmbedQuery(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestOpenAIEmbedderBatching(t *testing.T) {
	var batchSizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.Input))

		resp := openAIEmbedResponse{Model: req.Model}
		// Return vectors out of order to exercise index reassembly.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i + 1), 0, 0, 0}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := embedderConfig(config.EmbedderProviderOpenAI, server.URL, 4)
	cfg.BatchSize = 2
	e, err := newOpenAIEmbedder(cfg)
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []int{2, 1}, batchSizes)

	// Input order preserved and vectors normalized.
	for _, v := range vecs {
		assert.InDelta(t, 1.0, l2(v), 1e-5)
	}
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][0])
}

func TestOpenAIEmbedderDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2}, "index": 0}},
		})
	}))
	defer server.Close()

	e, err := newOpenAIEmbedder(embedderConfig(config.EmbedderProviderOpenAI, server.URL, 4))
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestOpenAIEmbedderUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	e, err := newOpenAIEmbedder(embedderConfig(config.EmbedderProviderOpenAI, server.URL, 4))
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestOllamaEmbedderLegacyFallback(t *testing.T) {
	var embedCalls, legacyCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			embedCalls++
			http.NotFound(w, r)
		case "/api/embeddings":
			legacyCalls++
			json.NewEncoder(w).Encode(ollamaLegacyEmbedResponse{Embedding: []float32{1, 1, 0, 0}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	cfg := embedderConfig(config.EmbedderProviderOllama, server.URL, 4)
	cfg.MaxRetries = 1
	e, err := newOllamaEmbedder(cfg)
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, legacyCalls)
	assert.GreaterOrEqual(t, embedCalls, 1)

	// The fallback sticks; no further /api/embed probes.
	embedCalls = 0
	_, err = e.EmbedQuery(context.Background(), "c")
	require.NoError(t, err)
	assert.Zero(t, embedCalls)
}

func TestOllamaEmbedderBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0, 2, 0, 0})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e, err := newOllamaEmbedder(embedderConfig(config.EmbedderProviderOllama, server.URL, 4))
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.InDelta(t, 1.0, l2(v), 1e-5)
	}
}

func TestNewFactory(t *testing.T) {
	cfg := &config.EmbedderConfig{Provider: config.EmbedderProviderHash}
	cfg.SetDefaults()

	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "hash-v1", e.Model())
	assert.Equal(t, 1536, e.Dimension())

	_, err = New(&config.EmbedderConfig{Provider: "bogus"})
	require.Error(t, err)
}
