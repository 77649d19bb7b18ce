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

// Package rerank reorders retrieved chunks by cross-encoder relevance.
//
// The scorer is an HTTP endpoint speaking the common rerank API shape
// (query + documents in, indexed relevance scores out). Reranking is
// best effort: callers treat any error as "keep retrieval order".
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/httpclient"
	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Client scores query/passage pairs against a rerank endpoint.
type Client struct {
	client        *httpclient.Client
	baseURL       string
	apiKey        string
	model         string
	maxCandidates int
	maxChars      int
	batchSize     int
}

// New builds a rerank client, or nil when reranking is disabled.
func New(cfg *config.RerankConfig) *Client {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &Client{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(1),
		),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		maxCandidates: cfg.MaxCandidates,
		maxChars:      cfg.MaxChars,
		batchSize:     cfg.BatchSize,
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank returns the topN candidates most relevant to query, scored in
// batches. Candidates beyond maxCandidates are not scored. Retrieval
// scores on the returned chunks are left untouched so callers can still
// compare pre-rerank ranking. Equal relevance keeps retrieval order.
func (c *Client) Rerank(ctx context.Context, query string, candidates []store.ScoredChunk, topN int) ([]store.ScoredChunk, error) {
	if topN <= 0 {
		return nil, nil
	}

	cand := candidates
	if len(cand) > c.maxCandidates {
		cand = cand[:c.maxCandidates]
	}
	if len(cand) <= 1 {
		if len(cand) > topN {
			cand = cand[:topN]
		}
		return append([]store.ScoredChunk(nil), cand...), nil
	}

	scores := make([]float64, len(cand))
	seen := make([]bool, len(cand))
	for start := 0; start < len(cand); start += c.batchSize {
		end := min(start+c.batchSize, len(cand))
		if err := c.scoreBatch(ctx, query, cand[start:end], scores[start:end], seen[start:end]); err != nil {
			return nil, err
		}
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing score for document %d", i)
		}
	}

	order := make([]int, len(cand))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	n := min(topN, len(cand))
	ranked := make([]store.ScoredChunk, 0, n)
	for _, idx := range order[:n] {
		ranked = append(ranked, cand[idx])
	}
	return ranked, nil
}

func (c *Client) scoreBatch(ctx context.Context, query string, docs []store.ScoredChunk, scores []float64, seen []bool) error {
	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = utils.ClampText(d.Text, c.maxChars)
	}

	body, err := json.Marshal(rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: passages,
		TopN:      len(passages),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("rerank request failed: %w", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rerank API error (status %d): %s",
			resp.StatusCode, utils.ClampText(string(respBody), 300))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to parse rerank response: %w", err)
	}
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return fmt.Errorf("rerank response index %d out of range", r.Index)
		}
		scores[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	return nil
}
