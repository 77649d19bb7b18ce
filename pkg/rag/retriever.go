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

package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// Allocation is a per-knowledge-base retrieval budget.
type Allocation struct {
	KBID string `json:"kb_id" mapstructure:"kb_id"`
	TopK int    `json:"top_k" mapstructure:"top_k"`
}

// ChunkSearcher is the slice of the store the retriever needs.
type ChunkSearcher interface {
	SearchChunksVector(ctx context.Context, embedding []float32, f store.SearchFilter, limit int) ([]store.ScoredChunk, error)
	SearchChunksLexical(ctx context.Context, text, ftsConfig string, f store.SearchFilter, limit int) ([]store.ScoredChunk, error)
}

// Retriever fetches scored candidate chunks in vector or hybrid mode,
// optionally spread across per-KB allocations.
type Retriever struct {
	searcher ChunkSearcher
	cfg      *config.RAGConfig
}

// NewRetriever builds a retriever over the given chunk searcher.
func NewRetriever(searcher ChunkSearcher, cfg *config.RAGConfig) *Retriever {
	return &Retriever{searcher: searcher, cfg: cfg}
}

// Retrieve runs one query. With allocations, each knowledge base is
// searched with its own budget and the groups are merged by
// max-score-per-chunk into the global top-K; without, a single
// workspace-wide search applies.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, embedding []float32, workspace string, allocations []Allocation) ([]store.ScoredChunk, error) {
	if len(allocations) > 0 {
		groups := make([][]store.ScoredChunk, 0, len(allocations))
		for _, a := range allocations {
			perK := a.TopK
			if perK < 1 {
				perK = 1
			}
			f := store.SearchFilter{Workspace: workspace, KBID: a.KBID}
			group, err := r.search(ctx, queryText, embedding, f, perK, true)
			if err != nil {
				return nil, fmt.Errorf("retrieve kb %q: %w", a.KBID, err)
			}
			groups = append(groups, group)
		}
		return MergeCandidates(groups, r.cfg.TopK), nil
	}

	f := store.SearchFilter{Workspace: workspace}
	return r.search(ctx, queryText, embedding, f, r.cfg.TopK, false)
}

func (r *Retriever) search(ctx context.Context, queryText string, embedding []float32, f store.SearchFilter, k int, capSides bool) ([]store.ScoredChunk, error) {
	if r.cfg.Mode != config.RetrievalModeHybrid {
		return r.searcher.SearchChunksVector(ctx, embedding, f, k)
	}

	vectorK := r.cfg.Hybrid.VectorK
	bm25K := r.cfg.Hybrid.BM25K
	if capSides {
		if vectorK > k {
			vectorK = k
		}
		if bm25K > k {
			bm25K = k
		}
	}
	return r.hybridSearch(ctx, queryText, embedding, f, k, vectorK, bm25K)
}

// hybridSearch combines vector and lexical candidates. Each side is
// min-max normalized over its own result set; a candidate's score is
// vector_weight·norm(vec) + bm25_weight·norm(lex), a side the candidate
// is missing from contributing 0.
func (r *Retriever) hybridSearch(ctx context.Context, queryText string, embedding []float32, f store.SearchFilter, k, vectorK, bm25K int) ([]store.ScoredChunk, error) {
	vec, err := r.searcher.SearchChunksVector(ctx, embedding, f, vectorK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	lex, err := r.searcher.SearchChunksLexical(ctx, queryText, r.cfg.Hybrid.FTSConfig, f, bm25K)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	vw := *r.cfg.Hybrid.VectorWeight
	bw := *r.cfg.Hybrid.BM25Weight

	combined := make(map[int64]store.ScoredChunk, len(vec)+len(lex))
	for i, norm := range minMaxNorm(vec) {
		c := vec[i]
		c.Score = vw * norm
		combined[c.ChunkID] = c
	}
	for i, norm := range minMaxNorm(lex) {
		c := lex[i]
		weighted := bw * norm
		if prev, ok := combined[c.ChunkID]; ok {
			prev.Score += weighted
			combined[prev.ChunkID] = prev
		} else {
			c.Score = weighted
			combined[c.ChunkID] = c
		}
	}

	merged := make([]store.ScoredChunk, 0, len(combined))
	for _, c := range combined {
		merged = append(merged, c)
	}
	sortByScore(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// MergeCandidates folds candidate groups together keeping the max score
// seen per chunk, then returns the global top-k.
func MergeCandidates(groups [][]store.ScoredChunk, k int) []store.ScoredChunk {
	byID := make(map[int64]store.ScoredChunk)
	for _, group := range groups {
		for _, c := range group {
			prev, ok := byID[c.ChunkID]
			if !ok || c.Score > prev.Score {
				byID[c.ChunkID] = c
			}
		}
	}

	merged := make([]store.ScoredChunk, 0, len(byID))
	for _, c := range byID {
		merged = append(merged, c)
	}
	sortByScore(merged)
	if k > 0 && len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// minMaxNorm maps each score into [0,1] relative to its own candidate
// set. A degenerate set (all scores equal) normalizes to 1 so a sole
// candidate still contributes its full weight.
func minMaxNorm(chunks []store.ScoredChunk) []float64 {
	if len(chunks) == 0 {
		return nil
	}

	lo, hi := chunks[0].Score, chunks[0].Score
	for _, c := range chunks[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}

	norms := make([]float64, len(chunks))
	if hi-lo < 1e-12 {
		for i := range norms {
			norms[i] = 1
		}
		return norms
	}
	for i, c := range chunks {
		norms[i] = (c.Score - lo) / (hi - lo)
	}
	return norms
}

// sortByScore orders score descending, chunk id descending on ties.
func sortByScore(chunks []store.ScoredChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ChunkID > chunks[j].ChunkID
	})
}
