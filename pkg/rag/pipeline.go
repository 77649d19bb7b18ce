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
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/embeddings"
	"github.com/onekeyhq/ragserve/pkg/llms"
	"github.com/onekeyhq/ragserve/pkg/observability"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// sourceContractIndex marks contract info resolved during answer
// preparation, as opposed to the contracts API's "index"/"rag".
const sourceContractIndex = "contract_index"

// Metadata carries structured hints parsed from a request's metadata
// object. Address, protocol, and function hints turn into auxiliary
// retrieval queries; the allow/deny lists filter candidates by source;
// the framing switches override the configured answer framing.
type Metadata struct {
	SourceAllowlist   []string `json:"source_allowlist,omitempty" mapstructure:"source_allowlist"`
	SourceDenylist    []string `json:"source_denylist,omitempty" mapstructure:"source_denylist"`
	AddressLookup     string   `json:"address_lookup,omitempty" mapstructure:"address_lookup"`
	Addresses         []string `json:"addresses,omitempty" mapstructure:"addresses"`
	Protocol          string   `json:"protocol,omitempty" mapstructure:"protocol"`
	ProtocolName      string   `json:"protocol_name,omitempty" mapstructure:"protocol_name"`
	ProtocolVersion   string   `json:"protocol_version,omitempty" mapstructure:"protocol_version"`
	ContractType      string   `json:"contract_type,omitempty" mapstructure:"contract_type"`
	FunctionName      string   `json:"function_name,omitempty" mapstructure:"function_name"`
	FunctionSignature string   `json:"function_signature,omitempty" mapstructure:"function_signature"`
	Selector          string   `json:"selector,omitempty" mapstructure:"selector"`
	InlineCitations   *bool    `json:"inline_citations,omitempty" mapstructure:"inline_citations"`
	AppendSources     *bool    `json:"append_sources,omitempty" mapstructure:"append_sources"`
}

// Query is one answer request after server-side parsing.
type Query struct {
	// Messages is the full conversation; Question is the last user turn.
	Messages []llms.Message
	Question string

	// RequestedModel is the exposed model id; it selects default prompts
	// and template overrides. ChatModel is the resolved upstream model.
	RequestedModel string
	ChatModel      string

	Workspace   string
	Allocations []Allocation
	StrictKB    bool
	Metadata    *Metadata

	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	ResponseFormat string // "" or "json_object"

	Debug bool
}

// AddressFilterInfo reports how address relevance filtering applied.
type AddressFilterInfo struct {
	Applied        bool     `json:"applied"`
	QueryAddresses []string `json:"query_addresses"`
	FilteredCount  int      `json:"filtered_count"`
	AutoLearned    []string `json:"auto_learned"`
}

// Meta is per-answer observability attached to every response.
type Meta struct {
	Workspace          string             `json:"workspace_id"`
	Allocations        []Allocation       `json:"kb_allocations"`
	RetrievalQuery     string             `json:"retrieval_query"`
	Retrieved          int                `json:"retrieved"`
	ChunkIDs           []int64            `json:"chunk_ids,omitempty"`
	Scores             []float64          `json:"scores,omitempty"`
	TopChunkIDs        []int64            `json:"top_chunk_ids,omitempty"`
	TopScores          []float64          `json:"top_scores,omitempty"`
	TopScoresPreRerank []float64          `json:"top_scores_pre_rerank,omitempty"`
	RerankUsed         bool               `json:"rerank_used"`
	AddressFilter      *AddressFilterInfo `json:"address_filter,omitempty"`
	Timings            map[string]int64   `json:"timings_ms"`
	UsedCompaction     bool               `json:"used_compaction"`
}

// DebugInfo is the verbose trace returned when a request sets debug.
type DebugInfo struct {
	Retrieved          int                `json:"retrieved"`
	ChunkIDs           []int64            `json:"chunk_ids,omitempty"`
	TopChunkIDs        []int64            `json:"top_chunk_ids,omitempty"`
	TopScores          []float64          `json:"top_scores,omitempty"`
	TopScoresPreRerank []float64          `json:"top_scores_pre_rerank,omitempty"`
	RerankUsed         bool               `json:"rerank_used"`
	RetrievalQuery     string             `json:"retrieval_query"`
	UsedCompaction     bool               `json:"used_compaction"`
	AddressFilter      *AddressFilterInfo `json:"address_filter,omitempty"`
	Timings            map[string]int64   `json:"timings_ms,omitempty"`
}

// Prepared is the retrieval product: either the messages to send
// upstream, or a direct answer that short-circuits the chat call.
type Prepared struct {
	Messages     []llms.Message
	DirectAnswer string
	Sources      []Source
	ContractInfo *contracts.Info
	Meta         *Meta
	Debug        *DebugInfo
}

// Answer is a finished non-streaming answer.
type Answer struct {
	Answer       string
	Sources      []Source
	Usage        *llms.Usage
	ContractInfo *contracts.Info
	Meta         *Meta
	Debug        *DebugInfo
}

// Reranker reorders retrieval candidates by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []store.ScoredChunk, topN int) ([]store.ScoredChunk, error)
}

// Deps are the pipeline collaborators. Chat, Reranker, Contracts, and
// Metrics are optional: a nil chat degrades answers to the no-sources
// fallback, a nil reranker keeps retrieval order, a nil contract index
// disables address enrichment, and a nil metrics recorder is a no-op.
type Deps struct {
	Searcher  ChunkSearcher
	Embedder  embeddings.Embedder
	Chat      llms.ChatClient
	Reranker  Reranker
	Contracts *contracts.Index
	Metrics   *observability.ServiceMetrics
	Logger    *slog.Logger
}

// Pipeline prepares retrieval-augmented context and produces answers.
type Pipeline struct {
	cfg       *config.RAGConfig
	retriever *Retriever
	embedder  embeddings.Embedder
	chat      llms.ChatClient
	reranker  Reranker
	contracts *contracts.Index
	metrics   *observability.ServiceMetrics
	logger    *slog.Logger
}

// NewPipeline wires a pipeline from its dependencies.
func NewPipeline(cfg *config.RAGConfig, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		retriever: NewRetriever(deps.Searcher, cfg),
		embedder:  deps.Embedder,
		chat:      deps.Chat,
		reranker:  deps.Reranker,
		contracts: deps.Contracts,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// resolvePrompts returns the system prompt, the no-sources answer, and
// the user template for the requested model, with configured overrides
// applied on top of the built-in defaults.
func (p *Pipeline) resolvePrompts(requestedModel string) (system, noSources, userTemplate string) {
	system, noSources = resolveDefaultPrompts(requestedModel)

	key := requestedModel
	if key == "" {
		key = "onekey-docs"
	}
	if tpl, ok := p.cfg.Prompts[key]; ok {
		if strings.TrimSpace(tpl.System) != "" {
			system = tpl.System
		}
		if strings.TrimSpace(tpl.NoSources) != "" {
			noSources = tpl.NoSources
		}
		userTemplate = tpl.User
	}
	return system, noSources, userTemplate
}

func (p *Pipeline) chatModel(q *Query) string {
	if q.ChatModel != "" {
		return q.ChatModel
	}
	if p.chat != nil {
		return p.chat.Model()
	}
	return ""
}

// Prepare runs retrieval and context assembly for a query: conversation
// compaction, contract index enrichment, auxiliary queries, filtering,
// rerank, and prompt assembly. Embedding and retrieval failures are
// returned; enhancement steps (compaction, rerank, auto-learn) degrade
// silently.
func (p *Pipeline) Prepare(ctx context.Context, q *Query) (*Prepared, error) {
	start := time.Now()
	timings := make(map[string]int64)

	workspace := q.Workspace
	if workspace == "" {
		workspace = p.cfg.Workspace
	}

	systemPrompt, noSourcesAnswer, userTemplate := p.resolvePrompts(q.RequestedModel)

	systemInstructions := ExtractSystemInstructions(q.Messages)
	historyExcerpt := FormatHistoryExcerpt(
		dropLastUserMessage(q.Messages),
		p.cfg.Compaction.HistoryMaxMessages,
		p.cfg.Compaction.HistoryMaxChars,
		p.cfg.Compaction.MessageMaxChars,
	)

	retrievalQuery := q.Question
	memorySummary := ""
	usedCompaction := false
	compactionWanted := config.BoolValue(p.cfg.Compaction.QueryRewrite, true) ||
		config.BoolValue(p.cfg.Compaction.MemorySummary, true)
	if p.chat != nil && compactionWanted {
		t0 := time.Now()
		compaction := CompactConversation(ctx, p.chat, p.chatModel(q), &p.cfg.Compaction, q.Messages, q.Question)
		timings["compaction"] = time.Since(t0).Milliseconds()
		retrievalQuery = compaction.RetrievalQuery
		memorySummary = compaction.MemorySummary
		usedCompaction = compaction.UsedLLM
	}

	// Contract index enrichment: an address_lookup hint is resolved
	// against the index, and on a hit the protocol fields backfill the
	// request metadata unless the caller already named a protocol.
	meta := q.Metadata
	var addressQuery string
	var contractHit *contracts.Info
	if meta != nil && strings.TrimSpace(meta.AddressLookup) != "" {
		addressValue := strings.TrimSpace(meta.AddressLookup)
		addressQuery = addressValue + " 地址归属 addresses address list"

		if p.contracts != nil {
			hit, err := p.contracts.Get(ctx, addressValue)
			if err != nil {
				p.logger.Warn("contract index lookup failed", "error", err)
			} else if hit != nil {
				hit.Source = sourceContractIndex
				contractHit = hit
				p.logger.Debug("contract index hit",
					"address", addressValue,
					"protocol", hit.Protocol,
					"contract_type", hit.ContractType)
				if strings.TrimSpace(meta.Protocol) == "" {
					enriched := *meta
					enriched.Protocol = hit.Protocol
					if hit.ProtocolVersion != "" {
						enriched.ProtocolVersion = hit.ProtocolVersion
					}
					if hit.ContractType != "" {
						enriched.ContractType = hit.ContractType
					}
					meta = &enriched
				}
			}
		}
	}

	var protocolQuery string
	if meta != nil && strings.TrimSpace(meta.Protocol) != "" {
		parts := []string{strings.TrimSpace(meta.Protocol)}
		if name := strings.TrimSpace(meta.ProtocolName); name != "" && name != parts[0] {
			parts = append(parts, name)
		}
		protocolQuery = strings.Join(parts, " ") + " protocol 协议 合约 contract DeFi"
	}

	var functionQuery string
	if meta != nil {
		var parts []string
		name := strings.TrimSpace(meta.FunctionName)
		signature := strings.TrimSpace(meta.FunctionSignature)
		selector := strings.TrimSpace(meta.Selector)
		if name != "" {
			parts = append(parts, name)
		}
		if signature != "" && signature != name {
			parts = append(parts, signature)
		}
		if selector != "" {
			parts = append(parts, selector)
		}
		if len(parts) > 0 {
			functionQuery = strings.Join(parts, " ") + " function 函数 方法 DeFi protocol 协议"
		}
	}

	t0 := time.Now()
	queryVec, err := p.embedder.EmbedQuery(ctx, retrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	auxVecs := make(map[string][]float32, 3)
	for _, aux := range []string{addressQuery, protocolQuery, functionQuery} {
		if aux == "" {
			continue
		}
		vec, err := p.embedder.EmbedQuery(ctx, aux)
		if err != nil {
			return nil, fmt.Errorf("embed auxiliary query: %w", err)
		}
		auxVecs[aux] = vec
	}
	timings["embed"] = time.Since(t0).Milliseconds()
	p.metrics.RecordEmbed(ctx, p.embedder.Model(), time.Since(t0))

	allocations := make([]Allocation, 0, len(q.Allocations))
	for _, a := range q.Allocations {
		if a.TopK > 0 {
			allocations = append(allocations, a)
		}
	}

	if q.StrictKB && len(allocations) == 0 {
		timings["total_prepare"] = time.Since(start).Milliseconds()
		return p.emptyPrepared(q, noSourcesAnswer, workspace, allocations,
			retrievalQuery, usedCompaction, false, contractHit, timings), nil
	}

	t0 = time.Now()
	retrieved, err := p.retriever.Retrieve(ctx, retrievalQuery, queryVec, workspace, allocations)
	if err != nil {
		return nil, err
	}
	for _, aux := range []string{addressQuery, protocolQuery, functionQuery} {
		if aux == "" {
			continue
		}
		more, err := p.retriever.Retrieve(ctx, aux, auxVecs[aux], workspace, allocations)
		if err != nil {
			return nil, err
		}
		retrieved = MergeCandidates([][]store.ScoredChunk{retrieved, more}, p.cfg.TopK)
	}
	timings["retrieve"] = time.Since(t0).Milliseconds()

	if meta != nil {
		retrieved = filterByMetadata(retrieved,
			normalizePatterns(meta.SourceAllowlist),
			normalizePatterns(meta.SourceDenylist))
	}

	// Address relevance: when the question or metadata names contract
	// addresses, chunks mentioning them win. Strict filtering applies
	// when it leaves results; otherwise matches are just ranked first.
	queryAddresses := ExtractAddresses(q.Question)
	if meta != nil {
		if addr := contracts.NormalizeAddress(meta.AddressLookup); addr != "" {
			queryAddresses[addr] = struct{}{}
		}
		for _, a := range meta.Addresses {
			if addr := contracts.NormalizeAddress(a); addr != "" {
				queryAddresses[addr] = struct{}{}
			}
		}
	}

	addressFilteredCount := 0
	var autoLearned []string
	if len(queryAddresses) > 0 {
		preCount := len(retrieved)
		strict := filterByAddress(retrieved, queryAddresses, true)
		if len(strict) > 0 {
			retrieved = strict
			addressFilteredCount = preCount - len(strict)
			autoLearned = p.autoLearnContracts(ctx, queryAddresses, strict, contractHit)
		} else {
			retrieved = filterByAddress(retrieved, queryAddresses, false)
		}
	}

	ranked := retrieved
	rerankUsed := p.reranker != nil
	if p.reranker != nil {
		t0 = time.Now()
		reranked, err := p.reranker.Rerank(ctx, retrievalQuery, retrieved, p.cfg.TopN)
		if err != nil {
			p.logger.Warn("rerank failed, keeping retrieval order", "error", err)
			p.metrics.RecordRerankFailure(ctx)
			ranked = retrieved
			if len(ranked) > p.cfg.TopN {
				ranked = ranked[:p.cfg.TopN]
			}
		} else {
			ranked = reranked
		}
		timings["rerank"] = time.Since(t0).Milliseconds()
	}

	inline, _ := p.Framing(q)
	maxCtx := p.cfg.TopN
	if inline && p.cfg.MaxSources < maxCtx {
		maxCtx = p.cfg.MaxSources
	}
	topN := ranked
	if len(topN) > maxCtx {
		topN = topN[:maxCtx]
	}

	var preRerankScores []float64
	if rerankUsed && len(topN) > 0 {
		byID := make(map[int64]float64, len(retrieved))
		for _, c := range retrieved {
			byID[c.ChunkID] = c.Score
		}
		preRerankScores = make([]float64, len(topN))
		for i, c := range topN {
			preRerankScores[i] = byID[c.ChunkID]
		}
	}

	addressFilter := &AddressFilterInfo{
		Applied:        len(queryAddresses) > 0,
		QueryAddresses: sortedAddresses(queryAddresses),
		FilteredCount:  addressFilteredCount,
		AutoLearned:    autoLearned,
	}

	if len(topN) == 0 {
		timings["total_prepare"] = time.Since(start).Milliseconds()
		return p.emptyPrepared(q, noSourcesAnswer, workspace, allocations,
			retrievalQuery, usedCompaction, rerankUsed, contractHit, timings), nil
	}

	var sources []Source
	if inline {
		sources = buildInlineSources(topN, p.cfg.SnippetMaxChars, maxCtx)
	} else {
		sources = buildSources(topN, p.cfg.SnippetMaxChars, p.cfg.MaxSources)
	}

	t0 = time.Now()
	contextBlock := buildContext(topN, p.cfg.ContextMaxChars)
	timings["context"] = time.Since(t0).Milliseconds()

	extra := promptExtra(systemInstructions, memorySummary, historyExcerpt)
	citations := ""
	if inline {
		citations = citationRules(len(topN))
	}

	user := defaultUserPrompt(extra, q.Question, contextBlock, formattingRules, citations)
	if strings.TrimSpace(userTemplate) != "" {
		user = renderTemplate(userTemplate, map[string]string{
			"user_query":        q.Question,
			"retrieved_context": contextBlock,
			"formatting_rules":  formattingRules,
			"citation_rules":    citations,
			"extra":             extra,
			"workspace_id":      workspace,
		})
	}

	messages := []llms.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}

	timings["total_prepare"] = time.Since(start).Milliseconds()

	chunkIDs := make([]int64, len(retrieved))
	scores := make([]float64, len(retrieved))
	for i, c := range retrieved {
		chunkIDs[i] = c.ChunkID
		scores[i] = c.Score
	}
	topIDs := make([]int64, len(topN))
	topScores := make([]float64, len(topN))
	for i, c := range topN {
		topIDs[i] = c.ChunkID
		topScores[i] = c.Score
	}

	prepared := &Prepared{
		Messages:     messages,
		Sources:      sources,
		ContractInfo: contractHit,
		Meta: &Meta{
			Workspace:          workspace,
			Allocations:        allocations,
			RetrievalQuery:     retrievalQuery,
			Retrieved:          len(retrieved),
			ChunkIDs:           chunkIDs,
			Scores:             scores,
			TopChunkIDs:        topIDs,
			TopScores:          topScores,
			TopScoresPreRerank: preRerankScores,
			RerankUsed:         rerankUsed,
			AddressFilter:      addressFilter,
			Timings:            timings,
			UsedCompaction:     usedCompaction,
		},
	}
	if q.Debug {
		prepared.Debug = &DebugInfo{
			Retrieved:          len(retrieved),
			ChunkIDs:           chunkIDs,
			TopChunkIDs:        topIDs,
			TopScores:          topScores,
			TopScoresPreRerank: preRerankScores,
			RerankUsed:         rerankUsed,
			RetrievalQuery:     retrievalQuery,
			UsedCompaction:     usedCompaction,
			AddressFilter:      addressFilter,
			Timings:            timings,
		}
	}
	return prepared, nil
}

// emptyPrepared is the no-sources short-circuit shared by the strict-KB
// and empty-retrieval paths.
func (p *Pipeline) emptyPrepared(q *Query, noSourcesAnswer, workspace string, allocations []Allocation,
	retrievalQuery string, usedCompaction, rerankUsed bool, contractHit *contracts.Info,
	timings map[string]int64) *Prepared {

	prepared := &Prepared{
		DirectAnswer: noSourcesAnswer,
		ContractInfo: contractHit,
		Meta: &Meta{
			Workspace:      workspace,
			Allocations:    allocations,
			RetrievalQuery: retrievalQuery,
			Retrieved:      0,
			RerankUsed:     rerankUsed,
			Timings:        timings,
			UsedCompaction: usedCompaction,
		},
	}
	if q.Debug {
		prepared.Debug = &DebugInfo{
			Retrieved:      0,
			RetrievalQuery: retrievalQuery,
			UsedCompaction: usedCompaction,
			RerankUsed:     rerankUsed,
			Timings:        timings,
		}
	}
	return prepared
}

// autoLearnContracts writes protocol info for unindexed query addresses
// found in the top strict-filtered chunks. Learning is best-effort: any
// failure skips the address.
func (p *Pipeline) autoLearnContracts(ctx context.Context, addresses map[string]struct{}, matched []store.ScoredChunk, hit *contracts.Info) []string {
	if p.contracts == nil {
		return nil
	}

	top := matched
	if len(top) > 3 {
		top = top[:3]
	}

	var learned []string
	for _, addr := range sortedAddresses(addresses) {
		if hit != nil && hit.Address == addr {
			continue
		}
		existing, err := p.contracts.Get(ctx, addr)
		if err != nil {
			p.logger.Debug("contract auto-learn lookup failed", "address", addr, "error", err)
			continue
		}
		if existing != nil {
			continue
		}

		for _, c := range top {
			if !strings.Contains(strings.ToLower(c.Text), addr) {
				continue
			}
			info := p.contracts.BuildFromChunk(c.Text, c.URL, c.KBID, addr)
			if info == nil {
				continue
			}
			if _, err := p.contracts.Upsert(ctx, info); err != nil {
				p.logger.Debug("contract auto-learn failed", "address", addr, "error", err)
				break
			}
			learned = append(learned, addr)
			p.metrics.RecordContractLearned(ctx)
			p.logger.Info("auto-learned contract from retrieval",
				"address", addr,
				"protocol", info.Protocol,
				"contract_type", info.ContractType)
			break
		}
	}
	return learned
}

// Answer prepares context and runs the upstream completion, then frames
// the answer: JSON-mode output is coerced to a JSON object, otherwise
// out-of-range citations are stripped and a references tail appended.
func (p *Pipeline) Answer(ctx context.Context, q *Query) (*Answer, error) {
	_, noSourcesAnswer, _ := p.resolvePrompts(q.RequestedModel)

	prepared, err := p.Prepare(ctx, q)
	if err != nil {
		return nil, err
	}

	if prepared.DirectAnswer != "" {
		return &Answer{
			Answer:       prepared.DirectAnswer,
			Sources:      prepared.Sources,
			ContractInfo: prepared.ContractInfo,
			Meta:         prepared.Meta,
			Debug:        prepared.Debug,
		}, nil
	}

	sources := prepared.Sources

	// No upstream model: answer degrades to the no-sources text while
	// still returning the retrieved sources.
	if p.chat == nil {
		return &Answer{
			Answer:       noSourcesAnswer,
			Sources:      sources,
			ContractInfo: prepared.ContractInfo,
			Meta:         prepared.Meta,
			Debug:        prepared.Debug,
		}, nil
	}

	t0 := time.Now()
	content, usage, err := p.chat.Chat(ctx, prepared.Messages, llms.Options{
		Model:          p.chatModel(q),
		Temperature:    q.Temperature,
		TopP:           q.TopP,
		MaxTokens:      q.MaxTokens,
		ResponseFormat: q.ResponseFormat,
	})
	p.metrics.RecordLLMCall(ctx, p.chatModel(q), time.Since(t0), usage.PromptTokens, usage.CompletionTokens, err)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	chatMS := time.Since(t0).Milliseconds()

	if prepared.Meta != nil && prepared.Meta.Timings != nil {
		prepared.Meta.Timings["chat"] = chatMS
		if total, ok := prepared.Meta.Timings["total_prepare"]; ok {
			prepared.Meta.Timings["total"] = total + chatMS
		}
	}

	content = strings.TrimSpace(content)
	if q.ResponseFormat == "json_object" {
		content = EnsureJSONObject(content)
	} else {
		inline, appendTail := p.Framing(q)
		if inline {
			content = sanitizeInlineCitations(content, len(sources))
			if len(sources) > 0 && !hasInlineCitation(content) {
				content = strings.TrimSpace(content + "\n\n" + citationDisclosure)
			}
		}
		if len(sources) > 0 && appendTail {
			content += ReferencesTail(sources, inline)
		}
	}

	return &Answer{
		Answer:       content,
		Sources:      sources,
		Usage:        &usage,
		ContractInfo: prepared.ContractInfo,
		Meta:         prepared.Meta,
		Debug:        prepared.Debug,
	}, nil
}

// Framing reports how answers to q are framed: inline citation markers
// in the generated text, and the appended references tail. Per-request
// metadata switches override the configured defaults.
func (p *Pipeline) Framing(q *Query) (inline, appendSources bool) {
	inline = config.BoolValue(p.cfg.InlineCitations, true)
	appendSources = config.BoolValue(p.cfg.AppendSources, true)
	if q != nil && q.Metadata != nil {
		if q.Metadata.InlineCitations != nil {
			inline = *q.Metadata.InlineCitations
		}
		if q.Metadata.AppendSources != nil {
			appendSources = *q.Metadata.AppendSources
		}
	}
	return inline, appendSources
}

func sortedAddresses(addresses map[string]struct{}) []string {
	out := make([]string, 0, len(addresses))
	for addr := range addresses {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
