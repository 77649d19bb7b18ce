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

// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the query and ingest pipelines.
//
// Configure observability in ragserve.yaml:
//
//	observability:
//	  tracing:
//	    enabled: true
//	    exporter: otlp
//	    endpoint: localhost:4317
//	    sampling_rate: 1.0
//	    service_name: ragserve
//	  metrics:
//	    enabled: true
//	    endpoint: /metrics
package observability

// =============================================================================
// GenAI Semantic Conventions (OpenTelemetry GenAI SIG)
// =============================================================================

const (
	// AttrGenAISystem identifies the GenAI system.
	AttrGenAISystem = "gen_ai.system"

	// AttrGenAIOperationName is the operation being performed.
	// Values: "chat", "embeddings"
	AttrGenAIOperationName = "gen_ai.operation.name"

	// AttrGenAIRequestModel is the name of the model being used.
	AttrGenAIRequestModel = "gen_ai.request.model"

	// AttrGenAIRequestTemperature is the temperature parameter.
	AttrGenAIRequestTemperature = "gen_ai.request.temperature"

	// AttrGenAIRequestTopP is the top_p parameter.
	AttrGenAIRequestTopP = "gen_ai.request.top_p"

	// AttrGenAIRequestMaxTokens is the maximum tokens requested.
	AttrGenAIRequestMaxTokens = "gen_ai.request.max_tokens"

	// AttrGenAIResponseFinishReason is why generation stopped.
	AttrGenAIResponseFinishReason = "gen_ai.response.finish_reason"

	// AttrGenAIUsageInputTokens is the number of input tokens.
	AttrGenAIUsageInputTokens = "gen_ai.usage.input_tokens"

	// AttrGenAIUsageOutputTokens is the number of output tokens.
	AttrGenAIUsageOutputTokens = "gen_ai.usage.output_tokens"
)

// =============================================================================
// Service-Specific Attributes
// =============================================================================

const (
	// AttrWorkspaceID is the workspace a query or job operates in.
	AttrWorkspaceID = "ragserve.workspace_id"

	// AttrKBID is the knowledge-base filter, when present.
	AttrKBID = "ragserve.kb_id"

	// AttrQuery is the retrieval query text.
	AttrQuery = "ragserve.rag.query"

	// AttrRetrievalMode is vector or hybrid.
	AttrRetrievalMode = "ragserve.rag.mode"

	// AttrTopK is the requested candidate count.
	AttrTopK = "ragserve.rag.top_k"

	// AttrResultCount is the number of retrieved candidates.
	AttrResultCount = "ragserve.rag.result_count"

	// AttrRerankUsed indicates whether reranking ran.
	AttrRerankUsed = "ragserve.rag.rerank_used"

	// AttrCompactionUsed indicates whether the compactor rewrote the query.
	AttrCompactionUsed = "ragserve.rag.compaction_used"

	// AttrEmbeddingModel is the embedding model used.
	AttrEmbeddingModel = "ragserve.rag.embedding_model"

	// AttrChunkCount is the number of chunks produced or indexed.
	AttrChunkCount = "ragserve.index.chunk_count"

	// AttrPageCount is the number of pages crawled or indexed.
	AttrPageCount = "ragserve.index.page_count"

	// AttrJobID is the job identifier.
	AttrJobID = "ragserve.job.id"

	// AttrJobType is the job type (crawl, index, file_process).
	AttrJobType = "ragserve.job.type"

	// AttrJobAttempt is the attempt number for the job run.
	AttrJobAttempt = "ragserve.job.attempt"

	// AttrContractAddress is a contract address being looked up.
	AttrContractAddress = "ragserve.contract.address"

	// AttrPromptText is the assembled prompt (captured only when
	// capture_payloads is enabled).
	AttrPromptText = "ragserve.llm.prompt"

	// AttrAnswerText is the model answer (captured only when
	// capture_payloads is enabled).
	AttrAnswerText = "ragserve.llm.answer"
)

// =============================================================================
// Error Attributes
// =============================================================================

const (
	// AttrErrorType is the type of error that occurred.
	AttrErrorType = "error.type"

	// AttrErrorMessage is the error message.
	AttrErrorMessage = "error.message"
)

// =============================================================================
// Span Names
// =============================================================================

const (
	// SpanQuery is the top-level span for a chat completion request.
	SpanQuery = "ragserve.query"

	// SpanPrepare covers the retrieval/context phase of a query.
	SpanPrepare = "ragserve.rag.prepare"

	// SpanCompact is the conversation compaction call.
	SpanCompact = "ragserve.rag.compact"

	// SpanEmbed is an embeddings call.
	SpanEmbed = "ragserve.rag.embed"

	// SpanRetrieve is one retrieval pass against the chunk store.
	SpanRetrieve = "ragserve.rag.retrieve"

	// SpanRerank is a rerank call.
	SpanRerank = "ragserve.rag.rerank"

	// SpanLLMCall is the upstream chat completion.
	SpanLLMCall = "ragserve.llm.call"

	// SpanJobRun is one worker job execution.
	SpanJobRun = "ragserve.job.run"

	// SpanCrawl is a crawl pass.
	SpanCrawl = "ragserve.crawl.run"

	// SpanIndex is an indexing pass.
	SpanIndex = "ragserve.index.run"

	// SpanContractLookup is a contract-index lookup.
	SpanContractLookup = "ragserve.contracts.lookup"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultServiceName is the default service name for tracing.
	DefaultServiceName = "ragserve"

	// DefaultSamplingRate is the default trace sampling rate.
	DefaultSamplingRate = 1.0

	// DefaultOTLPEndpoint is the default OTLP endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	// DefaultMetricsPath is the default Prometheus metrics endpoint.
	DefaultMetricsPath = "/metrics"
)

// =============================================================================
// GenAI Operation Names (for AttrGenAIOperationName)
// =============================================================================

const (
	// OpChat is a chat completion operation.
	OpChat = "chat"

	// OpEmbeddings is an embeddings generation operation.
	OpEmbeddings = "embeddings"
)
