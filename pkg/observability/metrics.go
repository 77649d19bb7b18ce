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

package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed meter and the service
// instruments. The returned registry is what the /metrics handler
// should serve.
func InitMetrics(cfg MetricsConfig) (*ServiceMetrics, *prometheus.Registry, error) {
	if !cfg.Enabled {
		return &ServiceMetrics{}, nil, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(cfg.Namespace)

	queryDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_query_duration_seconds",
		metric.WithDescription("End-to-end chat completion duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	queriesTotal, err := meter.Int64Counter(
		cfg.Namespace+"_queries_total",
		metric.WithDescription("Total chat completion requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queryErrors, err := meter.Int64Counter(
		cfg.Namespace+"_query_errors_total",
		metric.WithDescription("Total failed chat completion requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create query errors counter: %w", err)
	}

	retrievedChunks, err := meter.Int64Histogram(
		cfg.Namespace+"_retrieved_chunks",
		metric.WithDescription("Candidate chunks retrieved per query"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create retrieved chunks histogram: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_llm_request_duration_seconds",
		metric.WithDescription("Upstream LLM request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		cfg.Namespace+"_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		cfg.Namespace+"_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		cfg.Namespace+"_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	embedDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_embed_duration_seconds",
		metric.WithDescription("Embeddings request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embed duration histogram: %w", err)
	}

	rerankFailures, err := meter.Int64Counter(
		cfg.Namespace+"_rerank_failures_total",
		metric.WithDescription("Rerank calls that fell back to pre-rerank order"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create rerank failures counter: %w", err)
	}

	jobDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_job_duration_seconds",
		metric.WithDescription("Worker job execution duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	jobsTotal, err := meter.Int64Counter(
		cfg.Namespace+"_jobs_total",
		metric.WithDescription("Total worker jobs processed, by type and status"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	pagesCrawled, err := meter.Int64Counter(
		cfg.Namespace+"_crawl_pages_total",
		metric.WithDescription("Total pages fetched by the crawler"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create crawl pages counter: %w", err)
	}

	chunksIndexed, err := meter.Int64Counter(
		cfg.Namespace+"_index_chunks_total",
		metric.WithDescription("Total chunks written by the indexer"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create index chunks counter: %w", err)
	}

	contractLookups, err := meter.Int64Counter(
		cfg.Namespace+"_contract_lookups_total",
		metric.WithDescription("Total contract index lookups, by outcome"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create contract lookups counter: %w", err)
	}

	contractsLearned, err := meter.Int64Counter(
		cfg.Namespace+"_contracts_learned_total",
		metric.WithDescription("Contract entries auto-learned from retrieval"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create contracts learned counter: %w", err)
	}

	m := &ServiceMetrics{
		queryDuration:    queryDuration,
		queriesTotal:     queriesTotal,
		queryErrors:      queryErrors,
		retrievedChunks:  retrievedChunks,
		llmDuration:      llmDuration,
		llmInputTokens:   llmInputTokens,
		llmOutputTokens:  llmOutputTokens,
		llmErrors:        llmErrors,
		embedDuration:    embedDuration,
		rerankFailures:   rerankFailures,
		jobDuration:      jobDuration,
		jobsTotal:        jobsTotal,
		pagesCrawled:     pagesCrawled,
		chunksIndexed:    chunksIndexed,
		contractLookups:  contractLookups,
		contractsLearned: contractsLearned,
	}

	return m, registry, nil
}
