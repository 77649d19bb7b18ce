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
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServiceMetrics records service-level measurements. The zero value is
// inert: every Record method is safe to call on a disabled or nil
// receiver.
type ServiceMetrics struct {
	queryDuration   metric.Float64Histogram
	queriesTotal    metric.Int64Counter
	queryErrors     metric.Int64Counter
	retrievedChunks metric.Int64Histogram

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	embedDuration  metric.Float64Histogram
	rerankFailures metric.Int64Counter

	jobDuration metric.Float64Histogram
	jobsTotal   metric.Int64Counter

	pagesCrawled  metric.Int64Counter
	chunksIndexed metric.Int64Counter

	contractLookups  metric.Int64Counter
	contractsLearned metric.Int64Counter
}

// RecordQuery records one chat completion request.
func (m *ServiceMetrics) RecordQuery(ctx context.Context, model string, duration time.Duration, retrieved int, err error) {
	if m == nil || m.queriesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))
	m.queriesTotal.Add(ctx, 1, attrs)
	m.queryDuration.Record(ctx, duration.Seconds(), attrs)
	m.retrievedChunks.Record(ctx, int64(retrieved), attrs)

	if err != nil {
		m.queryErrors.Add(ctx, 1, attrs)
	}
}

// RecordLLMCall records one upstream model call.
func (m *ServiceMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)

	if inputTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordEmbed records one embeddings call.
func (m *ServiceMetrics) RecordEmbed(ctx context.Context, model string, duration time.Duration) {
	if m == nil || m.embedDuration == nil {
		return
	}
	m.embedDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("model", model)))
}

// RecordRerankFailure records a rerank call that fell back.
func (m *ServiceMetrics) RecordRerankFailure(ctx context.Context) {
	if m == nil || m.rerankFailures == nil {
		return
	}
	m.rerankFailures.Add(ctx, 1)
}

// RecordJob records one worker job execution.
func (m *ServiceMetrics) RecordJob(ctx context.Context, jobType, status string, duration time.Duration) {
	if m == nil || m.jobsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("type", jobType),
		attribute.String("status", status),
	)
	m.jobsTotal.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPagesCrawled adds to the crawled page count.
func (m *ServiceMetrics) RecordPagesCrawled(ctx context.Context, n int) {
	if m == nil || m.pagesCrawled == nil || n <= 0 {
		return
	}
	m.pagesCrawled.Add(ctx, int64(n))
}

// RecordChunksIndexed adds to the indexed chunk count.
func (m *ServiceMetrics) RecordChunksIndexed(ctx context.Context, n int) {
	if m == nil || m.chunksIndexed == nil || n <= 0 {
		return
	}
	m.chunksIndexed.Add(ctx, int64(n))
}

// RecordContractLookup records a contract index lookup and its outcome
// ("hit", "miss").
func (m *ServiceMetrics) RecordContractLookup(ctx context.Context, outcome string) {
	if m == nil || m.contractLookups == nil {
		return
	}
	m.contractLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordContractLearned records an auto-learned contract entry.
func (m *ServiceMetrics) RecordContractLearned(ctx context.Context) {
	if m == nil || m.contractsLearned == nil {
		return
	}
	m.contractsLearned.Add(ctx, 1)
}
