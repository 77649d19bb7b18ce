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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with pipeline-specific helpers.
// A nil *Tracer is valid and produces no-op spans, so callers never need
// to branch on whether tracing is enabled.
type Tracer struct {
	provider       *sdktrace.TracerProvider
	tracer         trace.Tracer
	capturePayload bool
	serviceName    string
}

// NewTracer creates a new Tracer from configuration.
// Returns (nil, nil) when tracing is disabled.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String(AttrGenAISystem, "ragserve"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider:       provider,
		tracer:         provider.Tracer(cfg.ServiceName),
		capturePayload: cfg.CapturePayloads,
		serviceName:    cfg.ServiceName,
	}, nil
}

// createExporter creates the appropriate span exporter based on configuration.
func createExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		return createOTLPExporter(ctx, cfg)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(ctx context.Context, cfg *TracingConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}

	if cfg.IsInsecure() {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartQuery begins the top-level span for a chat completion request.
func (t *Tracer) StartQuery(ctx context.Context, workspaceID, requestedModel string, stream bool) (context.Context, trace.Span) {
	return t.Start(ctx, SpanQuery,
		trace.WithAttributes(
			attribute.String(AttrWorkspaceID, workspaceID),
			attribute.String(AttrGenAIRequestModel, requestedModel),
			attribute.Bool("stream", stream),
		),
	)
}

// StartPrepare begins a span for the retrieval/context phase.
func (t *Tracer) StartPrepare(ctx context.Context, workspaceID, query string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanPrepare,
		trace.WithAttributes(
			attribute.String(AttrWorkspaceID, workspaceID),
			attribute.String(AttrQuery, query),
		),
	)
}

// StartCompact begins a span for conversation compaction.
func (t *Tracer) StartCompact(ctx context.Context, model string, historyMessages int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanCompact,
		trace.WithAttributes(
			attribute.String(AttrGenAIOperationName, OpChat),
			attribute.String(AttrGenAIRequestModel, model),
			attribute.Int("history_messages", historyMessages),
		),
	)
}

// StartEmbed begins a span for embedding generation.
func (t *Tracer) StartEmbed(ctx context.Context, model string, textCount int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanEmbed,
		trace.WithAttributes(
			attribute.String(AttrGenAIOperationName, OpEmbeddings),
			attribute.String(AttrEmbeddingModel, model),
			attribute.Int("text_count", textCount),
		),
	)
}

// StartRetrieve begins a span for one retrieval pass.
func (t *Tracer) StartRetrieve(ctx context.Context, mode string, workspaceID, kbID string, topK int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRetrieve,
		trace.WithAttributes(
			attribute.String(AttrRetrievalMode, mode),
			attribute.String(AttrWorkspaceID, workspaceID),
			attribute.String(AttrKBID, kbID),
			attribute.Int(AttrTopK, topK),
		),
	)
}

// StartRerank begins a span for result reranking.
func (t *Tracer) StartRerank(ctx context.Context, inputCount int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRerank,
		trace.WithAttributes(
			attribute.Int("input_count", inputCount),
		),
	)
}

// StartLLMCall begins a span for an upstream chat completion.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, maxTokens int, temperature, topP float64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrGenAIOperationName, OpChat),
		attribute.String(AttrGenAIRequestModel, model),
	}
	if maxTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrGenAIRequestMaxTokens, maxTokens))
	}
	if temperature > 0 {
		attrs = append(attrs, attribute.Float64(AttrGenAIRequestTemperature, temperature))
	}
	if topP > 0 {
		attrs = append(attrs, attribute.Float64(AttrGenAIRequestTopP, topP))
	}
	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(attrs...))
}

// StartJobRun begins a span for one worker job execution.
func (t *Tracer) StartJobRun(ctx context.Context, jobID, jobType string, attempt int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanJobRun,
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrJobType, jobType),
			attribute.Int(AttrJobAttempt, attempt),
		),
	)
}

// StartContractLookup begins a span for a contract-index lookup.
func (t *Tracer) StartContractLookup(ctx context.Context, address string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanContractLookup,
		trace.WithAttributes(
			attribute.String(AttrContractAddress, address),
		),
	)
}

// AddResultCount records the retrieved candidate count on a span.
func (t *Tracer) AddResultCount(span trace.Span, count int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int(AttrResultCount, count))
}

// AddLLMUsage adds token usage information to a span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrGenAIUsageInputTokens, inputTokens),
		attribute.Int(AttrGenAIUsageOutputTokens, outputTokens),
	)
}

// AddPayload adds prompt/answer text to a span when capture is enabled.
func (t *Tracer) AddPayload(span trace.Span, prompt, answer string) {
	if t == nil || span == nil || !t.capturePayload {
		return
	}
	if prompt != "" {
		span.SetAttributes(attribute.String(AttrPromptText, prompt))
	}
	if answer != "" {
		span.SetAttributes(attribute.String(AttrAnswerText, answer))
	}
}

// RecordError records an error on a span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		attribute.String(AttrErrorMessage, err.Error()),
	)
}

// Shutdown gracefully shuts down the tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
