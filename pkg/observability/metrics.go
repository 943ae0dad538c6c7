// Copyright 2025 The Maestro Authors
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

// Package observability exposes runtime metrics over Prometheus. The
// meters are fed from the event stream, so the hot paths never talk to
// the metrics layer directly.
package observability

import (
	"context"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records the runtime's operational signals.
type Metrics interface {
	RecordMessage(ctx context.Context, duration time.Duration, err error)
	RecordToolInvocation(ctx context.Context, tool, outcome string, duration time.Duration)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordTaskTransition(ctx context.Context, state string)
	RecordRetrieval(ctx context.Context, index string, duration time.Duration, err error)
}

// PrometheusMetrics implements Metrics on OpenTelemetry meters backed
// by a Prometheus exporter. The zero value is a no-op.
type PrometheusMetrics struct {
	messageDuration metric.Float64Histogram
	messagesTotal   metric.Int64Counter
	messageErrors   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolsTotal   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	taskTransitions metric.Int64Counter

	retrievalDuration metric.Float64Histogram
	retrievalErrors   metric.Int64Counter
}

// InitMetrics builds the meter set on a Prometheus exporter registered
// with registerer. A nil registerer uses the default registry.
func InitMetrics(ctx context.Context, registerer prom.Registerer) (*PrometheusMetrics, error) {
	opts := []prometheus.Option{}
	if registerer != nil {
		opts = append(opts, prometheus.WithRegisterer(registerer))
	}
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("maestro")

	m := &PrometheusMetrics{}

	if m.messageDuration, err = meter.Float64Histogram(
		"maestro_message_duration_seconds",
		metric.WithDescription("End-to-end message handling duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.messagesTotal, err = meter.Int64Counter(
		"maestro_messages_total",
		metric.WithDescription("Total messages handled"),
	); err != nil {
		return nil, err
	}
	if m.messageErrors, err = meter.Int64Counter(
		"maestro_message_errors_total",
		metric.WithDescription("Total messages that ended in an error"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"maestro_tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolsTotal, err = meter.Int64Counter(
		"maestro_tool_invocations_total",
		metric.WithDescription("Total tool invocations by outcome"),
	); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"maestro_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"maestro_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"maestro_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmErrors, err = meter.Int64Counter(
		"maestro_llm_errors_total",
		metric.WithDescription("Total LLM request failures"),
	); err != nil {
		return nil, err
	}
	if m.taskTransitions, err = meter.Int64Counter(
		"maestro_task_transitions_total",
		metric.WithDescription("Total task state transitions"),
	); err != nil {
		return nil, err
	}
	if m.retrievalDuration, err = meter.Float64Histogram(
		"maestro_retrieval_duration_seconds",
		metric.WithDescription("Semantic retrieval duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.retrievalErrors, err = meter.Int64Counter(
		"maestro_retrieval_errors_total",
		metric.WithDescription("Total degraded retrievals"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordMessage(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.messageDuration == nil {
		return
	}
	m.messageDuration.Record(ctx, duration.Seconds())
	m.messagesTotal.Add(ctx, 1)
	if err != nil {
		m.messageErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordToolInvocation(ctx context.Context, tool, outcome string, duration time.Duration) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolsTotal.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
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

func (m *PrometheusMetrics) RecordTaskTransition(ctx context.Context, state string) {
	if m == nil || m.taskTransitions == nil {
		return
	}
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, index string, duration time.Duration, err error) {
	if m == nil || m.retrievalDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("index", index))
	m.retrievalDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.retrievalErrors.Add(ctx, 1, attrs)
	}
}

var _ Metrics = (*PrometheusMetrics)(nil)
