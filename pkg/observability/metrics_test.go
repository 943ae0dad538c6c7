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

package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/model"
	"github.com/maestro-adk/maestro/pkg/model/modeltest"
)

func gatheredNames(t *testing.T, reg *prom.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsAppearInRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := InitMetrics(context.Background(), reg)
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordMessage(ctx, 120*time.Millisecond, nil)
	m.RecordMessage(ctx, 80*time.Millisecond, errors.New("boom"))
	m.RecordToolInvocation(ctx, "echo", event.OutcomeOK, 5*time.Millisecond)
	m.RecordLLMCall(ctx, "mock", 200*time.Millisecond, 100, 50, nil)
	m.RecordTaskTransition(ctx, "succeeded")
	m.RecordRetrieval(ctx, "knowledge", 3*time.Millisecond, nil)

	names := gatheredNames(t, reg)
	for _, want := range []string{
		"maestro_messages_total",
		"maestro_message_errors_total",
		"maestro_tool_invocations_total",
		"maestro_llm_tokens_input_total",
		"maestro_task_transitions_total",
		"maestro_retrieval_duration_seconds",
	} {
		assert.True(t, names[want], "metric %s missing", want)
	}
}

func TestMetricsSinkBridgesEvents(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := InitMetrics(context.Background(), reg)
	require.NoError(t, err)
	sink := NewMetricsSink(m)
	ctx := context.Background()

	sink.Emit(ctx, event.Event{Type: event.TypeToolInvocation, Tool: "echo", Outcome: event.OutcomeOK, DurationMS: 4})
	sink.Emit(ctx, event.Event{Type: event.TypeTaskSucceeded, State: "succeeded"})
	sink.Emit(ctx, event.Event{Type: event.TypeRetrieval, Outcome: event.OutcomeError})
	sink.Emit(ctx, event.Event{Type: event.TypePlanStep}) // no metric, must not panic

	names := gatheredNames(t, reg)
	assert.True(t, names["maestro_tool_invocations_total"])
	assert.True(t, names["maestro_task_transitions_total"])
	assert.True(t, names["maestro_retrieval_errors_total"])
}

func TestZeroValueMetricsAreNoops(t *testing.T) {
	var m *PrometheusMetrics
	ctx := context.Background()
	m.RecordMessage(ctx, time.Second, nil)
	m.RecordToolInvocation(ctx, "echo", event.OutcomeOK, time.Second)
	m.RecordTaskTransition(ctx, "queued")

	sink := NewMetricsSink(nil)
	sink.Emit(ctx, event.Event{Type: event.TypeToolInvocation})
}

func TestInstrumentedLLMRecordsUsage(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := InitMetrics(context.Background(), reg)
	require.NoError(t, err)

	mock := modeltest.New().Queue(&model.Response{
		Text:  "hi",
		Usage: &model.Usage{PromptTokens: 12, CompletionTokens: 3},
	})
	llm := InstrumentLLM(mock, m)

	resp, err := llm.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)

	names := gatheredNames(t, reg)
	assert.True(t, names["maestro_llm_tokens_input_total"])
	assert.True(t, names["maestro_llm_tokens_output_total"])
	assert.True(t, names["maestro_llm_request_duration_seconds"])
}

func TestInstrumentLLMWithoutMetricsReturnsOriginal(t *testing.T) {
	mock := modeltest.New()
	assert.Equal(t, model.LLM(mock), InstrumentLLM(mock, nil))
}
