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
	"iter"
	"time"

	"github.com/maestro-adk/maestro/pkg/model"
)

// InstrumentedLLM wraps a model.LLM and records request duration, token
// usage and failures per call.
type InstrumentedLLM struct {
	inner   model.LLM
	metrics Metrics
}

// InstrumentLLM wraps llm. A nil metrics returns llm unchanged.
func InstrumentLLM(llm model.LLM, metrics Metrics) model.LLM {
	if metrics == nil {
		return llm
	}
	return &InstrumentedLLM{inner: llm, metrics: metrics}
}

func (l *InstrumentedLLM) Name() string { return l.inner.Name() }

func (l *InstrumentedLLM) Close() error { return l.inner.Close() }

func (l *InstrumentedLLM) GenerateContent(ctx context.Context, req *model.Request) (*model.Response, error) {
	start := time.Now()
	resp, err := l.inner.GenerateContent(ctx, req)
	var in, out int
	if resp != nil && resp.Usage != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	l.metrics.RecordLLMCall(ctx, l.inner.Name(), time.Since(start), in, out, err)
	return resp, err
}

func (l *InstrumentedLLM) StreamContent(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	start := time.Now()
	return func(yield func(*model.Chunk, error) bool) {
		var usage *model.Usage
		var streamErr error
		for chunk, err := range l.inner.StreamContent(ctx, req) {
			if err != nil {
				streamErr = err
			}
			if chunk != nil && chunk.Done {
				usage = chunk.Usage
			}
			if !yield(chunk, err) {
				break
			}
		}
		var in, out int
		if usage != nil {
			in, out = usage.PromptTokens, usage.CompletionTokens
		}
		l.metrics.RecordLLMCall(ctx, l.inner.Name(), time.Since(start), in, out, streamErr)
	}
}

var _ model.LLM = (*InstrumentedLLM)(nil)
