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

// Package modeltest provides a scripted model.LLM for tests.
package modeltest

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/maestro-adk/maestro/pkg/model"
)

// Responder maps a request to a response. Returning a nil response with a
// nil error falls through to the scripted queue.
type Responder func(req *model.Request) (*model.Response, error)

// Mock is a scripted LLM. Responses are served from Responder first, then
// from the queued script, in order. When both are exhausted it returns an
// error, which surfaces scripting mistakes instead of hiding them.
type Mock struct {
	mu        sync.Mutex
	queue     []*model.Response
	errs      []error
	responder Responder
	requests  []*model.Request
}

// New creates an empty mock.
func New() *Mock { return &Mock{} }

// Queue appends a scripted response.
func (m *Mock) Queue(resp *model.Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
	m.errs = append(m.errs, nil)
	return m
}

// QueueText appends a plain text response.
func (m *Mock) QueueText(text string) *Mock {
	return m.Queue(&model.Response{Text: text})
}

// QueueError appends a scripted failure.
func (m *Mock) QueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, nil)
	m.errs = append(m.errs, err)
	return m
}

// Respond installs a dynamic responder consulted before the queue.
func (m *Mock) Respond(fn Responder) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// Requests returns every request seen so far.
func (m *Mock) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Close() error { return nil }

func (m *Mock) GenerateContent(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.responder != nil {
		resp, err := m.responder(req)
		if resp != nil || err != nil {
			return resp, err
		}
	}
	if len(m.queue) == 0 {
		return nil, fmt.Errorf("modeltest: no scripted response for request %d", len(m.requests))
	}
	resp, err := m.queue[0], m.errs[0]
	m.queue = m.queue[1:]
	m.errs = m.errs[1:]
	return resp, err
}

func (m *Mock) StreamContent(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		resp, err := m.GenerateContent(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		// Stream the text in two chunks so consumers exercise appending.
		half := len(resp.Text) / 2
		if half > 0 {
			if !yield(&model.Chunk{Text: resp.Text[:half]}, nil) {
				return
			}
		}
		if !yield(&model.Chunk{Text: resp.Text[half:]}, nil) {
			return
		}
		yield(&model.Chunk{Done: true, Usage: resp.Usage}, nil)
	}
}

var _ model.LLM = (*Mock)(nil)
