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

// Package sandboxtest provides a scripted sandbox fake for worker and
// repair tests.
package sandboxtest

import (
	"context"
	"sync"

	"github.com/maestro-adk/maestro/pkg/sandbox"
)

// Call records one Run invocation.
type Call struct {
	Source string
	Params map[string]any
	Budget sandbox.Budget
}

// Scripted is a sandbox.Sandbox fake. Outcomes are served FIFO; when the
// queue is empty, every run succeeds with a nil result. A Responder, when
// set, takes precedence over the queue.
type Scripted struct {
	mu        sync.Mutex
	queue     []*sandbox.RunResult
	calls     []Call
	responder func(source string) *sandbox.RunResult

	// BlockUntilCancel makes runs hang until ctx is done, then report
	// a timeout. Used for cancellation and heartbeat tests.
	BlockUntilCancel bool
}

// New creates an empty scripted sandbox.
func New() *Scripted { return &Scripted{} }

// Queue appends an outcome to serve.
func (s *Scripted) Queue(r *sandbox.RunResult) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r)
	return s
}

// QueueOK appends a successful outcome carrying result.
func (s *Scripted) QueueOK(result any) *Scripted {
	return s.Queue(&sandbox.RunResult{OK: true, Result: result})
}

// QueueFailure appends a failed outcome.
func (s *Scripted) QueueFailure(class sandbox.Classification, detail string) *Scripted {
	return s.Queue(&sandbox.RunResult{OK: false, Classification: class, ErrorDetail: detail})
}

// Respond installs a responder that decides the outcome per source.
func (s *Scripted) Respond(fn func(source string) *sandbox.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = fn
}

// Calls returns a copy of all recorded invocations.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Run(ctx context.Context, source string, params map[string]any, budget sandbox.Budget) (*sandbox.RunResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Source: source, Params: params, Budget: budget})
	responder := s.responder
	var next *sandbox.RunResult
	if responder == nil && len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
	}
	block := s.BlockUntilCancel
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return &sandbox.RunResult{
			OK:             false,
			Classification: sandbox.ClassTimeout,
			ErrorDetail:    "cancelled",
		}, nil
	}

	if responder != nil {
		return responder(source), nil
	}
	if next != nil {
		return next, nil
	}
	return &sandbox.RunResult{OK: true}, nil
}

var _ sandbox.Sandbox = (*Scripted)(nil)
