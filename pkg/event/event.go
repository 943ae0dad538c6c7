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

// Package event defines the append-only observability event stream.
//
// Every state transition of a request or task is emitted as an Event to the
// configured Sink. Events never mutate into silent success: a degraded
// outcome is always observable here.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeToolInvocation Type = "tool_invocation"
	TypeRetrieval      Type = "retrieval_performed"
	TypePlanStep       Type = "plan_step"
	TypeTaskQueued     Type = "task_queued"
	TypeTaskStarted    Type = "task_started"
	TypeTaskRepaired   Type = "task_repaired"
	TypeTaskSucceeded  Type = "task_succeeded"
	TypeTaskFailed     Type = "task_failed"
	TypeTaskCancelled  Type = "task_cancelled"
	TypeTaskRequeued   Type = "task_requeued"
	TypeError          Type = "error"
)

// Outcome values used by tool invocation events.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeForbidden = "forbidden"
	OutcomeBadArgs   = "bad_args"
	OutcomeTimeout   = "timeout"
	OutcomeUnknown   = "unknown_tool"
)

// Event is a single observable fact. Only the fields relevant to the event
// type are populated.
type Event struct {
	Type Type
	Time time.Time

	// Request context.
	ConversationID string
	UserID         string
	Role           string

	// Tool invocation.
	Tool       string
	Outcome    string
	DurationMS int64

	// Task lifecycle.
	TaskID     string
	TemplateID string
	State      string

	// Free-form detail: error category, failure cause, retrieval counts.
	Detail string

	// Extra carries anything the above does not cover.
	Extra map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long; Emit is called on hot paths.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// stamp fills Time when the producer left it zero.
func stamp(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return ev
}

// SlogSink logs every event through slog at info level (warn for failures).
type SlogSink struct{}

// NewSlogSink creates a sink that writes events to the default slog logger.
func NewSlogSink() *SlogSink { return &SlogSink{} }

func (s *SlogSink) Emit(ctx context.Context, ev Event) {
	ev = stamp(ev)
	attrs := []any{"type", string(ev.Type)}
	if ev.TaskID != "" {
		attrs = append(attrs, "task_id", ev.TaskID)
	}
	if ev.Tool != "" {
		attrs = append(attrs, "tool", ev.Tool, "outcome", ev.Outcome, "duration_ms", ev.DurationMS)
	}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID, "role", ev.Role)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	switch ev.Type {
	case TypeTaskFailed, TypeError:
		slog.WarnContext(ctx, "event", attrs...)
	default:
		slog.InfoContext(ctx, "event", attrs...)
	}
}

// Recorder is a sink that keeps every event in memory, for tests and for the
// CLI's --trace output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(ev))
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of one type, in emission order.
func (r *Recorder) ByType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
