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

package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/model"
)

// DefaultTimeout bounds a tool call when the tool declares none.
const DefaultTimeout = 30 * time.Second

// Caller identifies who is invoking a tool, for access control and
// event attribution.
type Caller struct {
	UserID         string
	Role           Role
	ConversationID string
}

// Dispatcher validates and executes tool calls against the registry.
// Every invocation emits exactly one tool_invocation event, whatever
// the outcome.
type Dispatcher struct {
	registry       *Registry
	events         event.Sink
	defaultTimeout time.Duration

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewDispatcher creates a dispatcher. A nil sink discards events.
func NewDispatcher(registry *Registry, events event.Sink, defaultTimeout time.Duration) *Dispatcher {
	if events == nil {
		events = event.Nop{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		registry:       registry,
		events:         events,
		defaultTimeout: defaultTimeout,
		compiled:       make(map[string]*jsonschema.Schema),
	}
}

// Invoke resolves, authorizes, validates and executes one tool call.
// Failures return coded errors: ERR_TOOL_UNKNOWN, ERR_TOOL_FORBIDDEN,
// ERR_TOOL_BAD_ARGS, ERR_TOOL_TIMEOUT, or the tool's own error.
func (d *Dispatcher) Invoke(ctx context.Context, caller Caller, call model.ToolCall) (map[string]any, error) {
	start := time.Now()
	emit := func(outcome, detail string) {
		d.events.Emit(ctx, event.Event{
			Type:           event.TypeToolInvocation,
			ConversationID: caller.ConversationID,
			UserID:         caller.UserID,
			Role:           string(caller.Role),
			Tool:           call.Name,
			Outcome:        outcome,
			DurationMS:     time.Since(start).Milliseconds(),
			Detail:         detail,
		})
	}

	t, err := d.registry.Resolve(call.Name, caller.Role)
	if err != nil {
		switch agenterr.CodeOf(err) {
		case agenterr.CodeToolForbidden:
			emit(event.OutcomeForbidden, "")
		default:
			emit(event.OutcomeUnknown, "")
		}
		return nil, err
	}

	if err := d.validateArgs(t, call.Args); err != nil {
		emit(event.OutcomeBadArgs, err.Error())
		return nil, err
	}

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(WithCaller(ctx, caller), timeout)
	defer cancel()

	result, err := runWithDeadline(callCtx, t, call.Args)
	switch {
	case err == nil:
		emit(event.OutcomeOK, "")
		return result, nil
	case agenterr.CodeOf(err) == agenterr.CodeToolTimeout:
		emit(event.OutcomeTimeout, "")
		return nil, err
	default:
		emit(event.OutcomeError, err.Error())
		return nil, err
	}
}

// runWithDeadline executes the tool and converts a deadline expiry into
// ERR_TOOL_TIMEOUT even when the tool ignores its context.
func runWithDeadline(ctx context.Context, t Tool, args map[string]any) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := t.Call(ctx, args)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, agenterr.Wrap(agenterr.CodeToolTimeout, out.err, "tool %s timed out", t.Name())
		}
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, agenterr.New(agenterr.CodeToolTimeout, "tool %s timed out", t.Name())
		}
		return nil, ctx.Err()
	}
}

// validateArgs checks call arguments against the tool's schema.
func (d *Dispatcher) validateArgs(t Tool, args map[string]any) error {
	schemaDoc := t.Schema()
	if schemaDoc == nil {
		return nil
	}

	schema, err := d.compileSchema(t.Name(), schemaDoc)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", t.Name(), err)
	}

	if args == nil {
		args = map[string]any{}
	}
	// The validator wants plain decoded JSON.
	if err := schema.Validate(normalizeJSON(args)); err != nil {
		return agenterr.Wrap(agenterr.CodeToolBadArgs, err, "arguments for %s do not match schema", t.Name())
	}
	return nil
}

func (d *Dispatcher) compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.compiled[name]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, normalizeJSON(doc)); err != nil {
		return nil, err
	}
	s, err := c.Compile(resource)
	if err != nil {
		return nil, err
	}
	d.compiled[name] = s
	return s, nil
}

// normalizeJSON converts arbitrary Go values into the decoded-JSON shape
// (map[string]any, []any, float64, string, bool, nil) the validator
// expects. Typed numbers from callers become float64.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
