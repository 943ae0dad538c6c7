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

// Package tool defines the tools agents can invoke, the registry that
// gates them by role, and the dispatcher that validates and executes
// calls.
//
// Access control fails secure: a tool registered without an explicit
// role list is admin-only until someone widens it.
package tool

import (
	"context"
	"time"
)

// Role is the caller's privilege level. There are exactly two.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

// Tool is a callable capability.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description tells the planner when to use this tool.
	Description() string

	// Category groups related tools for retrieval and feature flags.
	Category() string

	// Schema returns the JSON schema for the tool's arguments.
	// Nil means the tool takes no arguments.
	Schema() map[string]any

	// Timeout returns the per-call execution budget. Zero means the
	// dispatcher default applies.
	Timeout() time.Duration

	// Call executes the tool. Implementations must honor ctx
	// cancellation.
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Definition is a tool rendered for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Func adapts a function into a Tool for simple cases and tests.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolCategory    string
	ToolSchema      map[string]any
	ToolTimeout     time.Duration
	Fn              func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (f *Func) Name() string            { return f.ToolName }
func (f *Func) Description() string     { return f.ToolDescription }
func (f *Func) Category() string        { return f.ToolCategory }
func (f *Func) Schema() map[string]any  { return f.ToolSchema }
func (f *Func) Timeout() time.Duration  { return f.ToolTimeout }
func (f *Func) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f.Fn(ctx, args)
}

var _ Tool = (*Func)(nil)
