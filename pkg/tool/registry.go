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
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/semantic"
)

type descriptor struct {
	tool    Tool
	roles   map[Role]bool
	enabled bool
}

// Registry holds tools with their access control and enablement state,
// and mirrors them into the tools similarity index.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*descriptor
	index *semantic.Index
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*descriptor)}
}

// RegisterOption customizes registration.
type RegisterOption func(*descriptor)

// WithRoles widens access beyond the admin-only default.
func WithRoles(roles ...Role) RegisterOption {
	return func(d *descriptor) {
		d.roles = make(map[Role]bool, len(roles))
		for _, r := range roles {
			d.roles[r] = true
		}
	}
}

// Disabled registers the tool switched off.
func Disabled() RegisterOption {
	return func(d *descriptor) { d.enabled = false }
}

// Register adds a tool. Without WithRoles the tool is admin-only.
// Registering a duplicate name is an error.
func (r *Registry) Register(t Tool, opts ...RegisterOption) error {
	if t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	d := &descriptor{
		tool:    t,
		roles:   map[Role]bool{RoleAdmin: true},
		enabled: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	// Admin can always call every tool.
	d.roles[RoleAdmin] = true

	r.mu.Lock()
	if _, exists := r.tools[t.Name()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = d
	r.mu.Unlock()

	r.syncIndex(t.Name())
	return nil
}

// SetIndex attaches the tools similarity index and mirrors the current
// registry state into it.
func (r *Registry) SetIndex(ctx context.Context, index *semantic.Index) {
	r.mu.Lock()
	r.index = index
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.syncIndex(name)
	}
	_ = ctx
}

// SetACL replaces a tool's role list. The admin role is always retained.
func (r *Registry) SetACL(name string, roles []Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %q not registered", name)
	}
	d.roles = map[Role]bool{RoleAdmin: true}
	for _, role := range roles {
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", role)
		}
		d.roles[role] = true
	}
	return nil
}

// SetEnabled flips a tool's enablement.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	d, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %q not registered", name)
	}
	d.enabled = enabled
	r.mu.Unlock()

	r.syncIndex(name)
	return nil
}

// DisableGroup switches off every tool whose category matches.
func (r *Registry) DisableGroup(group string) {
	r.mu.Lock()
	var touched []string
	for name, d := range r.tools {
		if d.tool.Category() == group {
			d.enabled = false
			touched = append(touched, name)
		}
	}
	r.mu.Unlock()

	for _, name := range touched {
		r.syncIndex(name)
	}
}

// ApplyConfig applies configured ACLs and disablement. References to
// tools that are not registered are logged and skipped, never fatal.
func (r *Registry) ApplyConfig(acl map[string][]string, disabled, disabledGroups []string) {
	for name, roleNames := range acl {
		roles := make([]Role, 0, len(roleNames))
		for _, rn := range roleNames {
			roles = append(roles, Role(rn))
		}
		if err := r.SetACL(name, roles); err != nil {
			slog.Warn("tool ACL config mismatch", "tool", name, "error", err)
		}
	}
	for _, name := range disabled {
		if err := r.SetEnabled(name, false); err != nil {
			slog.Warn("tool disable config mismatch", "tool", name, "error", err)
		}
	}
	for _, group := range disabledGroups {
		r.DisableGroup(group)
	}
}

// Resolve returns the tool when it exists, is enabled, and the role may
// call it. Disabled and unregistered tools are indistinguishable to the
// caller.
func (r *Registry) Resolve(name string, role Role) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	if !ok || !d.enabled {
		return nil, agenterr.New(agenterr.CodeToolUnknown, "unknown tool %q", name)
	}
	if !d.roles[role] {
		return nil, agenterr.New(agenterr.CodeToolForbidden, "tool %q is not permitted for role %q", name, role)
	}
	return d.tool, nil
}

// Definitions lists the enabled tools callable by role, sorted by name.
func (r *Registry) Definitions(role Role) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, d := range r.tools {
		if d.enabled && d.roles[role] {
			defs = append(defs, ToDefinition(d.tool))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names lists all registered tool names, enabled or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// syncIndex mirrors one tool into the similarity index. Index failures
// degrade retrieval, not registration, so they only log.
func (r *Registry) syncIndex(name string) {
	r.mu.RLock()
	index := r.index
	d, ok := r.tools[name]
	r.mu.RUnlock()
	if index == nil || !ok {
		return
	}

	doc := semantic.Document{
		ID:       name,
		Content:  strings.TrimSpace(name + " " + d.tool.Description()),
		Category: d.tool.Category(),
		Enabled:  d.enabled,
	}
	if err := index.AddOrUpdate(context.Background(), doc); err != nil {
		slog.Warn("failed to sync tool into index", "tool", name, "error", err)
	}
}
