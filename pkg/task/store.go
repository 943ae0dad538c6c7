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

package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maestro-adk/maestro/pkg/kv"
)

const taskCollection = "tasks"

// ErrTerminal is returned when a mutation targets a finished task.
var ErrTerminal = fmt.Errorf("task is in a terminal state")

// Store persists tasks. The backing document store is the single
// authoritative source of task state; Mutate serializes writes per
// task and enforces terminal-state immutability.
type Store struct {
	docs kv.Store
}

// NewStore creates a task store.
func NewStore(docs kv.Store) *Store {
	return &Store{docs: docs}
}

// Create persists a new task.
func (s *Store) Create(ctx context.Context, t *Task) error {
	return s.docs.Set(ctx, taskCollection, t.ID, t)
}

// Delete removes a task record. Only submission rollback uses this;
// completed tasks are kept for status and audit.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.docs.Delete(ctx, taskCollection, id)
}

// Get loads one task.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.docs.Get(ctx, taskCollection, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Mutate applies fn to the task under the store's per-key write lock.
// Terminal tasks are immutable: fn never runs for them.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	var updated Task
	err := s.docs.Update(ctx, taskCollection, id, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, fmt.Errorf("task %s: %w", id, kv.ErrNotFound)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			return nil, fmt.Errorf("task %s: %w", id, ErrTerminal)
		}
		if err := fn(&t); err != nil {
			return nil, err
		}
		updated = t
		return json.Marshal(t)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	UserID string
	State  State
	Limit  int
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	where := make(map[string]any)
	if filter.UserID != "" {
		where["user_id"] = filter.UserID
	}
	if filter.State != "" {
		where["state"] = string(filter.State)
	}

	entries, err := s.docs.List(ctx, taskCollection, kv.Query{
		Where:   where,
		OrderBy: "submitted_at",
		Desc:    true,
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		var t Task
		if err := json.Unmarshal(e.Data, &t); err != nil {
			return nil, fmt.Errorf("corrupt task record %s: %w", e.ID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}
