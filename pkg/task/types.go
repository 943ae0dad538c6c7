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

// Package task implements the complex-task subsystem: templates, the
// orchestrator with its bounded fair queue, the sandboxed workers, and
// the memory-backed repair loop.
package task

import (
	"time"

	"github.com/maestro-adk/maestro/pkg/sandbox"
	"github.com/maestro-adk/maestro/pkg/tool"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRepairing State = "repairing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// FailureRecord captures one classified failure of a task attempt.
type FailureRecord struct {
	Category       sandbox.Classification `json:"category"`
	Detail         string                 `json:"detail"`
	ScriptSnapshot string                 `json:"script_snapshot,omitempty"`
	At             time.Time              `json:"at"`
}

// Task is one in-flight or completed complex task. The script is a
// snapshot taken at submission; later template edits do not affect it.
type Task struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id"`
	UserID     string         `json:"user_id"`
	Role       tool.Role      `json:"role"`
	Parameters map[string]any `json:"parameters,omitempty"`

	State  State  `json:"state"`
	Script string `json:"script"`

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	Result      any             `json:"result,omitempty"`
	Errors      []FailureRecord `json:"errors,omitempty"`
	RepairCount int             `json:"repair_count"`
	WorkerID    string          `json:"worker_id,omitempty"`

	// CancelRequested is the soft-cancel flag workers observe at step
	// boundaries.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Heartbeat fields. A running task whose heartbeat goes stale for
	// three intervals is treated as orphaned.
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`
	LastStep    string    `json:"last_step,omitempty"`

	// Requeued marks that the orphan recovery already ran once for
	// this task; a second orphaning fails it.
	Requeued bool `json:"requeued,omitempty"`

	// FailureCause is the stable error code of the terminal failure.
	FailureCause string `json:"failure_cause,omitempty"`
}

// PublicStatus renders the task for status queries. The script and raw
// failure snapshots are admin-only.
func (t *Task) PublicStatus(admin bool) map[string]any {
	out := map[string]any{
		"task_id":      t.ID,
		"template_id":  t.TemplateID,
		"state":        string(t.State),
		"submitted_at": t.SubmittedAt,
		"repair_count": t.RepairCount,
	}
	if !t.StartedAt.IsZero() {
		out["started_at"] = t.StartedAt
	}
	if !t.FinishedAt.IsZero() {
		out["finished_at"] = t.FinishedAt
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if len(t.Errors) > 0 {
		last := t.Errors[len(t.Errors)-1]
		out["last_error_category"] = string(last.Category)
	}
	if t.FailureCause != "" {
		out["failure_cause"] = t.FailureCause
	}
	if admin {
		out["user_id"] = t.UserID
		out["worker_id"] = t.WorkerID
		out["script"] = t.Script
		if len(t.Errors) > 0 {
			out["errors"] = t.Errors
		}
	}
	return out
}
