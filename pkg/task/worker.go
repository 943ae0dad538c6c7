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
	"errors"
	"log/slog"
	"time"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/config"
	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/sandbox"
)

// Worker executes one task at a time: static validation, sandboxed
// run, heartbeats, and the repair loop on failure.
type Worker struct {
	id       string
	store    *Store
	box      sandbox.Sandbox
	repairer *Repairer
	events   event.Sink
	cfg      config.TasksConfig
}

// NewWorker creates a worker.
func NewWorker(id string, store *Store, box sandbox.Sandbox, repairer *Repairer, events event.Sink, cfg config.TasksConfig) *Worker {
	return &Worker{id: id, store: store, box: box, repairer: repairer, events: events, cfg: cfg}
}

// Execute drives a picked-up task to a terminal state. It never
// returns an error for task-level failures; those are recorded on the
// task and emitted as events.
func (w *Worker) Execute(ctx context.Context, taskID string) {
	t, err := w.store.Mutate(ctx, taskID, func(t *Task) error {
		t.State = StateRunning
		t.StartedAt = time.Now()
		t.WorkerID = w.id
		t.HeartbeatAt = time.Now()
		t.LastStep = "starting"
		return nil
	})
	if err != nil {
		// Cancelled while queued, or already terminal. Nothing to run.
		if !errors.Is(err, ErrTerminal) {
			slog.WarnContext(ctx, "failed to pick up task", "task_id", taskID, "error", err)
		}
		return
	}
	w.emit(ctx, t, event.TypeTaskStarted, "")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stopHeartbeat := w.startHeartbeat(ctx, taskID, cancelRun)
	defer stopHeartbeat()

	var usedMemories []string
	var lastPatch *Patch
	var lastFailure FailureRecord

	for {
		if w.cancelledOrDone(ctx, runCtx, taskID, t) {
			w.settle(ctx, usedMemories, false)
			return
		}

		failure, finished := w.attempt(runCtx, t)
		if finished {
			// Success path: settle memory counters and remember the fix.
			w.settle(ctx, usedMemories, true)
			if lastPatch != nil {
				w.repairer.RecordFix(ctx, lastFailure, lastPatch.Rationale)
			}
			return
		}

		// Cancellation surfaces from the sandbox as a failed run;
		// prefer the cancelled terminal state over a repair cycle.
		if w.cancelledOrDone(ctx, runCtx, taskID, t) {
			w.settle(ctx, usedMemories, false)
			return
		}

		t = w.recordFailure(ctx, taskID, failure)
		if t == nil {
			return
		}

		patch, rerr := w.repairer.Repair(ctx, t, failure)
		if rerr != nil {
			if agenterr.CodeOf(rerr) == agenterr.CodeScriptInvalid {
				// An invalid patch burns budget and loops.
				t = w.chargeFailedPatch(ctx, taskID, rerr)
				if t == nil {
					return
				}
				continue
			}
			w.fail(ctx, taskID, failure, rerr)
			w.settle(ctx, usedMemories, false)
			return
		}

		t, err = w.store.Mutate(ctx, taskID, func(t *Task) error {
			t.Script = patch.Script
			t.RepairCount++
			t.State = StateRunning
			t.LastStep = "repaired"
			t.HeartbeatAt = time.Now()
			return nil
		})
		if err != nil {
			return
		}
		usedMemories = append(usedMemories, patch.UsedMemoryIDs...)
		lastPatch, lastFailure = patch, failure
		w.emit(ctx, t, event.TypeTaskRepaired, patch.Rationale)
	}
}

// attempt validates and runs the current script once. It returns the
// classified failure, or finished=true on success.
func (w *Worker) attempt(ctx context.Context, t *Task) (FailureRecord, bool) {
	if verr := sandbox.Validate(t.Script, w.cfg.ScriptSizeCap); verr != nil {
		category := sandbox.ClassValidation
		if agenterr.CodeOf(verr) == agenterr.CodeSecurityViolation {
			category = sandbox.ClassSecurity
		}
		return FailureRecord{
			Category:       category,
			Detail:         verr.Error(),
			ScriptSnapshot: t.Script,
			At:             time.Now(),
		}, false
	}

	budget := sandbox.Budget{WallClock: w.cfg.WallClock, HeapBytes: w.cfg.HeapBytes}
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.WallClock+w.cfg.HungGrace)
	defer cancel()

	res, err := w.box.Run(runCtx, t.Script, t.Parameters, budget)
	if err != nil {
		return FailureRecord{
			Category:       sandbox.ClassRuntime,
			Detail:         "sandbox fault: " + err.Error(),
			ScriptSnapshot: t.Script,
			At:             time.Now(),
		}, false
	}
	if res.OK {
		finished, err := w.store.Mutate(ctx, t.ID, func(t *Task) error {
			t.State = StateSucceeded
			t.Result = res.Result
			t.FinishedAt = time.Now()
			t.LastStep = "done"
			return nil
		})
		if err != nil {
			return FailureRecord{}, true
		}
		w.emit(ctx, finished, event.TypeTaskSucceeded, "")
		return FailureRecord{}, true
	}

	return FailureRecord{
		Category:       res.Classification,
		Detail:         res.ErrorDetail,
		ScriptSnapshot: t.Script,
		At:             time.Now(),
	}, false
}

// cancelledOrDone finalizes a soft-cancelled task. It returns true
// when the task reached a terminal state and the loop must stop.
func (w *Worker) cancelledOrDone(ctx context.Context, runCtx context.Context, taskID string, t *Task) bool {
	cancelled := runCtx.Err() != nil || ctx.Err() != nil
	if !cancelled && t != nil && t.CancelRequested {
		cancelled = true
	}
	if !cancelled {
		if fresh, err := w.store.Get(ctx, taskID); err == nil && fresh.CancelRequested {
			cancelled = true
		}
	}
	if !cancelled {
		return false
	}

	finished, err := w.store.Mutate(context.WithoutCancel(ctx), taskID, func(t *Task) error {
		t.State = StateCancelled
		t.FinishedAt = time.Now()
		t.LastStep = "cancelled"
		return nil
	})
	if err == nil {
		w.emit(ctx, finished, event.TypeTaskCancelled, "")
	}
	return true
}

// recordFailure appends the failure record and parks the task in the
// repairing state.
func (w *Worker) recordFailure(ctx context.Context, taskID string, failure FailureRecord) *Task {
	t, err := w.store.Mutate(ctx, taskID, func(t *Task) error {
		t.Errors = append(t.Errors, failure)
		t.State = StateRepairing
		t.LastStep = "repairing"
		t.HeartbeatAt = time.Now()
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to record task failure", "task_id", taskID, "error", err)
		return nil
	}
	return t
}

// chargeFailedPatch counts an invalid patch as a spent repair attempt.
func (w *Worker) chargeFailedPatch(ctx context.Context, taskID string, rerr error) *Task {
	t, err := w.store.Mutate(ctx, taskID, func(t *Task) error {
		t.RepairCount++
		t.Errors = append(t.Errors, FailureRecord{
			Category: sandbox.ClassValidation,
			Detail:   rerr.Error(),
			At:       time.Now(),
		})
		return nil
	})
	if err != nil {
		return nil
	}
	return t
}

// fail transitions the task to its terminal failure state.
func (w *Worker) fail(ctx context.Context, taskID string, failure FailureRecord, cause error) {
	terminal := StateFailed
	if failure.Category == sandbox.ClassTimeout || failure.Category == sandbox.ClassHung {
		terminal = StateTimedOut
	}
	t, err := w.store.Mutate(ctx, taskID, func(t *Task) error {
		t.State = terminal
		t.FinishedAt = time.Now()
		t.FailureCause = string(agenterr.CodeOf(cause))
		t.LastStep = "failed"
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to finalize task", "task_id", taskID, "error", err)
		return
	}
	w.emit(ctx, t, event.TypeTaskFailed, cause.Error())
}

// startHeartbeat writes liveness and watches the soft-cancel flag. The
// returned stop function must be called before the worker exits.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string, cancelRun context.CancelFunc) func() {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t, err := w.store.Mutate(ctx, taskID, func(t *Task) error {
					t.HeartbeatAt = time.Now()
					return nil
				})
				if err != nil {
					// Terminal already; nothing left to report.
					return
				}
				if t.CancelRequested {
					cancelRun()
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) settle(ctx context.Context, memoryIDs []string, success bool) {
	w.repairer.SettleOutcome(context.WithoutCancel(ctx), memoryIDs, success)
}

func (w *Worker) emit(ctx context.Context, t *Task, typ event.Type, detail string) {
	if t == nil {
		return
	}
	w.events.Emit(ctx, event.Event{
		Type:       typ,
		TaskID:     t.ID,
		TemplateID: t.TemplateID,
		UserID:     t.UserID,
		Role:       string(t.Role),
		State:      string(t.State),
		Detail:     detail,
	})
}
