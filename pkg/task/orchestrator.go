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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/config"
	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/sandbox"
	"github.com/maestro-adk/maestro/pkg/tool"
)

// queueItem is one queued task reference.
type queueItem struct {
	taskID string
	userID string
	admin  bool
}

// Orchestrator owns the task queue and the worker pool. Queued work is
// FIFO per user; dispatch round-robins across users with pending work,
// respecting the per-user running cap for non-admins.
type Orchestrator struct {
	store     *Store
	templates *Templates
	synth     *Synthesizer
	repairer  *Repairer
	box       sandbox.Sandbox
	events    event.Sink
	cfg       config.TasksConfig

	// services names what the sandbox exposes; templates requiring
	// anything else are not selectable.
	services map[string]bool

	mu       sync.Mutex
	pending  map[string][]queueItem
	ring     []string
	ringPos  int
	running  map[string]int
	depth    int
	wake     chan struct{}
	stopping bool

	wg sync.WaitGroup
}

// NewOrchestrator wires the task subsystem.
func NewOrchestrator(store *Store, templates *Templates, synth *Synthesizer, repairer *Repairer, box sandbox.Sandbox, events event.Sink, services []string, cfg config.TasksConfig) *Orchestrator {
	if events == nil {
		events = event.Nop{}
	}
	avail := make(map[string]bool, len(services))
	for _, s := range services {
		avail[s] = true
	}
	return &Orchestrator{
		store:     store,
		templates: templates,
		synth:     synth,
		repairer:  repairer,
		box:       box,
		events:    events,
		cfg:       cfg,
		services:  avail,
		pending:   make(map[string][]queueItem),
		running:   make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the worker pool and the orphan monitor. Workers stop
// when ctx is cancelled; Wait blocks until they are gone.
func (o *Orchestrator) Start(ctx context.Context) {
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	for i := 0; i < workers; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i+1), o.store, o.box, o.repairer, o.events, o.cfg)
		o.wg.Add(1)
		go o.workerLoop(ctx, w)
	}
	o.wg.Add(1)
	go o.orphanLoop(ctx)
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) workerLoop(ctx context.Context, w *Worker) {
	defer o.wg.Done()
	for {
		item, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}
		w.Execute(ctx, item.taskID)
		o.release(item.userID)
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the next runnable task, round-robining across users and
// skipping users at their running cap.
func (o *Orchestrator) next() (queueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for scanned := 0; scanned < len(o.ring); scanned++ {
		user := o.ring[o.ringPos%len(o.ring)]
		o.ringPos++

		queue := o.pending[user]
		if len(queue) == 0 {
			continue
		}
		item := queue[0]
		if !item.admin && o.cfg.PerUserCap > 0 && o.running[user] >= o.cfg.PerUserCap {
			continue
		}

		o.pending[user] = queue[1:]
		if len(o.pending[user]) == 0 {
			delete(o.pending, user)
			o.dropFromRing(user)
		}
		o.depth--
		o.running[user]++
		return item, true
	}
	return queueItem{}, false
}

func (o *Orchestrator) release(userID string) {
	o.mu.Lock()
	o.running[userID]--
	if o.running[userID] <= 0 {
		delete(o.running, userID)
	}
	o.mu.Unlock()
	o.signal()
}

func (o *Orchestrator) dropFromRing(user string) {
	for i, u := range o.ring {
		if u == user {
			o.ring = append(o.ring[:i], o.ring[i+1:]...)
			if o.ringPos > i {
				o.ringPos--
			}
			return
		}
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a created task to the bounded queue.
func (o *Orchestrator) enqueue(item queueItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	depthCap := o.cfg.QueueDepth
	if depthCap <= 0 {
		depthCap = 1024
	}
	if o.depth >= depthCap {
		return agenterr.New(agenterr.CodeQueueFull, "queue depth %d reached", depthCap)
	}
	if _, ok := o.pending[item.userID]; !ok {
		o.ring = append(o.ring, item.userID)
	}
	o.pending[item.userID] = append(o.pending[item.userID], item)
	o.depth++
	return nil
}

// SubmitTemplate queues a task for an existing template.
func (o *Orchestrator) SubmitTemplate(ctx context.Context, userID string, role tool.Role, templateID string, params map[string]any) (string, error) {
	tmpl, err := o.templates.Get(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("unknown template %q: %w", templateID, err)
	}
	if !tmpl.Selectable(o.services) {
		return "", fmt.Errorf("template %q is not available", templateID)
	}
	if err := validateParams(tmpl.ParameterSchema, params); err != nil {
		return "", err
	}
	return o.submit(ctx, userID, role, tmpl, params)
}

// SubmitAdhoc synthesizes an ephemeral template from a natural
// language spec and queues a task for it.
func (o *Orchestrator) SubmitAdhoc(ctx context.Context, userID string, role tool.Role, spec string) (string, error) {
	taskID := uuid.NewString()
	tmpl, err := o.synth.Synthesize(ctx, taskID, spec)
	if err != nil {
		return "", err
	}
	if err := o.templates.Put(ctx, tmpl); err != nil {
		return "", err
	}
	return o.submitWithID(ctx, taskID, userID, role, tmpl, nil)
}

func (o *Orchestrator) submit(ctx context.Context, userID string, role tool.Role, tmpl *Template, params map[string]any) (string, error) {
	return o.submitWithID(ctx, uuid.NewString(), userID, role, tmpl, params)
}

func (o *Orchestrator) submitWithID(ctx context.Context, taskID, userID string, role tool.Role, tmpl *Template, params map[string]any) (string, error) {
	t := &Task{
		ID:          taskID,
		TemplateID:  tmpl.ID,
		UserID:      userID,
		Role:        role,
		Parameters:  params,
		State:       StateQueued,
		Script:      tmpl.Script,
		SubmittedAt: time.Now(),
	}

	// Persist before queueing: a worker may pop the item the moment it
	// is enqueued and must find the record already there.
	if err := o.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}
	if err := o.enqueue(queueItem{taskID: t.ID, userID: userID, admin: role == tool.RoleAdmin}); err != nil {
		if delErr := o.store.Delete(ctx, t.ID); delErr != nil {
			slog.Warn("failed to roll back unqueued task", "task_id", t.ID, "error", delErr)
		}
		return "", err
	}

	o.events.Emit(ctx, event.Event{
		Type:       event.TypeTaskQueued,
		TaskID:     t.ID,
		TemplateID: t.TemplateID,
		UserID:     userID,
		Role:       string(role),
		State:      string(StateQueued),
	})
	o.signal()
	return t.ID, nil
}

// removeQueued drops a task from the pending queue. It reports whether
// the task was still queued.
func (o *Orchestrator) removeQueued(taskID, userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.pending[userID]
	for i, item := range queue {
		if item.taskID != taskID {
			continue
		}
		o.pending[userID] = append(queue[:i], queue[i+1:]...)
		if len(o.pending[userID]) == 0 {
			delete(o.pending, userID)
			o.dropFromRing(userID)
		}
		o.depth--
		return true
	}
	return false
}

// Status returns a task scoped to the caller: non-admins only see
// their own tasks.
func (o *Orchestrator) Status(ctx context.Context, taskID, userID string, admin bool) (*Task, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !admin && t.UserID != userID {
		// Indistinguishable from a missing task on purpose.
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t, nil
}

// TaskStatusFor implements the status lookup used by the task_status
// tool.
func (o *Orchestrator) TaskStatusFor(ctx context.Context, taskID, userID string, admin bool) (map[string]any, error) {
	t, err := o.Status(ctx, taskID, userID, admin)
	if err != nil {
		return nil, err
	}
	return t.PublicStatus(admin), nil
}

// Cancel soft-cancels a task. A queued task leaves the queue and
// terminates immediately; a running task gets its cooperative flag
// set and the worker finishes the transition at the next boundary.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, userID string, admin bool) error {
	t, err := o.Status(ctx, taskID, userID, admin)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("task %s already finished", taskID)
	}

	if o.removeQueued(taskID, t.UserID) {
		finished, err := o.store.Mutate(ctx, taskID, func(t *Task) error {
			t.State = StateCancelled
			t.FinishedAt = time.Now()
			return nil
		})
		if err != nil {
			return err
		}
		o.events.Emit(ctx, event.Event{
			Type:   event.TypeTaskCancelled,
			TaskID: taskID,
			UserID: finished.UserID,
			State:  string(StateCancelled),
		})
		return nil
	}

	_, err = o.store.Mutate(ctx, taskID, func(t *Task) error {
		t.CancelRequested = true
		return nil
	})
	return err
}

// List returns tasks visible to the caller.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter, userID string, admin bool) ([]*Task, error) {
	if !admin {
		filter.UserID = userID
	}
	return o.store.List(ctx, filter)
}

// orphanLoop requeues tasks whose worker stopped heartbeating. A task
// is requeued at most once; a second orphaning fails it.
func (o *Orchestrator) orphanLoop(ctx context.Context) {
	defer o.wg.Done()

	interval := o.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOrphans(ctx, 3*interval)
		}
	}
}

func (o *Orchestrator) sweepOrphans(ctx context.Context, staleAfter time.Duration) {
	running, err := o.store.List(ctx, ListFilter{State: StateRunning})
	if err != nil {
		slog.WarnContext(ctx, "orphan sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-staleAfter)
	for _, t := range running {
		if t.HeartbeatAt.IsZero() || t.HeartbeatAt.After(cutoff) {
			continue
		}
		if t.Requeued {
			failed, err := o.store.Mutate(ctx, t.ID, func(t *Task) error {
				t.State = StateFailed
				t.FinishedAt = time.Now()
				t.FailureCause = string(agenterr.CodeScriptHung)
				t.LastStep = "orphaned"
				return nil
			})
			if err == nil {
				o.events.Emit(ctx, event.Event{
					Type: event.TypeTaskFailed, TaskID: failed.ID, UserID: failed.UserID,
					State: string(StateFailed), Detail: "orphaned twice",
				})
			}
			continue
		}

		requeued, err := o.store.Mutate(ctx, t.ID, func(t *Task) error {
			t.State = StateQueued
			t.Requeued = true
			t.WorkerID = ""
			return nil
		})
		if err != nil {
			continue
		}
		if err := o.enqueue(queueItem{taskID: t.ID, userID: t.UserID, admin: t.Role == tool.RoleAdmin}); err != nil {
			slog.WarnContext(ctx, "orphan requeue refused", "task_id", t.ID, "error", err)
			continue
		}
		o.events.Emit(ctx, event.Event{
			Type: event.TypeTaskRequeued, TaskID: requeued.ID, UserID: requeued.UserID,
			State: string(StateQueued), Detail: "heartbeat stale",
		})
		o.signal()
	}
}

// validateParams checks submission parameters against a template's
// JSON schema.
func validateParams(schemaDoc map[string]any, params map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.schema.json", toJSONValue(schemaDoc)); err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}
	schema, err := compiler.Compile("params.schema.json")
	if err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(toJSONValue(params)); err != nil {
		return fmt.Errorf("parameters do not match template schema: %w", err)
	}
	return nil
}

// toJSONValue renders a Go map as the plain decoded-JSON shape the
// validator expects.
func toJSONValue(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
