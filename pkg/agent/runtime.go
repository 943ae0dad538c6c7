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

// Package agent implements the per-message pipeline: sanitize the
// input, load the conversation window, retrieve context, plan with the
// LLM, run tools, and either answer or hand off to the task
// orchestrator.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/config"
	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/memory"
	"github.com/maestro-adk/maestro/pkg/model"
	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/tool"
)

// MessageKind selects the sanitization length cap.
type MessageKind string

const (
	KindChat MessageKind = "chat"
	KindTask MessageKind = "task"
)

// Request is one inbound user message.
type Request struct {
	UserID         string
	Role           tool.Role
	ConversationID string
	Message        string
	PlatformHint   string
	Kind           MessageKind
}

// Reply is the outcome of Handle: either a final text, or a task
// acknowledgement carrying the submitted task's ID.
type Reply struct {
	Text   string
	TaskID string
}

// TaskSubmitter is the slice of the orchestrator the runtime needs.
type TaskSubmitter interface {
	SubmitTemplate(ctx context.Context, userID string, role tool.Role, templateID string, params map[string]any) (string, error)
	SubmitAdhoc(ctx context.Context, userID string, role tool.Role, spec string) (string, error)
}

const (
	apologyText   = "I'm sorry, I wasn't able to work out how to handle that request. Could you rephrase it?"
	exhaustedText = "I'm sorry, I couldn't finish working through that request. Please try breaking it into smaller steps."
)

// Deps are the runtime's collaborators. LLM, Dispatcher, Registry,
// Indexes and Windows are required; Tasks and Memories are optional
// and disable their features when nil.
type Deps struct {
	LLM        model.LLM
	Dispatcher *tool.Dispatcher
	Registry   *tool.Registry
	Indexes    *semantic.Indexes
	Windows    *Windows
	Tasks      TaskSubmitter
	Memories   *memory.Store
	Events     event.Sink
}

// Runtime is the per-message orchestrator. It holds no per-request
// state; Handle is safe for concurrent use.
type Runtime struct {
	llm        model.LLM
	dispatcher *tool.Dispatcher
	registry   *tool.Registry
	indexes    *semantic.Indexes
	windows    *Windows
	tasks      TaskSubmitter
	memories   *memory.Store
	events     event.Sink

	cfg config.AgentConfig
	ret config.RetrievalConfig
	sem *semaphore.Weighted
}

// NewRuntime wires the pipeline. cfg must have defaults applied.
func NewRuntime(deps Deps, cfg config.AgentConfig, ret config.RetrievalConfig) *Runtime {
	events := deps.Events
	if events == nil {
		events = event.Nop{}
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Runtime{
		llm:        deps.LLM,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		indexes:    deps.Indexes,
		windows:    deps.Windows,
		tasks:      deps.Tasks,
		memories:   deps.Memories,
		events:     events,
		cfg:        cfg,
		ret:        ret,
		sem:        semaphore.NewWeighted(maxInFlight),
	}
}

// Handle processes one user message end to end and returns the final
// reply. Concurrency is bounded by the in-flight semaphore; ctx carries
// the request deadline.
func (rt *Runtime) Handle(ctx context.Context, req Request) (*Reply, error) {
	if err := rt.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer rt.sem.Release(1)

	limit := ChatMessageCap
	if rt.cfg.ChatMessageLimit > 0 {
		limit = rt.cfg.ChatMessageLimit
	}
	if req.Kind == KindTask {
		limit = TaskMessageCap
		if rt.cfg.TaskMessageLimit > 0 {
			limit = rt.cfg.TaskMessageLimit
		}
	}
	message := Sanitize(req.Message, limit)
	if message == "" {
		return &Reply{Text: "I didn't catch anything in that message. What would you like to do?"}, nil
	}

	history, err := rt.windows.History(ctx, req.ConversationID)
	if err != nil {
		// A lost window degrades context, never the request.
		slog.WarnContext(ctx, "conversation window unavailable", "conversation_id", req.ConversationID, "error", err)
	}

	retr := rt.retrieve(ctx, req, message)

	msgs := append(append([]model.Message{}, history...), model.Message{Role: model.RoleUser, Content: message})
	system := systemPrompt(rt.cfg.Persona, retr)

	reply, err := rt.planLoop(ctx, req, system, msgs, message)
	if err != nil {
		return nil, err
	}

	if persistErr := rt.windows.Append(ctx, req.ConversationID,
		model.Message{Role: model.RoleUser, Content: message},
		model.Message{Role: model.RoleAssistant, Content: reply.Text},
	); persistErr != nil {
		slog.WarnContext(ctx, "failed to persist conversation turn", "conversation_id", req.ConversationID, "error", persistErr)
	}
	return reply, nil
}

// planLoop drives plan/act iterations until the planner answers, hands
// off a task, or a budget runs out.
func (rt *Runtime) planLoop(ctx context.Context, req Request, system string, msgs []model.Message, message string) (*Reply, error) {
	loopCap := rt.cfg.PlanLoopCap
	if loopCap <= 0 {
		loopCap = 5
	}

	toolVisits := 0
	totalCalls := 0
	failedCalls := 0
	var firstFailedTool string
	reformatAsked := false

	for {
		resp, err := rt.generate(ctx, system, msgs)
		if err != nil {
			rt.emit(ctx, req, event.Event{Type: event.TypeError, Detail: "llm request failed"})
			return nil, fmt.Errorf("planning failed: %w", err)
		}

		plan, perr := ParsePlan(resp.Text)
		if perr != nil {
			if !reformatAsked {
				reformatAsked = true
				msgs = append(msgs,
					model.Message{Role: model.RoleAssistant, Content: resp.Text},
					model.Message{Role: model.RoleUser, Content: reformatInstruction},
				)
				continue
			}
			rt.emit(ctx, req, event.Event{Type: event.TypeError, Detail: string(agenterr.CodeUnparseablePlan)})
			return &Reply{Text: apologyText}, nil
		}

		rt.emit(ctx, req, event.Event{Type: event.TypePlanStep, Detail: string(plan.Type)})

		switch plan.Type {
		case PlanAnswer:
			text := plan.Text
			if totalCalls > 0 && failedCalls == totalCalls {
				text += fmt.Sprintf("\n\n(partial: tool %s failed, so this answer may be incomplete)", firstFailedTool)
			}
			return &Reply{Text: text}, nil

		case PlanToolCalls:
			if toolVisits >= loopCap {
				rt.emit(ctx, req, event.Event{Type: event.TypeError, Detail: string(agenterr.CodePlanLoopExhausted)})
				return &Reply{Text: exhaustedText}, nil
			}
			toolVisits++

			msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: resp.Text})
			caller := tool.Caller{UserID: req.UserID, Role: req.Role, ConversationID: req.ConversationID}
			for _, call := range plan.Calls {
				totalCalls++
				out, callErr := rt.dispatcher.Invoke(ctx, caller, call)
				var content string
				if callErr != nil {
					failedCalls++
					if firstFailedTool == "" {
						firstFailedTool = call.Name
					}
					content = "error: " + callErr.Error()
				} else if encoded, encErr := json.Marshal(out); encErr == nil {
					content = string(encoded)
				} else {
					content = fmt.Sprint(out)
				}
				msgs = append(msgs, model.Message{Role: model.RoleTool, Name: call.Name, Content: content})
			}

		case PlanComplexTask, PlanComplexTaskAdhoc:
			return rt.submitTask(ctx, req, plan, message)

		default:
			return nil, agenterr.New(agenterr.CodeUnparseablePlan, "unhandled plan type %q", plan.Type)
		}
	}
}

func (rt *Runtime) submitTask(ctx context.Context, req Request, plan *Plan, message string) (*Reply, error) {
	if rt.tasks == nil {
		return &Reply{Text: "Background tasks are not available right now, so I can't run that for you."}, nil
	}

	var taskID string
	var err error
	if plan.Type == PlanComplexTask {
		taskID, err = rt.tasks.SubmitTemplate(ctx, req.UserID, req.Role, plan.TemplateID, plan.Parameters)
	} else {
		spec := plan.Spec
		if strings.TrimSpace(spec) == "" {
			spec = message
		}
		taskID, err = rt.tasks.SubmitAdhoc(ctx, req.UserID, req.Role, spec)
	}
	if err != nil {
		rt.emit(ctx, req, event.Event{Type: event.TypeError, Detail: string(agenterr.CodeOf(err))})
		if agenterr.CodeOf(err) == agenterr.CodeQueueFull {
			return &Reply{Text: "I couldn't start that task: the queue is full right now. Please try again in a little while."}, nil
		}
		return &Reply{Text: fmt.Sprintf("I couldn't start that task: %v", err)}, nil
	}

	return &Reply{
		Text:   fmt.Sprintf("I've started working on that in the background. Task ID: %s. Ask me about its status any time.", taskID),
		TaskID: taskID,
	}, nil
}

// HandleStream runs Handle and delivers the reply text as a sequence
// of chunks through a bounded channel, so a slow transport applies
// backpressure to the producer. The caller must cancel ctx when it
// stops consuming early.
func (rt *Runtime) HandleStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		type item struct {
			text string
			err  error
		}
		ch := make(chan item, 8)

		go func() {
			defer close(ch)
			reply, err := rt.Handle(ctx, req)
			if err != nil {
				select {
				case ch <- item{err: err}:
				case <-ctx.Done():
				}
				return
			}
			for _, chunk := range chunkText(reply.Text, 64) {
				select {
				case ch <- item{text: chunk}:
				case <-ctx.Done():
					return
				}
			}
		}()

		for it := range ch {
			if !yield(it.text, it.err) {
				return
			}
		}
	}
}

// chunkText splits text into pieces of at most n runes.
func chunkText(text string, n int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		k := n
		if k > len(runes) {
			k = len(runes)
		}
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}

// retrieve gathers planner context. Retrieval failures degrade to an
// empty, annotated context rather than failing the request.
func (rt *Runtime) retrieve(ctx context.Context, req Request, message string) retrieved {
	r := retrieved{}

	knowledge, err := rt.indexes.Knowledge.Query(ctx, message, rt.ret.KnowledgeK, semantic.Filters{EnabledOnly: true})
	if err != nil {
		r.Degraded = true
		slog.WarnContext(ctx, "knowledge retrieval degraded", "error", err)
	} else {
		r.Knowledge = knowledge
	}

	// Tool access comes from the registry, never from the index: the
	// index only ranks which visible tools are worth showing.
	visible := rt.registry.Definitions(req.Role)
	candidates, err := rt.indexes.Tools.Query(ctx, message, rt.ret.ToolsN, semantic.Filters{
		EnabledOnly: true,
		MinScore:    rt.ret.SimThreshold,
	})
	if err != nil || len(candidates) == 0 {
		r.Tools = visible
	} else {
		byName := make(map[string]tool.Definition, len(visible))
		for _, d := range visible {
			byName[d.Name] = d
		}
		for _, c := range candidates {
			if d, ok := byName[c.ID]; ok {
				r.Tools = append(r.Tools, d)
			}
		}
		if len(r.Tools) == 0 {
			r.Tools = visible
		}
	}

	templates, err := rt.indexes.Templates.Query(ctx, message, rt.ret.TemplatesM, semantic.Filters{EnabledOnly: true})
	if err != nil {
		r.Degraded = true
	} else {
		r.Templates = templates
	}

	rt.emit(ctx, req, event.Event{
		Type:   event.TypeRetrieval,
		Detail: fmt.Sprintf("knowledge=%d tools=%d templates=%d degraded=%t", len(r.Knowledge), len(r.Tools), len(r.Templates), r.Degraded),
	})
	return r
}

const correctionSketchInstruction = `A user corrected the behavior of a generated task script. From the correction below, write one short paragraph of guidance a future script author should follow to avoid the same mistake. Reply with the guidance only.`

// Correction is a user-reported fix for earlier task output.
type Correction struct {
	UserID      string
	Description string
	Before      string
	After       string
}

// RecordCorrection turns a user correction into a reasoning memory the
// repair loop can retrieve later. The patch sketch is distilled by the
// LLM from the correction and the before/after scripts.
func (rt *Runtime) RecordCorrection(ctx context.Context, c Correction) (memory.Entry, error) {
	if rt.memories == nil || !rt.cfg.CorrectionsEnabled {
		return memory.Entry{}, fmt.Errorf("corrections are not enabled")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Correction: %s\n", c.Description)
	if c.Before != "" {
		fmt.Fprintf(&b, "\nScript before:\n%s\n", c.Before)
	}
	if c.After != "" {
		fmt.Fprintf(&b, "\nScript after:\n%s\n", c.After)
	}

	temp := 0.2
	resp, err := rt.llm.GenerateContent(ctx, &model.Request{
		SystemInstruction: correctionSketchInstruction,
		Messages:          []model.Message{{Role: model.RoleUser, Content: b.String()}},
		Config:            &model.GenerateConfig{Temperature: &temp},
	})
	if err != nil {
		return memory.Entry{}, fmt.Errorf("failed to distill correction: %w", err)
	}

	entry, err := rt.memories.Record(ctx, memory.Entry{
		Category: memory.CategoryUserCorrection,
		Source:   "user_correction",
		Pattern:  Sanitize(c.Description, TaskMessageCap),
		Advice:   strings.TrimSpace(resp.Text),
	})
	if err != nil {
		return memory.Entry{}, err
	}
	slog.InfoContext(ctx, "recorded user correction", "memory_id", entry.ID, "user_id", c.UserID)
	return entry, nil
}

func (rt *Runtime) generate(ctx context.Context, system string, msgs []model.Message) (*model.Response, error) {
	if rt.cfg.LLMRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.LLMRequestTimeout)
		defer cancel()
	}
	return rt.llm.GenerateContent(ctx, &model.Request{SystemInstruction: system, Messages: msgs})
}

func (rt *Runtime) emit(ctx context.Context, req Request, ev event.Event) {
	ev.ConversationID = req.ConversationID
	ev.UserID = req.UserID
	ev.Role = string(req.Role)
	rt.events.Emit(ctx, ev)
}
