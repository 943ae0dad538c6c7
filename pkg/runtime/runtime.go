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

// Package runtime assembles the full agent stack from configuration:
// stores, indexes, the model, tools, the task subsystem and metrics.
package runtime

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/maestro-adk/maestro/pkg/agent"
	"github.com/maestro-adk/maestro/pkg/config"
	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/event"
	"github.com/maestro-adk/maestro/pkg/httpclient"
	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/memory"
	"github.com/maestro-adk/maestro/pkg/model"
	"github.com/maestro-adk/maestro/pkg/model/gemini"
	"github.com/maestro-adk/maestro/pkg/observability"
	"github.com/maestro-adk/maestro/pkg/sandbox"
	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/task"
	"github.com/maestro-adk/maestro/pkg/tool"
	"github.com/maestro-adk/maestro/pkg/tool/builtin"
	"github.com/maestro-adk/maestro/pkg/vector"
)

// Options injects collaborators that configuration cannot build: the
// sandbox engine, and overrides used by tests and embedders.
type Options struct {
	// LLM overrides the configured model provider. Required when
	// llm.provider is "mock".
	LLM model.LLM

	// Embedder overrides the configured embedding provider. Required
	// when embedding.provider is "mock".
	Embedder embedder.Embedder

	// Sandbox executes task scripts. When nil the task subsystem is
	// disabled and complex-task plans get an unavailability reply.
	Sandbox sandbox.Sandbox

	// Services names the globals the sandbox exposes to scripts. Used
	// for template selectability and ad-hoc synthesis prompts.
	Services []string

	// Events receives a copy of every event, after logging and metrics.
	Events event.Sink
}

// Runtime is the assembled system.
type Runtime struct {
	Agent     *agent.Runtime
	Registry  *tool.Registry
	Indexes   *semantic.Indexes
	Memories  *memory.Store
	Templates *task.Templates
	Tasks     *task.Orchestrator

	llm      model.LLM
	store    kv.Store
	provider vector.Provider
	embed    *embedder.Service
	metrics  observability.Metrics
	server   *observability.Server

	cancel context.CancelFunc
}

// New builds and starts the runtime. cfg gets defaults applied and is
// validated here; Close releases everything New acquired.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{metrics: observability.Noop{}}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	var err error
	if rt.store, err = kv.New(cfg.Store.Backend, cfg.Store.DSN); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if rt.provider, err = newVectorProvider(cfg.Vector); err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}

	raw, err := newEmbedder(cfg.Embedding, opts.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	rt.embed = embedder.NewService(raw, embedder.ServiceOptions{
		CacheCapacity:  cfg.Embedding.CacheCapacity,
		CacheTTL:       cfg.Embedding.CacheTTL,
		ReportInterval: cfg.Embedding.MetricsReport,
		RequestTimeout: cfg.Embedding.RequestTimeout,
		MaxBatchSize:   cfg.Embedding.MaxBatchSize,
	})

	if rt.Indexes, err = semantic.NewIndexes(ctx, rt.provider, rt.embed); err != nil {
		return nil, fmt.Errorf("indexes: %w", err)
	}

	if rt.llm, err = newLLM(cfg.LLM, opts.LLM); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	sinks := event.Multi{event.NewSlogSink()}
	if cfg.Observability.Enabled {
		registry := prom.NewRegistry()
		metrics, err := observability.InitMetrics(ctx, registry)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		rt.metrics = metrics
		rt.server = observability.NewServer(cfg.Observability.Port, registry)
		go rt.server.Start()
		sinks = append(sinks, observability.NewMetricsSink(metrics))
		rt.llm = observability.InstrumentLLM(rt.llm, metrics)
	}
	if opts.Events != nil {
		sinks = append(sinks, opts.Events)
	}
	var events event.Sink = sinks

	rt.Memories = memory.NewStore(rt.store, rt.Indexes.Memories)

	counter := agent.NewTokenCounter(cfg.Agent.TokenizerModel)
	windows := agent.NewWindows(rt.store, counter, cfg.Agent.WindowTurns, cfg.Agent.WindowTokenBudget)

	rt.Registry = tool.NewRegistry()
	dispatcher := tool.NewDispatcher(rt.Registry, events, cfg.Tools.DefaultTimeout)

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	go rt.Memories.Maintain(runCtx, time.Hour)

	var submitter agent.TaskSubmitter
	if opts.Sandbox != nil {
		rt.Templates = task.NewTemplates(rt.store, rt.Indexes.Templates)
		synth := task.NewSynthesizer(rt.llm, opts.Services, cfg.Tasks.ScriptSizeCap)
		repairer := task.NewRepairer(rt.llm, rt.Memories, cfg.Tasks.MaxRepairs, cfg.Tasks.RepairMemoryK, cfg.Tasks.ScriptSizeCap)
		rt.Tasks = task.NewOrchestrator(task.NewStore(rt.store), rt.Templates, synth, repairer,
			opts.Sandbox, events, opts.Services, cfg.Tasks)

		if cfg.Tasks.TemplateDir != "" {
			if err := rt.Templates.LoadDir(ctx, cfg.Tasks.TemplateDir); err != nil {
				return nil, fmt.Errorf("templates: %w", err)
			}
			go func() {
				if err := rt.Templates.Watch(runCtx, cfg.Tasks.TemplateDir); err != nil && runCtx.Err() == nil {
					slog.Error("template watcher stopped", "error", err)
				}
			}()
		}

		rt.Tasks.Start(runCtx)
		submitter = rt.Tasks
	}

	if err := registerBuiltins(rt.Registry, rt.Indexes, rt.Tasks); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	rt.Registry.ApplyConfig(cfg.Tools.ACL, cfg.Tools.Disabled, cfg.Tools.DisabledGroups)
	rt.Registry.SetIndex(ctx, rt.Indexes.Tools)

	rt.Agent = agent.NewRuntime(agent.Deps{
		LLM:        rt.llm,
		Dispatcher: dispatcher,
		Registry:   rt.Registry,
		Indexes:    rt.Indexes,
		Windows:    windows,
		Tasks:      submitter,
		Memories:   rt.Memories,
		Events:     events,
	}, cfg.Agent, cfg.Retrieval)

	ok = true
	return rt, nil
}

// Handle processes one message end to end.
func (rt *Runtime) Handle(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	start := time.Now()
	reply, err := rt.Agent.Handle(ctx, req)
	rt.metrics.RecordMessage(ctx, time.Since(start), err)
	return reply, err
}

// HandleStream processes one message, yielding the reply in chunks.
func (rt *Runtime) HandleStream(ctx context.Context, req agent.Request) iter.Seq2[string, error] {
	return rt.Agent.HandleStream(ctx, req)
}

// RecordCorrection distills a user correction into reasoning memory.
func (rt *Runtime) RecordCorrection(ctx context.Context, c agent.Correction) (memory.Entry, error) {
	return rt.Agent.RecordCorrection(ctx, c)
}

// Close stops workers and releases every resource New acquired. Safe to
// call on a partially built runtime.
func (rt *Runtime) Close() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.Tasks != nil {
		rt.Tasks.Wait()
	}
	if rt.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.server.Shutdown(shutdownCtx)
	}
	var firstErr error
	if rt.llm != nil {
		firstErr = rt.llm.Close()
	}
	if rt.embed != nil {
		if err := rt.embed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.provider != nil {
		if err := rt.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newVectorProvider(cfg config.VectorConfig) (vector.Provider, error) {
	switch cfg.Provider {
	case "qdrant":
		return vector.NewProvider(&vector.ProviderConfig{
			Type: vector.ProviderQdrant,
			Qdrant: &vector.QdrantConfig{
				Host:   cfg.Host,
				Port:   cfg.Port,
				APIKey: cfg.APIKey,
				UseTLS: cfg.UseTLS,
			},
		})
	default:
		return vector.NewProvider(&vector.ProviderConfig{
			Type: vector.ProviderChromem,
			Chromem: &vector.ChromemConfig{
				PersistPath: cfg.PersistPath,
				Compress:    cfg.Compress,
			},
		})
	}
}

func newEmbedder(cfg config.EmbeddingConfig, override embedder.Embedder) (embedder.Embedder, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Provider {
	case "gemini":
		return embedder.NewGemini(embedder.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model})
	case "mock":
		return embedder.NewHashing(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newLLM(cfg config.LLMConfig, override model.LLM) (model.LLM, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Provider {
	case "gemini":
		return gemini.New(gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case "mock":
		return nil, fmt.Errorf("provider %q requires an injected model", cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// registerBuiltins installs the standard tool set. The knowledge
// management tool stays admin-only; the rest are open to users.
func registerBuiltins(registry *tool.Registry, indexes *semantic.Indexes, tasks *task.Orchestrator) error {
	builtins := []struct {
		t     tool.Tool
		opts  []tool.RegisterOption
		avail bool
	}{
		{builtin.CurrentTime(), []tool.RegisterOption{tool.WithRoles(tool.RoleUser, tool.RoleAdmin)}, true},
		{builtin.HTTPFetch(httpclient.NewSafe()), []tool.RegisterOption{tool.WithRoles(tool.RoleUser, tool.RoleAdmin)}, true},
		{builtin.KnowledgeSearch(indexes.Knowledge), []tool.RegisterOption{tool.WithRoles(tool.RoleUser, tool.RoleAdmin)}, true},
		{builtin.KnowledgeAdmin(indexes.Knowledge), nil, true},
		{builtin.TaskStatus(tasks), []tool.RegisterOption{tool.WithRoles(tool.RoleUser, tool.RoleAdmin)}, tasks != nil},
	}
	for _, b := range builtins {
		if !b.avail {
			continue
		}
		if err := registry.Register(b.t, b.opts...); err != nil {
			return err
		}
	}
	return nil
}
