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

// Package config defines the runtime configuration model.
//
// Every knob has a safe default; an empty config file yields a working
// runtime backed by the in-memory store and the embedded vector database.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Vector        VectorConfig        `yaml:"vector"`
	Store         StoreConfig         `yaml:"store"`
	Agent         AgentConfig         `yaml:"agent"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Tools         ToolsConfig         `yaml:"tools"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logger        LoggerConfig        `yaml:"logger"`
}

// LLMConfig configures the planning/synthesis/repair model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "gemini" or "mock"
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// EmbeddingConfig configures the embedding gateway.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "gemini" or "mock"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	CacheCapacity   int           `yaml:"cache_capacity"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MetricsReport   time.Duration `yaml:"metrics_report"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	DimensionCheck  bool          `yaml:"dimension_check"`
	OutputDimension int           `yaml:"output_dimension"`
}

// VectorConfig selects the vector store backend.
type VectorConfig struct {
	Provider string `yaml:"provider"` // "chromem" or "qdrant"

	// Chromem options.
	PersistPath string `yaml:"persist_path"`
	Compress    bool   `yaml:"compress"`

	// Qdrant options.
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory", "sqlite", "postgres", "mysql"
	DSN     string `yaml:"dsn"`
}

// AgentConfig configures the per-message pipeline.
type AgentConfig struct {
	Persona            string        `yaml:"persona"`
	PlanLoopCap        int           `yaml:"plan_loop_cap"`
	WindowTurns        int           `yaml:"window_turns"`
	WindowTokenBudget  int           `yaml:"window_token_budget"`
	MaxInFlight        int64         `yaml:"max_in_flight"`
	ChatMessageLimit   int           `yaml:"chat_message_limit"`
	TaskMessageLimit   int           `yaml:"task_message_limit"`
	LLMRequestTimeout  time.Duration `yaml:"llm_request_timeout"`
	TokenizerModel     string        `yaml:"tokenizer_model"`
	CorrectionsEnabled bool          `yaml:"corrections_enabled"`
}

// RetrievalConfig configures semantic retrieval.
type RetrievalConfig struct {
	KnowledgeK   int     `yaml:"knowledge_k"`
	ToolsN       int     `yaml:"tools_n"`
	TemplatesM   int     `yaml:"templates_m"`
	SimThreshold float32 `yaml:"sim_threshold"`
}

// ToolsConfig configures the registry and dispatcher.
type ToolsConfig struct {
	DefaultTimeout time.Duration       `yaml:"default_timeout"`
	ACL            map[string][]string `yaml:"acl"`            // tool name -> roles
	Disabled       []string            `yaml:"disabled"`       // disabled tool names
	DisabledGroups []string            `yaml:"disabled_groups"` // feature-flag groups
}

// TasksConfig configures the orchestrator, workers and repair loop.
type TasksConfig struct {
	Workers           int           `yaml:"workers"`
	QueueDepth        int           `yaml:"queue_depth"`
	PerUserCap        int           `yaml:"per_user_cap"` // non-admin; admin is unlimited
	MaxRepairs        int           `yaml:"max_repairs"`
	WallClock         time.Duration `yaml:"wall_clock"`
	HeapBytes         int64         `yaml:"heap_bytes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HungGrace         time.Duration `yaml:"hung_grace"`
	ScriptSizeCap     int           `yaml:"script_size_cap"`
	TemplateDir       string        `yaml:"template_dir"`
	RepairMemoryK     int           `yaml:"repair_memory_k"`
}

// ObservabilityConfig enables the metrics endpoint.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggerConfig configures process logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SetDefaults applies the documented safe defaults to every unset field.
func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gemini-2.0-flash"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "gemini"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-004"
	}
	if c.Embedding.CacheCapacity == 0 {
		c.Embedding.CacheCapacity = 1000
	}
	if c.Embedding.CacheTTL == 0 {
		c.Embedding.CacheTTL = time.Hour
	}
	if c.Embedding.MetricsReport == 0 {
		c.Embedding.MetricsReport = time.Hour
	}
	if c.Embedding.RequestTimeout == 0 {
		c.Embedding.RequestTimeout = 30 * time.Second
	}
	if c.Embedding.MaxBatchSize == 0 {
		c.Embedding.MaxBatchSize = 64
	}
	if c.Embedding.OutputDimension == 0 {
		c.Embedding.OutputDimension = 768
	}

	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Port == 0 {
		c.Vector.Port = 6334
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}

	if c.Agent.PlanLoopCap == 0 {
		c.Agent.PlanLoopCap = 5
	}
	if c.Agent.WindowTurns == 0 {
		c.Agent.WindowTurns = 20
	}
	if c.Agent.WindowTokenBudget == 0 {
		c.Agent.WindowTokenBudget = 8000
	}
	if c.Agent.MaxInFlight == 0 {
		c.Agent.MaxInFlight = 32
	}
	if c.Agent.ChatMessageLimit == 0 {
		c.Agent.ChatMessageLimit = 1000
	}
	if c.Agent.TaskMessageLimit == 0 {
		c.Agent.TaskMessageLimit = 5000
	}
	if c.Agent.LLMRequestTimeout == 0 {
		c.Agent.LLMRequestTimeout = 60 * time.Second
	}
	if c.Agent.TokenizerModel == "" {
		c.Agent.TokenizerModel = "gpt-4o"
	}

	if c.Retrieval.KnowledgeK == 0 {
		c.Retrieval.KnowledgeK = 5
	}
	if c.Retrieval.ToolsN == 0 {
		c.Retrieval.ToolsN = 10
	}
	if c.Retrieval.TemplatesM == 0 {
		c.Retrieval.TemplatesM = 3
	}
	if c.Retrieval.SimThreshold == 0 {
		c.Retrieval.SimThreshold = 0.65
	}

	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 30 * time.Second
	}

	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = 3
	}
	if c.Tasks.QueueDepth == 0 {
		c.Tasks.QueueDepth = 1024
	}
	if c.Tasks.PerUserCap == 0 {
		c.Tasks.PerUserCap = 5
	}
	if c.Tasks.MaxRepairs == 0 {
		c.Tasks.MaxRepairs = 3
	}
	if c.Tasks.WallClock == 0 {
		c.Tasks.WallClock = 10 * time.Minute
	}
	if c.Tasks.HeapBytes == 0 {
		c.Tasks.HeapBytes = 256 << 20
	}
	if c.Tasks.HeartbeatInterval == 0 {
		c.Tasks.HeartbeatInterval = 5 * time.Second
	}
	if c.Tasks.HungGrace == 0 {
		c.Tasks.HungGrace = 30 * time.Second
	}
	if c.Tasks.ScriptSizeCap == 0 {
		c.Tasks.ScriptSizeCap = 200 << 10
	}
	if c.Tasks.RepairMemoryK == 0 {
		c.Tasks.RepairMemoryK = 5
	}

	if c.Observability.Port == 0 {
		c.Observability.Port = 9090
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "compact"
	}
}

// Validate checks cross-field consistency. It assumes SetDefaults ran first.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "gemini", "mock":
	default:
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "gemini", "mock":
	default:
		return fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.OutputDimension != 768 {
		return fmt.Errorf("embedding.output_dimension: must be 768, got %d", c.Embedding.OutputDimension)
	}
	switch c.Vector.Provider {
	case "chromem":
	case "qdrant":
		if c.Vector.Host == "" {
			return fmt.Errorf("vector.host is required for qdrant")
		}
	default:
		return fmt.Errorf("vector.provider: unknown provider %q", c.Vector.Provider)
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Agent.PlanLoopCap < 1 {
		return fmt.Errorf("agent.plan_loop_cap must be >= 1")
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be >= 1")
	}
	if c.Tasks.MaxRepairs < 0 {
		return fmt.Errorf("tasks.max_repairs must be >= 0")
	}
	if c.Retrieval.SimThreshold < 0 || c.Retrieval.SimThreshold > 1 {
		return fmt.Errorf("retrieval.sim_threshold must be in [0,1]")
	}
	for name, roles := range c.Tools.ACL {
		for _, r := range roles {
			if r != "user" && r != "admin" {
				return fmt.Errorf("tools.acl[%s]: unknown role %q", name, r)
			}
		}
	}
	return nil
}
