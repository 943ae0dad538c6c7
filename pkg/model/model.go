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

// Package model defines the LLM provider abstraction.
//
// The runtime, the ad-hoc template synthesizer and the repair loop all speak
// to the model through the LLM interface; vendor SDKs live in subpackages.
package model

import (
	"context"
	"iter"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string

	// Name is the tool name when Role is RoleTool.
	Name string

	// ToolCalls are calls requested by an assistant turn.
	ToolCalls []ToolCall
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// GenerateConfig overrides per-request generation parameters.
type GenerateConfig struct {
	Temperature      *float64
	MaxTokens        int
	ResponseMIMEType string         // "application/json" forces JSON output
	ResponseSchema   map[string]any // JSON schema for structured output
}

// Request is a single generation request.
type Request struct {
	SystemInstruction string
	Messages          []Message
	Config            *GenerateConfig
	Tools             []ToolDefinition
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a complete (non-streaming) generation result.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// Chunk is one streamed fragment. Done is set on the terminal chunk, which
// also carries the final usage when the provider reports it.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
}

// LLM is the provider interface.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// GenerateContent produces a complete response.
	GenerateContent(ctx context.Context, req *Request) (*Response, error)

	// StreamContent produces a response as a sequence of chunks.
	StreamContent(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]

	// Close releases resources.
	Close() error
}
