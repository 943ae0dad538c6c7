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

// Package maestro is an LLM agent runtime with semantic retrieval,
// role-gated tools, and self-repairing background tasks.
//
// A runtime turns each user message into a retrieval-grounded plan,
// dispatches tool calls through an RBAC-checked registry, and can
// submit long-running work as background tasks. Failed task scripts
// are patched by a repair loop that consults a reasoning memory of
// past fixes, so the system gets better at repairing the failures it
// has seen before.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/maestro-adk/maestro/cmd/maestro@latest
//
// Create a config file:
//
//	llm:
//	  provider: gemini
//	  model: gemini-2.0-flash
//	  api_key: "${GEMINI_API_KEY}"
//	embedding:
//	  provider: gemini
//	store:
//	  backend: sqlite
//	  dsn: maestro.db
//
// Chat:
//
//	maestro chat --config maestro.yaml
//
// # Using as a library
//
// Construct a runtime and feed it messages:
//
//	rt, err := runtime.New(ctx, cfg, runtime.Options{
//		Sandbox:  engine, // a sandbox.Sandbox; nil disables tasks
//		Services: []string{"db", "files"},
//	})
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//
//	reply, err := rt.Handle(ctx, agent.Request{
//		UserID:         "u1",
//		Role:           tool.RoleUser,
//		ConversationID: "c1",
//		Message:        "What is our refund policy?",
//		Kind:           agent.KindChat,
//	})
//
// The packages under pkg/ can also be used individually: pkg/semantic
// for vector retrieval, pkg/tool for the registry and dispatcher,
// pkg/task for orchestration, pkg/embedder for the caching embedding
// gateway.
package maestro
