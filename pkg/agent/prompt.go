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

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/tool"
)

const defaultPersona = "You are a capable, honest assistant. Answer from the provided knowledge when it applies, use tools when they help, and say plainly when you cannot help."

const planInstruction = `Decide how to respond. Reply with exactly one JSON object, no prose around it, in one of these shapes:
{"type":"answer","text":"<final reply to the user>"}
{"type":"tool_calls","calls":[{"tool":"<name>","args":{...}}]}
{"type":"complex_task","templateId":"<id>","parameters":{...}}
{"type":"complex_task_adhoc","naturalLanguageSpec":"<what the background task must do>"}
Use "complex_task" only with a listed template. Use "complex_task_adhoc" for multi-step background work no template covers.`

const reformatInstruction = `Your previous reply was not a valid plan object. Reply again with exactly one JSON object in one of the documented shapes and nothing else.`

// retrieved bundles the per-request retrieval results fed to the
// planner.
type retrieved struct {
	Knowledge []semantic.Hit
	Tools     []tool.Definition
	Templates []semantic.Hit

	// Degraded is set when retrieval failed and the planner must be
	// told it is flying without context.
	Degraded bool
}

// systemPrompt renders the planning system instruction.
func systemPrompt(persona string, r retrieved) string {
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")

	if r.Degraded {
		b.WriteString("NOTE: knowledge retrieval is currently unavailable. No reference material could be loaded; answer from general knowledge and say so when the answer depends on internal data.\n\n")
	}

	if len(r.Knowledge) > 0 {
		b.WriteString("Relevant knowledge:\n")
		for _, h := range r.Knowledge {
			fmt.Fprintf(&b, "- [%s] %s\n", h.ID, h.Content)
		}
		b.WriteString("\n")
	}

	if len(r.Tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, d := range r.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
			if d.Parameters != nil {
				if schema, err := json.Marshal(d.Parameters); err == nil {
					fmt.Fprintf(&b, "  args schema: %s\n", schema)
				}
			}
		}
		b.WriteString("\n")
	}

	if len(r.Templates) > 0 {
		b.WriteString("Available task templates:\n")
		for _, h := range r.Templates {
			fmt.Fprintf(&b, "- %s: %s\n", h.ID, h.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString(planInstruction)
	return b.String()
}
