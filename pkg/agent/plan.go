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
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/model"
)

// PlanType tags the planner's per-turn decision.
type PlanType string

const (
	PlanAnswer           PlanType = "answer"
	PlanToolCalls        PlanType = "tool_calls"
	PlanComplexTask      PlanType = "complex_task"
	PlanComplexTaskAdhoc PlanType = "complex_task_adhoc"
)

// Plan is the parsed planner decision. Exactly the fields for its type
// are populated; unknown shapes are rejected at parse time rather than
// coerced.
type Plan struct {
	Type PlanType

	// PlanAnswer.
	Text string

	// PlanToolCalls.
	Calls []model.ToolCall

	// PlanComplexTask.
	TemplateID string
	Parameters map[string]any

	// PlanComplexTaskAdhoc.
	Spec string
}

// rawPlan is the wire shape the planner is instructed to produce.
type rawPlan struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Calls      []rawPlanCall  `json:"calls"`
	TemplateID string         `json:"templateId"`
	Parameters map[string]any `json:"parameters"`
	Spec       string         `json:"naturalLanguageSpec"`
}

type rawPlanCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ParsePlan decodes the planner's reply into a Plan. Model output is
// messy: fenced code blocks, prose around the JSON and mild syntax
// damage are tolerated via a repair pre-pass. Anything that still does
// not decode to a known shape fails with ERR_LLM_UNPARSEABLE_PLAN.
func ParsePlan(reply string) (*Plan, error) {
	payload := extractJSON(reply)
	if payload == "" {
		return nil, agenterr.New(agenterr.CodeUnparseablePlan, "planner reply contains no JSON object")
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, agenterr.Wrap(agenterr.CodeUnparseablePlan, err, "planner reply is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, agenterr.Wrap(agenterr.CodeUnparseablePlan, err, "planner reply is not valid JSON after repair")
		}
	}

	switch PlanType(raw.Type) {
	case PlanAnswer:
		if raw.Text == "" {
			return nil, agenterr.New(agenterr.CodeUnparseablePlan, "answer plan has no text")
		}
		return &Plan{Type: PlanAnswer, Text: raw.Text}, nil

	case PlanToolCalls:
		if len(raw.Calls) == 0 {
			return nil, agenterr.New(agenterr.CodeUnparseablePlan, "tool_calls plan has no calls")
		}
		calls := make([]model.ToolCall, 0, len(raw.Calls))
		for _, c := range raw.Calls {
			if c.Tool == "" {
				return nil, agenterr.New(agenterr.CodeUnparseablePlan, "tool call without a tool name")
			}
			calls = append(calls, model.ToolCall{Name: c.Tool, Args: c.Args})
		}
		return &Plan{Type: PlanToolCalls, Calls: calls}, nil

	case PlanComplexTask:
		if raw.TemplateID == "" {
			return nil, agenterr.New(agenterr.CodeUnparseablePlan, "complex_task plan has no templateId")
		}
		return &Plan{Type: PlanComplexTask, TemplateID: raw.TemplateID, Parameters: raw.Parameters}, nil

	case PlanComplexTaskAdhoc:
		if strings.TrimSpace(raw.Spec) == "" {
			return nil, agenterr.New(agenterr.CodeUnparseablePlan, "complex_task_adhoc plan has no spec")
		}
		return &Plan{Type: PlanComplexTaskAdhoc, Spec: raw.Spec}, nil

	default:
		return nil, agenterr.New(agenterr.CodeUnparseablePlan, "unknown plan type %q", raw.Type)
	}
}

// extractJSON pulls the outermost JSON object out of a model reply,
// skipping markdown fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if fence := strings.Index(s, "```"); fence >= 0 {
		rest := s[fence+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if strings.Contains(rest, "{") {
			s = rest
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unterminated object: hand what we have to the repair pass.
	return s[start:]
}
