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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/agenterr"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    PlanType
		wantErr bool
	}{
		{
			name:  "plain answer",
			reply: `{"type":"answer","text":"Refunds are accepted within 30 days."}`,
			want:  PlanAnswer,
		},
		{
			name:  "answer inside a code fence",
			reply: "Here is my decision:\n```json\n{\"type\":\"answer\",\"text\":\"hello\"}\n```",
			want:  PlanAnswer,
		},
		{
			name:  "answer with surrounding prose",
			reply: `Sure! {"type":"answer","text":"hi"} Hope that helps.`,
			want:  PlanAnswer,
		},
		{
			name:  "tool calls",
			reply: `{"type":"tool_calls","calls":[{"tool":"current_time","args":{}},{"tool":"knowledge_search","args":{"query":"refunds"}}]}`,
			want:  PlanToolCalls,
		},
		{
			name:  "complex task",
			reply: `{"type":"complex_task","templateId":"invoice-report","parameters":{"days":60}}`,
			want:  PlanComplexTask,
		},
		{
			name:  "adhoc task",
			reply: `{"type":"complex_task_adhoc","naturalLanguageSpec":"Generate a CSV of old invoices."}`,
			want:  PlanComplexTaskAdhoc,
		},
		{
			name:  "trailing comma repaired",
			reply: `{"type":"answer","text":"fixed",}`,
			want:  PlanAnswer,
		},
		{
			name:  "single quotes repaired",
			reply: `{'type': 'answer', 'text': 'quoted'}`,
			want:  PlanAnswer,
		},
		{
			name:    "no json at all",
			reply:   "I think the refund window is 30 days.",
			wantErr: true,
		},
		{
			name:    "unknown type rejected",
			reply:   `{"type":"shell_command","command":"rm -rf /"}`,
			wantErr: true,
		},
		{
			name:    "answer without text rejected",
			reply:   `{"type":"answer"}`,
			wantErr: true,
		},
		{
			name:    "tool calls without calls rejected",
			reply:   `{"type":"tool_calls","calls":[]}`,
			wantErr: true,
		},
		{
			name:    "tool call without name rejected",
			reply:   `{"type":"tool_calls","calls":[{"args":{"x":1}}]}`,
			wantErr: true,
		},
		{
			name:    "complex task without template rejected",
			reply:   `{"type":"complex_task","parameters":{}}`,
			wantErr: true,
		},
		{
			name:    "adhoc without spec rejected",
			reply:   `{"type":"complex_task_adhoc","naturalLanguageSpec":"  "}`,
			wantErr: true,
		},
		{
			name:    "empty reply rejected",
			reply:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, agenterr.ErrUnparseablePlan), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Type)
		})
	}
}

func TestParsePlanFields(t *testing.T) {
	plan, err := ParsePlan(`{"type":"tool_calls","calls":[{"tool":"echo","args":{"text":"hi"}}]}`)
	require.NoError(t, err)
	require.Len(t, plan.Calls, 1)
	assert.Equal(t, "echo", plan.Calls[0].Name)
	assert.Equal(t, "hi", plan.Calls[0].Args["text"])

	plan, err = ParsePlan(`{"type":"complex_task","templateId":"t1","parameters":{"n":3}}`)
	require.NoError(t, err)
	assert.Equal(t, "t1", plan.TemplateID)
	assert.Equal(t, float64(3), plan.Parameters["n"])
}
