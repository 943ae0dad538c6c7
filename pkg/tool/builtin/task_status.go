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

package builtin

import (
	"context"

	"github.com/maestro-adk/maestro/pkg/tool"
)

// TaskStatusReader answers status lookups scoped to the caller. Users
// see only their own tasks; admins see all.
type TaskStatusReader interface {
	TaskStatusFor(ctx context.Context, taskID, userID string, admin bool) (map[string]any, error)
}

type taskStatusArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Identifier of the task to inspect"`
}

// TaskStatus reports the state of a background task.
func TaskStatus(reader TaskStatusReader) tool.Tool {
	return &tool.Func{
		ToolName:        "task_status",
		ToolDescription: "Looks up the current state and result of a background task.",
		ToolCategory:    "tasks",
		ToolSchema:      tool.MustSchema[taskStatusArgs](),
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			taskID, _ := args["task_id"].(string)
			caller := tool.CallerFromContext(ctx)
			return reader.TaskStatusFor(ctx, taskID, caller.UserID, caller.Role == tool.RoleAdmin)
		},
	}
}
