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

// Package builtin provides the stock tools every deployment starts
// with: time, guarded HTTP fetch, knowledge search and administration,
// and task status lookup.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/maestro-adk/maestro/pkg/tool"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// CurrentTime reports the current time, optionally in a timezone.
func CurrentTime() tool.Tool {
	return &tool.Func{
		ToolName:        "current_time",
		ToolDescription: "Returns the current date and time, optionally converted to a timezone.",
		ToolCategory:    "utility",
		ToolSchema:      tool.MustSchema[currentTimeArgs](),
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			loc := time.UTC
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = parsed
			}
			now := time.Now().In(loc)
			return map[string]any{
				"iso":      now.Format(time.RFC3339),
				"unix":     now.Unix(),
				"timezone": loc.String(),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}
