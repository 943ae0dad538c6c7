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
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/tool"
)

// decodeArgs maps validated call arguments onto a typed args struct.
// Weak typing absorbs the float64 numbers JSON decoding produces.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type knowledgeSearchArgs struct {
	Query    string  `json:"query" jsonschema:"required,description=What to look for"`
	K        int     `json:"k,omitempty" jsonschema:"description=Maximum results,minimum=1,maximum=20"`
	Category string  `json:"category,omitempty" jsonschema:"description=Restrict to one category"`
	MinScore float64 `json:"min_score,omitempty" jsonschema:"description=Similarity floor in [0 1],minimum=0,maximum=1"`
}

// KnowledgeSearch queries the knowledge index.
func KnowledgeSearch(index *semantic.Index) tool.Tool {
	return &tool.Func{
		ToolName:        "knowledge_search",
		ToolDescription: "Searches the knowledge base for passages relevant to a query.",
		ToolCategory:    "retrieval",
		ToolSchema:      tool.MustSchema[knowledgeSearchArgs](),
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var in knowledgeSearchArgs
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			k := in.K
			if k <= 0 {
				k = 5
			}
			filters := semantic.Filters{
				EnabledOnly: true,
				Category:    in.Category,
				MinScore:    float32(in.MinScore),
			}

			hits, err := index.Query(ctx, in.Query, k, filters)
			if err != nil {
				return nil, fmt.Errorf("knowledge search failed: %w", err)
			}

			results := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				results = append(results, map[string]any{
					"id":       h.ID,
					"content":  h.Content,
					"category": h.Category,
					"score":    h.Score,
				})
			}
			return map[string]any{"results": results, "count": len(results)}, nil
		},
	}
}

type knowledgeAdminArgs struct {
	Action   string `json:"action" jsonschema:"required,enum=add|remove,description=Operation to perform"`
	ID       string `json:"id" jsonschema:"required,description=Document identifier"`
	Content  string `json:"content,omitempty" jsonschema:"description=Document text; required for add"`
	Category string `json:"category,omitempty" jsonschema:"description=Document category"`
	Tags     string `json:"tags,omitempty" jsonschema:"description=Comma-separated tags"`
	Priority int    `json:"priority,omitempty" jsonschema:"description=Tie-break priority"`
}

// KnowledgeAdmin mutates the knowledge index. Left on the registry's
// admin-only default.
func KnowledgeAdmin(index *semantic.Index) tool.Tool {
	return &tool.Func{
		ToolName:        "knowledge_admin",
		ToolDescription: "Adds or removes knowledge base documents.",
		ToolCategory:    "retrieval",
		ToolSchema:      tool.MustSchema[knowledgeAdminArgs](),
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var in knowledgeAdminArgs
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}

			switch in.Action {
			case "add":
				if strings.TrimSpace(in.Content) == "" {
					return nil, fmt.Errorf("content is required for add")
				}
				doc := semantic.Document{
					ID:        in.ID,
					Content:   in.Content,
					Category:  in.Category,
					Priority:  in.Priority,
					Enabled:   true,
					UpdatedAt: time.Now(),
				}
				if in.Tags != "" {
					doc.Tags = strings.Split(in.Tags, ",")
				}
				if err := index.AddOrUpdate(ctx, doc); err != nil {
					return nil, err
				}
				return map[string]any{"status": "added", "id": in.ID}, nil

			case "remove":
				if err := index.Remove(ctx, in.ID); err != nil {
					return nil, err
				}
				return map[string]any{"status": "removed", "id": in.ID}, nil

			default:
				return nil, fmt.Errorf("unknown action %q", in.Action)
			}
		},
	}
}
