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
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maestro-adk/maestro/pkg/httpclient"
	"github.com/maestro-adk/maestro/pkg/tool"
)

const fetchBodyCap = 256 << 10

type httpFetchArgs struct {
	URL      string `json:"url" jsonschema:"required,description=Absolute http or https URL to fetch"`
	Method   string `json:"method,omitempty" jsonschema:"enum=GET|HEAD,description=Request method; defaults to GET"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Response body byte cap,minimum=1,maximum=262144"`
}

// HTTPFetch retrieves a public web resource through the egress-guarded
// client. Private, loopback and metadata destinations are refused.
func HTTPFetch(client *httpclient.Client) tool.Tool {
	if client == nil {
		client = httpclient.NewSafe()
	}
	return &tool.Func{
		ToolName:        "http_fetch",
		ToolDescription: "Fetches a public web page or API response over HTTP(S). Internal addresses are not reachable.",
		ToolCategory:    "network",
		ToolTimeout:     45 * time.Second,
		ToolSchema:      tool.MustSchema[httpFetchArgs](),
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			rawURL, _ := args["url"].(string)
			if err := httpclient.CheckURL(rawURL); err != nil {
				return nil, err
			}

			method := http.MethodGet
			if m, ok := args["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}

			limit := fetchBodyCap
			if mb, ok := numberArg(args["max_bytes"]); ok && mb > 0 && mb < fetchBodyCap {
				limit = mb
			}

			req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
			if err != nil {
				return nil, fmt.Errorf("invalid request: %w", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			truncated := len(body) > limit
			if truncated {
				body = body[:limit]
			}

			return map[string]any{
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"body":         string(body),
				"truncated":    truncated,
			}, nil
		},
	}
}

// numberArg reads a JSON number that may arrive as int or float64.
func numberArg(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
