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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/tool"
	"github.com/maestro-adk/maestro/pkg/vector"
)

func knowledgeIndex(t *testing.T) *semantic.Index {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return semantic.NewIndex(semantic.KindKnowledge, provider, embedder.NewHashing())
}

func TestCurrentTime(t *testing.T) {
	ct := CurrentTime()
	ctx := context.Background()

	out, err := ct.Call(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "UTC", out["timezone"])
	assert.NotEmpty(t, out["iso"])

	out, err = ct.Call(ctx, map[string]any{"timezone": "America/New_York"})
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", out["timezone"])

	_, err = ct.Call(ctx, map[string]any{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestKnowledgeAdminAndSearch(t *testing.T) {
	ix := knowledgeIndex(t)
	admin := KnowledgeAdmin(ix)
	search := KnowledgeSearch(ix)
	ctx := context.Background()

	_, err := admin.Call(ctx, map[string]any{
		"action":   "add",
		"id":       "refund-policy",
		"content":  "refunds are accepted within thirty days of purchase",
		"category": "billing",
	})
	require.NoError(t, err)

	out, err := search.Call(ctx, map[string]any{"query": "refund window", "k": 3})
	require.NoError(t, err)
	results := out["results"].([]map[string]any)
	require.NotEmpty(t, results)
	assert.Equal(t, "refund-policy", results[0]["id"])

	// Category filter excludes.
	out, err = search.Call(ctx, map[string]any{"query": "refund window", "category": "shipping"})
	require.NoError(t, err)
	assert.Equal(t, 0, out["count"])

	_, err = admin.Call(ctx, map[string]any{"action": "remove", "id": "refund-policy"})
	require.NoError(t, err)

	out, err = search.Call(ctx, map[string]any{"query": "refund window"})
	require.NoError(t, err)
	assert.Equal(t, 0, out["count"])

	_, err = admin.Call(ctx, map[string]any{"action": "explode", "id": "x"})
	assert.Error(t, err)

	_, err = admin.Call(ctx, map[string]any{"action": "add", "id": "empty", "content": "  "})
	assert.Error(t, err)
}

func TestHTTPFetchRejectsBadURLs(t *testing.T) {
	fetch := HTTPFetch(nil)
	ctx := context.Background()

	for _, url := range []string{
		"ftp://example.com/file",
		"http://127.0.0.1/secret",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/",
	} {
		_, err := fetch.Call(ctx, map[string]any{"url": url})
		assert.Error(t, err, url)
	}
}

type fakeStatusReader struct {
	gotTaskID string
	gotUserID string
	gotAdmin  bool
}

func (f *fakeStatusReader) TaskStatusFor(_ context.Context, taskID, userID string, admin bool) (map[string]any, error) {
	f.gotTaskID, f.gotUserID, f.gotAdmin = taskID, userID, admin
	return map[string]any{"state": "running"}, nil
}

func TestTaskStatusScopesToCaller(t *testing.T) {
	reader := &fakeStatusReader{}
	ts := TaskStatus(reader)

	ctx := tool.WithCaller(context.Background(), tool.Caller{UserID: "u7", Role: tool.RoleUser})
	out, err := ts.Call(ctx, map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "running", out["state"])
	assert.Equal(t, "t1", reader.gotTaskID)
	assert.Equal(t, "u7", reader.gotUserID)
	assert.False(t, reader.gotAdmin)

	ctx = tool.WithCaller(context.Background(), tool.Caller{UserID: "root", Role: tool.RoleAdmin})
	_, err = ts.Call(ctx, map[string]any{"task_id": "t2"})
	require.NoError(t, err)
	assert.True(t, reader.gotAdmin)
}
