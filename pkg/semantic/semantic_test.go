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

package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/vector"
)

func newTestIndex(t *testing.T, kind Kind) *Index {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return NewIndex(kind, provider, embedder.NewHashing())
}

func TestQueryOrdersBySimilarity(t *testing.T) {
	ix := newTestIndex(t, KindKnowledge)
	ctx := context.Background()

	docs := []Document{
		{ID: "refund", Content: "refund window policy for returned purchases", Enabled: true},
		{ID: "shipping", Content: "shipping rates and delivery estimates", Enabled: true},
		{ID: "k8s", Content: "kubernetes cluster autoscaling guide", Enabled: true},
	}
	for _, d := range docs {
		require.NoError(t, ix.AddOrUpdate(ctx, d))
	}

	hits, err := ix.Query(ctx, "what is the refund window", 3, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "refund", hits[0].ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestQueryTieBreaksByPriorityThenRecency(t *testing.T) {
	ix := newTestIndex(t, KindTemplates)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	newer := time.Now()

	// Identical content embeds identically, forcing score ties.
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "low", Content: "generate weekly report", Priority: 1, Enabled: true, UpdatedAt: old}))
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "high", Content: "generate weekly report", Priority: 5, Enabled: true, UpdatedAt: old}))
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "recent", Content: "generate weekly report", Priority: 1, Enabled: true, UpdatedAt: newer}))

	hits, err := ix.Query(ctx, "generate weekly report", 3, Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "high", hits[0].ID)
	assert.Equal(t, "recent", hits[1].ID)
	assert.Equal(t, "low", hits[2].ID)
}

func TestQueryFilters(t *testing.T) {
	ix := newTestIndex(t, KindTools)
	ctx := context.Background()

	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "a", Content: "search the knowledge base", Category: "retrieval", Tags: []string{"read"}, Enabled: true}))
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "b", Content: "search the knowledge base deeply", Category: "retrieval", Tags: []string{"read", "slow"}, Enabled: false}))
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "c", Content: "fetch a web page", Category: "network", Tags: []string{"read"}, Enabled: true}))

	hits, err := ix.Query(ctx, "search the knowledge base", 10, Filters{Category: "retrieval"})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = ix.Query(ctx, "search the knowledge base", 10, Filters{Category: "retrieval", EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)

	hits, err = ix.Query(ctx, "search the knowledge base", 10, Filters{Tags: []string{"read", "slow"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)

	// A threshold above every score yields nothing.
	hits, err = ix.Query(ctx, "completely unrelated quantum chromodynamics", 10, Filters{MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddOrUpdateReplaces(t *testing.T) {
	ix := newTestIndex(t, KindKnowledge)
	ctx := context.Background()

	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "doc", Content: "original text about billing", Enabled: true}))
	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "doc", Content: "revised text about billing", Enabled: true}))

	hits, err := ix.Query(ctx, "billing", 10, Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "revised text about billing", hits[0].Content)
}

func TestRemove(t *testing.T) {
	ix := newTestIndex(t, KindMemories)
	ctx := context.Background()

	require.NoError(t, ix.AddOrUpdate(ctx, Document{ID: "m1", Content: "retry with smaller batch size", Enabled: true}))
	require.NoError(t, ix.Remove(ctx, "m1"))

	hits, err := ix.Query(ctx, "retry with smaller batch size", 10, Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string, embedder.TaskType) ([]float32, error) {
	return nil, errors.New("provider down")
}

func TestQuerySurfacesEmbedFailure(t *testing.T) {
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	ix := NewIndex(KindKnowledge, provider, failingEmbedder{})

	_, err = ix.Query(context.Background(), "anything", 5, Filters{})
	assert.Error(t, err)
}

func TestNewIndexesByKind(t *testing.T) {
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	ix, err := NewIndexes(context.Background(), provider, embedder.NewHashing())
	require.NoError(t, err)

	assert.Same(t, ix.Knowledge, ix.ByKind(KindKnowledge))
	assert.Same(t, ix.Tools, ix.ByKind(KindTools))
	assert.Same(t, ix.Templates, ix.ByKind(KindTemplates))
	assert.Same(t, ix.Memories, ix.ByKind(KindMemories))
	assert.Nil(t, ix.ByKind("bogus"))
}
