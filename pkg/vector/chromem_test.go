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

package vector

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func blendVec(dim int, a, b int, wa, wb float64) []float32 {
	v := make([]float32, dim)
	norm := math.Sqrt(wa*wa + wb*wb)
	v[a] = float32(wa / norm)
	v[b] = float32(wb / norm)
	return v
}

func TestChromemUpsertAndSearch(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	const dim = 8

	require.NoError(t, p.Upsert(ctx, "docs", "a", unitVec(dim, 0), map[string]any{"content": "alpha", "category": "billing"}))
	require.NoError(t, p.Upsert(ctx, "docs", "b", unitVec(dim, 1), map[string]any{"content": "beta", "category": "support"}))
	require.NoError(t, p.Upsert(ctx, "docs", "c", blendVec(dim, 0, 1, 0.9, 0.1), map[string]any{"content": "gamma", "category": "billing"}))

	results, err := p.Search(ctx, "docs", unitVec(dim, 0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "alpha", results[0].Content)
}

func TestChromemSearchWithFilter(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	const dim = 8

	require.NoError(t, p.Upsert(ctx, "docs", "a", unitVec(dim, 0), map[string]any{"category": "billing"}))
	require.NoError(t, p.Upsert(ctx, "docs", "b", blendVec(dim, 0, 1, 0.8, 0.2), map[string]any{"category": "support"}))

	results, err := p.SearchWithFilter(ctx, "docs", unitVec(dim, 0), 10, map[string]any{"category": "support"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "support", results[0].Metadata["category"])
}

func TestChromemUpsertReplacesDocument(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	const dim = 8

	require.NoError(t, p.Upsert(ctx, "docs", "a", unitVec(dim, 0), map[string]any{"content": "v1"}))
	require.NoError(t, p.Upsert(ctx, "docs", "a", unitVec(dim, 0), map[string]any{"content": "v2"}))

	results, err := p.Search(ctx, "docs", unitVec(dim, 0), 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Content)
}

func TestChromemDelete(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	const dim = 8

	require.NoError(t, p.Upsert(ctx, "docs", "a", unitVec(dim, 0), map[string]any{"category": "x"}))
	require.NoError(t, p.Upsert(ctx, "docs", "b", unitVec(dim, 1), map[string]any{"category": "y"}))

	require.NoError(t, p.Delete(ctx, "docs", "a"))
	results, err := p.Search(ctx, "docs", unitVec(dim, 0), 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)

	require.NoError(t, p.DeleteByFilter(ctx, "docs", map[string]any{"category": "y"}))
	results, err = p.Search(ctx, "docs", unitVec(dim, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	results, err := p.Search(context.Background(), "empty", unitVec(8, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
