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

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	index := semantic.NewIndex(semantic.KindMemories, provider, embedder.NewHashing())
	return NewStore(kv.NewMemoryStore(), index)
}

func TestRecordAndRetrieveBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nilDeref, err := s.Record(ctx, Entry{
		Category: CategoryRuntimeError,
		Pattern:  "TypeError: cannot read property of undefined in response parser",
		Advice:   "guard optional fields before dereferencing the parsed response",
	})
	require.NoError(t, err)
	require.NotEmpty(t, nilDeref.ID)

	_, err = s.Record(ctx, Entry{
		Category: CategoryRuntimeError,
		Pattern:  "RangeError: array index out of bounds while batching rows",
		Advice:   "clamp the batch window to the row count",
	})
	require.NoError(t, err)

	hits, err := s.Retrieve(ctx, "TypeError: cannot read property of undefined", CategoryRuntimeError, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, nilDeref.ID, hits[0].ID)
	assert.GreaterOrEqual(t, hits[0].Similarity, hits[len(hits)-1].Similarity)
}

func TestRetrieveFiltersIncompatibleCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Entry{
		ID:       "sec",
		Category: CategorySecurityViolation,
		Pattern:  "script exceeded the allotted wall clock while scanning records",
		Advice:   "never applies",
	})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{
		ID:       "slow",
		Category: CategoryTimeout,
		Pattern:  "script exceeded the allotted wall clock while scanning records",
		Advice:   "paginate the scan",
	})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{
		ID:       "oom",
		Category: CategoryResourceLimit,
		Pattern:  "heap limit exceeded while scanning records",
		Advice:   "stream rows instead of accumulating",
	})
	require.NoError(t, err)

	// Timeout retrieval sees timeout and resource-limit fixes but
	// never security entries.
	hits, err := s.Retrieve(ctx, "script exceeded the wall clock", CategoryTimeout, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "slow")
	assert.Contains(t, ids, "oom")
	assert.NotContains(t, ids, "sec")

	// Runtime errors only match their own category.
	hits, err = s.Retrieve(ctx, "script exceeded the wall clock", CategoryRuntimeError, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieveRankBlendsSuccessRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Identical patterns force equal similarity so rank is decided by
	// success rate alone.
	pattern := "ReferenceError: rows is not defined"
	_, err := s.Record(ctx, Entry{ID: "proven", Category: CategoryRuntimeError, Pattern: pattern, Advice: "declare rows"})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{ID: "flaky", Category: CategoryRuntimeError, Pattern: pattern, Advice: "rename rows"})
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(ctx, "proven", true))
	require.NoError(t, s.RecordOutcome(ctx, "proven", true))
	require.NoError(t, s.RecordOutcome(ctx, "flaky", false))
	require.NoError(t, s.RecordOutcome(ctx, "flaky", false))

	hits, err := s.Retrieve(ctx, pattern, CategoryRuntimeError, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "proven", hits[0].ID)
	assert.Equal(t, 1.0, hits[0].SuccessRate())
	assert.Equal(t, 0.0, hits[1].SuccessRate())
	assert.Greater(t, hits[0].Rank, hits[1].Rank)
}

func TestSuccessRateDefaultsForUnusedEntries(t *testing.T) {
	assert.Equal(t, 0.5, Entry{}.SuccessRate())
	assert.Equal(t, 0.25, Entry{TimesUsed: 4, TimesSucceeded: 1}.SuccessRate())
}

func TestRecordOutcomeIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Record(ctx, Entry{Category: CategoryRuntimeError, Pattern: "p", Advice: "a"})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			assert.NoError(t, s.RecordOutcome(ctx, e.ID, success))
		}(i%2 == 0)
	}
	wg.Wait()

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.TimesUsed)
	assert.Equal(t, n/2, got.TimesSucceeded)
	assert.Equal(t, 0.5, got.SuccessRate())
}

func TestRecordOutcomeUnknownEntry(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordOutcome(context.Background(), "nope", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kv.ErrNotFound))
}

func TestSyncRebuildsIndexFromStore(t *testing.T) {
	ctx := context.Background()
	docs := kv.NewMemoryStore()

	// Populate through a store whose index is then thrown away,
	// simulating a restart with a non-persistent vector backend.
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	first := NewStore(docs, semantic.NewIndex(semantic.KindMemories, provider, embedder.NewHashing()))
	_, err = first.Record(ctx, Entry{ID: "m1", Category: CategoryRuntimeError, Pattern: "TypeError in parser", Advice: "guard fields"})
	require.NoError(t, err)
	_, err = first.Record(ctx, Entry{ID: "m2", Category: CategoryTimeout, Pattern: "wall clock exceeded", Advice: "paginate"})
	require.NoError(t, err)
	require.NoError(t, provider.Close())

	fresh, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	s := NewStore(docs, semantic.NewIndex(semantic.KindMemories, fresh, embedder.NewHashing()))

	// Before sync the fresh index knows nothing.
	hits, err := s.Retrieve(ctx, "TypeError in parser", CategoryRuntimeError, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err = s.Retrieve(ctx, "TypeError in parser", CategoryRuntimeError, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "m1", hits[0].ID)
}

func TestRemoveDropsEntryAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Record(ctx, Entry{Category: CategoryRuntimeError, Pattern: "boom", Advice: "fix"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, e.ID))

	_, err = s.Get(ctx, e.ID)
	assert.True(t, errors.Is(err, kv.ErrNotFound))

	hits, err := s.Retrieve(ctx, "boom", CategoryRuntimeError, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
