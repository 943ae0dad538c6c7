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

package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/memory"
	"github.com/maestro-adk/maestro/pkg/model/modeltest"
	"github.com/maestro-adk/maestro/pkg/sandbox"
	"github.com/maestro-adk/maestro/pkg/semantic"
	"github.com/maestro-adk/maestro/pkg/vector"
)

func newTestMemories(t *testing.T) *memory.Store {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	index := semantic.NewIndex(semantic.KindMemories, provider, embedder.NewHashing())
	return memory.NewStore(kv.NewMemoryStore(), index)
}

func patchJSON(t *testing.T, script, rationale string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"script": script, "rationale": rationale})
	require.NoError(t, err)
	return string(raw)
}

func failingTask(repairs int) *Task {
	return &Task{
		ID:          "t1",
		UserID:      "alice",
		State:       StateRepairing,
		Script:      "return rows.map(parse);",
		RepairCount: repairs,
	}
}

func TestRepairReturnsValidatedPatch(t *testing.T) {
	llm := modeltest.New().QueueText(patchJSON(t,
		"return rows.filter(Boolean).map(parse);",
		"skip null rows before parsing"))
	r := NewRepairer(llm, nil, 3, 5, 0)

	patch, err := r.Repair(context.Background(), failingTask(0), FailureRecord{
		Category: sandbox.ClassRuntime,
		Detail:   "TypeError: parse of null",
		At:       time.Now(),
	})
	require.NoError(t, err)
	assert.Contains(t, patch.Script, "filter(Boolean)")
	assert.NotEmpty(t, patch.Rationale)
}

func TestRepairBudgetExhausted(t *testing.T) {
	llm := modeltest.New() // must never be consulted
	r := NewRepairer(llm, nil, 3, 5, 0)

	_, err := r.Repair(context.Background(), failingTask(3), FailureRecord{
		Category: sandbox.ClassRuntime,
		Detail:   "boom",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrUnrepairable)
	assert.Empty(t, llm.Requests())
}

func TestSecurityViolationGetsSingleAttempt(t *testing.T) {
	llm := modeltest.New()
	r := NewRepairer(llm, nil, 3, 5, 0)

	// One repair already spent; the security budget of one is gone even
	// though three repairs remain for other categories.
	_, err := r.Repair(context.Background(), failingTask(1), FailureRecord{
		Category: sandbox.ClassSecurity,
		Detail:   "blocked construct at line 3: process access",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrUnrepairable)
	assert.Empty(t, llm.Requests())
}

func TestRepairRejectsInvalidPatchScript(t *testing.T) {
	llm := modeltest.New().QueueText(patchJSON(t, "return eval(params.code);", "use eval"))
	r := NewRepairer(llm, nil, 3, 5, 0)

	_, err := r.Repair(context.Background(), failingTask(0), FailureRecord{
		Category: sandbox.ClassRuntime,
		Detail:   "boom",
	})
	require.Error(t, err)
	assert.Equal(t, agenterr.CodeScriptInvalid, agenterr.CodeOf(err))
}

func TestTimeoutPatchMustReduceWork(t *testing.T) {
	task := failingTask(0)
	task.Script = "for (const row of rows) { handle(row); }"
	failure := FailureRecord{Category: sandbox.ClassTimeout, Detail: "wall clock exceeded"}

	// A patch that only grows the script without bounding anything is
	// refused.
	bigger := task.Script + " log(rows); audit(rows); verify(rows);"
	llm := modeltest.New().QueueText(patchJSON(t, bigger, "added logging"))
	r := NewRepairer(llm, nil, 3, 5, 0)
	_, err := r.Repair(context.Background(), task, failure)
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrUnrepairable)

	// A patch that introduces a bound is accepted.
	bounded := "const page = rows.slice(0, limit); for (const row of page) { handle(row); checkCancelled(); }"
	llm = modeltest.New().QueueText(patchJSON(t, bounded, "process one page per run"))
	r = NewRepairer(llm, nil, 3, 5, 0)
	patch, err := r.Repair(context.Background(), task, failure)
	require.NoError(t, err)
	assert.Contains(t, patch.Script, "slice(0, limit)")
}

func TestRepairUsesMemoryGuidance(t *testing.T) {
	memories := newTestMemories(t)
	ctx := context.Background()

	entry, err := memories.Record(ctx, memory.Entry{
		Category: memory.CategoryRuntimeError,
		Source:   "repair_loop",
		Pattern:  "TypeError: parse of null in row mapper",
		Advice:   "filter out null rows before mapping",
	})
	require.NoError(t, err)

	llm := modeltest.New().QueueText(patchJSON(t,
		"return rows.filter(Boolean).map(parse);", "filter nulls first"))
	r := NewRepairer(llm, memories, 3, 5, 0)

	patch, err := r.Repair(ctx, failingTask(0), FailureRecord{
		Category: sandbox.ClassRuntime,
		Detail:   "TypeError: parse of null",
	})
	require.NoError(t, err)
	assert.Contains(t, patch.UsedMemoryIDs, entry.ID)

	// The guidance shows up in the repair prompt.
	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[0].Content, "filter out null rows")
}

func TestSettleOutcomeUpdatesCounters(t *testing.T) {
	memories := newTestMemories(t)
	ctx := context.Background()

	entry, err := memories.Record(ctx, memory.Entry{
		Category: memory.CategoryRuntimeError,
		Pattern:  "TypeError: parse of null",
		Advice:   "filter nulls",
	})
	require.NoError(t, err)

	r := NewRepairer(modeltest.New(), memories, 3, 5, 0)
	r.SettleOutcome(ctx, []string{entry.ID, "gone"}, true)

	hits, err := memories.Retrieve(ctx, "TypeError: parse of null", memory.CategoryRuntimeError, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].TimesUsed)
	assert.Equal(t, 1, hits[0].TimesSucceeded)
}

func TestRecordFixStoresNewMemory(t *testing.T) {
	memories := newTestMemories(t)
	ctx := context.Background()

	r := NewRepairer(modeltest.New(), memories, 3, 5, 0)
	r.RecordFix(ctx, FailureRecord{
		Category: sandbox.ClassRuntime,
		Detail:   "TypeError: parse of null in row mapper",
	}, "filter out null rows before mapping")

	hits, err := memories.Retrieve(ctx, "TypeError: parse of null", memory.CategoryRuntimeError, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "repair_loop", hits[0].Source)
	assert.Equal(t, "filter out null rows before mapping", hits[0].Advice)
}
