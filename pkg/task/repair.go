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
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/memory"
	"github.com/maestro-adk/maestro/pkg/model"
	"github.com/maestro-adk/maestro/pkg/sandbox"
)

const repairInstruction = `You fix failing scripts for a restricted JavaScript sandbox. You receive the failing script, the classified failure, and guidance from previous successful fixes. Reply with exactly one JSON object:
{"script":"<the complete corrected script>","rationale":"<one sentence on what you changed>"}
Return the JSON object only. Keep changes minimal.`

// Patch is one repair proposal: the corrected script plus the memory
// IDs whose guidance informed it. The caller settles those memories'
// counters when the task reaches a terminal state.
type Patch struct {
	Script        string
	Rationale     string
	UsedMemoryIDs []string
}

// Repairer produces patched scripts for failed tasks using the LLM and
// the reasoning memory store.
type Repairer struct {
	llm      model.LLM
	memories *memory.Store

	maxRepairs int
	memoryK    int
	sizeCap    int
}

// NewRepairer creates a repair loop.
func NewRepairer(llm model.LLM, memories *memory.Store, maxRepairs, memoryK, sizeCap int) *Repairer {
	if memoryK <= 0 {
		memoryK = 5
	}
	if sizeCap <= 0 {
		sizeCap = sandbox.DefaultScriptSizeCap
	}
	return &Repairer{llm: llm, memories: memories, maxRepairs: maxRepairs, memoryK: memoryK, sizeCap: sizeCap}
}

// budgetFor returns the repair attempt cap for a failure class.
// Security violations get a single attempt regardless of the
// configured budget.
func (r *Repairer) budgetFor(class sandbox.Classification) int {
	if class == sandbox.ClassSecurity {
		if r.maxRepairs < 1 {
			return r.maxRepairs
		}
		return 1
	}
	return r.maxRepairs
}

// Repair proposes a patched script for the failure, or fails with
// ERR_UNREPAIRABLE when the budget is spent or no usable patch comes
// back. It does not mutate the task; the orchestrator applies the
// patch and the repair-count increment atomically.
func (r *Repairer) Repair(ctx context.Context, t *Task, failure FailureRecord) (*Patch, error) {
	if t.RepairCount >= r.budgetFor(failure.Category) {
		return nil, agenterr.New(agenterr.CodeUnrepairable, "budget_exhausted: %d repairs used", t.RepairCount)
	}

	hits := r.retrieveGuidance(ctx, failure)

	prompt := r.buildPrompt(t, failure, hits)
	temp := 0.1
	resp, err := r.llm.GenerateContent(ctx, &model.Request{
		SystemInstruction: repairInstruction,
		Messages:          []model.Message{{Role: model.RoleUser, Content: prompt}},
		Config: &model.GenerateConfig{
			Temperature:      &temp,
			ResponseMIMEType: "application/json",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repair prompt failed: %w", err)
	}

	patch, err := parsePatch(resp.Text)
	if err != nil {
		return nil, err
	}

	if verr := sandbox.Validate(patch.Script, r.sizeCap); verr != nil {
		return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, verr, "patched script failed validation")
	}

	// Timeouts and resource exhaustion only accept patches expected to
	// reduce work; anything else would burn budget on a rerun of the
	// same blowup.
	if failure.Category == sandbox.ClassTimeout || failure.Category == sandbox.ClassHung || failure.Category == sandbox.ClassResourceLimit {
		if !reducesWork(t.Script, patch.Script) {
			return nil, agenterr.New(agenterr.CodeUnrepairable, "patch is not expected to reduce work")
		}
	}

	for _, h := range hits {
		patch.UsedMemoryIDs = append(patch.UsedMemoryIDs, h.ID)
	}
	return patch, nil
}

// retrieveGuidance pulls compatible memories. Retrieval failure
// degrades to an unguided repair rather than failing the loop.
func (r *Repairer) retrieveGuidance(ctx context.Context, failure FailureRecord) []memory.Hit {
	if r.memories == nil {
		return nil
	}
	query := string(failure.Category) + ": " + failure.Detail
	hits, err := r.memories.Retrieve(ctx, query, memory.CategoryFor(failure.Category), r.memoryK)
	if err != nil {
		return nil
	}
	return hits
}

func (r *Repairer) buildPrompt(t *Task, failure FailureRecord, hits []memory.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failure category: %s\n", failure.Category)
	fmt.Fprintf(&b, "Error detail: %s\n\n", failure.Detail)
	fmt.Fprintf(&b, "Failing script:\n%s\n", t.Script)
	if len(hits) > 0 {
		b.WriteString("\nGuidance from previous fixes of similar failures:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s\n", h.Advice)
		}
	}
	return b.String()
}

// SettleOutcome updates the counters of every memory a repair used,
// once the task reached a terminal state.
func (r *Repairer) SettleOutcome(ctx context.Context, memoryIDs []string, success bool) {
	if r.memories == nil {
		return
	}
	for _, id := range memoryIDs {
		if err := r.memories.RecordOutcome(ctx, id, success); err != nil {
			// Counter drift is tolerable; losing the task outcome is not.
			continue
		}
	}
}

// RecordFix stores a successful repair as a new memory so future
// failures can reuse it.
func (r *Repairer) RecordFix(ctx context.Context, failure FailureRecord, rationale string) {
	if r.memories == nil || strings.TrimSpace(rationale) == "" {
		return
	}
	_, _ = r.memories.Record(ctx, memory.Entry{
		Category: memory.CategoryFor(failure.Category),
		Source:   "repair_loop",
		Pattern:  failure.Detail,
		Advice:   rationale,
	})
}

func parsePatch(text string) (*Patch, error) {
	payload := strings.TrimSpace(text)
	if start := strings.IndexByte(payload, '{'); start > 0 {
		payload = payload[start:]
	}
	var raw struct {
		Script    string `json:"script"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, err, "repair reply is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, err, "repair reply is not valid JSON after repair")
		}
	}
	if strings.TrimSpace(raw.Script) == "" {
		return nil, agenterr.New(agenterr.CodeScriptInvalid, "repair reply has no script")
	}
	return &Patch{Script: raw.Script, Rationale: raw.Rationale}, nil
}

// workReductionMarkers are constructs a work-reducing patch typically
// introduces.
var workReductionMarkers = []string{
	"limit", "batch", "page", "slice", "checkcancelled", "break", "chunk", "cap",
}

// reducesWork is the classifier's heuristic for timeout and
// resource-limit patches: the patch must actually change the script and
// either shrink it or introduce a bounding construct.
func reducesWork(oldScript, newScript string) bool {
	if strings.TrimSpace(oldScript) == strings.TrimSpace(newScript) {
		return false
	}
	if len(newScript) < len(oldScript) {
		return true
	}
	oldLower := strings.ToLower(oldScript)
	newLower := strings.ToLower(newScript)
	for _, marker := range workReductionMarkers {
		if strings.Count(newLower, marker) > strings.Count(oldLower, marker) {
			return true
		}
	}
	return false
}
