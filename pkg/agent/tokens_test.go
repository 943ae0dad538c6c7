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

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-adk/maestro/pkg/model"
)

func TestEstimatingCounterNeedsNoEncoding(t *testing.T) {
	tc := NewTokenCounter(TokenizerEstimate)

	assert.Equal(t, 0, tc.Count(""))
	assert.Equal(t, 1, tc.Count("hey"))
	assert.Equal(t, 1, tc.Count("four"))
	assert.Equal(t, 2, tc.Count("fives"))

	msgs := []model.Message{
		{Role: model.RoleUser, Content: "what is the refund window"},
		{Role: model.RoleAssistant, Content: "thirty days"},
	}
	// Priming + per-message overhead + role and content estimates.
	want := 3 + (3 + 1 + 7) + (3 + 3 + 3)
	assert.Equal(t, want, tc.CountMessages(msgs))
}

func TestEstimatingCounterFitsBudgetFromNewest(t *testing.T) {
	tc := NewTokenCounter(TokenizerEstimate)

	msgs := []model.Message{
		{Role: model.RoleUser, Content: string(make([]byte, 400))},
		{Role: model.RoleAssistant, Content: "short"},
	}
	kept := tc.FitWithinBudget(msgs, 30)
	assert.Len(t, kept, 1)
	assert.Equal(t, "short", kept[0].Content)

	// A budget that fits everything keeps everything, in order.
	kept = tc.FitWithinBudget(msgs, 1000)
	assert.Equal(t, msgs, kept)

	// Zero budget disables trimming.
	kept = tc.FitWithinBudget(msgs, 0)
	assert.Equal(t, msgs, kept)
}
