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
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/maestro-adk/maestro/pkg/model"
)

// TokenCounter counts prompt tokens for window trimming. Encodings are
// expensive to build, so they are cached per model. A counter without
// an encoding estimates at four characters per token, which keeps the
// runtime usable when the encoding data cannot be fetched.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// TokenizerEstimate selects character estimation without loading any
// encoding. Useful offline, where tiktoken cannot fetch its data files.
const TokenizerEstimate = "estimate"

// NewTokenCounter builds a counter for the given model, falling back to
// cl100k_base for models tiktoken does not know, and to character
// estimation when no encoding can be loaded at all.
func NewTokenCounter(modelName string) *TokenCounter {
	if modelName == TokenizerEstimate {
		return &TokenCounter{}
	}

	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[modelName]; ok {
		return &TokenCounter{encoding: enc}
	}

	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("tokenizer encoding unavailable, estimating token counts",
			"model", modelName, "error", err)
		return &TokenCounter{}
	}
	encodingCache[modelName] = enc
	return &TokenCounter{encoding: enc}
}

// Count returns the token count of one text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoding == nil {
		return estimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// estimateTokens approximates English text at four characters per
// token, rounding up.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// perMessageOverhead approximates the chat-format framing tokens each
// message costs on top of its content.
const perMessageOverhead = 3

func (tc *TokenCounter) messageCost(m model.Message) int {
	return perMessageOverhead + tc.Count(m.Role) + tc.Count(m.Content)
}

// CountMessages counts tokens across a message list including framing
// overhead.
func (tc *TokenCounter) CountMessages(msgs []model.Message) int {
	total := perMessageOverhead // reply priming
	for _, m := range msgs {
		total += tc.messageCost(m)
	}
	return total
}

// FitWithinBudget returns the suffix of msgs that fits the token
// budget, preferring the most recent messages.
func (tc *TokenCounter) FitWithinBudget(msgs []model.Message, budget int) []model.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	used := perMessageOverhead
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := tc.messageCost(msgs[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return msgs[start:]
}
