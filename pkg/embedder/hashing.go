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

package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashingEmbedder is a deterministic, offline embedder: each word hashes to
// a dimension, so texts sharing words score high cosine similarity. It backs
// the "mock" provider and offline tests; it is not a semantic model.
type HashingEmbedder struct{}

// NewHashing creates a hashing embedder.
func NewHashing() *HashingEmbedder { return &HashingEmbedder{} }

func (e *HashingEmbedder) Embed(_ context.Context, text string, _ TaskType) ([]float32, error) {
	vec := make([]float32, Dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%Dimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t, task)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *HashingEmbedder) Dimension() int { return Dimension }

func (e *HashingEmbedder) Model() string { return "hashing" }

func (e *HashingEmbedder) Close() error { return nil }

var _ Embedder = (*HashingEmbedder)(nil)
