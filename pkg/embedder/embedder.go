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

// Package embedder provides text embedding for semantic retrieval.
//
// All embeddings in the system share one dimensionality (768). The Service
// wrapper is the single gateway to the provider: it caches, deduplicates
// concurrent misses and reports performance.
package embedder

import (
	"context"
)

// Dimension is the embedding vector dimensionality used across all indexes.
const Dimension = 768

// TaskType tells the provider what the embedding will be used for.
// Providers that distinguish query and document embeddings produce better
// retrieval when the caller passes the right type.
type TaskType string

const (
	TaskRetrievalQuery     TaskType = "RETRIEVAL_QUERY"
	TaskRetrievalDocument  TaskType = "RETRIEVAL_DOCUMENT"
	TaskSemanticSimilarity TaskType = "SEMANTIC_SIMILARITY"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string, task TaskType) ([]float32, error)

	// EmbedBatch converts multiple texts in one provider round trip.
	EmbedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}
