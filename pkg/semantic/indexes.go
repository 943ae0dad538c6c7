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

	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/vector"
)

// Indexes bundles the four runtime indexes.
type Indexes struct {
	Knowledge *Index
	Tools     *Index
	Templates *Index
	Memories  *Index
}

// NewIndexes builds the standard four indexes on one provider and one
// embedding gateway, creating their collections up front.
func NewIndexes(ctx context.Context, provider vector.Provider, embed Embedder) (*Indexes, error) {
	ix := &Indexes{
		Knowledge: NewIndex(KindKnowledge, provider, embed),
		Tools:     NewIndex(KindTools, provider, embed),
		Templates: NewIndex(KindTemplates, provider, embed),
		Memories:  NewIndex(KindMemories, provider, embed),
	}
	for _, index := range []*Index{ix.Knowledge, ix.Tools, ix.Templates, ix.Memories} {
		if err := provider.CreateCollection(ctx, index.collection(), embedder.Dimension); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// ByKind returns the index of the given kind, or nil.
func (ix *Indexes) ByKind(kind Kind) *Index {
	switch kind {
	case KindKnowledge:
		return ix.Knowledge
	case KindTools:
		return ix.Tools
	case KindTemplates:
		return ix.Templates
	case KindMemories:
		return ix.Memories
	default:
		return nil
	}
}
