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

// Package semantic maintains the similarity indexes that ground planning:
// knowledge snippets, tool descriptors, task templates and reasoning
// memories. Each index lives in its own vector collection; all share one
// embedding gateway and one dimensionality.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maestro-adk/maestro/pkg/embedder"
	"github.com/maestro-adk/maestro/pkg/vector"
)

// Kind names one of the four indexes.
type Kind string

const (
	KindKnowledge Kind = "knowledge"
	KindTools     Kind = "tools"
	KindTemplates Kind = "templates"
	KindMemories  Kind = "memories"
)

// Document is an indexed item. Content is what gets embedded; the other
// fields ride along as metadata and drive filtering and tie-breaking.
type Document struct {
	ID       string
	Content  string
	Category string
	Tags     []string
	Priority int
	Enabled  bool

	// UpdatedAt breaks ties between equally scored, equally prioritized
	// hits. Zero means "set to now on write".
	UpdatedAt time.Time
}

// Filters narrows a query. Zero values do not filter.
type Filters struct {
	Category    string
	Tags        []string
	EnabledOnly bool
	MinScore    float32
}

// Hit is a scored query result.
type Hit struct {
	Document
	Score float32
}

// Embedder is the slice of the embedding gateway the index needs.
type Embedder interface {
	Embed(ctx context.Context, text string, task embedder.TaskType) ([]float32, error)
}

// Index is one similarity index over a vector collection.
type Index struct {
	kind     Kind
	provider vector.Provider
	embed    Embedder
}

// NewIndex creates an index of the given kind.
func NewIndex(kind Kind, provider vector.Provider, embed Embedder) *Index {
	return &Index{kind: kind, provider: provider, embed: embed}
}

// Kind returns the index kind.
func (ix *Index) Kind() Kind { return ix.kind }

func (ix *Index) collection() string { return "idx_" + string(ix.kind) }

// AddOrUpdate embeds the document content and upserts it. Re-adding an
// existing ID replaces the stored document.
func (ix *Index) AddOrUpdate(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}

	vec, err := ix.embed.Embed(ctx, doc.Content, embedder.TaskRetrievalDocument)
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
	}

	return ix.provider.Upsert(ctx, ix.collection(), doc.ID, vec, docMetadata(doc))
}

// Remove deletes a document. Removing a missing ID is a no-op.
func (ix *Index) Remove(ctx context.Context, id string) error {
	return ix.provider.Delete(ctx, ix.collection(), id)
}

// Query embeds the query text and returns up to topK hits ordered by
// score desc, then priority desc, then recency.
func (ix *Index) Query(ctx context.Context, text string, topK int, filters Filters) ([]Hit, error) {
	vec, err := ix.embed.Embed(ctx, text, embedder.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return ix.QueryByVector(ctx, vec, topK, filters)
}

// QueryByVector is Query with a pre-computed embedding.
func (ix *Index) QueryByVector(ctx context.Context, vec []float32, topK int, filters Filters) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Category and enabled push down to the provider; tag and score
	// filtering happen here, so over-fetch to compensate.
	where := make(map[string]any)
	if filters.Category != "" {
		where["category"] = filters.Category
	}
	if filters.EnabledOnly {
		where["enabled"] = "true"
	}

	fetch := topK
	if len(filters.Tags) > 0 || filters.MinScore > 0 {
		fetch = topK*3 + 8
	}

	results, err := ix.provider.SearchWithFilter(ctx, ix.collection(), vec, fetch, where)
	if err != nil {
		return nil, fmt.Errorf("%s index search failed: %w", ix.kind, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if filters.MinScore > 0 && r.Score < filters.MinScore {
			continue
		}
		doc := docFromMetadata(r.ID, r.Metadata)
		if len(filters.Tags) > 0 && !hasAllTags(doc.Tags, filters.Tags) {
			continue
		}
		hits = append(hits, Hit{Document: doc, Score: r.Score})
	}

	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// sortHits orders by score desc, then priority desc, then most recent.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Priority != hits[j].Priority {
			return hits[i].Priority > hits[j].Priority
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Vector metadata is flat strings (the chromem backend requires it), so
// documents round-trip through a string encoding.
func docMetadata(doc Document) map[string]any {
	return map[string]any{
		"content":    doc.Content,
		"category":   doc.Category,
		"tags":       strings.Join(doc.Tags, ","),
		"priority":   strconv.Itoa(doc.Priority),
		"enabled":    strconv.FormatBool(doc.Enabled),
		"updated_at": doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func docFromMetadata(id string, md map[string]any) Document {
	doc := Document{ID: id}
	if s, ok := md["content"].(string); ok {
		doc.Content = s
	}
	if s, ok := md["category"].(string); ok {
		doc.Category = s
	}
	if s, ok := md["tags"].(string); ok && s != "" {
		doc.Tags = strings.Split(s, ",")
	}
	if s, ok := md["priority"].(string); ok {
		doc.Priority, _ = strconv.Atoi(s)
	}
	if s, ok := md["enabled"].(string); ok {
		doc.Enabled = s == "true"
	}
	if s, ok := md["updated_at"].(string); ok {
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return doc
}
