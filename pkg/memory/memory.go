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

// Package memory stores reasoning memories: past script failures, the
// revision that fixed them, and how often that fix kept working. The
// repair loop retrieves them by failure similarity and ranks them by a
// blend of similarity and observed success.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/sandbox"
	"github.com/maestro-adk/maestro/pkg/semantic"
)

const collection = "reasoning_memories"

// Category classifies what a memory's fix addressed. Most categories
// mirror sandbox failure classes; user corrections come from the chat
// path, not the sandbox.
type Category string

const (
	CategoryValidationError   Category = "validation_error"
	CategorySecurityViolation Category = "security_violation"
	CategoryRuntimeError      Category = "runtime_error"
	CategoryTimeout           Category = "timeout"
	CategoryResourceLimit     Category = "resource_limit"
	CategoryUserCorrection    Category = "user_correction"
)

// CategoryFor maps a sandbox failure class to its memory category.
func CategoryFor(class sandbox.Classification) Category {
	switch class {
	case sandbox.ClassValidation:
		return CategoryValidationError
	case sandbox.ClassSecurity:
		return CategorySecurityViolation
	case sandbox.ClassTimeout, sandbox.ClassHung:
		return CategoryTimeout
	case sandbox.ClassResourceLimit:
		return CategoryResourceLimit
	default:
		return CategoryRuntimeError
	}
}

// Entry is one remembered failure/fix pair.
type Entry struct {
	ID string `json:"id"`

	// Category is the kind of failure the fix applied to.
	Category Category `json:"category"`

	// Source names the subsystem that created the memory, such as
	// "repair_loop" or "user_correction".
	Source string `json:"source"`

	// Pattern is the failing error detail, the retrieval key.
	Pattern string `json:"pattern"`

	// Advice is the patch sketch handed to the repair prompt.
	Advice string `json:"advice"`

	TimesUsed      int `json:"times_used"`
	TimesSucceeded int `json:"times_succeeded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate is the observed fix rate, or 0.5 for an unused entry so
// new advice is neither favored nor buried.
func (e Entry) SuccessRate() float64 {
	if e.TimesUsed == 0 {
		return 0.5
	}
	return float64(e.TimesSucceeded) / float64(e.TimesUsed)
}

// Hit is a retrieved entry with its composite rank.
type Hit struct {
	Entry

	// Similarity is the raw cosine score against the query.
	Similarity float32

	// Rank blends similarity and success rate.
	Rank float64
}

const (
	similarityWeight = 0.7
	successWeight    = 0.3
)

// Store persists entries in the document store and mirrors them into
// the memories similarity index.
type Store struct {
	docs  kv.Store
	index *semantic.Index
}

// NewStore creates a reasoning memory store.
func NewStore(docs kv.Store, index *semantic.Index) *Store {
	return &Store{docs: docs, index: index}
}

// Record persists a new entry. An empty ID is assigned.
func (s *Store) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if err := s.docs.Set(ctx, collection, entry.ID, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to store memory: %w", err)
	}
	if err := s.indexEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *Store) indexEntry(ctx context.Context, entry Entry) error {
	doc := semantic.Document{
		ID:        entry.ID,
		Content:   entry.Pattern,
		Category:  string(entry.Category),
		Enabled:   true,
		UpdatedAt: entry.UpdatedAt,
	}
	if err := s.index.AddOrUpdate(ctx, doc); err != nil {
		return fmt.Errorf("failed to index memory: %w", err)
	}
	return nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	if err := s.docs.Get(ctx, collection, id, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Retrieve finds up to k memories whose failure pattern resembles
// errorDetail and whose category is compatible with class. Results are
// ordered by rank (0.7 similarity + 0.3 success rate), ties broken by
// successful-use count, then recency.
func (s *Store) Retrieve(ctx context.Context, errorDetail string, cat Category, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	// Compatible categories need an OR the provider filter cannot
	// express, so over-fetch and filter here.
	docs, err := s.index.Query(ctx, errorDetail, k*4+8, semantic.Filters{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	compatible := compatibleCategories(cat)
	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		if !compatible[Category(d.Category)] {
			continue
		}
		entry, err := s.Get(ctx, d.ID)
		if err != nil {
			// Index and store can drift briefly; skip orphans.
			continue
		}
		hits = append(hits, Hit{
			Entry:      entry,
			Similarity: d.Score,
			Rank:       similarityWeight*float64(d.Score) + successWeight*entry.SuccessRate(),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		if hits[i].TimesSucceeded != hits[j].TimesSucceeded {
			return hits[i].TimesSucceeded > hits[j].TimesSucceeded
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// compatibleCategories maps a failure category to the memory
// categories whose fixes may apply. Security refusals often trace back
// to validation-level mistakes, runtime errors benefit from user
// corrections, and timeouts share work-reduction fixes with resource
// exhaustion.
func compatibleCategories(cat Category) map[Category]bool {
	switch cat {
	case CategorySecurityViolation:
		return map[Category]bool{
			CategorySecurityViolation: true,
			CategoryValidationError:   true,
		}
	case CategoryRuntimeError:
		return map[Category]bool{
			CategoryRuntimeError:   true,
			CategoryUserCorrection: true,
		}
	case CategoryTimeout, CategoryResourceLimit:
		return map[Category]bool{
			CategoryTimeout:       true,
			CategoryResourceLimit: true,
		}
	default:
		return map[Category]bool{cat: true}
	}
}

// RecordOutcome atomically updates an entry's usage counters after its
// advice was applied. Concurrent outcomes never lose updates.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) error {
	err := s.docs.Update(ctx, collection, id, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, fmt.Errorf("memory %s: %w", id, kv.ErrNotFound)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		e.TimesUsed++
		if success {
			e.TimesSucceeded++
		}
		e.UpdatedAt = time.Now()
		return json.Marshal(e)
	})
	if err != nil {
		return fmt.Errorf("failed to record memory outcome: %w", err)
	}
	return nil
}

// Sync re-mirrors every stored entry into the similarity index. Needed
// at startup when the index backend is not persistent, and by the
// maintenance loop to heal store/index drift.
func (s *Store) Sync(ctx context.Context) (int, error) {
	entries, err := s.docs.List(ctx, collection, kv.Query{})
	if err != nil {
		return 0, fmt.Errorf("failed to list memories: %w", err)
	}
	synced := 0
	for _, raw := range entries {
		var e Entry
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			slog.Warn("skipping undecodable memory", "id", raw.ID, "error", err)
			continue
		}
		if err := s.indexEntry(ctx, e); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// Maintain reconciles the index with the document store on the given
// interval until ctx is cancelled. An immediate pass runs first so a
// fresh in-memory index is usable before the first tick.
func (s *Store) Maintain(ctx context.Context, interval time.Duration) {
	run := func() {
		n, err := s.Sync(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("memory maintenance pass failed", "error", err)
			}
			return
		}
		slog.Debug("memory maintenance pass complete", "synced", n)
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Remove deletes an entry from both the store and the index.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.docs.Delete(ctx, collection, id); err != nil {
		return err
	}
	return s.index.Remove(ctx, id)
}
