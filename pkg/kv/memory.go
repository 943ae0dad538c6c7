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

package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and zero-config runs.
// Data does not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	s.mu.RLock()
	entry, ok := s.collections[collection][id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return json.Unmarshal(entry.Data, out)
}

func (s *MemoryStore) Set(_ context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]Entry)
		s.collections[collection] = col
	}
	col[id] = Entry{ID: id, Data: data, UpdatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, collection, id string, fn func(raw []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	if entry, ok := s.collections[collection][id]; ok {
		raw = entry.Data
	}

	next, err := fn(raw)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.collections[collection], id)
		return nil
	}

	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]Entry)
		s.collections[collection] = col
	}
	col[id] = Entry{ID: id, Data: next, UpdatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, collection string, q Query) ([]Entry, error) {
	s.mu.RLock()
	col := s.collections[collection]
	entries := make([]Entry, 0, len(col))
	for _, e := range col {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	return applyQuery(entries, q), nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
