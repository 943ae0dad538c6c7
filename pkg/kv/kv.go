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

// Package kv provides durable JSON document storage keyed by collection
// and id. Backends: in-memory (tests, zero-config) and SQL (SQLite,
// PostgreSQL, MySQL via database/sql).
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Entry is a stored document with its bookkeeping fields.
type Entry struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// Query selects documents within a collection. Where matches top-level
// JSON fields by stringified equality. OrderBy names a top-level JSON
// field; documents missing the field sort last.
type Query struct {
	Where   map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is a JSON document store.
type Store interface {
	// Get unmarshals the document into out. Returns ErrNotFound when
	// the document does not exist.
	Get(ctx context.Context, collection, id string, out any) error

	// Set marshals value and writes it, replacing any existing document.
	Set(ctx context.Context, collection, id string, value any) error

	// Update applies fn to the current raw document atomically with
	// respect to other Update and Set calls on the same document. fn
	// receives nil when the document does not exist; returning nil
	// bytes deletes it.
	Update(ctx context.Context, collection, id string, fn func(raw []byte) ([]byte, error)) error

	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// List returns matching documents in the collection.
	List(ctx context.Context, collection string, q Query) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}
