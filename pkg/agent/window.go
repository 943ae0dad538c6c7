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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/model"
)

const conversationCollection = "conversations"

// turn is one stored message of a conversation window.
type turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type windowDoc struct {
	Turns []turn `json:"turns"`
}

// Windows persists bounded conversation windows. It is a prompting
// buffer, not a transcript store: only the most recent maxTurns
// messages survive, and loads are additionally trimmed to the token
// budget.
//
// Appends to the same conversation serialize on a per-conversation
// lock, so two concurrent requests never interleave their user and
// assistant turns.
type Windows struct {
	store    kv.Store
	counter  *TokenCounter
	maxTurns int
	budget   int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWindows creates a window store.
func NewWindows(store kv.Store, counter *TokenCounter, maxTurns, tokenBudget int) *Windows {
	return &Windows{
		store:    store,
		counter:  counter,
		maxTurns: maxTurns,
		budget:   tokenBudget,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (w *Windows) lockFor(conversationID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[conversationID] = l
	}
	return l
}

// History loads the conversation window, trimmed to the token budget
// with the most recent messages kept. A missing conversation yields an
// empty history.
func (w *Windows) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	var doc windowDoc
	err := w.store.Get(ctx, conversationCollection, conversationID, &doc)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation window: %w", err)
	}

	msgs := make([]model.Message, 0, len(doc.Turns))
	for _, t := range doc.Turns {
		msgs = append(msgs, model.Message{Role: t.Role, Content: t.Content})
	}
	if w.counter != nil && w.budget > 0 {
		msgs = w.counter.FitWithinBudget(msgs, w.budget)
	}
	return msgs, nil
}

// Append adds turns to the window in one atomic write, dropping the
// oldest turns beyond maxTurns.
func (w *Windows) Append(ctx context.Context, conversationID string, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := w.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	return w.store.Update(ctx, conversationCollection, conversationID, func(raw []byte) ([]byte, error) {
		var doc windowDoc
		if raw != nil {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
		}
		for _, m := range msgs {
			doc.Turns = append(doc.Turns, turn{Role: m.Role, Content: m.Content, At: now})
		}
		if w.maxTurns > 0 && len(doc.Turns) > w.maxTurns {
			doc.Turns = doc.Turns[len(doc.Turns)-w.maxTurns:]
		}
		return json.Marshal(doc)
	})
}

// Clear drops a conversation window.
func (w *Windows) Clear(ctx context.Context, conversationID string) error {
	return w.store.Delete(ctx, conversationCollection, conversationID)
}
