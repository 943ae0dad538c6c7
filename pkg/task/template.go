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

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/maestro-adk/maestro/pkg/kv"
	"github.com/maestro-adk/maestro/pkg/semantic"
)

const templateCollection = "templates"

// Template describes a reusable complex task. The script is the source
// the sandbox executes after parameter substitution.
type Template struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Categories []string `json:"categories" yaml:"categories"`

	// Triggers are regex patterns; Keywords are literal word matches.
	// Both augment semantic matching, they do not gate it.
	Triggers []string `json:"triggers,omitempty" yaml:"triggers"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`

	// RequiredServices names sandbox services the script depends on. A
	// template whose service is unavailable is not selectable.
	RequiredServices []string `json:"required_services,omitempty" yaml:"required_services"`

	Script          string         `json:"script" yaml:"script"`
	ParameterSchema map[string]any `json:"parameter_schema,omitempty" yaml:"parameter_schema"`

	EstimatedSteps    int           `json:"estimated_steps,omitempty" yaml:"estimated_steps"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration"`

	Priority int  `json:"priority" yaml:"priority"`
	Enabled  bool `json:"enabled" yaml:"enabled"`

	// Ephemeral templates are synthesized for one ad-hoc task and are
	// never offered to the planner.
	Ephemeral bool `json:"ephemeral,omitempty" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Matches reports whether the message trips a trigger regex or
// contains a keyword.
func (t *Template) Matches(message string) bool {
	lower := strings.ToLower(message)
	for _, k := range t.Keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	for _, pattern := range t.Triggers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// Selectable reports whether every required service is available.
func (t *Template) Selectable(available map[string]bool) bool {
	if !t.Enabled {
		return false
	}
	for _, svc := range t.RequiredServices {
		if !available[svc] {
			return false
		}
	}
	return true
}

// Templates manages the template catalog: persistence, the semantic
// index mirror, directory loading and hot reload.
type Templates struct {
	docs  kv.Store
	index *semantic.Index
}

// NewTemplates creates the catalog.
func NewTemplates(docs kv.Store, index *semantic.Index) *Templates {
	return &Templates{docs: docs, index: index}
}

// Put validates, persists and indexes a template.
func (c *Templates) Put(ctx context.Context, t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("template has no id")
	}
	if strings.TrimSpace(t.Script) == "" {
		return fmt.Errorf("template %s has no script", t.ID)
	}
	if len(t.Categories) == 0 {
		return fmt.Errorf("template %s has no categories", t.ID)
	}
	t.UpdatedAt = time.Now()

	if err := c.docs.Set(ctx, templateCollection, t.ID, t); err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}
	if t.Ephemeral {
		// Ephemeral templates are bound to one task and never
		// planner-visible, so they stay out of the index.
		return nil
	}
	doc := semantic.Document{
		ID:        t.ID,
		Content:   indexContent(t),
		Category:  t.Categories[0],
		Tags:      t.Keywords,
		Priority:  t.Priority,
		Enabled:   t.Enabled,
		UpdatedAt: t.UpdatedAt,
	}
	if err := c.index.AddOrUpdate(ctx, doc); err != nil {
		return fmt.Errorf("failed to index template: %w", err)
	}
	return nil
}

func indexContent(t *Template) string {
	parts := []string{t.Name}
	parts = append(parts, t.Keywords...)
	parts = append(parts, t.Categories...)
	return strings.Join(parts, " ")
}

// Get loads one template.
func (c *Templates) Get(ctx context.Context, id string) (*Template, error) {
	var t Template
	if err := c.docs.Get(ctx, templateCollection, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Remove drops a template from the catalog and the index.
func (c *Templates) Remove(ctx context.Context, id string) error {
	if err := c.docs.Delete(ctx, templateCollection, id); err != nil {
		return err
	}
	return c.index.Remove(ctx, id)
}

// All returns every non-ephemeral template.
func (c *Templates) All(ctx context.Context) ([]*Template, error) {
	entries, err := c.docs.List(ctx, templateCollection, kv.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(entries))
	for _, e := range entries {
		var t Template
		if err := json.Unmarshal(e.Data, &t); err != nil {
			return nil, fmt.Errorf("corrupt template record %s: %w", e.ID, err)
		}
		if t.Ephemeral {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// Candidates returns selectable templates for a message: semantic
// matches from the index plus any template whose trigger or keyword
// fires, de-duplicated, best semantic score first.
func (c *Templates) Candidates(ctx context.Context, message string, m int, available map[string]bool) ([]*Template, error) {
	hits, err := c.index.Query(ctx, message, m, semantic.Filters{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*Template
	for _, h := range hits {
		t, err := c.Get(ctx, h.ID)
		if err != nil {
			continue
		}
		if !t.Selectable(available) {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}

	// Trigger and keyword matches ride along even when the embedding
	// missed them.
	all, err := c.All(ctx)
	if err != nil {
		return out, nil
	}
	for _, t := range all {
		if seen[t.ID] || !t.Selectable(available) || !t.Matches(message) {
			continue
		}
		out = append(out, t)
	}

	if m > 0 && len(out) > m {
		out = out[:m]
	}
	return out, nil
}

// LoadDir loads every *.yaml and *.yml template file under dir.
func (c *Templates) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := c.loadFile(ctx, path); err != nil {
			slog.Warn("skipping template file", "path", path, "error", err)
		}
	}
	return nil
}

func isTemplateFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (c *Templates) loadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("invalid template yaml: %w", err)
	}
	if err := c.Put(ctx, &t); err != nil {
		return err
	}
	slog.Info("loaded template", "template_id", t.ID, "path", path)
	return nil
}

// Watch reloads template files when they change on disk. It blocks
// until ctx is cancelled; run it on its own goroutine.
func (c *Templates) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch template dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isTemplateFile(filepath.Base(ev.Name)) {
				continue
			}
			if err := c.loadFile(ctx, ev.Name); err != nil {
				slog.Warn("template reload failed", "path", ev.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("template watcher error", "error", err)
		}
	}
}
