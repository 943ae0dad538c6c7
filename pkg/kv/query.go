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
	"encoding/json"
	"fmt"
	"sort"
)

// applyQuery filters, orders and limits entries. Both backends store
// documents as opaque JSON, so query evaluation happens here rather
// than in backend-specific SQL.
func applyQuery(entries []Entry, q Query) []Entry {
	out := entries
	if len(q.Where) > 0 {
		out = make([]Entry, 0, len(entries))
		for _, e := range entries {
			if matchesWhere(e.Data, q.Where) {
				out = append(out, e)
			}
		}
	}

	if q.OrderBy != "" {
		sortByField(out, q.OrderBy, q.Desc)
	} else {
		// Stable default: newest first.
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesWhere(data []byte, where map[string]any) bool {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for k, want := range where {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

type sortKey struct {
	num    float64
	str    string
	isNum  bool
	exists bool
}

func fieldKey(data []byte, field string) sortKey {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return sortKey{}
	}
	v, ok := doc[field]
	if !ok {
		return sortKey{}
	}
	if f, isNum := v.(float64); isNum {
		return sortKey{num: f, isNum: true, exists: true}
	}
	return sortKey{str: fmt.Sprint(v), exists: true}
}

func (k sortKey) less(other sortKey) bool {
	// Entries missing the field sort last regardless of direction.
	if k.exists != other.exists {
		return k.exists
	}
	if !k.exists {
		return false
	}
	if k.isNum && other.isNum {
		return k.num < other.num
	}
	return k.render() < other.render()
}

func (k sortKey) render() string {
	if k.isNum {
		return fmt.Sprintf("%020.6f", k.num)
	}
	return k.str
}

func sortByField(entries []Entry, field string, desc bool) {
	type row struct {
		entry Entry
		key   sortKey
	}
	rows := make([]row, len(entries))
	for i, e := range entries {
		rows[i] = row{entry: e, key: fieldKey(e.Data, field)}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			// Keep missing-field entries last even when descending.
			if rows[i].key.exists != rows[j].key.exists {
				return rows[i].key.exists
			}
			return rows[j].key.less(rows[i].key)
		}
		return rows[i].key.less(rows[j].key)
	})

	for i, r := range rows {
		entries[i] = r.entry
	}
}
