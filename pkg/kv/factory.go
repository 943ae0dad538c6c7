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

import "fmt"

// New creates a store for the named backend. Backend "memory" ignores
// the DSN; "sqlite", "postgres" and "mysql" require one.
func New(backend, dsn string) (Store, error) {
	switch backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "postgres", "mysql":
		return NewSQLStore(SQLConfig{Driver: backend, DSN: dsn})
	default:
		return nil, fmt.Errorf("unknown store backend: %q", backend)
	}
}
