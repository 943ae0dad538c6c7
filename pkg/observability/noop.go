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

package observability

import (
	"context"
	"time"
)

// Noop discards all metrics. Used when observability is disabled.
type Noop struct{}

func (Noop) RecordMessage(context.Context, time.Duration, error)                   {}
func (Noop) RecordToolInvocation(context.Context, string, string, time.Duration)   {}
func (Noop) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}
func (Noop) RecordTaskTransition(context.Context, string)                          {}
func (Noop) RecordRetrieval(context.Context, string, time.Duration, error)         {}

var _ Metrics = Noop{}
