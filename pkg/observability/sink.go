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
	"errors"
	"time"

	"github.com/maestro-adk/maestro/pkg/event"
)

// MetricsSink translates the event stream into metric records. Fan it
// in next to the logging sink with event.Multi.
type MetricsSink struct {
	metrics Metrics
}

// NewMetricsSink creates the bridge.
func NewMetricsSink(metrics Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

var errDegraded = errors.New("degraded")

func (s *MetricsSink) Emit(ctx context.Context, ev event.Event) {
	if s == nil || s.metrics == nil {
		return
	}
	duration := time.Duration(ev.DurationMS) * time.Millisecond
	switch ev.Type {
	case event.TypeToolInvocation:
		s.metrics.RecordToolInvocation(ctx, ev.Tool, ev.Outcome, duration)
	case event.TypeRetrieval:
		var err error
		if ev.Outcome == event.OutcomeError {
			err = errDegraded
		}
		s.metrics.RecordRetrieval(ctx, "all", duration, err)
	case event.TypeTaskQueued, event.TypeTaskStarted, event.TypeTaskRepaired,
		event.TypeTaskSucceeded, event.TypeTaskFailed, event.TypeTaskCancelled,
		event.TypeTaskRequeued:
		s.metrics.RecordTaskTransition(ctx, ev.State)
	}
}

var _ event.Sink = (*MetricsSink)(nil)
