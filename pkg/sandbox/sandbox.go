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

// Package sandbox defines the isolated script execution boundary used by
// task workers. The runtime holds only this interface; concrete engines
// live behind it so the worker never links an interpreter directly.
package sandbox

import (
	"context"
	"time"

	"github.com/maestro-adk/maestro/pkg/agenterr"
)

// Classification labels why a run failed. It drives repairability:
// security violations get a single repair attempt, timeouts and
// resource limits are repaired only with a work-reducing revision.
type Classification string

const (
	ClassValidation    Classification = "validation_error"
	ClassSecurity      Classification = "security_violation"
	ClassRuntime       Classification = "runtime_error"
	ClassTimeout       Classification = "timeout"
	ClassResourceLimit Classification = "resource_limit"
	ClassHung          Classification = "hung"
)

// Code maps a classification to its stable error code.
func (c Classification) Code() agenterr.Code {
	switch c {
	case ClassValidation:
		return agenterr.CodeScriptInvalid
	case ClassSecurity:
		return agenterr.CodeSecurityViolation
	case ClassTimeout:
		return agenterr.CodeScriptTimeout
	case ClassResourceLimit:
		return agenterr.CodeResourceLimit
	case ClassHung:
		return agenterr.CodeScriptHung
	default:
		return agenterr.CodeScriptRuntime
	}
}

// Budget bounds one execution.
type Budget struct {
	// WallClock is the total run time allowance.
	WallClock time.Duration

	// HeapBytes caps interpreter heap growth.
	HeapBytes int64
}

// RunResult reports one execution. A failed run is not a Go error; the
// error return of Run is reserved for infrastructure faults.
type RunResult struct {
	OK             bool
	Result         any
	ErrorDetail    string
	Classification Classification

	// Diagnostics carries engine output useful for repair: stack
	// traces, the failing line, resource counters.
	Diagnostics []string
}

// Sandbox executes untrusted script source with bounded resources.
// Cancellation of ctx must stop the script at the next step boundary;
// an engine that cannot interrupt a hung script reports ClassHung.
type Sandbox interface {
	Run(ctx context.Context, source string, params map[string]any, budget Budget) (*RunResult, error)
}
