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

// Package agenterr defines the stable error taxonomy shared by the runtime,
// dispatcher, orchestrator, workers and embedding service.
//
// Errors carry a stable machine-readable code and a human-readable message.
// Codes are compared with errors.Is against the exported sentinels, so a
// caller can branch on the kind of failure without string matching:
//
//	if errors.Is(err, agenterr.ErrToolForbidden) { ... }
package agenterr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are stable across releases;
// presentation varies by caller.
type Code string

const (
	CodeToolUnknown       Code = "ERR_TOOL_UNKNOWN"
	CodeToolForbidden     Code = "ERR_TOOL_FORBIDDEN"
	CodeToolBadArgs       Code = "ERR_TOOL_BAD_ARGS"
	CodeToolTimeout       Code = "ERR_TOOL_TIMEOUT"
	CodeEmbedUnavailable  Code = "ERR_EMBED_UNAVAILABLE"
	CodeQueueFull         Code = "ERR_QUEUE_FULL"
	CodeScriptInvalid     Code = "ERR_SCRIPT_INVALID"
	CodeScriptRuntime     Code = "ERR_SCRIPT_RUNTIME"
	CodeSecurityViolation Code = "ERR_SECURITY_VIOLATION"
	CodeScriptTimeout     Code = "ERR_SCRIPT_TIMEOUT"
	CodeScriptHung        Code = "ERR_SCRIPT_HUNG"
	CodeResourceLimit     Code = "ERR_RESOURCE_LIMIT"
	CodeUnparseablePlan   Code = "ERR_LLM_UNPARSEABLE_PLAN"
	CodePlanLoopExhausted Code = "ERR_PLAN_LOOP_EXHAUSTED"
	CodeUnrepairable      Code = "ERR_UNREPAIRABLE"
)

// Sentinels for errors.Is matching. Each sentinel matches any *Error created
// with the same code, regardless of message or cause.
var (
	ErrToolUnknown       = &Error{code: CodeToolUnknown, message: "unknown tool"}
	ErrToolForbidden     = &Error{code: CodeToolForbidden, message: "tool not permitted for role"}
	ErrToolBadArgs       = &Error{code: CodeToolBadArgs, message: "tool arguments do not match schema"}
	ErrToolTimeout       = &Error{code: CodeToolTimeout, message: "tool execution timed out"}
	ErrEmbedUnavailable  = &Error{code: CodeEmbedUnavailable, message: "embedding provider unavailable"}
	ErrQueueFull         = &Error{code: CodeQueueFull, message: "task queue is full"}
	ErrScriptInvalid     = &Error{code: CodeScriptInvalid, message: "script failed static validation"}
	ErrScriptRuntime     = &Error{code: CodeScriptRuntime, message: "script failed at runtime"}
	ErrSecurityViolation = &Error{code: CodeSecurityViolation, message: "sandbox refused a call"}
	ErrScriptTimeout     = &Error{code: CodeScriptTimeout, message: "script exceeded wall-clock budget"}
	ErrScriptHung        = &Error{code: CodeScriptHung, message: "script ignored cancellation"}
	ErrResourceLimit     = &Error{code: CodeResourceLimit, message: "script exceeded resource budget"}
	ErrUnparseablePlan   = &Error{code: CodeUnparseablePlan, message: "planner returned an unparseable plan"}
	ErrPlanLoopExhausted = &Error{code: CodePlanLoopExhausted, message: "plan loop cap exceeded"}
	ErrUnrepairable      = &Error{code: CodeUnrepairable, message: "task is unrepairable"}
)

// Error is a coded error. The zero value is not valid; use New or Wrap.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates a coded error with a message.
func New(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause. The cause is reachable via
// errors.Unwrap; secrets must never be placed in the message.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

// Code returns the stable error code.
func (e *Error) Code() Code { return e.code }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.code == t.code
	}
	return false
}

// CodeOf extracts the code from an error chain, or "" when the chain carries
// no coded error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}
