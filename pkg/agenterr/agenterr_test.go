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

package agenterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same code matches",
			err:    New(CodeToolForbidden, "tool %q denied", "deleter"),
			target: ErrToolForbidden,
			want:   true,
		},
		{
			name:   "different code does not match",
			err:    New(CodeToolUnknown, "no such tool"),
			target: ErrToolForbidden,
			want:   false,
		},
		{
			name:   "wrapped cause still matches",
			err:    fmt.Errorf("invoke: %w", Wrap(CodeToolTimeout, errors.New("deadline"), "tool timed out")),
			target: ErrToolTimeout,
			want:   true,
		},
		{
			name:   "plain error never matches",
			err:    errors.New("boom"),
			target: ErrQueueFull,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeEmbedUnavailable, "provider down"))
	if got := CodeOf(err); got != CodeEmbedUnavailable {
		t.Errorf("CodeOf() = %q, want %q", got, CodeEmbedUnavailable)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeEmbedUnavailable, cause, "embed call failed")
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable via errors.Is")
	}
}
