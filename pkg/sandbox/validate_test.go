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

package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-adk/maestro/pkg/agenterr"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantCode agenterr.Code
	}{
		{
			name:   "clean script",
			source: `const x = tools.call("current_time", {}); return {time: x};`,
		},
		{
			name:   "loops and objects",
			source: "let out = [];\nfor (let i = 0; i < 3; i++) { out.push({i: i}); }\nreturn out;",
		},
		{
			name:     "eval blocked",
			source:   `eval("1+1");`,
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:     "function constructor blocked",
			source:   `const f = new Function("return 1");`,
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:     "require blocked",
			source:   `const fs = require("fs");`,
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:     "import statement blocked",
			source:   "import os from \"os\";\nreturn 1;",
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:     "process access blocked",
			source:   `return process.env;`,
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:     "fetch blocked",
			source:   `return fetch("https://example.com");`,
			wantCode: agenterr.CodeSecurityViolation,
		},
		{
			name:   "blocked word inside string is fine",
			source: `return "call eval( never";`,
		},
		{
			name:     "unbalanced braces",
			source:   `function f() { return 1;`,
			wantCode: agenterr.CodeScriptInvalid,
		},
		{
			name:     "mismatched brackets",
			source:   `const a = [1, 2);`,
			wantCode: agenterr.CodeScriptInvalid,
		},
		{
			name:   "brackets in strings ignored",
			source: `const s = "(["; return s;`,
		},
		{
			name:   "brackets in comments ignored",
			source: "// { [ (\nreturn 1;",
		},
		{
			name:     "empty script",
			source:   "   \n  ",
			wantCode: agenterr.CodeScriptInvalid,
		},
		{
			name:     "oversized script",
			source:   "return 1; // " + strings.Repeat("x", DefaultScriptSizeCap),
			wantCode: agenterr.CodeScriptInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.source, 0)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.wantCode, agenterr.CodeOf(err))
		})
	}
}

func TestClassificationCodes(t *testing.T) {
	tests := []struct {
		class Classification
		want  agenterr.Code
	}{
		{ClassValidation, agenterr.CodeScriptInvalid},
		{ClassSecurity, agenterr.CodeSecurityViolation},
		{ClassRuntime, agenterr.CodeScriptRuntime},
		{ClassTimeout, agenterr.CodeScriptTimeout},
		{ClassResourceLimit, agenterr.CodeResourceLimit},
		{ClassHung, agenterr.CodeScriptHung},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.Code())
	}
}

func TestValidateErrorsMatchSentinels(t *testing.T) {
	err := Validate(`eval("x")`, 0)
	assert.True(t, errors.Is(err, agenterr.ErrSecurityViolation))

	err = Validate(`{`, 0)
	assert.True(t, errors.Is(err, agenterr.ErrScriptInvalid))
}
