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
	"fmt"
	"regexp"
	"strings"

	"github.com/maestro-adk/maestro/pkg/agenterr"
)

// DefaultScriptSizeCap bounds script source size.
const DefaultScriptSizeCap = 200 << 10

// blockedPatterns are constructs no generated script may contain. They
// reach outside the sandbox or defeat static inspection.
var blockedPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "dynamic code construction"},
	{regexp.MustCompile(`\brequire\s*\(`), "module loading"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic module loading"},
	{regexp.MustCompile(`(?m)^\s*import\s+`), "module loading"},
	{regexp.MustCompile(`\bprocess\s*\.`), "process access"},
	{regexp.MustCompile(`\bglobalThis\s*\.`), "global object access"},
	{regexp.MustCompile(`__proto__`), "prototype manipulation"},
	{regexp.MustCompile(`\bconstructor\s*\[\s*`), "constructor escape"},
	{regexp.MustCompile(`\bXMLHttpRequest\b|\bfetch\s*\(`), "direct network access, use declared tools"},
}

// Validate statically checks script source before any execution: size
// cap, blocked constructs and bracket balance. It returns a coded error
// (ERR_SECURITY_VIOLATION for blocked constructs, ERR_SCRIPT_INVALID
// otherwise) or nil.
func Validate(source string, sizeCap int) error {
	if sizeCap <= 0 {
		sizeCap = DefaultScriptSizeCap
	}
	if len(source) > sizeCap {
		return agenterr.New(agenterr.CodeScriptInvalid,
			"script is %d bytes, cap is %d", len(source), sizeCap)
	}
	if strings.TrimSpace(source) == "" {
		return agenterr.New(agenterr.CodeScriptInvalid, "script is empty")
	}

	stripped := stripLiterals(source)
	for _, p := range blockedPatterns {
		if loc := p.re.FindStringIndex(stripped); loc != nil {
			line := 1 + strings.Count(stripped[:loc[0]], "\n")
			return agenterr.New(agenterr.CodeSecurityViolation,
				"blocked construct at line %d: %s", line, p.reason)
		}
	}

	if err := checkBalance(stripped); err != nil {
		return agenterr.Wrap(agenterr.CodeScriptInvalid, err, "script does not parse")
	}
	return nil
}

// stripLiterals blanks string literals and comments so blocked-pattern
// and balance checks do not trip on quoted text. Literal contents are
// replaced with spaces to preserve line numbers.
func stripLiterals(source string) string {
	out := []byte(source)
	i := 0
	for i < len(out) {
		switch c := out[i]; {
		case c == '"' || c == '\'' || c == '`':
			quote := c
			i++
			for i < len(out) && out[i] != quote {
				if out[i] == '\\' && i+1 < len(out) {
					out[i] = ' '
					i++
				}
				if out[i] != '\n' {
					out[i] = ' '
				}
				i++
			}
			if i < len(out) {
				i++
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			for i+1 < len(out) && !(out[i] == '*' && out[i+1] == '/') {
				if out[i] != '\n' {
					out[i] = ' '
				}
				i++
			}
			if i+1 < len(out) {
				out[i], out[i+1] = ' ', ' '
				i += 2
			}
		default:
			i++
		}
	}
	return string(out)
}

func checkBalance(source string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(source); i++ {
		switch c := source[i]; c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				line := 1 + strings.Count(source[:i], "\n")
				return fmt.Errorf("unbalanced %q at line %d", c, line)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}
