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

package agent

import (
	"regexp"
	"strings"
)

// Message length caps by context type.
const (
	ChatMessageCap = 1000
	TaskMessageCap = 5000
)

const filteredMarker = "[filtered]"

// overridePatterns match prompt-injection attempts: role overrides,
// conversation-marker forgery and references to process or environment
// state. Matches are replaced with a neutral marker, never removed
// silently, so the model still sees that something was said there.
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|messages?|context)`),
	regexp.MustCompile(`(?i)disregard\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(?:everything|all)\s+(?:you\s+(?:were|was)\s+told|above|before)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|the)\s`),
	regexp.MustCompile(`(?im)^\s*(?:system|assistant|developer)\s*:`),
	regexp.MustCompile(`(?i)<\s*/?\s*(?:system|assistant|sys)\s*>`),
	regexp.MustCompile(`(?i)\bprocess\.env\b`),
	regexp.MustCompile(`(?i)\bos\.environ\b`),
	regexp.MustCompile(`(?i)\b(?:getenv|setenv)\s*\(`),
	regexp.MustCompile(`(?i)\b(?:reveal|print|show|repeat)\s+(?:your\s+|the\s+)?system\s+prompt`),
}

// Sanitize normalizes an inbound message: drops control characters
// (keeping tab, newline and carriage return), neutralizes injection
// patterns and enforces the length cap in runes. Sanitize is
// idempotent; running it on its own output is a no-op.
func Sanitize(message string, limit int) string {
	out := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, message)

	for _, p := range overridePatterns {
		out = p.ReplaceAllString(out, filteredMarker)
	}

	out = strings.TrimSpace(out)
	if limit > 0 {
		if runes := []rune(out); len(runes) > limit {
			out = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return out
}
