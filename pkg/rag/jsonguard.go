// Copyright 2025 OneKey
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

package rag

import (
	"encoding/json"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/utils"
)

// stripCodeFences removes a surrounding ```…``` fence if present.
func stripCodeFences(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	if strings.HasPrefix(t, "```") {
		if _, rest, ok := strings.Cut(t, "\n"); ok {
			t = rest
		}
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}

// extractJSONObject brackets the first "{" to the last "}" after fence
// stripping; without braces the stripped text is returned as-is.
func extractJSONObject(text string) string {
	t := stripCodeFences(text)
	if t == "" {
		return ""
	}
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(t[start : end+1])
	}
	return t
}

// EnsureJSONObject guards JSON-mode answers: the model output is reduced
// to its first JSON object, non-object values are wrapped under "data",
// and unparseable content becomes an invalid_json error envelope with
// the raw content clamped inside.
func EnsureJSONObject(content string) string {
	if raw := extractJSONObject(content); raw != "" {
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			if _, ok := data.(map[string]any); ok {
				return compactJSON(data)
			}
			return compactJSON(map[string]any{"data": data})
		}
	}
	return compactJSON(map[string]any{
		"error":   "invalid_json",
		"message": utils.ClampText(strings.TrimSpace(content), 2000),
	})
}

// compactJSON marshals without HTML escaping so Chinese text and URLs
// survive verbatim.
func compactJSON(v any) string {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
