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
	"strings"

	"github.com/onekeyhq/ragserve/pkg/store"
)

// ExtractAddresses returns the lower-cased set of EVM addresses found in
// the text.
func ExtractAddresses(text string) map[string]struct{} {
	if text == "" {
		return nil
	}
	set := map[string]struct{}{}
	for _, m := range evmAddressRe.FindAllString(text, -1) {
		set[strings.ToLower(m)] = struct{}{}
	}
	return set
}

// filterByAddress keeps chunks that mention any of the given addresses.
// In strict mode unmatched chunks are dropped; otherwise they trail the
// matched ones in their original order.
func filterByAddress(chunks []store.ScoredChunk, addresses map[string]struct{}, strict bool) []store.ScoredChunk {
	if len(addresses) == 0 {
		return chunks
	}

	var matched, unmatched []store.ScoredChunk
	for _, c := range chunks {
		if chunkMentionsAny(c.Text, addresses) {
			matched = append(matched, c)
		} else {
			unmatched = append(unmatched, c)
		}
	}
	if strict {
		return matched
	}
	return append(matched, unmatched...)
}

func chunkMentionsAny(text string, addresses map[string]struct{}) bool {
	for addr := range ExtractAddresses(text) {
		if _, ok := addresses[addr]; ok {
			return true
		}
	}
	return false
}

// filterByMetadata applies source allow/deny substring lists against the
// lower-cased "url title section_path" of each chunk. An empty rule set
// passes everything through.
func filterByMetadata(chunks []store.ScoredChunk, allowlist, denylist []string) []store.ScoredChunk {
	allow := normalizePatterns(allowlist)
	deny := normalizePatterns(denylist)
	if len(allow) == 0 && len(deny) == 0 {
		return chunks
	}

	filtered := chunks[:0:0]
	for _, c := range chunks {
		combined := strings.ToLower(c.URL + " " + c.Title + " " + c.SectionPath)
		if len(allow) > 0 && !matchAny(combined, allow) {
			continue
		}
		if len(deny) > 0 && matchAny(combined, deny) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func matchAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
