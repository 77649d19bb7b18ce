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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/store"
)

func TestAppendAnchor(t *testing.T) {
	assert.Equal(t, "https://docs.example.com/page#quick-start",
		appendAnchor("https://docs.example.com/page", "Guide > Quick Start"))

	// Existing fragments and empty paths are left alone.
	assert.Equal(t, "https://docs.example.com/page#frag",
		appendAnchor("https://docs.example.com/page#frag", "Guide > Quick Start"))
	assert.Equal(t, "https://docs.example.com/page",
		appendAnchor("https://docs.example.com/page", ""))
	assert.Empty(t, appendAnchor("", "Guide"))

	// Unicode headings keep their letters.
	assert.Equal(t, "https://docs.example.com/page#安装指南",
		appendAnchor("https://docs.example.com/page", "指南 > 安装指南"))
}

func TestSlugifyAnchor(t *testing.T) {
	assert.Equal(t, "getting-started", slugifyAnchor("  Getting   Started!  "))
	assert.Equal(t, "a-b", slugifyAnchor("A -- B"))
	assert.Empty(t, slugifyAnchor("!!!"))
}

func TestBuildSourcesDedupesByAnchoredURL(t *testing.T) {
	chunks := []store.ScoredChunk{
		{ChunkID: 1, URL: "https://d.example.com/a", Title: "A", SectionPath: "Root > Part", Text: "first text", Score: 0.5},
		{ChunkID: 2, URL: "https://d.example.com/a", Title: "A", SectionPath: "Root > Part", Text: "duplicate target", Score: 0.9},
		{ChunkID: 3, URL: "https://d.example.com/b", Title: "B", SectionPath: "Root > Other", Text: "second text", Score: 0.7},
	}

	sources := buildSources(chunks, 100, 6)
	require.Len(t, sources, 2)

	// Highest score wins the deduped slot and carries its snippet.
	assert.Equal(t, "https://d.example.com/a#part", sources[0].URL)
	assert.Equal(t, "duplicate target", sources[0].Snippet)
	assert.Equal(t, "https://d.example.com/b#other", sources[1].URL)
	assert.Zero(t, sources[0].Ref)
}

func TestBuildInlineSourcesNumbersRefs(t *testing.T) {
	chunks := []store.ScoredChunk{
		{ChunkID: 1, URL: "https://d.example.com/a", Title: "A", SectionPath: "Part", Text: "line one\nline two", Score: 0.9},
		{ChunkID: 2, URL: "https://d.example.com/b", Title: "B", SectionPath: "Other", Text: "text", Score: 0.8},
	}

	sources := buildInlineSources(chunks, 100, 1)
	require.Len(t, sources, 1)
	assert.Equal(t, 1, sources[0].Ref)
	// Newlines flatten into spaces inside snippets.
	assert.Equal(t, "line one line two", sources[0].Snippet)
}

func TestReferencesTail(t *testing.T) {
	sources := []Source{
		{Ref: 1, URL: "https://d.example.com/a#part", Title: "A"},
		{Ref: 2, URL: "https://d.example.com/b", Title: ""},
	}

	inline := ReferencesTail(sources, true)
	assert.Equal(t, "\n\n参考：\n[1] A - https://d.example.com/a#part\n[2] https://d.example.com/b", inline)

	plain := ReferencesTail(sources, false)
	assert.Equal(t, "\n\n来源：\n- https://d.example.com/a#part\n- https://d.example.com/b", plain)

	assert.Empty(t, ReferencesTail(nil, true))
}

func TestBuildContextRespectsBudget(t *testing.T) {
	chunks := []store.ScoredChunk{
		{ChunkID: 1, URL: "https://d.example.com/a", Title: "A", SectionPath: "Part", Text: "短内容", Score: 0.9},
		{ChunkID: 2, URL: "https://d.example.com/b", Title: "B", SectionPath: "Other", Text: "这一块很长，超出预算后整块被丢弃", Score: 0.8},
	}

	full := buildContext(chunks, 10_000)
	assert.Contains(t, full, "[1]\nURL: https://d.example.com/a")
	assert.Contains(t, full, "[2]\nURL: https://d.example.com/b")

	// A budget that only fits the first block drops the second whole.
	small := buildContext(chunks, 60)
	assert.Contains(t, small, "[1]")
	assert.NotContains(t, small, "[2]")

	assert.Empty(t, buildContext(nil, 100))
}

func TestSanitizeInlineCitations(t *testing.T) {
	got := sanitizeInlineCitations("结论 [1]，另见 [2] 和 [99]。", 2)
	assert.Equal(t, "结论 [1]，另见 [2] 和 。", got)

	// Collapsed double spaces after removal.
	got = sanitizeInlineCitations("A [3]  B", 2)
	assert.Equal(t, "A B", got)

	assert.Empty(t, sanitizeInlineCitations("", 3))
}
