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
	"fmt"
	"regexp"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/store"
	"github.com/onekeyhq/ragserve/pkg/utils"
)

// Source is one traceable origin of an answer. Ref is the 1-based inline
// citation number; zero when inline citations are off.
type Source struct {
	Ref         int    `json:"ref,omitempty"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	SectionPath string `json:"section_path"`
	Snippet     string `json:"snippet"`
}

var (
	slugStripRe = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugSpaceRe = regexp.MustCompile(`\s+`)
	slugDashRe  = regexp.MustCompile(`-{2,}`)
)

// slugifyAnchor turns a section title into a URL fragment the way docs
// sites generate heading anchors.
func slugifyAnchor(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = slugStripRe.ReplaceAllString(s, "")
	s = slugSpaceRe.ReplaceAllString(s, "-")
	s = slugDashRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// appendAnchor points a source URL at the chunk's section. URLs that
// already carry a fragment are left alone.
func appendAnchor(url, sectionPath string) string {
	if url == "" || strings.Contains(url, "#") {
		return url
	}
	parts := strings.Split(sectionPath, " > ")
	anchor := slugifyAnchor(parts[len(parts)-1])
	if anchor == "" {
		return url
	}
	return url + "#" + anchor
}

// buildInlineSources numbers the top chunks 1..n so inline [n] citations
// line up with the returned source list.
func buildInlineSources(chunks []store.ScoredChunk, snippetMaxChars, maxSources int) []Source {
	if len(chunks) > maxSources {
		chunks = chunks[:maxSources]
	}
	sources := make([]Source, 0, len(chunks))
	for i, c := range chunks {
		sources = append(sources, Source{
			Ref:         i + 1,
			URL:         appendAnchor(c.URL, c.SectionPath),
			Title:       c.Title,
			SectionPath: c.SectionPath,
			Snippet:     snippetText(c.Text, snippetMaxChars),
		})
	}
	return sources
}

// buildSources dedupes chunks by anchored URL in score order.
func buildSources(chunks []store.ScoredChunk, snippetMaxChars, maxSources int) []Source {
	ordered := append([]store.ScoredChunk(nil), chunks...)
	sortByScore(ordered)

	seen := map[string]struct{}{}
	var sources []Source
	for _, c := range ordered {
		url := appendAnchor(c.URL, c.SectionPath)
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		sources = append(sources, Source{
			URL:         url,
			Title:       c.Title,
			SectionPath: c.SectionPath,
			Snippet:     snippetText(c.Text, snippetMaxChars),
		})
		if len(sources) >= maxSources {
			break
		}
	}
	return sources
}

func snippetText(text string, maxChars int) string {
	return utils.ClampText(strings.TrimSpace(strings.ReplaceAll(text, "\n", " ")), maxChars)
}

// ReferencesTail renders the answer's trailing source list: a numbered
// 参考 list when inline citations are on, otherwise a 来源 bullet list.
// The streaming transport appends the same tail after the last delta.
func ReferencesTail(sources []Source, inline bool) string {
	if len(sources) == 0 {
		return ""
	}

	if inline {
		lines := []string{"\n\n参考："}
		for i, s := range sources {
			ref := s.Ref
			if ref == 0 {
				ref = i + 1
			}
			title := strings.TrimSpace(s.Title)
			url := strings.TrimSpace(s.URL)
			if title != "" {
				lines = append(lines, fmt.Sprintf("[%d] %s - %s", ref, title, url))
			} else {
				lines = append(lines, fmt.Sprintf("[%d] %s", ref, url))
			}
		}
		return strings.TrimRight(strings.Join(lines, "\n"), " \n")
	}

	lines := []string{"\n\n来源："}
	for _, s := range sources {
		if url := strings.TrimSpace(s.URL); url != "" {
			lines = append(lines, "- "+url)
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \n")
}
