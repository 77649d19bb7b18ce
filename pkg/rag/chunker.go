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

// Package rag implements the retrieval-augmented answer pipeline:
// markdown chunking, candidate retrieval, conversation compaction,
// prompt assembly, and answer framing.
package rag

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/config"
)

// Chunk is one indexable slice of a markdown document.
type Chunk struct {
	// Index is the zero-based position of the chunk within the document.
	Index int

	// SectionPath is the header breadcrumb active at the start of the
	// chunk, levels joined with " > ". Empty before the first header.
	SectionPath string

	// Text is the chunk body, ready for embedding. Chunks whose body
	// contains contract addresses carry a trailing [CONTRACT_ADDRESSES]
	// block so lexical and substring search can find them.
	Text string
}

// Chunker splits markdown into header-aware, overlapping chunks.
type Chunker struct {
	maxChars     int
	overlapChars int
}

// NewChunker builds a chunker from configuration.
func NewChunker(cfg *config.ChunkingConfig) *Chunker {
	return &Chunker{
		maxChars:     cfg.MaxChars,
		overlapChars: cfg.OverlapChars,
	}
}

var (
	headerRe = regexp.MustCompile(`^(#{1,3})\s+(.*)$`)

	// evmAddressRe matches a bare EVM contract address.
	evmAddressRe = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

	// linkedAddressRe matches a markdown link whose URL embeds an EVM
	// address, the shape explorer links take ([0x1234…](https://etherscan.io/address/0x…)).
	linkedAddressRe = regexp.MustCompile(`\[([^\]]*)\]\(https?://[^)]*?/(0x[a-fA-F0-9]{40})[^)]*\)`)
)

// Split chunks a markdown document. Sections are tracked by ATX headers
// up to depth 3; each section is windowed with the configured size and
// overlap. Empty and whitespace-only chunks are dropped.
func (c *Chunker) Split(markdown string) []Chunk {
	sections := splitSections(markdown)

	var out []Chunk
	for _, sec := range sections {
		text := strings.TrimSpace(sec.text)
		if text == "" {
			continue
		}
		for _, body := range splitByLength(text, c.maxChars, c.overlapChars) {
			out = append(out, Chunk{
				Index:       len(out),
				SectionPath: sec.path,
				Text:        body,
			})
		}
	}
	return out
}

type section struct {
	path string
	text string
}

// splitSections walks the document line by line and starts a new section
// at every header of depth 1-3. A level-1 header resets the breadcrumb,
// level 2 keeps the first element, level 3 keeps the first two. The
// header line itself stays in the section body so retrieval can match
// on it.
func splitSections(markdown string) []section {
	var (
		sections []section
		path     []string
		buf      strings.Builder
	)

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		sections = append(sections, section{
			path: strings.Join(path, " > "),
			text: buf.String(),
		})
		buf.Reset()
	}

	for _, line := range strings.Split(markdown, "\n") {
		m := headerRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			buf.WriteString(line)
			buf.WriteString("\n")
			continue
		}

		flush()

		level := len(m[1])
		title := strings.TrimSpace(m[2])
		switch level {
		case 1:
			path = []string{title}
		case 2:
			if len(path) >= 1 {
				path = append(path[:1:1], title)
			} else {
				path = []string{title}
			}
		default:
			if len(path) >= 2 {
				path = append(path[:2:2], title)
			} else {
				path = append(append([]string{}, path...), title)
			}
		}

		buf.WriteString(strings.TrimSpace(line))
		buf.WriteString("\n")
	}
	flush()

	return sections
}

// splitByLength slides a fixed window over the raw section text; each
// window is trimmed and annotated independently, and the next window
// starts overlap characters before the end of the previous one so
// consecutive chunks share context. Short sections come back as a
// single annotated chunk.
func splitByLength(text string, maxChars, overlapChars int) []string {
	if maxChars <= 0 {
		maxChars = 2400
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		overlapChars = 0
	}

	if whole := annotateAddresses(text); len([]rune(whole)) <= maxChars {
		return []string{whole}
	}

	var parts []string
	runes := []rune(text)
	start := 0
	for start < len(runes) {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		if part := strings.TrimSpace(string(runes[start:end])); part != "" {
			parts = append(parts, annotateAddresses(part))
		}
		if end == len(runes) {
			break
		}
		start = end - overlapChars
		if start < 0 {
			start = 0
		}
	}
	return parts
}

// addressBlockMarker labels the synthetic address block appended to
// chunks that mention contract addresses.
const addressBlockMarker = "[CONTRACT_ADDRESSES]"

// annotateAddresses appends a [CONTRACT_ADDRESSES] block listing every
// EVM address found in the text, both bare and inside explorer links.
// Addresses are lowercased, deduplicated, and sorted so the block is
// deterministic for a given body. Text already carrying the block is
// returned unchanged, which keeps the transform idempotent.
func annotateAddresses(text string) string {
	if text == "" || strings.Contains(text, addressBlockMarker) {
		return text
	}

	set := map[string]struct{}{}
	for _, m := range linkedAddressRe.FindAllStringSubmatch(text, -1) {
		set[strings.ToLower(m[2])] = struct{}{}
	}
	for _, addr := range evmAddressRe.FindAllString(text, -1) {
		set[strings.ToLower(addr)] = struct{}{}
	}
	if len(set) == 0 {
		return text
	}

	addrs := make([]string, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	return fmt.Sprintf("%s\n\n%s\n%s", text, addressBlockMarker, strings.Join(addrs, "\n"))
}
