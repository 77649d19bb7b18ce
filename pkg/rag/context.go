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
	"strings"

	"github.com/onekeyhq/ragserve/pkg/store"
)

// buildContext renders ranked chunks into the numbered document-snippet
// block fed to the model. Iteration stops before the running character
// count would exceed maxChars, so the block never splits a chunk.
func buildContext(chunks []store.ScoredChunk, maxChars int) string {
	var (
		parts []string
		total int
	)
	for i, c := range chunks {
		block := fmt.Sprintf("[%d]\nURL: %s\n标题: %s\n章节: %s\n内容:\n%s\n",
			i+1, c.URL, c.Title, c.SectionPath, c.Text)
		size := len([]rune(block))
		if total+size > maxChars {
			break
		}
		parts = append(parts, block)
		total += size
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
