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
	"regexp"
	"strconv"
	"strings"
)

var (
	citationRe   = regexp.MustCompile(`\[(\d{1,3})\]`)
	doubleSpaces = regexp.MustCompile(` {2,}`)
)

// citationDisclosure is appended when the model produced no usable
// inline citation but sources exist.
const citationDisclosure = "（未能在正文中生成引用标记，已在参考中列出来源）"

// sanitizeInlineCitations drops [n] citation tokens whose n falls
// outside 1..maxRef so the frontend can always align them with the
// sources array.
func sanitizeInlineCitations(text string, maxRef int) string {
	cleaned := citationRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil {
			return ""
		}
		if n >= 1 && n <= maxRef {
			return m
		}
		return ""
	})
	cleaned = doubleSpaces.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func hasInlineCitation(text string) bool {
	return citationRe.MatchString(text)
}
