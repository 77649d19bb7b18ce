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

package crawler

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// minReadableChars is the readability acceptance threshold: shorter
// output triggers the structural fallback chain.
const minReadableChars = 200

// candidateTags can anchor the main content during readability scoring.
var candidateTags = map[string]bool{
	"main":    true,
	"article": true,
	"div":     true,
	"section": true,
	"td":      true,
}

var (
	positiveHintRe = regexp.MustCompile(`(?i)article|body|content|docs|entry|main|page|post|text`)
	negativeHintRe = regexp.MustCompile(`(?i)breadcrumb|comment|footer|masthead|menu|meta|nav|promo|related|share|sidebar|sponsor|toc|widget`)
	fallbackHintRe = regexp.MustCompile(`(?i)content|main|article`)
)

// titleSeparators are tried in order when shortening "Page | Site"
// style titles.
var titleSeparators = []string{" | ", " – ", " — ", " :: ", " » ", " - "}

// Extract parses raw HTML and returns the page title plus the main
// content converted to Markdown. The content node is chosen by
// readability scoring; when that yields fewer than minReadableChars
// characters the structural fallbacks (<main>, <article>, [role=main],
// content-hinted class, <body>) are converted instead and the longer
// result wins.
func Extract(rawHTML string) (title, markdown string, err error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}

	title = shortTitle(doc)

	content := findMainContent(doc)
	markdown = htmlToMarkdown(content)

	if utf8.RuneCountInString(markdown) < minReadableChars {
		if fb := fallbackContent(doc); fb != nil && fb != content {
			if alt := htmlToMarkdown(fb); utf8.RuneCountInString(alt) > utf8.RuneCountInString(markdown) {
				markdown = alt
			}
		}
	}

	if title == "" {
		title = firstHeadingText(doc)
	}
	return title, markdown, nil
}

// findMainContent scores every candidate element by readable text mass
// minus link text (twice, so link-dense chrome goes negative), nudged
// by class/id hints, and returns the best one. Pages without any
// scoring candidate fall back to <body>.
func findMainContent(doc *html.Node) *html.Node {
	var best *html.Node
	bestScore := 0.0

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if strippedTags[n.Data] {
				return
			}
			if candidateTags[n.Data] {
				if score := contentScore(n); best == nil || score > bestScore {
					best, bestScore = n, score
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if best == nil {
		if body := findElement(doc, "body"); body != nil {
			return body
		}
		return doc
	}
	return best
}

func contentScore(n *html.Node) float64 {
	total := readableTextLen(n, false)
	links := readableTextLen(n, true)
	score := float64(total - 2*links)

	hints := attrValue(n, "class") + " " + attrValue(n, "id")
	if score > 0 {
		if positiveHintRe.MatchString(hints) {
			score *= 1.25
		}
		if negativeHintRe.MatchString(hints) {
			score *= 0.25
		}
	}
	return score
}

// readableTextLen counts text runes under n, skipping stripped
// subtrees. With linksOnly it counts only text inside anchors.
func readableTextLen(n *html.Node, linksOnly bool) int {
	var count func(*html.Node, bool) int
	count = func(m *html.Node, inLink bool) int {
		switch m.Type {
		case html.TextNode:
			if !linksOnly || inLink {
				return utf8.RuneCountInString(strings.TrimSpace(m.Data))
			}
			return 0
		case html.ElementNode:
			if strippedTags[m.Data] {
				return 0
			}
			if m.Data == "a" {
				inLink = true
			}
		}
		total := 0
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			total += count(c, inLink)
		}
		return total
	}
	return count(n, false)
}

// fallbackContent returns the first structural anchor present:
// <main>, <article>, [role=main], an element whose class hints at
// content, then <body>.
func fallbackContent(doc *html.Node) *html.Node {
	if n := findElement(doc, "main"); n != nil {
		return n
	}
	if n := findElement(doc, "article"); n != nil {
		return n
	}
	if n := findByAttr(doc, "role", "main"); n != nil {
		return n
	}
	if n := findByClassHint(doc); n != nil {
		return n
	}
	return findElement(doc, "body")
}

func findByAttr(n *html.Node, key, value string) *html.Node {
	if n.Type == html.ElementNode && attrValue(n, key) == value {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByAttr(c, key, value); found != nil {
			return found
		}
	}
	return nil
}

func findByClassHint(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && !strippedTags[n.Data] &&
		fallbackHintRe.MatchString(attrValue(n, "class")) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClassHint(c); found != nil {
			return found
		}
	}
	return nil
}

// shortTitle returns the <title> text with a trailing site-name tail
// stripped: "Install | OneKey Docs" becomes "Install" when the head
// segment is substantial enough to stand alone.
func shortTitle(doc *html.Node) string {
	node := findElement(doc, "title")
	if node == nil {
		return ""
	}
	title := strings.TrimSpace(whitespaceRe.ReplaceAllString(textContent(node), " "))
	if title == "" {
		return ""
	}

	for _, sep := range titleSeparators {
		idx := strings.Index(title, sep)
		if idx <= 0 {
			continue
		}
		head := strings.TrimSpace(title[:idx])
		if utf8.RuneCountInString(head) >= 10 || strings.Count(head, " ") >= 2 {
			return head
		}
	}
	return title
}

func firstHeadingText(doc *html.Node) string {
	for _, tag := range []string{"h1", "h2"} {
		if n := findElement(doc, tag); n != nil {
			if text := strings.TrimSpace(whitespaceRe.ReplaceAllString(textContent(n), " ")); text != "" {
				return text
			}
		}
	}
	return ""
}
