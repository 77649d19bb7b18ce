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

	"golang.org/x/net/html"
)

// strippedTags are removed together with their subtrees before
// conversion. Chrome elements (nav, footer, aside) never carry
// content worth indexing.
var strippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"nav":      true,
	"footer":   true,
	"aside":    true,
	"head":     true,
	"template": true,
}

// softBlockTags break the line around their content but add no
// Markdown syntax of their own.
var softBlockTags = map[string]bool{
	"div":        true,
	"section":    true,
	"article":    true,
	"main":       true,
	"header":     true,
	"figure":     true,
	"figcaption": true,
	"details":    true,
	"summary":    true,
	"dt":         true,
	"dd":         true,
}

// knownLanguages is the direct-match fallback when no language-* class
// is present on a code block.
var knownLanguages = map[string]bool{
	"bash": true, "c": true, "cpp": true, "csharp": true, "css": true,
	"dart": true, "diff": true, "dockerfile": true, "go": true,
	"graphql": true, "html": true, "java": true, "javascript": true,
	"js": true, "json": true, "jsx": true, "kotlin": true,
	"markdown": true, "objectivec": true, "php": true, "python": true,
	"ruby": true, "rust": true, "scss": true, "sh": true, "shell": true,
	"solidity": true, "sql": true, "swift": true, "toml": true,
	"ts": true, "tsx": true, "typescript": true, "xml": true, "yaml": true,
}

var codeClassPrefixes = []string{"language-", "lang-", "highlight-"}

var (
	whitespaceRe = regexp.MustCompile(`[ \t\r\n\f]+`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
	blankRunRe   = regexp.MustCompile(`\n{2,}`)
)

// htmlToMarkdown converts a parsed HTML subtree to Markdown: ATX
// headings, "-" bullets, fenced code blocks, pipe tables with an
// inferred header row.
func htmlToMarkdown(n *html.Node) string {
	if n == nil {
		return ""
	}
	return tidyMarkdown(renderNode(n))
}

func renderNode(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return renderText(n.Data)
	case html.DocumentNode:
		return renderChildren(n)
	case html.ElementNode:
	default:
		return ""
	}

	tag := n.Data
	if strippedTags[tag] {
		return ""
	}

	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return renderHeading(n, int(tag[1]-'0'))
	case "p":
		inner := strings.TrimSpace(renderChildren(n))
		if inner == "" {
			return ""
		}
		return "\n\n" + inner + "\n\n"
	case "br":
		return "\n"
	case "hr":
		return "\n\n---\n\n"
	case "strong", "b":
		return renderWrapped(n, "**")
	case "em", "i":
		return renderWrapped(n, "*")
	case "del", "s":
		return renderWrapped(n, "~~")
	case "code", "kbd", "samp", "tt":
		code := strings.TrimSpace(whitespaceRe.ReplaceAllString(textContent(n), " "))
		if code == "" {
			return ""
		}
		return "`" + code + "`"
	case "a":
		return renderLink(n)
	case "img":
		src := attrValue(n, "src")
		if src == "" {
			return ""
		}
		return fmt.Sprintf("![%s](%s)", attrValue(n, "alt"), src)
	case "pre":
		return renderCodeBlock(n)
	case "ul", "ol":
		return renderList(n)
	case "blockquote":
		return renderBlockquote(n)
	case "table":
		return renderTable(n)
	default:
		if softBlockTags[tag] {
			return "\n" + renderChildren(n) + "\n"
		}
		return renderChildren(n)
	}
}

func renderChildren(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(renderNode(c))
	}
	return sb.String()
}

// renderText collapses whitespace runs to single spaces. Runs that are
// pure HTML source indentation (whitespace with a newline) vanish;
// single spaces between inline siblings survive.
func renderText(text string) string {
	if strings.TrimSpace(text) == "" {
		if strings.ContainsAny(text, "\n\r") {
			return ""
		}
		if text == "" {
			return ""
		}
		return " "
	}
	return whitespaceRe.ReplaceAllString(text, " ")
}

func renderHeading(n *html.Node, level int) string {
	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(renderChildren(n), " "))
	if text == "" {
		return ""
	}
	return "\n\n" + strings.Repeat("#", level) + " " + text + "\n\n"
}

func renderWrapped(n *html.Node, marker string) string {
	inner := strings.TrimSpace(renderChildren(n))
	if inner == "" {
		return ""
	}
	return marker + inner + marker
}

func renderLink(n *html.Node) string {
	href := strings.TrimSpace(attrValue(n, "href"))
	text := strings.TrimSpace(renderChildren(n))
	if href == "" || strings.HasPrefix(href, "javascript:") {
		return text
	}
	if text == "" {
		text = href
	}
	return fmt.Sprintf("[%s](%s)", text, href)
}

func renderCodeBlock(n *html.Node) string {
	code := strings.ReplaceAll(textContent(n), "\r\n", "\n")
	code = strings.Trim(code, "\n")
	code = strings.TrimRight(code, " \t")
	if strings.TrimSpace(code) == "" {
		return ""
	}
	return "\n\n```" + codeLanguage(n) + "\n" + code + "\n```\n\n"
}

// codeLanguage sniffs the fence language from the class attributes of a
// <pre> block and its nested <code>: first by the language-*/lang-*/
// highlight-* prefixes, then by a direct match against knownLanguages.
func codeLanguage(pre *html.Node) string {
	classes := strings.Fields(attrValue(pre, "class"))
	if code := findElement(pre, "code"); code != nil {
		classes = append(classes, strings.Fields(attrValue(code, "class"))...)
	}

	for _, cls := range classes {
		lower := strings.ToLower(cls)
		for _, prefix := range codeClassPrefixes {
			if lang := strings.TrimPrefix(lower, prefix); lang != lower && lang != "" {
				return lang
			}
		}
	}
	for _, cls := range classes {
		if lower := strings.ToLower(cls); knownLanguages[lower] {
			return lower
		}
	}
	return ""
}

func renderList(n *html.Node) string {
	ordered := n.Data == "ol"
	var items []string
	idx := 1
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		body := renderListItem(c)
		if body == "" {
			continue
		}
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", idx)
			idx++
		}
		lines := strings.Split(body, "\n")
		item := marker + lines[0]
		for _, line := range lines[1:] {
			item += "\n  " + line
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(items, "\n") + "\n\n"
}

// renderListItem flattens the item body to single-newline lines so the
// parent list can indent continuations. Nested lists keep their own
// markers and gain two spaces of indentation per level.
func renderListItem(li *html.Node) string {
	body := strings.TrimSpace(renderChildren(li))
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n")
}

func renderBlockquote(n *html.Node) string {
	inner := strings.TrimSpace(tidyMarkdown(renderChildren(n)))
	if inner == "" {
		return ""
	}
	lines := strings.Split(inner, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight("> "+line, " ")
	}
	return "\n\n" + strings.Join(lines, "\n") + "\n\n"
}

// renderTable emits a pipe table. The first row is always taken as the
// header: explicit <th> rows keep their place, and a table without one
// gets its first data row promoted so the output stays valid Markdown.
func renderTable(n *html.Node) string {
	var rows [][]string
	var collect func(*html.Node)
	collect = func(section *html.Node) {
		for c := section.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "thead", "tbody", "tfoot":
				collect(c)
			case "tr":
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
						cells = append(cells, tableCellText(cell))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			}
		}
	}
	collect(n)

	if len(rows) == 0 {
		return ""
	}

	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	var sb strings.Builder
	sb.WriteString("\n\n")
	sb.WriteString(tableRow(rows[0], cols))
	sb.WriteString(tableSeparator(cols))
	for _, row := range rows[1:] {
		sb.WriteString(tableRow(row, cols))
	}
	sb.WriteString("\n")
	return sb.String()
}

func tableCellText(cell *html.Node) string {
	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(renderChildren(cell), " "))
	return strings.ReplaceAll(text, "|", `\|`)
}

func tableRow(cells []string, cols int) string {
	var sb strings.Builder
	sb.WriteString("|")
	for i := 0; i < cols; i++ {
		if i < len(cells) {
			sb.WriteString(" " + cells[i] + " |")
		} else {
			sb.WriteString("  |")
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func tableSeparator(cols int) string {
	return "|" + strings.Repeat(" --- |", cols) + "\n"
}

// textContent concatenates the raw text nodes under n, skipping
// stripped subtrees.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(m *html.Node) {
		if m.Type == html.TextNode {
			sb.WriteString(m.Data)
			return
		}
		if m.Type == html.ElementNode && strippedTags[m.Data] {
			return
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// tidyMarkdown trims ragged line endings and collapses runs of blank
// lines left behind by nested block elements.
func tidyMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(multiBlankRe.ReplaceAllString(s, "\n\n"))
}
