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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func mdFromHTML(t *testing.T, fragment string) string {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(fragment))
	require.NoError(t, err)
	return htmlToMarkdown(doc)
}

func TestMarkdownHeadingsAndParagraphs(t *testing.T) {
	md := mdFromHTML(t, `<h1>Install</h1><p>Step one.</p><h2>Verify</h2><p>Step two.</p>`)
	assert.Equal(t, "# Install\n\nStep one.\n\n## Verify\n\nStep two.", md)
}

func TestMarkdownStripsChrome(t *testing.T) {
	md := mdFromHTML(t, `
<nav><a href="/">Home</a></nav>
<main><p>Body text survives.</p></main>
<script>alert(1)</script>
<style>.x{}</style>
<aside>Related links</aside>
<footer>Copyright</footer>`)

	assert.Equal(t, "Body text survives.", md)
}

func TestMarkdownCodeBlockLanguage(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "language prefix on code",
			html: `<pre><code class="language-python">print("hi")</code></pre>`,
			want: "```python\nprint(\"hi\")\n```",
		},
		{
			name: "lang prefix on pre",
			html: `<pre class="lang-js"><code>x()</code></pre>`,
			want: "```js\nx()\n```",
		},
		{
			name: "highlight prefix",
			html: `<pre><code class="highlight-rust">let x = 1;</code></pre>`,
			want: "```rust\nlet x = 1;\n```",
		},
		{
			name: "direct known language",
			html: `<pre class="go"><code>x := 1</code></pre>`,
			want: "```go\nx := 1\n```",
		},
		{
			name: "unknown class gives bare fence",
			html: `<pre><code class="zz-highlighted">a</code></pre>`,
			want: "```\na\n```",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mdFromHTML(t, tt.html))
		})
	}
}

func TestMarkdownCodeBlockKeepsNewlines(t *testing.T) {
	md := mdFromHTML(t, "<pre><code>line1\nline2\n\nline4</code></pre>")
	assert.Equal(t, "```\nline1\nline2\n\nline4\n```", md)
}

func TestMarkdownLists(t *testing.T) {
	md := mdFromHTML(t, `<ul><li>alpha</li><li>beta<ul><li>gamma</li></ul></li></ul>`)
	assert.Equal(t, "- alpha\n- beta\n  - gamma", md)

	md = mdFromHTML(t, `<ol><li>one</li><li>two</li></ol>`)
	assert.Equal(t, "1. one\n2. two", md)
}

func TestMarkdownTableWithHeaderRow(t *testing.T) {
	md := mdFromHTML(t, `<table>
<thead><tr><th>Name</th><th>Address</th></tr></thead>
<tbody><tr><td>Pool</td><td>0xabc</td></tr></tbody>
</table>`)

	assert.Equal(t, "| Name | Address |\n| --- | --- |\n| Pool | 0xabc |", md)
}

func TestMarkdownTableInfersHeader(t *testing.T) {
	md := mdFromHTML(t, `<table>
<tr><td>Name</td><td>Addr</td></tr>
<tr><td>Pool</td><td>0xabc</td></tr>
</table>`)

	assert.Equal(t, "| Name | Addr |\n| --- | --- |\n| Pool | 0xabc |", md)
}

func TestMarkdownInlineElements(t *testing.T) {
	md := mdFromHTML(t, `<p>Use <code>onekey-docs</code> and <strong>bold</strong> with <a href="https://x.dev/a">link</a>.</p>`)
	assert.Equal(t, "Use `onekey-docs` and **bold** with [link](https://x.dev/a).", md)
}

func TestMarkdownLinkWithoutHref(t *testing.T) {
	assert.Equal(t, "plain", mdFromHTML(t, `<p><a>plain</a></p>`))
	assert.Equal(t, "text", mdFromHTML(t, `<p><a href="javascript:void(0)">text</a></p>`))
}

func TestMarkdownImage(t *testing.T) {
	md := mdFromHTML(t, `<p><img src="/arch.png" alt="architecture"></p>`)
	assert.Equal(t, "![architecture](/arch.png)", md)
}

func TestMarkdownBlockquote(t *testing.T) {
	md := mdFromHTML(t, `<blockquote><p>note one</p><p>note two</p></blockquote>`)
	assert.Equal(t, "> note one\n>\n> note two", md)
}

func TestMarkdownDivsBreakLines(t *testing.T) {
	md := mdFromHTML(t, `<div>first</div><div>second</div>`)
	assert.Equal(t, "first\n\nsecond", md)
}
