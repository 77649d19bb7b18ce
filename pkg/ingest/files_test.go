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

package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDecodeTextUTF8(t *testing.T) {
	out, err := decodeText([]byte("Hello, 世界"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, 世界", out)
}

func TestDecodeTextUTF16(t *testing.T) {
	little := []byte{0xFF, 0xFE, 'H', 0x00, 'i', 0x00}
	out, err := decodeText(little)
	require.NoError(t, err)
	assert.Equal(t, "Hi", out)

	big := []byte{0xFE, 0xFF, 0x00, 'H', 0x00, 'i'}
	out, err = decodeText(big)
	require.NoError(t, err)
	assert.Equal(t, "Hi", out)
}

func TestDecodeTextLatin1(t *testing.T) {
	// Odd length keeps this from passing as UTF-16.
	out, err := decodeText([]byte("caf\xe9!"))
	require.NoError(t, err)
	assert.Equal(t, "café!", out)
}

func TestExtractFileTextPlain(t *testing.T) {
	path := writeTempFile(t, "note.txt", []byte("  hello world \n"))

	text, err := ExtractFileText(path, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestExtractFileTextMarkdown(t *testing.T) {
	path := writeTempFile(t, "doc.md", []byte("# Title\n\nBody.\n"))

	text, err := ExtractFileText(path, "doc.md")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nBody.", text)
}

func TestExtractFileTextCSV(t *testing.T) {
	path := writeTempFile(t, "pools.csv", []byte("name,address\nUSDC Pool,0xabc\n"))

	text, err := ExtractFileText(path, "pools.csv")
	require.NoError(t, err)
	assert.Equal(t, "| name | address |\n| --- | --- |\n| USDC Pool | 0xabc |", text)
}

func TestExtractFileTextCSVQuotedCells(t *testing.T) {
	path := writeTempFile(t, "notes.csv", []byte("name,note\n\"Pool A\",\"line1\nline2\"\n"))

	text, err := ExtractFileText(path, "notes.csv")
	require.NoError(t, err)
	assert.Equal(t, "| name | note |\n| --- | --- |\n| Pool A | line1 line2 |", text)
}

func TestExtractFileTextHTML(t *testing.T) {
	page := `<html><head><title>Setup Guide</title></head><body>
<main><h1>Setup</h1><p>Install the package.</p></main>
</body></html>`
	path := writeTempFile(t, "page.html", []byte(page))

	text, err := ExtractFileText(path, "page.html")
	require.NoError(t, err)
	assert.Contains(t, text, "# Setup")
	assert.Contains(t, text, "Install the package.")
}

func TestExtractFileTextXlsx(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "address"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Vault"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "0xdef"))

	path := filepath.Join(t.TempDir(), "pools.xlsx")
	require.NoError(t, f.SaveAs(path))

	text, err := ExtractFileText(path, "pools.xlsx")
	require.NoError(t, err)
	assert.Contains(t, text, "## Sheet1")
	assert.Contains(t, text, "| name | address |")
	assert.Contains(t, text, "| Vault | 0xdef |")
}

func TestExtractFileTextUnknownExtension(t *testing.T) {
	path := writeTempFile(t, "archive.zip", []byte("zzzz"))

	_, err := ExtractFileText(path, "archive.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type: zip")
}

func TestExtractFileTextMissingFile(t *testing.T) {
	_, err := ExtractFileText(filepath.Join(t.TempDir(), "gone.txt"), "gone.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}

func TestRowsToMarkdownTablePadsRaggedRows(t *testing.T) {
	table := rowsToMarkdownTable([][]string{
		{"a", "b", "c"},
		{"1"},
	})
	assert.Equal(t, "| a | b | c |\n| --- | --- | --- |\n| 1 |  |  |", table)
}

func TestRowsToMarkdownTableEscapesPipes(t *testing.T) {
	table := rowsToMarkdownTable([][]string{{"x|y"}})
	assert.Equal(t, "| x\\|y |\n| --- |", table)
}

func TestRowsToMarkdownTableEmpty(t *testing.T) {
	assert.Empty(t, rowsToMarkdownTable(nil))
	assert.Empty(t, rowsToMarkdownTable([][]string{{}, {}}))
}

func TestSupportedFile(t *testing.T) {
	assert.True(t, SupportedFile("report.PDF"))
	assert.True(t, SupportedFile("notes.txt"))
	assert.True(t, SupportedFile("/spool/drop.md"))
	assert.False(t, SupportedFile("archive.zip"))
	assert.False(t, SupportedFile("README"))
}
