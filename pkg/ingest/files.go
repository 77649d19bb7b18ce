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
	"bytes"
	"encoding/csv"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/onekeyhq/ragserve/pkg/crawler"
)

// ExtractFileText reads path and returns its content as index-ready
// text. The format is chosen by the extension of filename (not path,
// since spooled files may be stored under synthetic names): txt, md and
// markdown decode as plain text; csv renders as a Markdown table; html
// and htm run the crawler's readability extractor; pdf, docx and xlsx
// go through their native parsers. Anything else fails.
func ExtractFileText(path, filename string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("file not found")
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "txt", "md", "markdown":
		text, err := readTextFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(text), nil

	case "csv":
		text, err := readTextFile(path)
		if err != nil {
			return "", err
		}
		return csvToMarkdown(text)

	case "html", "htm":
		text, err := readTextFile(path)
		if err != nil {
			return "", err
		}
		_, markdown, err := crawler.Extract(text)
		if err != nil {
			return "", fmt.Errorf("html parse failed: %w", err)
		}
		return markdown, nil

	case "pdf":
		return extractPDF(path)

	case "docx":
		return extractDocx(path)

	case "xlsx":
		return extractXlsx(path)

	default:
		return "", fmt.Errorf("unsupported file type: %s", ext)
	}
}

func readTextFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(raw)
}

// decodeText decodes raw as UTF-8, UTF-16 (BOM-aware, little-endian
// when no BOM) or Latin-1, in that order. The UTF-16 decoder never
// errors on malformed input, it writes replacement characters, so a
// decode that needed one falls through to Latin-1 instead.
func decodeText(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}

	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	if decoded, err := utf16.Bytes(raw); err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
		return string(decoded), nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode failed (text)")
	}
	return string(decoded), nil
}

// csvToMarkdown renders CSV rows as a Markdown table so tabular uploads
// keep their structure through chunking.
func csvToMarkdown(text string) (string, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("csv parse failed: %w", err)
	}
	return rowsToMarkdownTable(rows), nil
}

// rowsToMarkdownTable renders rows with the first row as header. Ragged
// rows are padded to the widest row.
func rowsToMarkdownTable(rows [][]string) string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return ""
	}

	renderRow := func(row []string) string {
		cells := make([]string, width)
		for i := range cells {
			if i < len(row) {
				cell := strings.Join(strings.Fields(row[i]), " ")
				cells[i] = strings.ReplaceAll(cell, "|", `\|`)
			}
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, renderRow(rows[0]))
	seps := make([]string, width)
	for i := range seps {
		seps[i] = "---"
	}
	lines = append(lines, "| "+strings.Join(seps, " | ")+" |")
	for _, row := range rows[1:] {
		lines = append(lines, renderRow(row))
	}
	return strings.Join(lines, "\n")
}

// extractPDF joins per-page plain text. Pages whose text cannot be
// extracted are skipped rather than failing the file.
func extractPDF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("pdf parse failed: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

var xmlTagRe = regexp.MustCompile(`<[^>]+>`)

// extractDocx joins the document's paragraph text. The docx library
// exposes the raw document XML, so paragraphs are recovered from w:p
// boundaries before tags are stripped.
func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("docx parse failed: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	var parts []string
	for _, para := range strings.Split(content, "</w:p>") {
		text := strings.TrimSpace(html.UnescapeString(xmlTagRe.ReplaceAllString(para, "")))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// extractXlsx renders each sheet as a Markdown table under a sheet
// heading.
func extractXlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("xlsx parse failed: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		table := rowsToMarkdownTable(rows)
		if table == "" {
			continue
		}
		parts = append(parts, "## "+sheet+"\n\n"+table)
	}
	return strings.Join(parts, "\n\n"), nil
}
