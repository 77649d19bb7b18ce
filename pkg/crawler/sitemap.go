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
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// maxNestedSitemaps caps how many child sitemaps of a sitemap index are
// expanded. Children past the cap are ignored.
const maxNestedSitemaps = 20

// FetchSitemapURLs downloads a sitemap and returns the page URLs it
// lists. A sitemap index is expanded one level deep: up to
// maxNestedSitemaps children are fetched, and a child that fails to
// download or parse is skipped rather than failing the crawl.
func (c *Crawler) FetchSitemapURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	return c.fetchSitemap(ctx, sitemapURL, maxNestedSitemaps)
}

func (c *Crawler) fetchSitemap(ctx context.Context, sitemapURL string, maxNested int) ([]string, error) {
	body, _, err := c.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap %s: %w", sitemapURL, err)
	}

	locs, isIndex, err := parseSitemap(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sitemap %s: %w", sitemapURL, err)
	}

	if !isIndex || maxNested <= 0 {
		return locs, nil
	}

	if len(locs) > maxNested {
		locs = locs[:maxNested]
	}
	var urls []string
	for _, child := range locs {
		childURLs, err := c.fetchSitemap(ctx, child, 0)
		if err != nil {
			c.logger.Warn("Skipping child sitemap", "url", child, "error", err)
			continue
		}
		urls = append(urls, childURLs...)
	}
	return urls, nil
}

// parseSitemap collects every <loc> value in the document and reports
// whether the document is a sitemap index (root <sitemapindex> or any
// top-level <sitemap> child). Namespaces and unknown wrapper elements
// are ignored, which keeps slightly malformed sitemaps usable.
func parseSitemap(data []byte) (locs []string, isIndex bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel

	depth := 0
	inLoc := false
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if depth == 0 && strings.HasSuffix(name, "sitemapindex") {
				isIndex = true
			}
			if depth == 1 && strings.HasSuffix(name, "sitemap") {
				isIndex = true
			}
			if name == "loc" {
				inLoc = true
				text.Reset()
			}
			depth++
		case xml.EndElement:
			depth--
			if inLoc && strings.ToLower(t.Name.Local) == "loc" {
				if loc := strings.TrimSpace(text.String()); loc != "" {
					locs = append(locs, loc)
				}
				inLoc = false
			}
		case xml.CharData:
			if inLoc {
				text.Write(t)
			}
		}
	}
	return locs, isIndex, nil
}
