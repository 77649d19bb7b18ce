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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onekeyhq/ragserve/pkg/store"
)

type fakePageStore struct {
	mu    sync.Mutex
	pages map[string]*store.Page
}

func newFakePageStore() *fakePageStore {
	return &fakePageStore{pages: map[string]*store.Page{}}
}

func (f *fakePageStore) UpsertPage(_ context.Context, p *store.Page) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	cp.ID = int64(len(f.pages) + 1)
	f.pages[p.URL] = &cp
	return cp.ID, nil
}

func (f *fakePageStore) ListPageURLs(_ context.Context, _ store.PageFilter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.pages))
	for u := range f.pages {
		urls = append(urls, u)
	}
	return urls, nil
}

func docPage(title, body string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		title, title, body)
}

func TestCrawlRunStoresPages(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<urlset>
<url><loc>%s/guide</loc></url>
<url><loc>%s/api</loc></url>
<url><loc>%s/internal/draft</loc></url>
</urlset>`, server.URL, server.URL, server.URL)
		case "/guide":
			fmt.Fprint(w, docPage("Guide", "Install the SDK and connect your device."))
		case "/api":
			fmt.Fprint(w, docPage("API", "Call hardware methods over the bridge transport."))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	st := newFakePageStore()
	c := testCrawler(st)

	res, err := c.Run(context.Background(), Request{
		Workspace:       "default",
		KBID:            "onekey-docs",
		SitemapURL:      server.URL + "/sitemap.xml",
		ExcludePatterns: []string{`/internal/`},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.URLsDiscovered)
	assert.Equal(t, 2, res.URLsSelected)
	assert.Equal(t, 2, res.PagesStored)
	assert.Equal(t, 0, res.PagesFailed)
	require.Len(t, st.pages, 2)

	guide := st.pages[server.URL+"/guide"]
	require.NotNil(t, guide)
	assert.Equal(t, "Guide", guide.Title)
	assert.Equal(t, "onekey-docs", guide.KBID)
	assert.Contains(t, guide.ContentMarkdown, "# Guide")
	assert.NotEmpty(t, guide.ContentHash)
	assert.Empty(t, guide.IndexedContentHash)
	assert.Equal(t, http.StatusOK, guide.HTTPStatus)
}

func TestCrawlSeedURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, docPage("Seeded", "Content from a seed URL."))
	}))
	defer server.Close()

	st := newFakePageStore()
	c := testCrawler(st)

	res, err := c.Run(context.Background(), Request{
		SeedURLs: []string{server.URL + "/only", server.URL + "/only"},
	})
	require.NoError(t, err)

	// The duplicate seed collapses before fetching.
	assert.Equal(t, 1, res.URLsDiscovered)
	assert.Equal(t, 1, res.PagesStored)
}

func TestCrawlIncrementalSkipsExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, docPage("Fresh", "Newly discovered page."))
	}))
	defer server.Close()

	st := newFakePageStore()
	_, err := st.UpsertPage(context.Background(), &store.Page{URL: server.URL + "/known"})
	require.NoError(t, err)

	c := testCrawler(st)
	res, err := c.Run(context.Background(), Request{
		Mode:     ModeIncremental,
		SeedURLs: []string{server.URL + "/known", server.URL + "/fresh"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.PagesSkipped)
	assert.Equal(t, 1, res.PagesStored)
	assert.NotNil(t, st.pages[server.URL+"/fresh"])
}

func TestCrawlMaxPagesCap(t *testing.T) {
	var mu sync.Mutex
	fetched := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetched++
		mu.Unlock()
		fmt.Fprint(w, docPage("Page", "Capped crawl page body."))
	}))
	defer server.Close()

	st := newFakePageStore()
	c := testCrawler(st)

	res, err := c.Run(context.Background(), Request{
		SeedURLs: []string{server.URL + "/1", server.URL + "/2", server.URL + "/3"},
		MaxPages: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.URLsSelected)
	assert.Equal(t, 2, res.PagesStored)
	assert.Equal(t, 1, res.PagesSkipped)
	assert.Equal(t, 2, fetched)
}

func TestCrawlRecordsPerURLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, docPage("Good", "This page still gets stored."))
	}))
	defer server.Close()

	st := newFakePageStore()
	c := testCrawler(st)

	res, err := c.Run(context.Background(), Request{
		SeedURLs: []string{server.URL + "/good", server.URL + "/missing"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.PagesStored)
	assert.Equal(t, 1, res.PagesFailed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, server.URL+"/missing", res.Errors[0].URL)
	assert.Contains(t, res.Errors[0].Error, "404")
}

func TestCrawlNoFrontierFails(t *testing.T) {
	c := testCrawler(newFakePageStore())
	_, err := c.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed_urls or a sitemap_url")
}
