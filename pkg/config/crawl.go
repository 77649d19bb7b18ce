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

package config

import (
	"fmt"
	"regexp"
	"time"
)

// CrawlConfig configures the documentation crawler.
type CrawlConfig struct {
	// BaseURL is the site root; relative links resolve against it.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Site root URL"`

	// SitemapURL is the sitemap index to expand. Used when a crawl job
	// does not carry seed URLs.
	SitemapURL string `yaml:"sitemap_url,omitempty" json:"sitemap_url,omitempty" jsonschema:"title=Sitemap URL,description=Sitemap or sitemap-index URL"`

	// MaxPages caps pages fetched per crawl job.
	MaxPages int `yaml:"max_pages,omitempty" json:"max_pages,omitempty" jsonschema:"title=Max Pages,description=Page cap per crawl,minimum=1,default=500"`

	// IncludePatterns keeps only URLs matching at least one regex.
	IncludePatterns []string `yaml:"include_patterns,omitempty" json:"include_patterns,omitempty"`

	// ExcludePatterns drops URLs matching any regex. Applied after
	// includes.
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty" json:"exclude_patterns,omitempty"`

	// Concurrency is the number of parallel page fetches.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" jsonschema:"title=Concurrency,description=Parallel page fetches,minimum=1,default=4"`

	// Timeout bounds a single page fetch.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// UserAgent sent with crawl requests.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// SetDefaults applies default values.
func (c *CrawlConfig) SetDefaults() {
	if c.MaxPages == 0 {
		c.MaxPages = 500
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Timeout == 0 {
		c.Timeout = 20 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ragserve-crawler/1.0"
	}
}

// Validate checks the crawl configuration.
func (c *CrawlConfig) Validate() error {
	for _, p := range c.IncludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", p, err)
		}
	}
	for _, p := range c.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("max_pages must be at least 1")
	}
	return nil
}
