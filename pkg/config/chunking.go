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

import "fmt"

// ChunkingConfig tunes how page Markdown is split for embedding.
type ChunkingConfig struct {
	// MaxChars is the maximum chunk length in characters.
	MaxChars int `yaml:"max_chars,omitempty" json:"max_chars,omitempty" jsonschema:"title=Max Chars,description=Maximum chunk size,minimum=1,default=2400"`

	// OverlapChars is the character overlap between adjacent chunks of
	// the same section.
	OverlapChars int `yaml:"overlap_chars,omitempty" json:"overlap_chars,omitempty" jsonschema:"title=Overlap Chars,description=Overlap between adjacent chunks,minimum=0,default=200"`
}

// SetDefaults applies default values.
func (c *ChunkingConfig) SetDefaults() {
	if c.MaxChars == 0 {
		c.MaxChars = 2400
	}
	if c.OverlapChars == 0 {
		c.OverlapChars = 200
	}
}

// Validate checks the chunking configuration.
func (c *ChunkingConfig) Validate() error {
	if c.MaxChars < 1 {
		return fmt.Errorf("max_chars must be at least 1")
	}
	if c.OverlapChars < 0 {
		return fmt.Errorf("overlap_chars cannot be negative")
	}
	if c.OverlapChars >= c.MaxChars {
		return fmt.Errorf("overlap_chars (%d) must be smaller than max_chars (%d)", c.OverlapChars, c.MaxChars)
	}
	return nil
}
