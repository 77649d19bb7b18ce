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

// Package utils provides small text and token helpers shared by the
// chunking, retrieval and answer pipelines.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
// cl100k_base matches the OpenAI embedding models this service targets.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens with a tiktoken encoding. The chunker uses
// it to size chunks by model tokens instead of bytes; a nil counter
// degrades to the four-bytes-per-token estimate.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	name     string
}

var (
	// Encoding construction loads BPE tables; cache per name.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter returns a counter for the named tiktoken encoding.
// An empty or unknown name falls back to DefaultEncoding.
func NewTokenCounter(name string) (*TokenCounter, error) {
	if name == "" {
		name = DefaultEncoding
	}

	cacheMu.RLock()
	cached, ok := encodingCache[name]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, name: name}, nil
	}

	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		name = DefaultEncoding
		encoding, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[name] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, name: name}, nil
}

// Count returns the token count for text. Nil-safe.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Encoding returns the encoding name this counter uses.
func (tc *TokenCounter) Encoding() string {
	if tc == nil {
		return ""
	}
	return tc.name
}

// EstimateTokens estimates the token count of text at four bytes per
// token. Used when no encoding is available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
