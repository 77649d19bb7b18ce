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

// Package ragserve is the root of the ragserve service: a
// retrieval-augmented question-answering API over crawled developer
// documentation, with a contract-address index for blockchain lookups.
//
// The service crawls documentation sites into PostgreSQL, chunks and
// embeds the pages with pgvector for hybrid (vector + full-text)
// retrieval, and answers questions through an OpenAI-compatible chat
// API that cites its sources. Contract addresses found in questions or
// documents resolve against a dedicated index.
//
// # Quick Start
//
// Install the binary:
//
//	go install github.com/onekeyhq/ragserve/cmd/ragserve@latest
//
// Create a configuration:
//
//	database:
//	  host: localhost
//	  database: ragserve
//	  password: ${POSTGRES_PASSWORD}
//
//	chat:
//	  model: gpt-4o-mini
//	  api_key: ${CHAT_API_KEY}
//
//	crawl:
//	  sitemap_url: https://docs.example.com/sitemap.xml
//
// Crawl, index, and serve:
//
//	ragserve crawl --config ragserve.yaml
//	ragserve index --config ragserve.yaml
//	ragserve serve --config ragserve.yaml
//
// # Packages
//
// The service is composed from packages under pkg/:
//
//   - pkg/server: the HTTP API (chat completions, admin jobs, contracts)
//   - pkg/rag: retrieval, context assembly, and answer generation
//   - pkg/crawler and pkg/ingest: page acquisition and chunk embedding
//   - pkg/contracts: the contract-address index
//   - pkg/store: PostgreSQL persistence, including pgvector search
//   - pkg/worker: the background job queue consumer
//
// This root package only carries build version information; import the
// specific packages to embed the service in another program.
package ragserve
