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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/onekeyhq/ragserve/pkg/config"
)

// SchemaCmd generates a JSON Schema for the configuration file. Output
// goes to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline all definitions so editors without $ref support work.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://github.com/onekeyhq/ragserve/schemas/config.json"
	schema.Title = "ragserve Configuration Schema"
	schema.Description = "Configuration schema for the ragserve documentation QA service"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"server": map[string]interface{}{
				"port": 8080,
			},
			"database": map[string]interface{}{
				"host":     "localhost",
				"database": "ragserve",
				"password": "${POSTGRES_PASSWORD}",
			},
			"chat": map[string]interface{}{
				"model":   "gpt-4o-mini",
				"api_key": "${CHAT_API_KEY}",
			},
			"crawl": map[string]interface{}{
				"sitemap_url": "https://docs.example.com/sitemap.xml",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
