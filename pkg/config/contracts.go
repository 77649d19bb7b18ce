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

// ContractsConfig configures the contract-address index.
type ContractsConfig struct {
	// BatchSize is the chunk scan batch during index builds.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Chunk scan batch size,minimum=1,default=200"`

	// Protocols adds URL-substring to protocol-name mappings on top of
	// the built-in table. Keys are lowercase substrings matched against
	// source URLs.
	Protocols map[string]string `yaml:"protocols,omitempty" json:"protocols,omitempty"`
}

// SetDefaults applies default values.
func (c *ContractsConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
}

// Validate checks the contracts configuration.
func (c *ContractsConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	return nil
}
