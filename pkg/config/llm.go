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
	"time"
)

// ChatProvider identifies the upstream chat provider type.
type ChatProvider string

const (
	ChatProviderOpenAI ChatProvider = "openai"

	// ChatProviderNone disables the upstream model; the service still
	// answers with retrieved snippets.
	ChatProviderNone ChatProvider = "none"
)

// ChatConfig configures the upstream chat model used for answer
// generation and conversation compaction.
type ChatConfig struct {
	// Provider type (openai, none).
	Provider ChatProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=Chat provider,enum=openai,enum=none,default=openai"`

	// Model is the default upstream model name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Upstream model identifier,default=gpt-4o-mini"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=OpenAI-compatible endpoint base URL"`

	// ModelMap maps the model ids this service exposes to upstream model
	// names. An empty map exposes "onekey-docs" bound to Model.
	ModelMap map[string]string `yaml:"model_map,omitempty" json:"model_map,omitempty" jsonschema:"title=Model Map,description=Exposed model id to upstream model name"`

	// Passthrough forwards unknown requested model names upstream verbatim
	// instead of falling back to Model.
	Passthrough bool `yaml:"passthrough,omitempty" json:"passthrough,omitempty"`

	// Temperature used when the request does not set one.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Default sampling temperature,minimum=0,maximum=2,default=0.3"`

	// TopP used when the request does not set one.
	TopP *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`

	// MaxTokens used when the request does not set one.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Default response token limit,minimum=1,default=2048"`

	// Timeout bounds a single completion call (non-stream) or the time to
	// first byte of a stream.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for transient upstream failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *ChatConfig) SetDefaults() {
	if c.Provider == "" {
		if c.APIKey == "" {
			c.APIKey = GetProviderAPIKey("openai")
		}
		if c.APIKey == "" {
			c.Provider = ChatProviderNone
		} else {
			c.Provider = ChatProviderOpenAI
		}
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Provider))
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.3)
	}
	if c.TopP == nil {
		c.TopP = Float64Ptr(1.0)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks the chat configuration.
func (c *ChatConfig) Validate() error {
	switch c.Provider {
	case ChatProviderOpenAI, ChatProviderNone:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, none)", c.Provider)
	}

	if c.Provider == ChatProviderOpenAI && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	return nil
}

// ExposedModels returns the public model id to upstream model mapping,
// falling back to the single "onekey-docs" entry.
func (c *ChatConfig) ExposedModels() map[string]string {
	if len(c.ModelMap) > 0 {
		return c.ModelMap
	}
	return map[string]string{"onekey-docs": c.Model}
}

// ResolveModel maps a requested model id to the upstream model name.
func (c *ChatConfig) ResolveModel(requested string) string {
	if upstream, ok := c.ModelMap[requested]; ok {
		return upstream
	}
	if c.Passthrough {
		return requested
	}
	return c.Model
}
