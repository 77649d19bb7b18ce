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

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Interface to bind to,default=0.0.0.0"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Port to listen on,minimum=1,maximum=65535,default=8080"`

	// MaxConcurrentChat limits simultaneous chat completions in flight.
	// Requests beyond the limit wait for a slot.
	MaxConcurrentChat int `yaml:"max_concurrent_chat,omitempty" json:"max_concurrent_chat,omitempty" jsonschema:"title=Max Concurrent Chat,description=Maximum concurrent chat completion requests,minimum=1,default=8"`

	// ReadTimeout for reading the full request, including body.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout for writes of the response. Zero disables it; streaming
	// responses need it disabled or generous.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// IdleTimeout for keep-alive connections.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	// Enabled turns on CORS headers.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// AllowedOrigins lists allowed origins ("*" for any).
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`

	// AllowedMethods lists allowed HTTP methods.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`

	// AllowedHeaders lists allowed request headers.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxConcurrentChat == 0 {
		c.MaxConcurrentChat = 8
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.CORS != nil && c.CORS.Enabled {
		if len(c.CORS.AllowedOrigins) == 0 {
			c.CORS.AllowedOrigins = []string{"*"}
		}
		if len(c.CORS.AllowedMethods) == 0 {
			c.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
		}
		if len(c.CORS.AllowedHeaders) == 0 {
			c.CORS.AllowedHeaders = []string{"Authorization", "Content-Type"}
		}
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxConcurrentChat < 1 {
		return fmt.Errorf("max_concurrent_chat must be at least 1")
	}
	return nil
}
