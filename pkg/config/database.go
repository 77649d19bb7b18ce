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

// VectorIndexKind selects the ANN index built over chunk embeddings.
type VectorIndexKind string

const (
	VectorIndexHNSW    VectorIndexKind = "hnsw"
	VectorIndexIVFFlat VectorIndexKind = "ivfflat"
	VectorIndexNone    VectorIndexKind = "none"
)

// DatabaseConfig holds configuration for the PostgreSQL connection.
// The service requires the pgvector extension.
type DatabaseConfig struct {
	// URL is a full connection string (postgres://...). When set it wins
	// over the discrete fields below.
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=Full PostgreSQL connection string (use ${ENV_VAR})"`

	// Host is the database server hostname.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Database server hostname,default=localhost"`

	// Port is the database server port.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Database server port,default=5432"`

	// Database is the database name.
	Database string `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database,description=Database name,default=ragserve"`

	// Username for database authentication.
	Username string `yaml:"username,omitempty" json:"username,omitempty" jsonschema:"title=Username,description=Database username"`

	// Password for database authentication.
	Password string `yaml:"password,omitempty" json:"password,omitempty" jsonschema:"title=Password,description=Database password (use ${ENV_VAR})"`

	// SSLMode for the connection.
	SSLMode string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" jsonschema:"title=SSL Mode,description=SSL mode,default=disable"`

	// MaxConns is the maximum number of open connections.
	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty" jsonschema:"title=Max Open Connections,description=Maximum open connections,minimum=1,default=25"`

	// MaxIdle is the maximum number of idle connections.
	MaxIdle int `yaml:"max_idle,omitempty" json:"max_idle,omitempty" jsonschema:"title=Max Idle Connections,description=Maximum idle connections,minimum=1,default=5"`

	// ConnMaxLifetime bounds how long a connection may be reused.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`

	// Bootstrap creates the schema, extension, and indexes at startup.
	Bootstrap *bool `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`

	// VectorIndex selects the ANN index kind built during bootstrap.
	VectorIndex VectorIndexKind `yaml:"vector_index,omitempty" json:"vector_index,omitempty" jsonschema:"title=Vector Index,description=ANN index kind,enum=hnsw,enum=ivfflat,enum=none,default=hnsw"`

	// IVFFlatLists is the list count when VectorIndex is ivfflat.
	IVFFlatLists int `yaml:"ivfflat_lists,omitempty" json:"ivfflat_lists,omitempty"`

	// HNSWM is the HNSW graph degree when VectorIndex is hnsw.
	HNSWM int `yaml:"hnsw_m,omitempty" json:"hnsw_m,omitempty"`

	// HNSWEfConstruction is the HNSW build-time candidate list size.
	HNSWEfConstruction int `yaml:"hnsw_ef_construction,omitempty" json:"hnsw_ef_construction,omitempty"`
}

// SetDefaults applies default values.
func (c *DatabaseConfig) SetDefaults() {
	if c.URL == "" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.Database == "" {
			c.Database = "ragserve"
		}
		if c.SSLMode == "" {
			c.SSLMode = "disable"
		}
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Bootstrap == nil {
		c.Bootstrap = BoolPtr(true)
	}
	if c.VectorIndex == "" {
		c.VectorIndex = VectorIndexHNSW
	}
	if c.VectorIndex == VectorIndexIVFFlat && c.IVFFlatLists == 0 {
		c.IVFFlatLists = 100
	}
	if c.VectorIndex == VectorIndexHNSW {
		if c.HNSWM == 0 {
			c.HNSWM = 16
		}
		if c.HNSWEfConstruction == 0 {
			c.HNSWEfConstruction = 64
		}
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.URL == "" && c.Database == "" {
		return fmt.Errorf("database url or name is required")
	}

	switch c.VectorIndex {
	case VectorIndexHNSW, VectorIndexIVFFlat, VectorIndexNone:
	default:
		return fmt.Errorf("invalid vector_index %q (valid: hnsw, ivfflat, none)", c.VectorIndex)
	}

	if c.MaxIdle > c.MaxConns {
		return fmt.Errorf("max_idle (%d) cannot exceed max_conns (%d)", c.MaxIdle, c.MaxConns)
	}

	return nil
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
	if c.Username != "" {
		dsn += fmt.Sprintf(" user=%s", c.Username)
	}
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}
