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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContractEntry is one row of the contract address index. Address is the
// lower-cased 0x-prefixed key.
type ContractEntry struct {
	Address         string
	Protocol        string
	ProtocolVersion string
	ContractType    string
	ContractName    string
	SourceURL       string
	SourceKB        string
	Confidence      float64
	ChainID         int
	Meta            map[string]any
	UpdatedAt       time.Time
}

// GetContract fetches an index entry. Returns nil when the address is
// not indexed.
func (s *Store) GetContract(ctx context.Context, address string) (*ContractEntry, error) {
	address = strings.ToLower(address)

	var e ContractEntry
	var meta []byte
	err := s.db.QueryRowContext(ctx, `
SELECT address, protocol, protocol_version, contract_type, contract_name, source_url, source_kb, confidence, chain_id, meta, updated_at
FROM contract_index
WHERE address = $1
`, address).Scan(&e.Address, &e.Protocol, &e.ProtocolVersion, &e.ContractType,
		&e.ContractName, &e.SourceURL, &e.SourceKB, &e.Confidence, &e.ChainID,
		&meta, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contract: %w", err)
	}

	e.Meta, err = unmarshalJSONB(meta)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertContract inserts or updates an index entry. An existing entry is
// only replaced when the incoming confidence is greater or equal, so a
// higher-confidence entry survives and ties go to the newer write.
// Returns true when the row was written.
func (s *Store) UpsertContract(ctx context.Context, e *ContractEntry) (bool, error) {
	if e.Address == "" {
		return false, fmt.Errorf("contract address is required")
	}
	meta, err := marshalJSONB(e.Meta)
	if err != nil {
		return false, err
	}

	chainID := e.ChainID
	if chainID == 0 {
		chainID = 1
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO contract_index (address, protocol, protocol_version, contract_type, contract_name, source_url, source_kb, confidence, chain_id, meta, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (address) DO UPDATE SET
    protocol = EXCLUDED.protocol,
    protocol_version = EXCLUDED.protocol_version,
    contract_type = EXCLUDED.contract_type,
    contract_name = EXCLUDED.contract_name,
    source_url = EXCLUDED.source_url,
    source_kb = EXCLUDED.source_kb,
    confidence = EXCLUDED.confidence,
    chain_id = EXCLUDED.chain_id,
    meta = EXCLUDED.meta,
    updated_at = now()
WHERE contract_index.confidence <= EXCLUDED.confidence
`, strings.ToLower(e.Address), e.Protocol, e.ProtocolVersion, e.ContractType,
		e.ContractName, e.SourceURL, e.SourceKB, e.Confidence, chainID, meta)
	if err != nil {
		return false, fmt.Errorf("failed to upsert contract: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return affected > 0, nil
}

// ProtocolCount is a per-protocol entry count.
type ProtocolCount struct {
	Protocol string `json:"protocol"`
	Count    int    `json:"count"`
}

// ContractProtocolStats returns entry counts grouped by protocol, highest
// first. Entries without a protocol are reported under "unknown".
func (s *Store) ContractProtocolStats(ctx context.Context) ([]ProtocolCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(NULLIF(protocol, ''), 'unknown') AS protocol, COUNT(*)
FROM contract_index
GROUP BY 1
`)
	if err != nil {
		return nil, fmt.Errorf("failed to query protocol stats: %w", err)
	}
	defer rows.Close()

	var stats []ProtocolCount
	for rows.Next() {
		var pc ProtocolCount
		if err := rows.Scan(&pc.Protocol, &pc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan protocol stats: %w", err)
		}
		stats = append(stats, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Protocol < stats[j].Protocol
	})
	return stats, nil
}

// CountContracts returns the total number of index entries.
func (s *Store) CountContracts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contract_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count contracts: %w", err)
	}
	return n, nil
}
