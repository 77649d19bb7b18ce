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

package contracts

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/store"
)

var chunkAddressRe = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

// BuildStats summarizes a batch index build.
type BuildStats struct {
	ChunksScanned    int            `json:"chunks_scanned"`
	AddressesFound   int            `json:"addresses_found"`
	AddressesIndexed int            `json:"addresses_indexed"`
	AddressesSkipped int            `json:"addresses_skipped"`
	Protocols        map[string]int `json:"protocols"`
}

// BatchBuild scans every chunk containing a contract address and indexes
// the addresses whose source URL maps to a known protocol. Addresses
// already in the index are skipped, so existing entries are never
// downgraded. With dryRun the stats are computed without writing.
func (ix *Index) BatchBuild(ctx context.Context, f store.SearchFilter, dryRun bool) (*BuildStats, error) {
	stats := &BuildStats{Protocols: make(map[string]int)}

	var afterID int64
	for {
		rows, err := ix.store.ListAddressChunks(ctx, f, afterID, ix.batchSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			stats.ChunksScanned++
			for _, addr := range extractChunkAddresses(row.Text) {
				stats.AddressesFound++

				existing, err := ix.store.GetContract(ctx, addr)
				if err != nil {
					return nil, err
				}
				if existing != nil {
					stats.AddressesSkipped++
					continue
				}

				info := ix.BuildFromChunk(row.Text, row.URL, row.KBID, addr)
				if info == nil {
					stats.AddressesSkipped++
					continue
				}

				if !dryRun {
					if _, err := ix.Upsert(ctx, info); err != nil {
						ix.logger.Warn("failed to index contract",
							"address", addr, "error", err)
						stats.AddressesSkipped++
						continue
					}
					ix.logger.Debug("indexed contract",
						"address", addr,
						"protocol", info.Protocol,
						"contract_type", info.ContractType)
				}
				stats.AddressesIndexed++
				stats.Protocols[info.Protocol]++
			}
		}

		afterID = rows[len(rows)-1].ChunkID
		ix.logger.Debug("contract index batch processed",
			"chunks_scanned", stats.ChunksScanned)

		if len(rows) < ix.batchSize {
			break
		}
	}

	return stats, nil
}

// extractChunkAddresses returns the distinct lower-cased contract
// addresses mentioned in text, sorted for deterministic processing.
func extractChunkAddresses(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	for _, m := range chunkAddressRe.FindAllString(text, -1) {
		seen[strings.ToLower(m)] = struct{}{}
	}
	addrs := make([]string, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
