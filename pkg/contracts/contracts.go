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

// Package contracts maintains the contract address index: a persistent
// mapping from EVM contract addresses to the protocol they belong to,
// learned from crawled documentation. Lookups first hit the index, then
// fall back to scanning indexed chunks and inferring the protocol from
// the source URL (reverse lookup), optionally writing the result back.
package contracts

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// Lookup sources reported alongside contract info.
const (
	SourceIndex = "index"
	SourceRAG   = "rag"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeAddress lower-cases and validates an EVM address. Returns ""
// when the input is not a well-formed 0x-prefixed 40-hex-digit address.
func NormalizeAddress(address string) string {
	addr := strings.ToLower(strings.TrimSpace(address))
	if !addressRe.MatchString(addr) {
		return ""
	}
	return addr
}

// Info is a resolved contract lookup, serialized verbatim into API
// responses and chat completion metadata.
type Info struct {
	Address         string  `json:"address"`
	Protocol        string  `json:"protocol"`
	ProtocolVersion string  `json:"protocol_version"`
	ContractType    string  `json:"contract_type"`
	ContractName    string  `json:"contract_name"`
	SourceURL       string  `json:"source_url"`
	SourceKB        string  `json:"-"`
	Confidence      float64 `json:"confidence"`
	ChainID         int     `json:"chain_id"`
	Source          string  `json:"source"`
}

// Store is the slice of the persistence layer the index needs.
type Store interface {
	GetContract(ctx context.Context, address string) (*store.ContractEntry, error)
	UpsertContract(ctx context.Context, e *store.ContractEntry) (bool, error)
	FindChunksContaining(ctx context.Context, needle string, limit int) ([]store.AddressChunk, error)
	ListAddressChunks(ctx context.Context, f store.SearchFilter, afterID int64, limit int) ([]store.AddressChunk, error)
}

// protocolPattern maps a URL substring to a protocol name. Matching is
// case-insensitive substring containment against the source URL.
type protocolPattern struct {
	fragment string
	protocol string
}

// builtinProtocols covers the documentation domains of the major DeFi
// protocols. Config can extend the table but not remove entries.
var builtinProtocols = []protocolPattern{
	{"aave.com", "Aave"},
	{"docs.aave.com", "Aave"},
	{"docs.uniswap.org", "Uniswap"},
	{"uniswap.org", "Uniswap"},
	{"docs.compound.finance", "Compound"},
	{"compound.finance", "Compound"},
	{"curve.fi", "Curve"},
	{"docs.curve.fi", "Curve"},
	{"lido.fi", "Lido"},
	{"docs.lido.fi", "Lido"},
	{"docs.makerdao.com", "MakerDAO"},
	{"makerdao.com", "MakerDAO"},
	{"docs.balancer.fi", "Balancer"},
	{"balancer.fi", "Balancer"},
	{"docs.1inch.io", "1inch"},
	{"1inch.io", "1inch"},
	{"docs.sushi.com", "SushiSwap"},
	{"sushi.com", "SushiSwap"},
	{"docs.yearn.fi", "Yearn"},
	{"yearn.fi", "Yearn"},
	{"docs.synthetix.io", "Synthetix"},
	{"synthetix.io", "Synthetix"},
	{"docs.chain.link", "Chainlink"},
	{"chain.link", "Chainlink"},
	{"docs.convexfinance.com", "Convex"},
	{"convexfinance.com", "Convex"},
	{"docs.frax.finance", "Frax"},
	{"frax.finance", "Frax"},
	{"docs.pendle.finance", "Pendle"},
	{"pendle.finance", "Pendle"},
	{"docs.gmx.io", "GMX"},
	{"gmx.io", "GMX"},
}

// versionPatterns extract a protocol version from URLs or chunk text,
// tried in order. All normalize to "V<n>".
var versionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bV(\d+)\b`),
	regexp.MustCompile(`(?i)-v(\d+)`),
}

// Index resolves contract addresses to protocol info and learns new
// entries from chunk text.
type Index struct {
	store     Store
	batchSize int
	protocols []protocolPattern
	logger    *slog.Logger
}

// NewIndex builds an index service over st. cfg may be nil.
func NewIndex(st Store, cfg *config.ContractsConfig, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := 200
	protocols := builtinProtocols
	if cfg != nil {
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
		if len(cfg.Protocols) > 0 {
			fragments := make([]string, 0, len(cfg.Protocols))
			for fragment := range cfg.Protocols {
				fragments = append(fragments, fragment)
			}
			sort.Strings(fragments)
			protocols = append([]protocolPattern{}, builtinProtocols...)
			for _, fragment := range fragments {
				protocols = append(protocols, protocolPattern{
					fragment: strings.ToLower(fragment),
					protocol: cfg.Protocols[fragment],
				})
			}
		}
	}
	return &Index{
		store:     st,
		batchSize: batchSize,
		protocols: protocols,
		logger:    logger,
	}
}

// Get returns the indexed info for an address, or nil when the address
// is malformed or not indexed. Source is set to "index".
func (ix *Index) Get(ctx context.Context, address string) (*Info, error) {
	addr := NormalizeAddress(address)
	if addr == "" {
		return nil, nil
	}
	entry, err := ix.store.GetContract(ctx, addr)
	if err != nil || entry == nil {
		return nil, err
	}
	return infoFromEntry(entry), nil
}

// Upsert writes info to the index. The store keeps the higher-confidence
// entry when the address is already indexed.
func (ix *Index) Upsert(ctx context.Context, info *Info) (bool, error) {
	return ix.store.UpsertContract(ctx, &store.ContractEntry{
		Address:         info.Address,
		Protocol:        info.Protocol,
		ProtocolVersion: info.ProtocolVersion,
		ContractType:    info.ContractType,
		ContractName:    info.ContractName,
		SourceURL:       info.SourceURL,
		SourceKB:        info.SourceKB,
		Confidence:      info.Confidence,
		ChainID:         info.ChainID,
	})
}

// ReverseLookup scans indexed chunks for the address and infers protocol
// info from the first chunk whose source URL maps to a known protocol.
// When autoLearn is set the result is written back to the index; write
// failures are logged and do not fail the lookup. Returns nil when no
// chunk yields a protocol.
func (ix *Index) ReverseLookup(ctx context.Context, address string, autoLearn bool) (*Info, error) {
	chunks, err := ix.store.FindChunksContaining(ctx, address, 5)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		info := ix.BuildFromChunk(c.Text, c.URL, c.KBID, address)
		if info == nil {
			continue
		}
		if autoLearn {
			if _, err := ix.Upsert(ctx, info); err != nil {
				ix.logger.Warn("failed to auto-learn contract",
					"address", address, "error", err)
			} else {
				ix.logger.Info("auto-learned contract",
					"address", address,
					"protocol", info.Protocol,
					"contract_type", info.ContractType)
			}
		}
		info.Source = SourceRAG
		return info, nil
	}
	return nil, nil
}

// BuildFromChunk infers contract info for address from one chunk. The
// protocol comes from the chunk URL; returns nil when the URL does not
// map to a known protocol. Version is taken from the URL, then from the
// first 500 characters of text. Confidence is 0.9 when a contract type
// was identified on the address line, 0.7 otherwise.
func (ix *Index) BuildFromChunk(chunkText, chunkURL, chunkKB, address string) *Info {
	protocol := ix.protocolFromURL(chunkURL)
	if protocol == "" {
		return nil
	}

	version := ExtractVersion(chunkURL)
	if version == "" {
		version = ExtractVersion(truncateRunes(chunkText, 500))
	}

	contractType := extractContractType(chunkText, address)
	confidence := 0.7
	if contractType != "" {
		confidence = 0.9
	}

	return &Info{
		Address:         strings.ToLower(address),
		Protocol:        protocol,
		ProtocolVersion: version,
		ContractType:    contractType,
		SourceURL:       chunkURL,
		SourceKB:        chunkKB,
		Confidence:      confidence,
		ChainID:         1,
	}
}

func (ix *Index) protocolFromURL(url string) string {
	if url == "" {
		return ""
	}
	lower := strings.ToLower(url)
	for _, p := range ix.protocols {
		if strings.Contains(lower, p.fragment) {
			return p.protocol
		}
	}
	return ""
}

// ExtractVersion pulls a protocol version like "V3" out of a URL or a
// text fragment. Returns "" when no version marker is present.
func ExtractVersion(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range versionPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return "V" + m[1]
		}
	}
	return ""
}

// extractContractType finds the contract type named next to the address.
// It only considers lines that mention the address and recognizes, in
// order: markdown table cells, markdown links, "Name: 0x...", and
// "Name (0x...)".
func extractContractType(chunkText, address string) string {
	if chunkText == "" || address == "" {
		return ""
	}
	addrLower := strings.ToLower(address)
	addrPrefix := addrLower
	if len(addrPrefix) > 10 {
		addrPrefix = addrPrefix[:10]
	}
	quoted := regexp.QuoteMeta(addrPrefix)

	tableRe := regexp.MustCompile(`\|\s*\[([^\]]+)\]\([^)]*\)\s*\|\s*\[0x`)
	linkRe := regexp.MustCompile(`(?i)\[([^\]]+)\]\([^)]*\).*?` + quoted)
	colonRe := regexp.MustCompile(`(?i)([\p{L}\p{N}_]+(?:\s+[\p{L}\p{N}_]+)?)\s*:\s*` + quoted)
	parenRe := regexp.MustCompile(`(?i)([\p{L}\p{N}_]+(?:\s+[\p{L}\p{N}_]+)?)\s*\(` + quoted)

	for _, line := range strings.Split(chunkText, "\n") {
		if !strings.Contains(strings.ToLower(line), addrLower) {
			continue
		}
		for _, re := range []*regexp.Regexp{tableRe, linkRe, colonRe, parenRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}
	return ""
}

func infoFromEntry(e *store.ContractEntry) *Info {
	return &Info{
		Address:         e.Address,
		Protocol:        e.Protocol,
		ProtocolVersion: e.ProtocolVersion,
		ContractType:    e.ContractType,
		ContractName:    e.ContractName,
		SourceURL:       e.SourceURL,
		SourceKB:        e.SourceKB,
		Confidence:      e.Confidence,
		ChainID:         e.ChainID,
		Source:          SourceIndex,
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
