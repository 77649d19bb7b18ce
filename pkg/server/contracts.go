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

package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// maxLookupAddresses caps one batch lookup request.
const maxLookupAddresses = 50

// handleContractGet resolves one address: index first, then a reverse
// lookup over indexed chunks. auto_learn (default true) writes reverse
// lookup results back to the index.
func (s *Server) handleContractGet(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	address := contracts.NormalizeAddress(raw)
	if address == "" {
		badRequest(w, "Invalid contract address format")
		return
	}
	autoLearn := true
	if v := r.URL.Query().Get("auto_learn"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, msgBadRequest)
			return
		}
		autoLearn = parsed
	}

	info, err := s.contracts.Get(r.Context(), address)
	if err != nil {
		s.logger.Error("Contract index lookup failed", "address", address, "error", err)
		internalError(w)
		return
	}
	if info == nil {
		info, err = s.contracts.ReverseLookup(r.Context(), address, autoLearn)
		if err != nil {
			s.logger.Error("Contract reverse lookup failed", "address", address, "error", err)
			internalError(w)
			return
		}
	}
	if info == nil {
		s.metrics().RecordContractLookup(r.Context(), "miss")
		notFound(w, fmt.Sprintf("Contract %s not found in knowledge base", raw))
		return
	}
	s.metrics().RecordContractLookup(r.Context(), "hit")
	writeJSON(w, http.StatusOK, info)
}

type contractLookupRequest struct {
	Addresses []string `json:"addresses"`
	AutoLearn *bool    `json:"auto_learn"`
}

// handleContractLookup resolves up to 50 addresses in one call. Results
// are keyed by the address as sent; malformed addresses map to null and
// do not count toward the stats.
func (s *Server) handleContractLookup(w http.ResponseWriter, r *http.Request) {
	var req contractLookupRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}
	if len(req.Addresses) > maxLookupAddresses {
		badRequest(w, msgBadRequest)
		return
	}
	autoLearn := true
	if req.AutoLearn != nil {
		autoLearn = *req.AutoLearn
	}

	results := make(map[string]*contracts.Info, len(req.Addresses))
	stats := map[string]int{"total": 0, "index_hits": 0, "rag_hits": 0, "not_found": 0}

	for _, raw := range req.Addresses {
		address := contracts.NormalizeAddress(raw)
		if address == "" {
			results[raw] = nil
			continue
		}
		stats["total"]++

		info, err := s.contracts.Get(r.Context(), address)
		if err != nil {
			s.logger.Error("Contract index lookup failed", "address", address, "error", err)
			internalError(w)
			return
		}
		if info != nil {
			stats["index_hits"]++
			results[raw] = info
			continue
		}

		info, err = s.contracts.ReverseLookup(r.Context(), address, autoLearn)
		if err != nil {
			s.logger.Error("Contract reverse lookup failed", "address", address, "error", err)
			internalError(w)
			return
		}
		if info != nil {
			stats["rag_hits"]++
			results[raw] = info
		} else {
			stats["not_found"]++
			results[raw] = nil
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results, "stats": stats})
}

func (s *Server) handleProtocolStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ContractProtocolStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to load protocol stats", "error", err)
		internalError(w)
		return
	}
	total, err := s.store.CountContracts(r.Context())
	if err != nil {
		s.logger.Error("Failed to count contracts", "error", err)
		internalError(w)
		return
	}

	byProtocol := make(map[string]int, len(counts))
	for _, c := range counts {
		byProtocol[c.Protocol] = c.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_contracts": total,
		"by_protocol":     byProtocol,
	})
}

type buildIndexRequest struct {
	KBID   string `json:"kb_id"`
	DryRun bool   `json:"dry_run"`
}

// handleContractBuildIndex scans indexed chunks for contract addresses
// and fills the index. dry_run reports what would be written.
func (s *Server) handleContractBuildIndex(w http.ResponseWriter, r *http.Request) {
	var req buildIndexRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, msgBadRequest)
		return
	}

	stats, err := s.contracts.BatchBuild(r.Context(), store.SearchFilter{KBID: req.KBID}, req.DryRun)
	if err != nil {
		s.logger.Error("Contract index build failed", "error", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
