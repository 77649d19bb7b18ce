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
	"fmt"
	"sort"

	"github.com/onekeyhq/ragserve/pkg/contracts"
	"github.com/onekeyhq/ragserve/pkg/logger"
	"github.com/onekeyhq/ragserve/pkg/store"
)

// ContractsCmd groups contract-address index maintenance.
type ContractsCmd struct {
	Build ContractsBuildCmd `cmd:"" help:"Scan indexed chunks for contract addresses and index them."`
}

// ContractsBuildCmd rebuilds the contract-address index from stored
// chunks. Addresses already indexed are never overwritten.
type ContractsBuildCmd struct {
	Workspace string `help:"Limit the scan to one workspace."`
	KB        string `name:"kb" help:"Limit the scan to one knowledge base."`
	DryRun    bool   `name:"dry-run" help:"Compute stats without writing."`
}

func (c *ContractsBuildCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, cleanup, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	index := contracts.NewIndex(st, &cfg.Contracts, logger.GetLogger())
	filter := store.SearchFilter{Workspace: c.Workspace, KBID: c.KB}
	stats, err := index.BatchBuild(ctx, filter, c.DryRun)
	if err != nil {
		return err
	}

	verb := "Indexed"
	if c.DryRun {
		verb = "Would index"
	}
	fmt.Printf("Scanned %d chunks, found %d addresses\n", stats.ChunksScanned, stats.AddressesFound)
	fmt.Printf("%s %d addresses (%d skipped)\n", verb, stats.AddressesIndexed, stats.AddressesSkipped)

	if len(stats.Protocols) > 0 {
		names := make([]string, 0, len(stats.Protocols))
		for name := range stats.Protocols {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("By protocol:")
		for _, name := range names {
			fmt.Printf("  %-24s %d\n", name, stats.Protocols[name])
		}
	}
	return nil
}
