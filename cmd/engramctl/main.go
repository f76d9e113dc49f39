// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command engramctl is the operator CLI for a running EngramLocal server.
//
// It manages API keys, sessions, and memory collections, ingests documents,
// and tails the live event stream. The server is addressed via --url or
// ENGRAM_URL; credentials come from ENGRAM_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

// cliVersion is compared against the server's reported version on startup.
const cliVersion = "v1.0.0"

var (
	flagURL   string
	flagPlain bool
)

var rootCmd = &cobra.Command{
	Use:   "engramctl",
	Short: "Operator CLI for the EngramLocal memory server",
	Long: `engramctl manages a running EngramLocal server: API keys, sessions,
memory collections, document ingestion, and the live event stream.

Server address comes from --url or ENGRAM_URL (default http://localhost:12210).
Authentication uses the ENGRAM_API_KEY environment variable when set.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagPlain {
			ux.SetPlain(true)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "server base URL (default ENGRAM_URL or http://localhost:12210)")
	rootCmd.PersistentFlags().BoolVar(&flagPlain, "plain", false, "machine-readable output, no styling")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
