// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

var statusWindow string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and recent usage",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWindow, "window", "24h", "usage window, a Go duration")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()

	var health struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	if err := client.get(ctx, "/health", &health); err != nil {
		return err
	}

	ux.Title(fmt.Sprintf("EngramLocal %s — %s", health.Version, health.Status))
	for name, state := range health.Components {
		icon := ux.IconSuccess
		switch state {
		case "disabled":
			icon = ux.IconPending
		case "ok":
		default:
			icon = ux.IconError
		}
		ux.KeyValue(name, icon.Render()+" "+state)
	}

	var usage struct {
		WindowSeconds int64 `json:"window_seconds"`
		Keys          []struct {
			KeyID    string `json:"key_id"`
			Requests int64  `json:"requests"`
			Tokens   int64  `json:"tokens"`
		} `json:"keys"`
	}
	if err := client.get(ctx, "/v1/usage/summary?window="+statusWindow, &usage); err != nil {
		// Usage is optional server-side; health alone is still a result.
		ux.Muted(fmt.Sprintf("usage unavailable: %v", err))
		return nil
	}

	if len(usage.Keys) == 0 {
		ux.Muted(fmt.Sprintf("No usage recorded in the last %s", statusWindow))
		return nil
	}
	fmt.Println()
	ux.Title(fmt.Sprintf("Usage (last %s)", statusWindow))
	for _, k := range usage.Keys {
		ux.KeyValue(k.KeyID, fmt.Sprintf("requests=%d tokens=%d", k.Requests, k.Tokens))
	}
	return nil
}
