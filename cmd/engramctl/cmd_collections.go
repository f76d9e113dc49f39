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

var (
	collectionsUser string
	collectionsView string
	collectionsYes  bool
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Inspect and rebuild memory collections",
}

var collectionsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show per-collection entry counts for a user",
	RunE:  runCollectionsSummary,
}

var collectionsReplaceCmd = &cobra.Command{
	Use:   "replace",
	Short: "Drop and recreate a user's collections (destroys all entries)",
	RunE:  runCollectionsReplace,
}

func init() {
	collectionsSummaryCmd.Flags().StringVar(&collectionsUser, "user", "", "user whose collections to inspect (required)")
	_ = collectionsSummaryCmd.MarkFlagRequired("user")

	collectionsReplaceCmd.Flags().StringVar(&collectionsUser, "user", "", "user whose collections to replace (required)")
	collectionsReplaceCmd.Flags().StringVar(&collectionsView, "view", "", "restrict to one view: chat or file (default both)")
	collectionsReplaceCmd.Flags().BoolVar(&collectionsYes, "yes", false, "skip the confirmation prompt")
	_ = collectionsReplaceCmd.MarkFlagRequired("user")

	collectionsCmd.AddCommand(collectionsSummaryCmd, collectionsReplaceCmd)
	rootCmd.AddCommand(collectionsCmd)
}

func runCollectionsSummary(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp struct {
		UserID      string           `json:"user_id"`
		Collections map[string]int64 `json:"collections"`
	}
	if err := client.get(cmd.Context(), "/v1/collections/summary?id="+collectionsUser, &resp); err != nil {
		return err
	}

	ux.Title(fmt.Sprintf("Collections for %s", resp.UserID))
	for name, count := range resp.Collections {
		ux.KeyValue(name, fmt.Sprintf("%d entries", count))
	}
	return nil
}

func runCollectionsReplace(cmd *cobra.Command, args []string) error {
	scope := "chat and file collections"
	if collectionsView != "" {
		scope = collectionsView + " collection"
	}

	if !collectionsYes {
		confirmed, err := confirm(
			fmt.Sprintf("Replace the %s for %s?", scope, collectionsUser),
			"Every stored memory entry in the collection is destroyed. This cannot be undone.")
		if err != nil {
			return err
		}
		if !confirmed {
			ux.Muted("Aborted")
			return nil
		}
	}

	client := newClient()
	req := map[string]any{
		"user_id": collectionsUser,
		"view":    collectionsView,
		"confirm": true,
	}
	var resp struct {
		Result struct {
			Replaced []string `json:"replaced"`
		} `json:"result"`
	}
	if err := client.post(cmd.Context(), "/v1/collections/replace", req, &resp); err != nil {
		return err
	}

	for _, tenant := range resp.Result.Replaced {
		ux.Success(fmt.Sprintf("Replaced %s", tenant))
	}
	return nil
}
