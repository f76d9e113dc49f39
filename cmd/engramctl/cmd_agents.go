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
	"time"

	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

var agentsYes bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and delete registered agents",
	Long: `Agent operations go through the tool gateway, so they require an API
key (set ENGRAM_API_KEY) and list only the agents owned by that key's user.`,
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the calling user's agents",
	RunE:  runAgentsList,
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent and its memory collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsDelete,
}

func init() {
	agentsDeleteCmd.Flags().BoolVar(&agentsYes, "yes", false, "skip the confirmation prompt")

	agentsCmd.AddCommand(agentsListCmd, agentsDeleteCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()

	req := map[string]any{"tool": "list_agents"}
	var resp struct {
		Result struct {
			Agents []struct {
				AgentID   string    `json:"agent_id"`
				AgentName string    `json:"agent_name"`
				AgentSlug string    `json:"agent_slug"`
				Status    string    `json:"status"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"agents"`
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := client.post(ctx, "/v1/tools/call", req, &resp); err != nil {
		return err
	}

	if resp.Result.Count == 0 {
		ux.Info("No agents registered")
		return nil
	}
	for _, a := range resp.Result.Agents {
		icon := ux.IconSuccess
		if a.Status != "active" {
			icon = ux.IconPending
		}
		fmt.Printf("%s %s  %s (%s)  %s  created %s\n",
			icon.Render(), a.AgentID, a.AgentName, a.AgentSlug, a.Status,
			a.CreatedAt.Format(time.RFC3339))
	}
	ux.Muted(fmt.Sprintf("%d agents", resp.Result.Count))
	return nil
}

func runAgentsDelete(cmd *cobra.Command, args []string) error {
	agentID := args[0]

	if !agentsYes {
		confirmed, err := confirm(fmt.Sprintf("Delete agent %s?", agentID),
			"Its memory collection and every entry in it are removed permanently.")
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
		"tool":      "delete_agent",
		"arguments": map[string]any{"agent_id": agentID},
	}
	if err := client.post(cmd.Context(), "/v1/tools/call", req, nil); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Agent %s deleted", agentID))
	return nil
}
