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
	sessionsUser string
	sessionsYes  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and delete chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's session ids",
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsUser, "user", "", "user whose sessions to list (required)")
	_ = sessionsListCmd.MarkFlagRequired("user")

	sessionsDeleteCmd.Flags().StringVar(&sessionsUser, "user", "", "user the session belongs to (required)")
	sessionsDeleteCmd.Flags().BoolVar(&sessionsYes, "yes", false, "skip the confirmation prompt")
	_ = sessionsDeleteCmd.MarkFlagRequired("user")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client := newClient()

	var ids []string
	if err := client.get(cmd.Context(), "/get_sessions?id="+sessionsUser, &ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		ux.Info("No sessions found")
		return nil
	}
	for _, id := range ids {
		fmt.Printf("%s %s\n", ux.IconBullet.Render(), id)
	}
	ux.Muted(fmt.Sprintf("%d sessions", len(ids)))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	threadID := args[0]

	if !sessionsYes {
		confirmed, err := confirm(fmt.Sprintf("Delete session %s?", threadID),
			"Its message history is removed permanently.")
		if err != nil {
			return err
		}
		if !confirmed {
			ux.Muted("Aborted")
			return nil
		}
	}

	client := newClient()
	path := "/sessions/" + threadID + "?id=" + sessionsUser
	if err := client.delete(cmd.Context(), path, nil); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Session %s deleted", threadID))
	return nil
}
