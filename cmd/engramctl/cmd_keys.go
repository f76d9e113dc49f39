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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

var (
	keysUser        string
	keysRPM         int
	keysTPM         int
	keysConcurrency int
	keysPermissions []string
	keysYes         bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key (the plaintext is shown exactly once)",
	RunE:  runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's API keys",
	RunE:  runKeysList,
}

var keysDisableCmd = &cobra.Command{
	Use:   "disable <key-id>",
	Short: "Disable an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDisable,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keysUser, "user", "", "user the key belongs to (required)")
	keysCreateCmd.Flags().IntVar(&keysRPM, "rpm", 0, "requests per minute (0 = server default)")
	keysCreateCmd.Flags().IntVar(&keysTPM, "tpm", 0, "tokens per minute (0 = server default)")
	keysCreateCmd.Flags().IntVar(&keysConcurrency, "concurrency", 0, "concurrent requests (0 = server default)")
	keysCreateCmd.Flags().StringSliceVar(&keysPermissions, "permission", nil, "permission to grant, repeatable")
	_ = keysCreateCmd.MarkFlagRequired("user")

	keysListCmd.Flags().StringVar(&keysUser, "user", "", "user whose keys to list (required)")
	_ = keysListCmd.MarkFlagRequired("user")

	keysDisableCmd.Flags().BoolVar(&keysYes, "yes", false, "skip the confirmation prompt")

	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysDisableCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()
	client.checkServer(ctx)

	req := map[string]any{
		"user_id":     keysUser,
		"permissions": keysPermissions,
		"limits": map[string]int{
			"rpm":         keysRPM,
			"tpm":         keysTPM,
			"concurrency": keysConcurrency,
		},
	}
	var resp struct {
		KeyID      string    `json:"key_id"`
		APIKey     string    `json:"api_key"`
		KeyPreview string    `json:"key_preview"`
		CreatedAt  time.Time `json:"created_at"`
		Limits     struct {
			RPM         int `json:"rpm"`
			TPM         int `json:"tpm"`
			Concurrency int `json:"concurrency"`
		} `json:"limits"`
	}
	if err := client.post(ctx, "/v1/keys", req, &resp); err != nil {
		return err
	}

	ux.Success(fmt.Sprintf("Key %s created for %s", resp.KeyID, keysUser))
	ux.KeyValue("key_id", resp.KeyID)
	ux.KeyValue("api_key", resp.APIKey)
	ux.KeyValue("preview", resp.KeyPreview)
	ux.KeyValue("limits", fmt.Sprintf("rpm=%d tpm=%d concurrency=%d",
		resp.Limits.RPM, resp.Limits.TPM, resp.Limits.Concurrency))
	ux.Warning("Store the api_key now; the server keeps only a hash and cannot show it again")
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()

	path := "/v1/keys?id=" + keysUser
	var resp struct {
		Result []struct {
			KeyID       string   `json:"key_id"`
			KeyPreview  string   `json:"key_preview"`
			Status      string   `json:"status"`
			Permissions []string `json:"permissions"`
			Limits      struct {
				RPM         int `json:"rpm"`
				TPM         int `json:"tpm"`
				Concurrency int `json:"concurrency"`
			} `json:"limits"`
		} `json:"result"`
	}
	if err := client.get(ctx, path, &resp); err != nil {
		return err
	}

	if len(resp.Result) == 0 {
		ux.Info("No keys found")
		return nil
	}
	for _, k := range resp.Result {
		icon := ux.IconSuccess
		if k.Status != "active" {
			icon = ux.IconPending
		}
		fmt.Printf("%s %s  %s  %s  rpm=%d tpm=%d concurrency=%d\n",
			icon.Render(), k.KeyID, k.KeyPreview, k.Status,
			k.Limits.RPM, k.Limits.TPM, k.Limits.Concurrency)
	}
	return nil
}

func runKeysDisable(cmd *cobra.Command, args []string) error {
	keyID := args[0]

	if !keysYes {
		confirmed, err := confirm(fmt.Sprintf("Disable key %s?", keyID),
			"Requests using it fail immediately. The key can be re-enabled later.")
		if err != nil {
			return err
		}
		if !confirmed {
			ux.Muted("Aborted")
			return nil
		}
	}

	client := newClient()
	body := map[string]string{"status": "disabled"}
	if err := client.post(cmd.Context(), "/v1/keys/"+keyID+"/status", body, nil); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Key %s disabled", keyID))
	return nil
}

// confirm shows an interactive yes/no form; plain mode refuses rather than
// guessing, so scripts must pass --yes.
func confirm(title, description string) (bool, error) {
	if ux.Plain() {
		return false, fmt.Errorf("confirmation required; re-run with --yes")
	}
	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
