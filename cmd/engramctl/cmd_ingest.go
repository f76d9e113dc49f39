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
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

var (
	ingestUser    string
	ingestWorkers int
)

// ingestFileExts is the set of extensions worth indexing. Binaries and
// archives waste embedding calls and pollute retrieval.
var ingestFileExts = map[string]bool{
	".txt": true, ".md": true, ".rst": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".rs": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".html": true, ".css": true, ".sql": true, ".sh": true,
	".pdf": true, ".csv": true,
}

// ingestBlockedDirs are skipped entirely during the walk.
var ingestBlockedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"__pycache__": true, ".venv": true, "dist": true, "build": true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Index files or directories into a user's file collection",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestUser, "user", "", "user whose collection receives the documents (required)")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 4, "concurrent uploads")
	_ = ingestCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	files, err := collectIngestFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		ux.Warning("No ingestable files found under the given paths")
		return nil
	}

	client := newClient()
	ctx := cmd.Context()
	client.checkServer(ctx)

	if ingestWorkers < 1 {
		ingestWorkers = 1
	}

	spin := ux.NewSpinner(fmt.Sprintf("Ingesting %d files", len(files)))
	spin.Start()

	var (
		wg     sync.WaitGroup
		done   atomic.Int64
		chunks atomic.Int64

		failMu sync.Mutex
		failed []string
	)
	jobs := make(chan string)
	for i := 0; i < ingestWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				n, err := uploadFile(cmd, client, path)
				if err != nil {
					failMu.Lock()
					failed = append(failed, fmt.Sprintf("%s: %v", path, err))
					failMu.Unlock()
					continue
				}
				chunks.Add(int64(n))
				total := done.Add(1)
				spin.UpdateMessage(fmt.Sprintf("Ingested %d/%d files", total, len(files)))
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	spin.Stop()

	for _, msg := range failed {
		ux.Error(msg)
	}
	ux.Success(fmt.Sprintf("Ingested %d files (%d chunks), %d failed",
		done.Load(), chunks.Load(), len(failed)))
	if len(failed) > 0 {
		return fmt.Errorf("%d files failed to ingest", len(failed))
	}
	return nil
}

func collectIngestFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if ingestBlockedDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if ingestFileExts[filepath.Ext(p)] {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return files, nil
}

func uploadFile(cmd *cobra.Command, client *apiClient, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	req := map[string]string{
		"user_id":    ingestUser,
		"filename":   filepath.Base(path),
		"base64data": base64.StdEncoding.EncodeToString(content),
	}
	var resp struct {
		Result struct {
			Source string `json:"source"`
			Chunks int    `json:"chunks"`
		} `json:"result"`
	}
	if err := client.post(cmd.Context(), "/v1/documents", req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Chunks, nil
}
