// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
)

// promptFileName is the override file looked up inside the prompt directory.
// The embedded copy of the same file is the default.
const promptFileName = "memory_builder.txt"

// Template markers replaced at render time.
const (
	dialoguesMarker = "{{DIALOGUES}}"
	previousMarker  = "{{PREVIOUS_ENTRIES}}"
)

//go:embed memory_builder.txt
var defaultBuilderPrompt string

// PromptSource serves the transformation prompt template. Without a prompt
// directory it serves the embedded default; with one it loads
// memory_builder.txt from that directory and hot-reloads it on change, so
// prompt tuning does not need a restart.
//
// Safe for concurrent use.
type PromptSource struct {
	mu   sync.RWMutex
	text string

	path     string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewPromptSource builds a prompt source. dir may be empty, in which case
// the embedded template is served and nothing is watched.
func NewPromptSource(dir string) (*PromptSource, error) {
	ps := &PromptSource{text: defaultBuilderPrompt}
	if dir == "" {
		return ps, nil
	}

	ps.path = filepath.Join(dir, promptFileName)
	ps.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename+create, which drops a watch on the file itself.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch prompt directory %q: %w", dir, err)
	}
	ps.watcher = watcher
	ps.done = make(chan struct{})
	go ps.watch()
	return ps, nil
}

// Text returns the current template.
func (p *PromptSource) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Render fills the template with the dialogue window and the previous
// restatements for the window's tenant.
func (p *PromptSource) Render(window []datatypes.Dialogue, previous []string) string {
	var dialogues strings.Builder
	for _, d := range window {
		if d.Timestamp.IsZero() {
			fmt.Fprintf(&dialogues, "%s: %s\n", d.Speaker, d.Content)
			continue
		}
		fmt.Fprintf(&dialogues, "%s (%s): %s\n", d.Speaker, d.Timestamp.UTC().Format(time.RFC3339), d.Content)
	}

	prior := "(none)\n"
	if len(previous) > 0 {
		var b strings.Builder
		for _, r := range previous {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		prior = b.String()
	}

	text := p.Text()
	text = strings.ReplaceAll(text, previousMarker, strings.TrimRight(prior, "\n"))
	text = strings.ReplaceAll(text, dialoguesMarker, strings.TrimRight(dialogues.String(), "\n"))
	return text
}

// Close stops the watcher. Safe to call on a source without one.
func (p *PromptSource) Close() {
	p.stopOnce.Do(func() {
		if p.watcher == nil {
			return
		}
		close(p.done)
		p.watcher.Close()
	})
}

// reload swaps in the override file. A missing or unusable file leaves the
// current template in place, so a half-saved edit never breaks building.
func (p *PromptSource) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read prompt override", "path", p.path, "error", err)
		}
		return
	}
	text := string(data)
	if !strings.Contains(text, dialoguesMarker) {
		slog.Warn("Prompt override has no dialogue marker, keeping previous template",
			"path", p.path, "marker", dialoguesMarker)
		return
	}
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	slog.Info("Loaded prompt override", "path", p.path, "bytes", len(data))
}

func (p *PromptSource) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != promptFileName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Prompt watcher error", "error", err)
		}
	}
}
