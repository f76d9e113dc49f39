// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunker turns uploaded documents into semantically bounded text
// chunks ready for embedding.
//
// The pipeline: extract plain text per file extension, repair extraction
// artifacts while protecting math, code, and citations behind placeholders,
// detect semantic boundaries (headings, Q/A markers, list items, paragraph
// breaks), merge fragments that are too small to stand alone, and split
// oversized or formula-dense segments down a cascade of sentence boundaries,
// clause boundaries, and finally a recursive character splitter as the hard
// cut. Each chunk carries up to three tag words and a technical-density
// score.
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsupportedFormat is returned for extensions the chunker cannot read,
// including binary formats when no TextExtractor is configured.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// TextExtractor converts a binary document into plain text. PDF and DOCX
// extraction is delegated through this interface; without one those formats
// fail with ErrUnsupportedFormat.
type TextExtractor interface {
	Extract(data []byte, ext string) (string, error)
}

// Chunk is one retrieval-sized piece of a document.
type Chunk struct {
	// ChunkID is a random UUID assigned at creation.
	ChunkID string `json:"chunk_id"`

	// Text is the chunk content, cleaned and artifact-repaired.
	Text string `json:"text"`

	// Tags are up to MaxTags frequent content words, lowercased.
	Tags []string `json:"tags,omitempty"`

	// Density is the technical-indicator count per 100 characters.
	Density float64 `json:"density"`

	// Title is the nearest enclosing heading, empty before the first one.
	Title string `json:"title,omitempty"`
}

// Config holds chunking parameters. Zero values fall back to defaults.
type Config struct {
	// MinChunkSize is the smallest segment kept on its own; smaller ones
	// merge into a compatible neighbour.
	MinChunkSize int

	// MaxChunkSize is the largest segment left unsplit.
	MaxChunkSize int

	// TargetSize is the size the split cascade aims for.
	TargetSize int

	// Overlap is roughly how many characters neighbouring chunks share.
	Overlap int

	// DensityLimit is the technical density (indicators per 100 chars)
	// above which a segment is split tighter than TargetSize.
	DensityLimit float64

	// MaxTags caps the tag words attached to each chunk.
	MaxTags int

	// Extractor handles binary formats (pdf, docx). Optional.
	Extractor TextExtractor
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		MinChunkSize: 100,
		MaxChunkSize: 800,
		TargetSize:   500,
		Overlap:      50,
		DensityLimit: 3.0,
		MaxTags:      3,
	}
}

// Chunker splits documents according to its Config. Safe for concurrent use.
type Chunker struct {
	cfg Config
}

// New returns a Chunker, filling unset Config fields from DefaultConfig.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = def.TargetSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = def.Overlap
	}
	if cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = cfg.TargetSize / 5
	}
	if cfg.DensityLimit <= 0 {
		cfg.DensityLimit = def.DensityLimit
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = def.MaxTags
	}
	return &Chunker{cfg: cfg}
}

// ChunkFile converts one document into an ordered list of chunks. The ext
// selects the extraction path and may carry a leading dot. Empty documents
// produce no chunks and no error.
func (c *Chunker) ChunkFile(data []byte, ext string) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := c.extractText(data, ext)
	if err != nil {
		return nil, err
	}

	cleaned := cleanText(raw)
	if strings.TrimSpace(cleaned) == "" {
		return nil, nil
	}

	segments := detectSegments(cleaned)
	segments = c.refineSegments(cleaned, segments)

	var chunks []Chunk
	for _, seg := range segments {
		text := strings.TrimSpace(cleaned[seg.start:seg.end])
		if text == "" {
			continue
		}
		parts, err := c.resize(text)
		if err != nil {
			return nil, fmt.Errorf("failed to split segment: %w", err)
		}
		for _, part := range parts {
			chunks = append(chunks, Chunk{
				ChunkID: uuid.NewString(),
				Text:    part,
				Tags:    c.extractTags(part),
				Density: density(part),
				Title:   seg.title,
			})
		}
	}
	return chunks, nil
}

// resize leaves fitting segments alone and runs the split cascade on ones
// that are oversized or too dense. Dense segments split at half the target
// so formula-heavy text lands in tighter chunks.
func (c *Chunker) resize(text string) ([]string, error) {
	size := c.cfg.TargetSize
	dense := density(text) > c.cfg.DensityLimit
	if dense {
		size = c.cfg.TargetSize / 2
		if size < c.cfg.MinChunkSize {
			size = c.cfg.MinChunkSize
		}
	}
	needsSplit := len(text) > c.cfg.MaxChunkSize || (dense && len(text) > size)
	if !needsSplit {
		return []string{text}, nil
	}
	return c.splitSegment(text, size)
}
