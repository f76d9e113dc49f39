// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunker

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// extractText produces plain text from raw document bytes. Text formats
// decode directly; tabular ones flatten to "column: value" lines; binary
// formats go through the configured TextExtractor.
func (c *Chunker) extractText(data []byte, ext string) (string, error) {
	switch normalizeExt(ext) {
	case "txt", "md", "markdown", "text":
		return decodeText(data), nil
	case "csv":
		return csvToLines(data)
	case "pdf", "docx":
		if c.cfg.Extractor == nil {
			return "", fmt.Errorf("%w: %s needs a text extractor", ErrUnsupportedFormat, normalizeExt(ext))
		}
		text, err := c.cfg.Extractor.Extract(data, normalizeExt(ext))
		if err != nil {
			return "", fmt.Errorf("failed to extract %s text: %w", normalizeExt(ext), err)
		}
		return text, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// decodeText interprets the bytes as UTF-8, dropping a BOM and any invalid
// sequences.
func decodeText(data []byte) string {
	text := strings.TrimPrefix(string(data), "\uFEFF")
	return strings.ToValidUTF8(text, "")
}

// csvToLines renders each data row as one "column: value, column: value"
// line, using the first row as the header. Header-only and empty files
// yield nothing.
func csvToLines(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) < 2 {
		return "", nil
	}

	header := records[0]
	var b strings.Builder
	for _, row := range records[1:] {
		var pairs []string
		for i, val := range row {
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			col := fmt.Sprintf("column %d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				col = strings.TrimSpace(header[i])
			}
			pairs = append(pairs, col+": "+val)
		}
		if len(pairs) > 0 {
			b.WriteString(strings.Join(pairs, ", "))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
