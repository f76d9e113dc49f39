// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}

	r.Record(Point{KeyID: "key_1", Surface: "chat_stream", Status: "ok", Tokens: 42})

	summary, err := r.Summary(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, summary)

	r.Close()
}

func TestFromEnv_UnsetURLIsNop(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "")

	r := FromEnv()

	_, ok := r.(NopRecorder)
	assert.True(t, ok, "unset INFLUXDB_URL must yield the no-op recorder")
}

func TestSummaryFlux_Shape(t *testing.T) {
	q := summaryFlux("api-usage", 24*time.Hour, "sum")

	assert.Contains(t, q, `from(bucket: "api-usage")`)
	assert.Contains(t, q, "range(start: -86400s)")
	assert.Contains(t, q, `r._measurement == "api_usage"`)
	assert.Contains(t, q, `r._field == "tokens"`)
	assert.Contains(t, q, `group(columns: ["key_id"])`)
	assert.True(t, strings.Contains(q, "sum()"))
}

func TestSummaryFlux_WidensTinyWindows(t *testing.T) {
	q := summaryFlux("b", time.Second, "count")

	assert.Contains(t, q, "range(start: -60s)")
}

func TestRowFor(t *testing.T) {
	totals := make(map[string]*KeySummary)

	first := rowFor(totals, "key_a")
	require.NotNil(t, first)
	first.Requests = 3

	again := rowFor(totals, "key_a")
	assert.Same(t, first, again)
	assert.EqualValues(t, 3, again.Requests)

	assert.Nil(t, rowFor(totals, nil))
	assert.Nil(t, rowFor(totals, 7))
	assert.Nil(t, rowFor(totals, ""))
	assert.Len(t, totals, 1)
}
