// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage records per-key API consumption to InfluxDB.
//
// Every authenticated request produces one point in the api_usage
// measurement, tagged by key, surface (tool name or HTTP endpoint), and
// outcome, with token and latency fields. Writes go through the
// non-blocking write API so instrumentation never adds latency to the
// request path; a dropped point is an acceptable trade.
//
// When INFLUXDB_URL is unset the service degrades to a no-op recorder,
// so handlers call Record unconditionally.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const measurement = "api_usage"

// Point is one recorded API call.
type Point struct {
	KeyID    string
	Surface  string // tool name or endpoint path
	Status   string // ok, error, or denied
	Tokens   int
	Duration time.Duration
	Time     time.Time // zero means now
}

// KeySummary aggregates consumption for one API key over a window.
type KeySummary struct {
	KeyID    string `json:"key_id"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// Recorder accepts usage points and answers aggregate queries.
type Recorder interface {
	// Record writes one point. Must not block the caller.
	Record(p Point)

	// Summary returns per-key request and token totals over the trailing
	// window.
	Summary(ctx context.Context, window time.Duration) ([]KeySummary, error)

	// Close flushes buffered points and releases the client.
	Close()
}

// =============================================================================
// No-op Recorder
// =============================================================================

// NopRecorder discards every point. Used when no InfluxDB is configured.
type NopRecorder struct{}

func (NopRecorder) Record(Point) {}

func (NopRecorder) Summary(context.Context, time.Duration) ([]KeySummary, error) {
	return []KeySummary{}, nil
}

func (NopRecorder) Close() {}

// =============================================================================
// InfluxDB Recorder
// =============================================================================

// InfluxRecorder writes usage points to an InfluxDB 2.x bucket.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
}

// NewInfluxRecorder connects to InfluxDB and starts the background write
// batcher. Write errors surface on the error channel and are logged, not
// returned: usage capture is best-effort.
func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	r := &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		queryAPI: client.QueryAPI(org),
		bucket:   bucket,
	}

	go func() {
		for err := range r.writeAPI.Errors() {
			slog.Warn("Usage point write failed", slog.String("error", err.Error()))
		}
	}()

	return r
}

// FromEnv builds a recorder from INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG,
// and INFLUXDB_BUCKET. An unset URL yields the no-op recorder.
func FromEnv() Recorder {
	url := os.Getenv("INFLUXDB_URL")
	if url == "" {
		return NopRecorder{}
	}

	org := os.Getenv("INFLUXDB_ORG")
	if org == "" {
		org = "engram"
	}
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if bucket == "" {
		bucket = "api-usage"
	}

	slog.Info("Usage analytics enabled",
		slog.String("url", url),
		slog.String("org", org),
		slog.String("bucket", bucket))
	return NewInfluxRecorder(url, os.Getenv("INFLUXDB_TOKEN"), org, bucket)
}

// Record queues one point for the background batcher.
func (r *InfluxRecorder) Record(p Point) {
	keyID := p.KeyID
	if keyID == "" {
		keyID = "anonymous"
	}
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	point := influxdb2.NewPoint(
		measurement,
		map[string]string{
			"key_id":  keyID,
			"surface": p.Surface,
			"status":  p.Status,
		},
		map[string]interface{}{
			"tokens":      int64(p.Tokens),
			"duration_ms": float64(p.Duration) / float64(time.Millisecond),
		},
		ts,
	)
	r.writeAPI.WritePoint(point)
}

// Summary runs a Flux aggregation over the trailing window and returns one
// row per key. Windows shorter than a minute are widened to a minute so the
// range clause stays well-formed.
func (r *InfluxRecorder) Summary(ctx context.Context, window time.Duration) ([]KeySummary, error) {
	totals := make(map[string]*KeySummary)

	counts, err := r.queryAPI.Query(ctx, summaryFlux(r.bucket, window, "count"))
	if err != nil {
		return nil, fmt.Errorf("usage count query: %w", err)
	}
	for counts.Next() {
		row := rowFor(totals, counts.Record().ValueByKey("key_id"))
		if v, ok := counts.Record().Value().(int64); ok && row != nil {
			row.Requests = v
		}
	}
	if counts.Err() != nil {
		return nil, fmt.Errorf("usage count rows: %w", counts.Err())
	}

	sums, err := r.queryAPI.Query(ctx, summaryFlux(r.bucket, window, "sum"))
	if err != nil {
		return nil, fmt.Errorf("usage sum query: %w", err)
	}
	for sums.Next() {
		row := rowFor(totals, sums.Record().ValueByKey("key_id"))
		if v, ok := sums.Record().Value().(int64); ok && row != nil {
			row.Tokens = v
		}
	}
	if sums.Err() != nil {
		return nil, fmt.Errorf("usage sum rows: %w", sums.Err())
	}

	out := make([]KeySummary, 0, len(totals))
	for _, row := range totals {
		out = append(out, *row)
	}
	return out, nil
}

// Close flushes pending points and shuts the client down.
func (r *InfluxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}

// summaryFlux builds the per-key aggregation query. aggregate is count or
// sum; both run over the tokens field grouped by key tag.
func summaryFlux(bucket string, window time.Duration, aggregate string) string {
	if window < time.Minute {
		window = time.Minute
	}
	return fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: -%ds)
		  |> filter(fn: (r) => r._measurement == %q)
		  |> filter(fn: (r) => r._field == "tokens")
		  |> group(columns: ["key_id"])
		  |> %s()
	`, bucket, int(window.Seconds()), measurement, aggregate)
}

// rowFor returns the summary row for a key tag value, creating it on first
// sight. Non-string tag values are skipped.
func rowFor(totals map[string]*KeySummary, key any) *KeySummary {
	keyID, ok := key.(string)
	if !ok || keyID == "" {
		return nil
	}
	row, exists := totals[keyID]
	if !exists {
		row = &KeySummary{KeyID: keyID}
		totals[keyID] = row
	}
	return row
}

var _ Recorder = (*InfluxRecorder)(nil)
var _ Recorder = NopRecorder{}
