// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("engram.embedding")

// defaultTimeout bounds every call to the embeddings service, including the
// wait on the result event stream.
const defaultTimeout = 30 * time.Second

// embeddingEventName is the SSE event that carries the computed vector.
const embeddingEventName = "dense_embedding"

// maxEventLineBytes caps a single SSE line. Vectors arrive on one data line;
// a 4096-dim float vector serializes to well under 64KB.
const maxEventLineBytes = 1024 * 1024

var (
	// ErrInvalidInput indicates a nil context or empty text/texts argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates the service returned a vector whose
	// dimension differs from the one fixed by earlier calls (or by the
	// EMBEDDING_DIM hint).
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Client converts text into unit-length dense vectors via the embeddings
// service.
//
// # Description
//
// The service accepts text over HTTP and publishes the computed vector on a
// per-request event stream: a POST to the embed endpoint returns an
// event_id, and the client reads GET <base>/events/<event_id> as SSE until
// the first dense_embedding event arrives. Batch requests answer with plain
// JSON instead. Every vector is L2-normalized before it is returned, so
// cosine similarity reduces to a dot product downstream.
//
// The first successful call fixes the embedding dimension; every later
// vector must match it or the call fails with ErrDimensionMismatch.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	embedURL   string
	baseURL    string

	mu  sync.Mutex
	dim int
}

// NewClient builds a client from the environment.
//
// # Description
//
// EMBEDDING_SERVICE_URL must point at the service's embed endpoint
// (e.g. "http://localhost:8000/embed"); the event-stream and batch endpoints
// are derived from it. EMBEDDING_DIM optionally pre-sets the expected vector
// dimension so the very first call is already checked.
//
// # Outputs
//
//   - *Client: The configured client.
//   - error: Non-nil when EMBEDDING_SERVICE_URL is unset.
func NewClient() (*Client, error) {
	rawURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if rawURL == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL environment variable not set")
	}
	c := newClient(strings.TrimSuffix(rawURL, "/"))
	if raw := os.Getenv("EMBEDDING_DIM"); raw != "" {
		dim, err := strconv.Atoi(raw)
		if err != nil || dim <= 0 {
			slog.Warn("Ignoring invalid EMBEDDING_DIM", "value", raw)
		} else {
			c.dim = dim
		}
	}
	return c, nil
}

func newClient(embedURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		embedURL:   embedURL,
		baseURL:    strings.TrimSuffix(embedURL, "/embed"),
	}
}

// embedRequest is the body of a single-text embed call.
type embedRequest struct {
	Text string `json:"text"`
}

// embedAck acknowledges an embed call with the event id the result will be
// published under.
type embedAck struct {
	EventID string `json:"event_id"`
}

// embeddingPayload is the data carried by a dense_embedding event.
type embeddingPayload struct {
	ID        string    `json:"id,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim,omitempty"`
}

// batchEmbedRequest is the body of a /batch_embed call.
type batchEmbedRequest struct {
	Texts []string `json:"texts"`
}

// batchEmbedResponse is the plain JSON answer to a /batch_embed call.
type batchEmbedResponse struct {
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Model     string      `json:"model,omitempty"`
	Vectors   [][]float32 `json:"vectors"`
	Dim       int         `json:"dim,omitempty"`
}

// Embed computes a unit-length embedding vector for the given text.
//
// # Description
//
// POSTs the text to the embed endpoint, then follows the returned event_id
// onto the service's event stream and reads the first dense_embedding
// payload. The vector is L2-normalized and dimension-checked before it is
// returned.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - text: The text to embed. Must be non-empty.
//
// # Outputs
//
//   - []float32: The unit-length embedding vector.
//   - error: Non-nil on transport failure, a stream that ends without an
//     embedding, or a vector whose dimension differs from earlier calls.
//
// # Limitations
//
//   - No retry. Callers that can degrade (RAG lookups, background writes)
//     should treat an error as "no embedding available" rather than failing
//     the whole request.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "EmbeddingClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.text_length", len(text)))

	eventID, err := c.requestEmbedding(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vector, err := c.awaitEmbedding(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := c.finishVector(vector); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("embedding.dim", len(vector)))
	return vector, nil
}

// requestEmbedding submits the text and returns the event id the service
// will publish the result under.
func (c *Client) requestEmbedding(ctx context.Context, text string) (string, error) {
	reqBodyBytes, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal the embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.embedURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create the embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the embedding service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var ack embedAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return "", fmt.Errorf("failed to parse the embedding service response: %w", err)
	}
	if ack.EventID == "" {
		return "", fmt.Errorf("embedding service response carried no event_id")
	}
	return ack.EventID, nil
}

// awaitEmbedding reads the per-event SSE stream until the first
// dense_embedding event and returns its raw vector.
func (c *Client) awaitEmbedding(ctx context.Context, eventID string) ([]float32, error) {
	eventsURL := c.baseURL + "/events/" + eventID

	req, err := http.NewRequestWithContext(ctx, "GET", eventsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create the event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding event stream: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to open the embedding event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding event stream failed with status %d: %s",
			resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if eventName == embeddingEventName && data.Len() > 0 {
				return parseEmbeddingPayload(data.String())
			}
			eventName = ""
			data.Reset()
			continue
		}
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventName = strings.TrimSpace(name)
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			data.WriteString(payload)
			continue
		}
		// id:, retry: and comment lines carry nothing we need.
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding event stream: %w", ctx.Err())
		}
		return nil, fmt.Errorf("reading embedding event stream: %w", err)
	}
	// Streams that end without a trailing separator line still count.
	if eventName == embeddingEventName && data.Len() > 0 {
		return parseEmbeddingPayload(data.String())
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("embedding event stream: %w", ctx.Err())
	}
	return nil, fmt.Errorf("embedding event stream ended without a dense_embedding event")
}

func parseEmbeddingPayload(data string) ([]float32, error) {
	var payload embeddingPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse the dense_embedding payload: %w", err)
	}
	if len(payload.Vector) == 0 {
		return nil, fmt.Errorf("dense_embedding event carried an empty vector")
	}
	if payload.Dim > 0 && payload.Dim != len(payload.Vector) {
		return nil, fmt.Errorf("dense_embedding payload dim %d does not match vector length %d",
			payload.Dim, len(payload.Vector))
	}
	return payload.Vector, nil
}

// BatchEmbed computes unit-length embeddings for multiple texts in one call.
//
// # Description
//
// Sends the texts as a single /batch_embed request; the service answers with
// plain JSON rather than an event stream. Every returned vector is
// L2-normalized and dimension-checked exactly like Embed's.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - texts: The texts to embed. Must be non-empty.
//
// # Outputs
//
//   - [][]float32: One unit-length vector per input text, in input order.
//   - error: Non-nil on transport failure or a count/dimension mismatch.
func (c *Client) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "EmbeddingClient.BatchEmbed")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.batch_size", len(texts)))

	reqBodyBytes, err := json.Marshal(batchEmbedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the batch embedding request: %w", err)
	}

	batchURL := c.baseURL + "/batch_embed"
	req, err := http.NewRequestWithContext(ctx, "POST", batchURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create the batch embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read the embedding service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var batchResp batchEmbedResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		return nil, fmt.Errorf("failed to parse the batch embedding response: %w", err)
	}
	if len(batchResp.Vectors) != len(texts) {
		err := fmt.Errorf("embedding service returned %d vectors for %d texts",
			len(batchResp.Vectors), len(texts))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i := range batchResp.Vectors {
		if err := c.finishVector(batchResp.Vectors[i]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
	}
	span.SetAttributes(attribute.Int("embedding.dim", len(batchResp.Vectors[0])))
	return batchResp.Vectors, nil
}

// Health checks that the embeddings service is reachable and ready.
//
// # Outputs
//
//   - error: Non-nil if the service is unreachable, unhealthy, or not ready.
func (c *Client) Health(ctx context.Context) error {
	if ctx == nil {
		return ErrInvalidInput
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create the health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding service unhealthy: status %d: %s", resp.StatusCode, string(body))
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to parse the health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("embedding service not ready: %s", health.Status)
	}
	return nil
}

// Dim reports the embedding dimension, or 0 before the first successful call
// when no EMBEDDING_DIM hint was set.
func (c *Client) Dim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// finishVector normalizes a raw vector in place and checks it against the
// fixed dimension.
func (c *Client) finishVector(vector []float32) error {
	if err := normalizeL2(vector); err != nil {
		return err
	}
	return c.checkDim(len(vector))
}

// checkDim fixes the dimension on first use and rejects later drift.
func (c *Client) checkDim(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dim == 0 {
		c.dim = n
		return nil
	}
	if n != c.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, c.dim)
	}
	return nil
}

// normalizeL2 scales the vector in place to unit length.
func normalizeL2(vector []float32) error {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return fmt.Errorf("cannot normalize a zero vector")
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) * inv)
	}
	return nil
}
