// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/pkg/extensions"
	"github.com/EngramAI/EngramLocal/services/chunker"
	"github.com/EngramAI/EngramLocal/services/events"
	"github.com/EngramAI/EngramLocal/services/history"
	"github.com/EngramAI/EngramLocal/services/llm"
	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/orchestrator/middleware"
	"github.com/EngramAI/EngramLocal/services/orchestrator/observability"
	"github.com/EngramAI/EngramLocal/services/orchestrator/services"
	"github.com/EngramAI/EngramLocal/services/policy_engine"
	"github.com/EngramAI/EngramLocal/services/ratelimit"
	"github.com/EngramAI/EngramLocal/services/tasks"
	"github.com/EngramAI/EngramLocal/services/usage"
	"github.com/EngramAI/EngramLocal/services/vectorstore"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the keepalive cadence. 15s stays well under
	// typical LB idle timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// defaultDrainTimeout bounds how long a stream keeps draining the
	// model after the client disconnects, so the turn can still persist.
	defaultDrainTimeout = 120 * time.Second

	// persistTaskTimeout bounds the background turn persist, which embeds
	// chunks before writing them.
	persistTaskTimeout = 90 * time.Second

	// chunkSentences and chunkOverlap shape the sentence windows persisted
	// to the vector store for each side of a turn.
	chunkSentences = 4
	chunkOverlap   = 1
)

// =============================================================================
// Dependencies
// =============================================================================

// Streamer is the slice of the model client the chat handler needs.
type Streamer interface {
	StreamCompletion(ctx context.Context, prompt string, params llm.GenerationParams) (<-chan string, error)
}

// SessionWriter appends persisted messages; the badger store satisfies it.
type SessionWriter interface {
	AppendMessage(ctx context.Context, sessionID, userID, role, content string) error
}

// EntryWriter persists memory entries; the weaviate store satisfies it.
type EntryWriter interface {
	Use(ctx context.Context, tenantID string) (vectorstore.CollectionHandle, error)
	AddEntries(ctx context.Context, h vectorstore.CollectionHandle, entries []datatypes.MemoryEntry) ([]string, error)
}

// StreamingChatHandler answers POST /chat with an SSE token stream.
type StreamingChatHandler interface {
	HandleChatStream(c *gin.Context)
}

type streamingChatHandler struct {
	retrieval    *services.ChatRetrievalService
	llm          Streamer
	turns        *history.Cache
	sessions     SessionWriter
	vectors      EntryWriter
	queue        *tasks.Queue
	bus          *events.Bus
	scanner      *policy_engine.PolicyEngine
	usage        usage.Recorder
	tracer       trace.Tracer
	drainTimeout time.Duration
}

// NewStreamingChatHandler wires the chat surface.
//
// retrieval, streamer, turns, sessions, and queue are required. vectors
// is optional: without a vector store the turn still persists to the
// session store, it just stops being retrievable as memory. bus, scanner,
// and rec are optional.
func NewStreamingChatHandler(
	retrieval *services.ChatRetrievalService,
	streamer Streamer,
	turns *history.Cache,
	sessions SessionWriter,
	vectors EntryWriter,
	queue *tasks.Queue,
	bus *events.Bus,
	scanner *policy_engine.PolicyEngine,
	rec usage.Recorder,
) StreamingChatHandler {
	if retrieval == nil {
		panic("NewStreamingChatHandler: retrieval service must not be nil")
	}
	if streamer == nil {
		panic("NewStreamingChatHandler: streamer must not be nil")
	}
	if turns == nil {
		panic("NewStreamingChatHandler: history cache must not be nil")
	}
	if sessions == nil {
		panic("NewStreamingChatHandler: session store must not be nil")
	}
	if queue == nil {
		panic("NewStreamingChatHandler: task queue must not be nil")
	}

	return &streamingChatHandler{
		retrieval:    retrieval,
		llm:          streamer,
		turns:        turns,
		sessions:     sessions,
		vectors:      vectors,
		queue:        queue,
		bus:          bus,
		scanner:      scanner,
		usage:        rec,
		tracer:       otel.Tracer("engram.orchestrator.handlers.chat_streaming"),
		drainTimeout: drainTimeoutFromEnv(),
	}
}

// drainTimeoutFromEnv reads CHAT_DRAIN_TIMEOUT_SECONDS, defaulting to 120.
func drainTimeoutFromEnv() time.Duration {
	if v := os.Getenv("CHAT_DRAIN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultDrainTimeout
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatStream processes POST /chat.
//
// # Description
//
// The flow is:
//  1. Bind and validate the request; generate a thread id when absent.
//  2. Resolve the effective user against the authenticated identity.
//  3. Scan the message for sensitive-data patterns (logged, not blocked).
//  4. Set SSE headers, start the keepalive heartbeat.
//  5. Build the turn context (two-stage retrieval + history window).
//  6. Stream model tokens as {"type":"token"} frames, accumulating them
//     in locked memory.
//  7. On upstream close: emit the rag_results frame, then the done frame
//     with the scrubbed full response, then enqueue the background persist
//     (history cache + session store + sentence chunks into the vector
//     store under the user's chat tenant).
//
// A client disconnect does not stop the model read: the stream keeps
// draining into the accumulator under the drain budget so the persist
// still happens. Draining past the budget abandons the turn with a log
// and a metric.
//
// # Outputs
//
// SSE frames on success; before streaming starts, plain JSON errors:
//   - 400 invalid body or validation failure
//   - 403 authenticated caller addressing another user's id
//   - 500 SSE unsupported by the connection
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	start := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
		}
	}()

	// Step 1: bind and validate.
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrResult("invalid request body"))
		return
	}

	// Step 2: effective identity. An authenticated caller may omit user_id
	// (it is implied) but may not speak as someone else.
	info := middleware.GetAuthInfo(c)
	if info != nil {
		if req.UserID == "" {
			req.UserID = info.UserID
		} else if req.UserID != info.UserID {
			span.SetStatus(codes.Error, "user mismatch")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			c.JSON(http.StatusForbidden, datatypes.ErrResult("user_id does not match the authenticated identity"))
			return
		}
	}

	threadGenerated := false
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
		threadGenerated = true
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrResult(err.Error()))
		return
	}
	span.SetAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("user.id", req.UserID),
		attribute.String("mode", req.Mode),
		attribute.Bool("use_file_rag", req.UseFileRAG),
	)

	// Step 3: sensitive-data scan. Findings are logged and attached to the
	// audit event; the message still goes through.
	var findingTypes []string
	if h.scanner != nil {
		if findings := h.scanner.ScanFileContent(req.Message); len(findings) > 0 {
			findingTypes = scanFindingTypes(findings)
			slog.Warn("Chat message matched sensitive-data patterns",
				slog.String("thread_id", req.ThreadID),
				slog.Int("findings", len(findings)),
				slog.Any("types", findingTypes))
		}
	}

	// Step 4: switch the connection to SSE. The generated thread id rides
	// a header because frames only carry turn content.
	if threadGenerated {
		c.Header("X-Thread-Id", req.ThreadID)
	}
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("streaming not supported"))
		return
	}

	if threadGenerated {
		h.publish(events.Event{
			Type:     events.KindSessionStarted,
			TenantID: req.UserID,
			Data:     map[string]any{"thread_id": req.ThreadID, "implicit": true},
		})
	}

	// Heartbeat covers both the (possibly slow) retrieval and the stream.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(c.Request.Context(), writer, endpoint, heartbeatDone)
	heartbeatStopped := false
	stopHeartbeat := func() {
		if !heartbeatStopped {
			close(heartbeatDone)
			heartbeatStopped = true
		}
	}
	defer stopHeartbeat()

	// Step 5: turn context.
	tc, err := h.retrieval.BuildTurnContext(ctx, req.UserID, req.ThreadID, req.Message, req.Mode, req.UseFileRAG)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		slog.Error("Turn context retrieval failed",
			slog.String("thread_id", req.ThreadID),
			slog.String("error", err.Error()))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRetrieval)
		}
		_ = writer.WriteError("failed to retrieve context")
		return
	}
	span.SetAttributes(attribute.Int("rag.sources_count", len(tc.Sources)))

	h.publish(events.Event{
		Type:     events.KindMemorySearched,
		TenantID: req.UserID,
		Data: map[string]any{
			"thread_id":       req.ThreadID,
			"results":         len(tc.Evidence),
			"policy_findings": findingTypes,
		},
	})

	// Step 6: stream. The model read deliberately survives the request
	// context so a disconnect cannot cut off the persist mid-answer.
	prompt := h.retrieval.Prompt(tc, req.Message, req.Mode)
	llmCtx, cancelLLM := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLLM()

	upstream, err := h.llm.StreamCompletion(llmCtx, prompt, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		_ = writer.WriteError("model backend unavailable")
		return
	}

	acc, accErr := NewTokenAccumulator()
	if accErr != nil {
		// The stream still serves the user; only persistence is lost.
		slog.Warn("Token accumulator unavailable, turn will not be persisted",
			slog.String("thread_id", req.ThreadID),
			slog.String("error", accErr.Error()))
	}
	defer func() {
		if acc != nil {
			acc.Destroy()
		}
	}()

	outcome := h.pumpStream(c, span, writer, upstream, acc, cancelLLM, start)

	stopHeartbeat()

	defer func() { h.recordUsage(info, req.Message, outcome, start) }()

	if outcome.abandoned {
		span.SetStatus(codes.Error, "drain budget exhausted")
		slog.Warn("Abandoning turn persist, model stalled past drain budget",
			slog.String("thread_id", req.ThreadID),
			slog.Int("tokens", outcome.tokens))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeTimeout)
			m.RecordPersistFailure("drain")
		}
		return
	}

	// Step 7: finalize and close out the turn.
	answer := ""
	if acc != nil {
		raw, digest, finErr := acc.Finalize()
		if finErr != nil {
			slog.Warn("Accumulator finalize failed, turn will not be persisted",
				slog.String("thread_id", req.ThreadID),
				slog.String("error", finErr.Error()))
		} else {
			// Final sweep: no backend stop tokens in persisted or done text.
			answer = llm.ScrubResponse(raw)
			span.SetAttributes(attribute.String("turn.digest", digest))
		}
	}
	outcome.answer = answer

	if outcome.tokens == 0 {
		// Exhausted upstream: the resilient client closed without a
		// single fragment.
		span.SetStatus(codes.Error, "empty model stream")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		if !outcome.clientGone {
			_ = writer.WriteError("the model returned no response, please retry")
		}
		return
	}

	if !outcome.clientGone {
		if err := writer.WriteRAGResults(tc.Sources); err != nil {
			span.RecordError(err)
			outcome.clientGone = true
		}
	}
	if !outcome.clientGone {
		if err := writer.WriteDone(answer); err != nil {
			span.RecordError(err)
			outcome.clientGone = true
		}
	}

	if answer != "" {
		h.enqueuePersist(req.UserID, req.ThreadID, req.Message, answer)
	}

	success = true
	outcome.success = true
	span.SetStatus(codes.Ok, "stream completed")
}

// streamOutcome summarizes one pump run for the bookkeeping that follows.
type streamOutcome struct {
	tokens     int
	clientGone bool
	abandoned  bool
	success    bool
	answer     string
}

// pumpStream moves fragments from the model channel to the SSE writer and
// the accumulator until the channel closes or the drain budget expires.
//
// While the client is connected every fragment is both accumulated and
// written. After a disconnect the writes stop but the accumulation
// continues, bounded by drainTimeout; past the budget the model context is
// cancelled, which closes the channel upstream.
func (h *streamingChatHandler) pumpStream(
	c *gin.Context,
	span spanRecorder,
	writer SSEWriter,
	upstream <-chan string,
	acc TokenAccumulator,
	cancelLLM context.CancelFunc,
	start time.Time,
) streamOutcome {
	endpoint := observability.EndpointChatStream
	var out streamOutcome
	var drainC <-chan time.Time
	reqDone := c.Request.Context().Done()
	firstToken := time.Time{}

	disconnect := func() {
		out.clientGone = true
		reqDone = nil
		drainC = time.After(h.drainTimeout)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
		slog.Info("Client disconnected mid-stream, draining for persist",
			slog.Int("tokens_so_far", out.tokens))
	}

	for upstream != nil {
		select {
		case frag, ok := <-upstream:
			if !ok {
				upstream = nil
				break
			}
			if firstToken.IsZero() {
				firstToken = time.Now()
				if m := observability.DefaultMetrics; m != nil {
					m.RecordTimeToFirstToken(endpoint, firstToken.Sub(start).Seconds())
				}
				span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds",
					firstToken.Sub(start).Seconds()))
			}
			out.tokens++
			if acc != nil {
				if err := acc.Write(frag); err != nil {
					slog.Warn("Failed to accumulate fragment",
						slog.String("accumulator_id", acc.ID()),
						slog.String("error", err.Error()))
				}
			}
			if !out.clientGone {
				if err := writer.WriteToken(frag); err != nil {
					disconnect()
				}
			}

		case <-reqDone:
			disconnect()

		case <-drainC:
			out.abandoned = true
			drainC = nil
			cancelLLM()
			// The loop exits when the cancelled channel closes.
		}
	}

	span.SetAttributes(attribute.Int("stream.token_count", out.tokens))
	return out
}

// spanRecorder is the slice of trace.Span the pump needs.
type spanRecorder interface {
	SetAttributes(kv ...attribute.KeyValue)
}

// runHeartbeat writes an SSE comment every heartbeatInterval until done
// closes or the client goes away. Write failures are logged and tolerated;
// the token loop notices the dead connection on its own.
func (h *streamingChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed", slog.String("error", err.Error()))
				continue
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Turn Persistence
// =============================================================================

// enqueuePersist hands the completed turn to the background queue. A full
// queue drops the turn; the user already has their answer, so the loss is
// logged and counted rather than surfaced.
func (h *streamingChatHandler) enqueuePersist(userID, threadID, message, answer string) {
	ok := h.queue.Enqueue(tasks.Task{
		Name:    "chat.persist_turn",
		Timeout: persistTaskTimeout,
		Run: func(ctx context.Context) error {
			return h.persistTurn(ctx, userID, threadID, message, answer)
		},
	})
	if !ok {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTaskDrop()
			m.RecordPersistFailure("enqueue")
		}
	}
}

// persistTurn writes both sides of the exchange: user then assistant into
// the history cache and the session store, then sentence chunks of both
// sides into the vector store under the user's chat tenant.
func (h *streamingChatHandler) persistTurn(ctx context.Context, userID, threadID, message, answer string) error {
	now := time.Now().UTC()

	h.turns.Append(userID, threadID, datatypes.ChatMessage{
		SessionID: threadID,
		UserID:    userID,
		Role:      datatypes.RoleHuman,
		Content:   message,
		Timestamp: now,
	})
	if err := h.sessions.AppendMessage(ctx, threadID, userID, datatypes.RoleHuman, message); err != nil {
		h.turns.Forget(userID, threadID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordPersistFailure("user")
		}
		return err
	}

	h.turns.Append(userID, threadID, datatypes.ChatMessage{
		SessionID: threadID,
		UserID:    userID,
		Role:      datatypes.RoleLLM,
		Content:   answer,
		Timestamp: now,
	})
	if err := h.sessions.AppendMessage(ctx, threadID, userID, datatypes.RoleLLM, answer); err != nil {
		h.turns.Forget(userID, threadID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordPersistFailure("assistant")
		}
		return err
	}

	if h.vectors == nil {
		slog.Debug("Vector store absent, turn persisted to session store only",
			slog.String("thread_id", threadID))
		return nil
	}

	entries := chunkTurn(message, answer, now)
	if len(entries) == 0 {
		return nil
	}

	handle, err := h.vectors.Use(ctx, h.retrieval.ChatTenant(userID))
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordPersistFailure("chunks")
		}
		return err
	}
	if _, err := h.vectors.AddEntries(ctx, handle, entries); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordPersistFailure("chunks")
		}
		return err
	}

	h.publish(events.Event{
		Type:     events.KindMemoryAdded,
		TenantID: userID,
		Data: map[string]any{
			"thread_id": threadID,
			"chunks":    len(entries),
			"source":    "dialogue",
		},
	})
	return nil
}

// chunkTurn converts both sides of a turn into memory entries: sentence
// windows, episodic, stamped with the turn time. Vectors are left empty;
// the store embeds them on write.
func chunkTurn(message, answer string, ts time.Time) []datatypes.MemoryEntry {
	stamp := ts.Format(time.RFC3339)
	var entries []datatypes.MemoryEntry
	for _, text := range []string{message, answer} {
		for _, window := range chunker.SentenceWindows(text, chunkSentences, chunkOverlap) {
			entries = append(entries, datatypes.MemoryEntry{
				LosslessRestatement: window,
				Timestamp:           stamp,
				MemoryType:          datatypes.MemoryTypeEpisodic,
				Source:              "dialogue",
			})
		}
	}
	return entries
}

// =============================================================================
// Helpers
// =============================================================================

// publish forwards an event when a bus is wired.
func (h *streamingChatHandler) publish(evt events.Event) {
	if h.bus != nil {
		h.bus.Publish(evt)
	}
}

// recordUsage reports the turn's consumption. Token counts are the same
// size estimate admission control uses.
func (h *streamingChatHandler) recordUsage(info *extensions.AuthInfo, message string, out streamOutcome, start time.Time) {
	if h.usage == nil {
		return
	}
	status := "error"
	if out.success {
		status = "ok"
	}
	keyID := ""
	if info != nil {
		keyID = info.KeyID
	}
	h.usage.Record(usage.Point{
		KeyID:    keyID,
		Surface:  "chat",
		Status:   status,
		Tokens:   ratelimit.EstimateTokens(message) + ratelimit.EstimateTokens(out.answer),
		Duration: time.Since(start),
	})
}

// scanFindingTypes collapses scanner findings to their classification names
// for logs and audit events.
func scanFindingTypes(findings []policy_engine.ScanFinding) []string {
	seen := make(map[string]bool, len(findings))
	var types []string
	for _, f := range findings {
		if !seen[f.ClassificationName] {
			seen[f.ClassificationName] = true
			types = append(types, f.ClassificationName)
		}
	}
	return types
}
