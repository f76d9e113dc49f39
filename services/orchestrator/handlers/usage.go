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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EngramAI/EngramLocal/services/orchestrator/datatypes"
	"github.com/EngramAI/EngramLocal/services/usage"
)

// usageDefaultWindow is the trailing window when the caller does not name one.
const usageDefaultWindow = 24 * time.Hour

// usageMaxWindow bounds how far back a summary query may reach.
const usageMaxWindow = 30 * 24 * time.Hour

// UsageHandler serves GET /v1/usage/summary over whatever Recorder the
// deployment configured. With no Influx backend the nop recorder answers
// with an empty list, so the route stays live either way.
type UsageHandler struct {
	recorder usage.Recorder
	tracer   trace.Tracer
}

func NewUsageHandler(recorder usage.Recorder) *UsageHandler {
	if recorder == nil {
		recorder = usage.NopRecorder{}
	}
	return &UsageHandler{
		recorder: recorder,
		tracer:   otel.Tracer("engram.orchestrator.handlers.usage"),
	}
}

// Summary handles GET /v1/usage/summary?window=<duration>. The window is a
// Go duration string ("1h", "72h"); it defaults to a day and is clamped to
// thirty days.
func (h *UsageHandler) Summary(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "UsageSummary")
	defer span.End()

	window := usageDefaultWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			span.SetStatus(codes.Error, "invalid window")
			c.JSON(http.StatusBadRequest, datatypes.ErrResult("window must be a positive duration such as 1h or 24h"))
			return
		}
		window = parsed
	}
	if window > usageMaxWindow {
		window = usageMaxWindow
	}

	rows, err := h.recorder.Summary(ctx, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summary query failed")
		c.JSON(http.StatusInternalServerError, datatypes.ErrResult("failed to query usage"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window_seconds": int64(window.Seconds()),
		"keys":           rows,
	})
}
