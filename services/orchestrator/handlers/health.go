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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// healthProbeTimeout bounds each dependency check so a wedged backend
// cannot stall the health endpoint.
const healthProbeTimeout = 2 * time.Second

// HealthProbe checks one dependency. A nil error means healthy.
type HealthProbe func(ctx context.Context) error

// HealthHandler serves GET /health. It reports the service version and a
// per-dependency status map; degraded dependencies do not fail the endpoint
// because the service keeps answering in reduced modes without them.
type HealthHandler struct {
	version string
	probes  map[string]HealthProbe
	tracer  trace.Tracer
}

// NewHealthHandler builds the health surface. Probes for absent
// dependencies should simply be omitted; the response then reports the
// component as "disabled".
func NewHealthHandler(version string, probes map[string]HealthProbe) *HealthHandler {
	return &HealthHandler{
		version: version,
		probes:  probes,
		tracer:  otel.Tracer("engram.orchestrator.handlers.health"),
	}
}

// knownComponents lists every dependency the response always mentions,
// probed or not, so clients can tell "disabled" from "missing".
var knownComponents = []string{"vectorstore", "embedding", "store", "llm"}

// Check handles GET /health.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HealthCheck")
	defer span.End()

	components := make(map[string]string, len(knownComponents))
	for _, name := range knownComponents {
		components[name] = "disabled"
	}

	healthy := true
	for name, probe := range h.probes {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			components[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	span.SetAttributes(attribute.String("health.status", status))

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}
