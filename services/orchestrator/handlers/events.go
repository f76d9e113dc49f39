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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/EngramAI/EngramLocal/services/events"
)

// eventsBacklog is how many recent events a freshly connected dashboard
// receives before live delivery starts.
const eventsBacklog = 50

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// EventsHandler bridges the in-process event bus onto a WebSocket for
// dashboard clients. Each connection gets its own bus subscription; a slow
// dashboard loses events (the bus never blocks publishers) and a dead one
// is reaped by its failed write.
type EventsHandler struct {
	bus *events.Bus
}

// NewEventsHandler wires the dashboard bridge.
func NewEventsHandler(bus *events.Bus) *EventsHandler {
	if bus == nil {
		panic("NewEventsHandler: bus must not be nil")
	}
	return &EventsHandler{bus: bus}
}

// Handle upgrades GET /v1/events/ws and streams events. The optional
// ?type=<kind> query narrows the subscription; default is everything.
func (h *EventsHandler) Handle(c *gin.Context) {
	kind := events.KindAll
	if v := c.Query("type"); v != "" {
		kind = events.Kind(v)
	}

	ws, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Events socket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	// Replay the ring so a late dashboard is not blank, then go live. The
	// subscription starts before the replay writes, so events published
	// during the replay are delivered afterward rather than lost; a rare
	// duplicate at the boundary is harmless for a dashboard.
	id, ch := h.bus.Subscribe(kind)
	defer h.bus.Unsubscribe(id)

	for _, evt := range h.bus.Recent(eventsBacklog) {
		if kind != events.KindAll && evt.Type != kind {
			continue
		}
		if err := writeEvent(ws, evt); err != nil {
			return
		}
	}

	// The read loop only exists to notice the disconnect; dashboards send
	// nothing meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(ws, evt); err != nil {
				slog.Debug("Events socket write failed, dropping client",
					slog.String("error", err.Error()))
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, evt events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteJSON(evt)
}
