// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/EngramAI/EngramLocal/pkg/ux"
)

var eventsType string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Observe the server's live event stream",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream events as they happen",
	Long: `Connects to the server's event WebSocket and prints events as they
arrive. In a terminal this runs an interactive scrollback view (q to quit);
piped or with --plain it emits one JSON object per line.`,
	RunE: runEventsTail,
}

func init() {
	eventsTailCmd.Flags().StringVar(&eventsType, "type", "", "only show events of this type")
	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}

// wireEvent mirrors the server's event envelope.
type wireEvent struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func dialEvents() (*websocket.Conn, error) {
	client := newClient()
	wsURL := strings.Replace(client.base, "http", "ws", 1) + "/v1/events/ws"
	if eventsType != "" {
		wsURL += "?type=" + eventsType
	}

	header := http.Header{}
	if client.token != "" {
		header.Set("Authorization", "Bearer "+client.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	return conn, nil
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	conn, err := dialEvents()
	if err != nil {
		return err
	}
	defer conn.Close()

	if ux.Plain() || !isatty.IsTerminal(os.Stdout.Fd()) {
		return tailPlain(conn)
	}
	return tailInteractive(conn)
}

// tailPlain emits one JSON object per line until the connection drops or
// the process is interrupted.
func tailPlain(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fmt.Println(string(json.RawMessage(raw)))
	}
}

// =============================================================================
// Interactive view
// =============================================================================

type eventMsg wireEvent

type streamClosedMsg struct{ err error }

var (
	tailTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ux.ColorAmberBright)
	tailKindStyle  = lipgloss.NewStyle().Foreground(ux.ColorAmberPrimary).Width(18)
	tailTimeStyle  = lipgloss.NewStyle().Foreground(ux.ColorGraphite)
	tailFootStyle  = lipgloss.NewStyle().Foreground(ux.ColorGraphite)
)

type tailModel struct {
	viewport viewport.Model
	lines    []string
	ready    bool
	follow   bool
	closed   bool
	err      error
}

func (m tailModel) Init() tea.Cmd {
	return nil
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		return m, nil

	case eventMsg:
		m.lines = append(m.lines, renderEventLine(wireEvent(msg)))
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if m.follow {
			m.viewport.GotoBottom()
		}
		return m, nil

	case streamClosedMsg:
		m.closed = true
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	// Manual scrolling implies the operator is reading; stop following.
	if !m.viewport.AtBottom() {
		m.follow = false
	}
	return m, cmd
}

func (m tailModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	header := tailTitleStyle.Render("engram events") + "\n"
	footer := tailFootStyle.Render(fmt.Sprintf(
		"%d events · f follow (%v) · q quit", len(m.lines), m.follow))
	if m.closed {
		note := "stream closed"
		if m.err != nil {
			note = "stream error: " + m.err.Error()
		}
		footer = tailFootStyle.Render(note + " · q quit")
	}
	return header + m.viewport.View() + "\n" + footer
}

func renderEventLine(evt wireEvent) string {
	ts := evt.Timestamp.Local().Format("15:04:05")
	line := tailTimeStyle.Render(ts) + " " + tailKindStyle.Render(evt.Type)
	if evt.TenantID != "" {
		line += " " + evt.TenantID
	}
	if len(evt.Data) > 0 {
		if raw, err := json.Marshal(evt.Data); err == nil {
			line += " " + string(raw)
		}
	}
	return line
}

func tailInteractive(conn *websocket.Conn) error {
	model := tailModel{follow: true}
	program := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		for {
			var evt wireEvent
			if err := conn.ReadJSON(&evt); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					program.Send(streamClosedMsg{})
				} else {
					program.Send(streamClosedMsg{err: err})
				}
				return
			}
			program.Send(eventMsg(evt))
		}
	}()

	_, err := program.Run()
	return err
}
