// Copyright (C) 2025 Engram AI (engineering@engram.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the memory service.
//
// This file contains the tool-gateway envelope shared by the HTTP and
// WebSocket transports. The catalog itself lives in the gateway service;
// these are only the wire shapes.
package datatypes

// =============================================================================
// Tool Catalog Names
// =============================================================================

const (
	ToolCreateAgent      = "create_agent"
	ToolListAgents       = "list_agents"
	ToolDeleteAgent      = "delete_agent"
	ToolSearchMemory     = "search_memory"
	ToolAddMemoryDirect  = "add_memory_direct"
	ToolAutoRemember     = "auto_remember"
	ToolGetContextAnswer = "get_context_answer"
	ToolSessionStart     = "session_start"
	ToolSessionEnd       = "session_end"
	ToolAgentStats       = "agent_stats"
)

// =============================================================================
// Standard Error Messages
// =============================================================================

// Error strings returned verbatim on the tool surface. Clients match on
// these, so they are stable.
const (
	ErrMsgAPIKeyRequired    = "API key required"
	ErrMsgInvalidAPIKey     = "Invalid API key"
	ErrMsgAPIKeyNotActive   = "API key is not active"
	ErrMsgRateLimitExceeded = "rate limit exceeded"
)

// =============================================================================
// Tool Envelope
// =============================================================================

// ToolInfo describes one callable tool: a human-readable description and a
// JSON-schema-shaped parameter contract.
type ToolInfo struct {
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolRPCRequest is one WebSocket RPC from a gateway client. Action selects
// among get_tools, call_tool, and get_instructions; Tool and Arguments are
// only read for call_tool. RPCID is echoed back so clients can multiplex.
type ToolRPCRequest struct {
	RPCID     string         `json:"rpc_id,omitempty"`
	Action    string         `json:"action"`
	APIKey    string         `json:"api_key,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Gateway RPC actions.
const (
	ActionGetTools        = "get_tools"
	ActionCallTool        = "call_tool"
	ActionGetInstructions = "get_instructions"
)

// ToolResult is the uniform response envelope for both transports. OK is
// false exactly when Error is set.
type ToolResult struct {
	RPCID  string `json:"rpc_id,omitempty"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OkResult wraps a successful tool return.
func OkResult(result any) ToolResult {
	return ToolResult{OK: true, Result: result}
}

// ErrResult wraps a failed tool return.
func ErrResult(message string) ToolResult {
	return ToolResult{OK: false, Error: message}
}

// GetToolsResponse is the result payload of get_tools.
type GetToolsResponse struct {
	Tools map[string]ToolInfo `json:"tools"`
}
