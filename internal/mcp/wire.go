package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol revision sent in the handshake.
const ProtocolVersion = "2024-11-05"

// JSON-RPC methods the manager speaks.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	MethodToolsCall   = "tools/call"
)

// request is an outbound JSON-RPC message. A nil ID makes it a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC message. Messages without an ID are
// server-initiated notifications and are not answers to anything.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// initializeParams is the handshake payload.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolCallParams is the params shape of a tools/call request. Name carries
// the bare action; the subprocess does not know namespace prefixes.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
