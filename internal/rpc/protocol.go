// Package rpc is the MCP front door: JSON-RPC 2.0 over HTTP plus the SDK
// stdio and streamable transports.
package rpc

import (
	"encoding/json"
	"strings"
)

const (
	jsonRPCVersion = "2.0"

	// DefaultProtocolVersion is negotiated when the client proposes none.
	DefaultProtocolVersion = "2024-11-05"

	// ServerName is reported in serverInfo and the service info document.
	ServerName = "Radare2 MCP Server"

	maxBodySize = 10 * 1024 * 1024
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response always carries an id; null when the request had none or could
// not be parsed.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error is returned by method handlers to produce a JSON-RPC error.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func invalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

func isNotification(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}

var nullID = json.RawMessage("null")

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}
