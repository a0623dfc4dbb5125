package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
)

// RequestID identifies a JSON-RPC request. It holds the raw JSON form of the id, so numeric ids are
// echoed back as numbers and string ids as strings, as the JSON-RPC specification requires. The zero
// value means "no id" and marks the message as a notification.
type RequestID string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the protocol.
// Which fields are set tells its kind:
//   - request: ID and Method, Params optional
//   - response: ID and one of Result or Error
//   - notification: Method without ID
type JSONRPCMessage struct {
	// JSONRPC is always "2.0"; other values are dropped by the server.
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// parseErrorMessage is the reply to a message that could not be decoded. Its id is always null.
type parseErrorMessage struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      *RequestID   `json:"id"`
	Error   JSONRPCError `json:"error"`
}

// JSONRPCError is the error member of a response.
// It is the only shape in which registry and session failures reach the wire.
type JSONRPCError struct {
	// Code is one of the JSON-RPC codes, -32002 for requests before the handshake.
	Code int `json:"code"`

	// Message provides a short, human-readable description of the error.
	Message string `json:"message"`

	// Data carries structured detail such as the tool name or missing fields.
	Data map[string]any `json:"data,omitempty"`
}

// ListToolsParams are the tools/list params.
type ListToolsParams struct {
	// Cursor is accepted for compatibility with paginating clients. The registry returns every tool
	// in one page, so it is ignored.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is the discovery payload: every registered tool in registration order.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the tools/call params.
type CallToolParams struct {
	// Name selects the registered tool.
	Name string `json:"name"`

	// Arguments maps field names to values. They must satisfy the tool's InputSchema.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
// IsError indicates whether the handler failed, with a safe description in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ServerCapabilities represents server capabilities advertised during the handshake.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities. The server does not require any of them,
// but keeps what the client sent for logging.
type ClientCapabilities struct {
	Roots    map[string]any `json:"roots,omitempty"`
	Sampling map[string]any `json:"sampling,omitempty"`
}

// ToolsCapability is advertised when the server has tools. The list never changes at runtime.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Info names a server or client in the handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Content is one item of a tool result.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// ContentType represents the type of content in tool results.
type ContentType string

// Tool is the wire form of a tool definition: what tools/list returns for each registered tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ContentTypeText is the only content kind produced by the registry.
const ContentTypeText ContentType = "text"

const (
	// JSONRPCVersion is the only accepted jsonrpc member value.
	JSONRPCVersion = "2.0"

	// MethodToolsList lists the registered tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes one tool.
	MethodToolsCall = "tools/call"

	// LatestProtocolVersion is the protocol version the client proposes.
	LatestProtocolVersion = "2024-11-05"

	methodPing                     = "ping"
	methodInitialize               = "initialize"
	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
	jsonRPCNotInitializedCode = -32002
)

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26"}

// NumberID returns a numeric RequestID.
func NumberID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// StringID returns a string RequestID.
func StringID(s string) RequestID {
	bs, _ := json.Marshal(s)
	return RequestID(bs)
}

// String returns the id without JSON quoting, for logs.
func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal([]byte(id), &s); err == nil {
		return s
	}
	return string(id)
}

// UnmarshalJSON implements json.Unmarshaler. Only strings and numbers are accepted; null leaves the
// id empty.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v.(type) {
	case string, float64:
		*id = RequestID(data)
	default:
		return errors.Newf("invalid request id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, writing the id in its original JSON form.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// TextResult builds a successful CallToolResult carrying a single text item.
func TextResult(text string) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: text}},
	}
}

// TextResultf is TextResult with fmt.Sprintf formatting.
func TextResultf(format string, args ...any) CallToolResult {
	return TextResult(fmt.Sprintf(format, args...))
}
