package pipemux

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the JSON-RPC version tag carried by every frame.
const ProtocolVersion = "2.0"

// Methods every worker must answer.
const (
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
)

// Message is one wire frame: a request when Method is set, a response when
// Result or Error is set. Exactly one frame travels per line.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the error member of a response frame.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes used by the worker-side server.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// IsResponse reports whether the frame carries a result or error member.
func (m *Message) IsResponse() bool {
	return m.Result != nil || m.Error != nil
}

// NewRequest builds a request frame with marshaled params.
func NewRequest(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: ProtocolVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response frame for the given request id.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: ProtocolVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response frame for the given request id.
func NewErrorResponse(id int64, code int, message string) *Message {
	return &Message{
		JSONRPC: ProtocolVersion,
		ID:      id,
		Error:   &WireError{Code: code, Message: message},
	}
}

// maxLineBytes bounds a single frame (DoS protection).
const maxLineBytes = 10 * 1024 * 1024

// EncodeLine serializes a frame to a single newline-terminated line.
func EncodeLine(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one line into a frame. The line must be a single JSON
// object with the right version tag; anything else is a MalformedMessageError.
func DecodeLine(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, &MalformedMessageError{Reason: "empty line"}
	}
	if len(line) > maxLineBytes {
		return nil, &MalformedMessageError{
			Reason: fmt.Sprintf("line length %d exceeds limit %d", len(line), maxLineBytes),
		}
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &MalformedMessageError{Reason: "undecodable line", Err: err}
	}
	if msg.JSONRPC != ProtocolVersion {
		return nil, &MalformedMessageError{
			Reason: fmt.Sprintf("unexpected jsonrpc version %q", msg.JSONRPC),
		}
	}
	return &msg, nil
}

// CallToolParams is the params object of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ReadResourceParams is the params object of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ListToolsResult is the result shape of tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ListResourcesResult is the result shape of resources/list.
type ListResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
}

// ToolInfo describes one callable operation as reported by a worker.
// InputSchema stays an open map: workers declare arbitrary parameter shapes.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceInfo describes one readable resource as reported by a worker.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}
