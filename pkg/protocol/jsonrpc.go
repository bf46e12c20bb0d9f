// Package protocol defines the wire types for the dispatch runtime: the
// JSON-RPC 2.0 message envelope, the handshake exchange, and the parameter
// and result structures for every capability method.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only supported JSON-RPC version.
const JSONRPCVersion = "2.0"

// Message is the decoded form of one inbound or outbound wire message. The
// correlation id is the JSON-RPC id, echoed back verbatim on responses.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message is a call expecting a response.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != "" && m.Result == nil && m.Error == nil
}

// IsNotification reports whether the message is a one-way notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Decode parses one raw wire message and checks the envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, fmt.Errorf("message is neither request, notification nor response")
	}
	return &msg, nil
}

// Error is the JSON-RPC error object carried on error responses.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorData carries the machine-readable supplement on error responses.
type ErrorData struct {
	Kind string `json:"kind"`
	// Fields names the offending arguments on validation failures.
	Fields []string `json:"fields,omitempty"`
	// RetryAfterSeconds hints when a rate-limited caller may retry.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// NewRequest builds a request message.
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a one-way notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request's correlation id.
func NewResponse(id any, result any) (*Message, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request's correlation
// id.
func NewErrorResponse(id any, code int, message string, data *ErrorData) *Message {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: e}
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
