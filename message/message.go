// Package message defines the JSON-RPC 2.0 envelopes exchanged between the bridge and a target.
//
// Every message on the wire is one of three shapes, told apart by which fields are present:
//
//	Call:         {"jsonrpc":"2.0","id":7,"method":"execute","params":{...}}
//	Response:     {"jsonrpc":"2.0","id":7,"result":{...}}   or   {"jsonrpc":"2.0","id":7,"error":{...}}
//	Notification: {"jsonrpc":"2.0","method":"remote_called","params":{...}}
//
// Params and results are carried as json.RawMessage: the core routes them by id or method
// name and never interprets them.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Kind tags a decoded envelope.
type Kind int

const (
	KindInvalid      Kind = iota
	KindCall              // Has id and method, expects exactly one Response
	KindResponse          // Has id and exactly one of result/error
	KindNotification      // Has method, no id, never answered
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Call is a request that expects a Response with the same ID.
type Call struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Call. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a fire-and-forget message. It has no ID and is never answered.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Envelope is the result of classifying one inbound message. Only the field matching Kind is set.
type Envelope struct {
	Kind         Kind
	Call         *Call
	Response     *Response
	Notification *Notification
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// RPCError is the error object carried by a failed Response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewCall builds a Call, marshalling params unless they are nil.
func NewCall(id uint64, method string, params any) (*Call, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Call{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshalling params unless they are nil.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a successful Response. A nil result is sent as JSON null.
func NewResult(id uint64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds a failed Response.
func NewError(id uint64, code int, msg string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
