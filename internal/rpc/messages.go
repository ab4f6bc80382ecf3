// Package rpc defines the JSON-RPC 2.0 envelope carried on the stream.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the supported JSON-RPC protocol version.
const Version = "2.0"

var nullID = json.RawMessage("null")

// Request is a JSON-RPC request, or a notification when ID is absent.
// ID is kept as raw bytes so it can be echoed back unmodified.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and so must
// not be answered.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC response. Exactly one of Result and Error is
// present on the wire.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *Error
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON writes the response, emitting "result": null when a
// successful response has no result so that one of the two members is
// always present.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{JSONRPC: Version, ID: r.ID}
	if len(w.ID) == 0 {
		w.ID = nullID
	}

	if r.Error != nil {
		w.Error = r.Error
	} else {
		w.Result = r.Result
		if len(w.Result) == 0 {
			w.Result = nullID
		}
	}

	return json.Marshal(w)
}

// UnmarshalJSON reads a response and rejects one carrying both or
// neither of result and error.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if w.JSONRPC != Version {
		return fmt.Errorf("invalid JSON-RPC version: %q", w.JSONRPC)
	}

	hasResult := len(w.Result) > 0
	if hasResult == (w.Error != nil) {
		return fmt.Errorf("response must have exactly one of result or error")
	}

	r.ID = w.ID
	r.Result = w.Result
	r.Error = w.Error

	return nil
}

// NewResult builds a successful response for id from an encoded result.
func NewResult(id, result json.RawMessage) *Response {
	return &Response{ID: id, Result: result}
}

// NewError builds an error response for id.
func NewError(id json.RawMessage, e *Error) *Response {
	return &Response{ID: id, Error: e}
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification for method.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}
