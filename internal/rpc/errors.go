package rpc

import "fmt"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error object. It also satisfies the error
// interface so handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrParse is returned for input that is not valid JSON.
func ErrParse() *Error {
	return &Error{Code: CodeParseError, Message: "parse error"}
}

// ErrInvalidRequest is returned for JSON that is not a valid request.
func ErrInvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "invalid request", Data: detail}
}

// ErrMethodNotFound is returned when no handler is registered for method.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method not found", Data: method}
}

// ErrInvalidParams is returned when params fail validation.
func ErrInvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: detail}
}

// ErrInternal is the generic failure returned to clients. It never
// carries handler error text.
func ErrInternal() *Error {
	return &Error{Code: CodeInternalError, Message: "internal error"}
}
