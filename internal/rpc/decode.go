package rpc

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Inbound is one element of a decoded message. Exactly one field is set:
// Request for a well-formed request or notification, Reject for an
// element that must be answered with an error without dispatching.
type Inbound struct {
	Request *Request
	Reject  *Response
}

// Decode parses a single message or a batch. Malformed input yields
// Reject entries carrying the offending element's id when it can be
// recovered. Empty input yields nothing.
func Decode(data []byte) []Inbound {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	if !gjson.ValidBytes(data) {
		return []Inbound{{Reject: NewError(nil, ErrParse())}}
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return []Inbound{decodeOne(parsed)}
	}

	elems := parsed.Array()
	if len(elems) == 0 {
		return []Inbound{{Reject: NewError(nil, ErrInvalidRequest("empty batch"))}}
	}

	out := make([]Inbound, 0, len(elems))
	for _, e := range elems {
		out = append(out, decodeOne(e))
	}

	return out
}

func decodeOne(elem gjson.Result) Inbound {
	if !elem.IsObject() {
		return Inbound{Reject: NewError(nil, ErrInvalidRequest("request must be an object"))}
	}

	id, idOK := peekID(elem)

	var req Request
	if err := json.Unmarshal([]byte(elem.Raw), &req); err != nil {
		return Inbound{Reject: NewError(id, ErrInvalidRequest("malformed request"))}
	}

	switch {
	case !idOK:
		return Inbound{Reject: NewError(nil, ErrInvalidRequest("id must be a string, number or null"))}
	case req.JSONRPC != Version:
		return Inbound{Reject: NewError(id, ErrInvalidRequest(`jsonrpc must be "2.0"`))}
	case req.Method == "":
		return Inbound{Reject: NewError(id, ErrInvalidRequest("method is required"))}
	}

	return Inbound{Request: &req}
}

// peekID returns the raw id of a request object. ok is false when an id
// member exists with a type JSON-RPC does not allow.
func peekID(elem gjson.Result) (json.RawMessage, bool) {
	id := elem.Get("id")
	if !id.Exists() {
		return nil, true
	}

	switch id.Type {
	case gjson.String, gjson.Number, gjson.Null:
		return json.RawMessage(id.Raw), true
	default:
		return nil, false
	}
}
