// Package message defines the request and response envelopes exchanged between client and server.
//
// Both are serialized by the codec layer and wrapped in a protocol frame for transmission.
//
//	Request:  {"id": "...", "conn": <any>, "data": <any>}
//	Response: {"id": "...", "rendered": <any>}   or   {"id": "...", "error": "..."}
package message

import (
	"encoding/json"
	"errors"
)

// Request carries one render call. It is immutable once built by the client.
type Request struct {
	ID   string          `json:"id"`   // Correlation id, unique per request
	Conn json.RawMessage `json:"conn"` // Caller-supplied context (e.g. {"path":"/0"})
	Data json.RawMessage `json:"data"` // Application payload
}

// NewRequest builds a Request, encoding conn and data as JSON.
func NewRequest(id string, conn, data any) (*Request, error) {
	c, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}
	d, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Conn: c, Data: d}, nil
}

// Response carries the outcome of one render: either Rendered or Error, never both.
type Response struct {
	ID       string          `json:"id"`
	Rendered json.RawMessage `json:"rendered,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Failed reports whether the server rendered an error for this request.
func (r *Response) Failed() bool {
	return r.Error != ""
}

// Decode unmarshals the rendered payload into v.
// A failed response returns its error text instead.
func (r *Response) Decode(v any) error {
	if r.Failed() {
		return errors.New(r.Error)
	}
	if len(r.Rendered) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Rendered, v)
}

// Rendered builds a successful response for id.
func Rendered(id string, value any) (*Response, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Rendered: b}, nil
}

// Errored builds an error response for id.
func Errored(id, text string) *Response {
	return &Response{ID: id, Error: text}
}
