// Package rpcerror defines the failure kinds a frame-rpc caller can branch on.
//
// Kinds are compared by discriminator, never by message text:
//
//	if rpcerror.IsTimeout(err) { ... no response arrived ... }
//	if resp.Failed()           { ... server reported an error ... }
package rpcerror

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates failures.
type Kind int

const (
	KindUnknown   Kind = iota
	KindTimeout        // No response within the client's timeout window
	KindHandler        // The render handler failed
	KindDecode         // Malformed frame payload
	KindTransport      // Connection-level failure (dial, write)
	KindClosed         // Operation on a closed client or server
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHandler:
		return "handler"
	case KindDecode:
		return "decode"
	case KindTransport:
		return "transport"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its Kind. ID is the request id when one is known.
type Error struct {
	Kind Kind
	ID   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.ID == "" || t.ID == e.ID)
}

// Timeout builds the failure delivered when request id got no response in time.
func Timeout(id string) *Error {
	return &Error{Kind: KindTimeout, ID: id, Msg: fmt.Sprintf("timeout on request %s", id)}
}

// Handler wraps a failure the render handler reported for request id.
func Handler(id string, err error) *Error {
	return &Error{Kind: KindHandler, ID: id, Err: err}
}

// Decode wraps a payload that could not be parsed, annotated with what was being decoded.
func Decode(err error, what string) *Error {
	return &Error{Kind: KindDecode, Err: errors.Wrap(err, "decode "+what)}
}

// Transport wraps a connection-level failure affecting request id (may be empty).
func Transport(id string, err error) *Error {
	return &Error{Kind: KindTransport, ID: id, Err: err}
}

// Closed reports an operation on a client that was already closed. what names the client.
func Closed(what string) *Error {
	return &Error{Kind: KindClosed, Msg: what + ": closed"}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// RequestID returns the request id carried by err, if any.
func RequestID(err error) (string, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.ID != "" {
		return e.ID, true
	}
	return "", false
}
