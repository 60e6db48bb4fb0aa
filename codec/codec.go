// Package codec serializes frame payloads.
//
// The frame layer only cares that a payload is a byte slice; the codec decides what the
// bytes mean. frame-rpc speaks UTF-8 JSON on the wire, so JSON is the only codec shipped.
package codec

// Codec converts envelopes to and from frame payloads.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default is the codec used by clients and servers unless overridden.
var Default Codec = &JSONCodec{}
