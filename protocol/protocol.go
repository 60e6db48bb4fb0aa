// Package protocol implements the length-prefixed frame protocol for frame-rpc.
//
// TCP (and any other byte stream) delivers data in arbitrary chunk sizes, so message
// boundaries have to be carried on the wire. Every message is sent as a 4-byte unsigned
// big-endian length N followed by exactly N payload bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬────────────────┐
//	│ length  │  payload ...   │
//	│ uint32  │  length bytes  │
//	└─────────┴────────────────┘
//
// A zero-length frame is valid and carries an empty payload. No upper bound is placed on
// the length: a peer announcing a huge frame makes the receiver buffer until it arrives.
package protocol

import (
	"encoding/binary"
	"io"
)

// LengthSize is the size of the length prefix in bytes.
const LengthSize = 4

// AppendFrame appends the framed form of payload to dst and returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encode writes one complete frame (prefix + payload) to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, LengthSize+len(payload)), payload))
	return err
}

// ReadFrame reads exactly one frame from r and returns its payload.
// Uses io.ReadFull so a short read is never mistaken for a complete frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
