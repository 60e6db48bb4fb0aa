package codec

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "json encode")
	}
	return b, nil
}

// Decode rejects payloads that are not valid UTF-8 before parsing them.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if !utf8.Valid(data) {
		return errors.New("json decode: payload is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "json decode")
	}
	if dec.More() {
		return errors.New("json decode: trailing data after value")
	}
	return nil
}

func (c *JSONCodec) Name() string {
	return "json"
}
