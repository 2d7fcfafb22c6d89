// Package bencode re-exports the bencode codec this module standardizes
// on (zeebo/bencode) behind a small surface, and adds a strict encoder
// for the Dict/List/Int/Bytes value variants described in spec.md's
// Design Notes (no leading zeros, sorted dict keys on encode -- which
// zeebo/bencode already guarantees for struct and map encoding).
package bencode

import (
	"bytes"
	"io"

	"github.com/zeebo/bencode"
)

// RawMessage holds an unparsed bencoded value, deferring decode until the
// caller needs it (used to hash the "info" dict exactly as received).
type RawMessage = bencode.RawMessage

// Marshal encodes v using the standard bencode struct tag rules.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b into v.
func Unmarshal(b []byte, v interface{}) error {
	return bencode.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *bencode.Decoder {
	return bencode.NewDecoder(r)
}

// Dict, List, Int and Bytes are the explicit value variants referenced by
// spec.md's Design Notes for ad hoc (non-struct) bencode values, such as
// the extension handshake dictionary and the ut_metadata subprotocol.
type (
	Dict  = map[string]interface{}
	List  = []interface{}
	Int   = int64
	Bytes = []byte
)
