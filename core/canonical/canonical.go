// Package canonical renders deterministic JSON for hashing and signing.
//
// Keys are emitted in lexicographic order with no insignificant whitespace and
// no HTML escaping, so the same logical value always serializes to the same
// bytes regardless of the producing process or platform.
package canonical

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v as canonical JSON. Map keys are sorted and separators are
// fixed, making the output suitable as input to a hash or MAC.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// String is a convenience wrapper returning the canonical encoding as a string.
func String(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
