package jsonx

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Canonical returns a serialization of val in which every object has its keys
// sorted, so that two structurally equal values always produce the same bytes.
// Struct field order, map iteration order and insignificant whitespace in
// json.RawMessage inputs do not affect the output.
//
// Numbers are kept as json.Number so large integers survive the round trip.
func Canonical(val any) ([]byte, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// map keys are emitted in sorted order
	return json.Marshal(generic)
}

// CanonicalString is Canonical for use as a map key.
func CanonicalString(val any) (string, error) {
	b, err := Canonical(val)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
