// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec fixes courier's CBOR settings in one place.
//
// Binary channel frames use Core Deterministic Encoding so the same
// frame always encodes to the same bytes. Decoding into an untyped
// target yields map[string]any, matching what encoding/json produces,
// so event payloads look the same to listeners regardless of which
// frame codec the connection negotiated.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encoder cbor.EncMode
	decoder cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	options.Time = cbor.TimeRFC3339Nano
	var err error
	if encoder, err = options.EncMode(); err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}
	decoder, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encoder.Marshal(v) }

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error { return decoder.Unmarshal(data, v) }

// RawMessage defers decoding of an embedded CBOR item.
type RawMessage = cbor.RawMessage

// Diagnose renders data in RFC 8949 diagnostic notation, for debug logs.
func Diagnose(data []byte) string {
	text, err := cbor.Diagnose(data)
	if err != nil {
		return "<invalid cbor: " + err.Error() + ">"
	}
	return text
}
