// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is Tessera's CBOR configuration. Binary-mode client
// connections and the cross-region endpoint protocol encode every
// frame with it; JSON stays on the wire only for clients that never
// negotiate binary mode in hello.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The
// same transaction batch always produces identical bytes, which keeps
// response hashing stable across server instances.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are ignored so newer
// clients can talk to older servers.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Transaction payloads are schemaless map[string]any documents.
		// The CBOR default for any-typed targets is
		// map[interface{}]interface{}, which encoding/json cannot
		// re-serialize; force string-keyed maps instead.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// transaction payloads that the session layer routes without
// inspecting.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a CBOR encoder writing to w with Tessera's
// deterministic encoding configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
