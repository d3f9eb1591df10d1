// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec is the canonical binary encoding for record payloads
// and associated data. Everything that is hashed, signed, or sealed is
// encoded here: the encoding is deterministic CBOR (RFC 8949 core
// deterministic encoding), so equal values always produce equal
// bytes on every device.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxNestedLevels bounds the depth of decoded structures.
const MaxNestedLevels = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Payload maps are always string-keyed.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Payloads come from other devices via an untrusted relay; a
		// duplicated key would let two devices disagree on a value.
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: MaxNestedLevels,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal returns the deterministic CBOR encoding of v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes a stream of CBOR items.
type Encoder = cbor.Encoder

// Decoder reads a stream of CBOR items.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose renders data in CBOR diagnostic notation. It is used in
// test failures and debugging output; payloads must never be
// diagnosed outside tests since they hold plaintext.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
