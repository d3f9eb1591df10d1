// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"bytes"

	"github.com/grailbio/zksync/codec"
	"github.com/grailbio/zksync/crypto/secret"
)

// Field is one business field inside a sealed payload. Values are
// opaque canonical encodings supplied by the caller.
type Field struct {
	Value     []byte   `cbor:"1,keyasint,omitempty"`
	Deleted   bool     `cbor:"2,keyasint,omitempty"`
	UpdatedAt int64    `cbor:"3,keyasint"`
	Device    DeviceID `cbor:"4,keyasint"`
}

// newer tells whether f wins over g under last-writer-wins on
// (UpdatedAt, Device). Identical stamps fall back to the encoded
// value so that the order is total.
func (f Field) newer(g Field) bool {
	if f.UpdatedAt != g.UpdatedAt {
		return f.UpdatedAt > g.UpdatedAt
	}
	if f.Device != g.Device {
		return f.Device > g.Device
	}
	if f.Deleted != g.Deleted {
		return f.Deleted
	}
	return bytes.Compare(f.Value, g.Value) > 0
}

// FieldSet is the plaintext content of a record: field name to Field.
// It exists only between opening and sealing a payload.
type FieldSet map[string]Field

// Merge returns the per-field last-writer-wins join of a and b.
func (a FieldSet) Merge(b FieldSet) FieldSet {
	m := make(FieldSet, len(a)+len(b))
	for k, f := range a {
		m[k] = f
	}
	for k, g := range b {
		if f, ok := m[k]; !ok || g.newer(f) {
			m[k] = g
		}
	}
	return m
}

// Live returns the values of the fields that are not deleted.
func (a FieldSet) Live() map[string][]byte {
	m := make(map[string][]byte, len(a))
	for k, f := range a {
		if !f.Deleted {
			m[k] = f.Value
		}
	}
	return m
}

// Wipe zeroes the field values.
func (a FieldSet) Wipe() {
	for _, f := range a {
		secret.Wipe(f.Value)
	}
}

// payload is the sealed plaintext of an entity.
type payload struct {
	Fields FieldSet `cbor:"1,keyasint"`
}

func encodePayload(fields FieldSet) ([]byte, error) {
	return codec.Marshal(payload{Fields: fields})
}

func decodePayload(p []byte) (FieldSet, error) {
	var pl payload
	if err := codec.Unmarshal(p, &pl); err != nil {
		return nil, err
	}
	if pl.Fields == nil {
		pl.Fields = FieldSet{}
	}
	return pl.Fields, nil
}
