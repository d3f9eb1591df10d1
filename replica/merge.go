// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/secret"
	"github.com/grailbio/zksync/errors"
)

// Sealer seals and opens entity payloads. The store never holds keys;
// it asks the Sealer, which is bound to the session's encryption
// context.
type Sealer interface {
	// Seal encrypts plaintext for the given record slot under the
	// current write key.
	Seal(ad encryption.AssociatedData, plaintext []byte) (*encryption.Envelope, error)
	// Open authenticates and decrypts env for the given slot.
	Open(ad encryption.AssociatedData, env *encryption.Envelope) ([]byte, error)
}

// Outcome describes what applying a remote entity did.
type Outcome int

const (
	// Ignored means the local state already dominated the remote one.
	Ignored Outcome = iota
	// Created means the entity was unknown locally and was adopted.
	Created
	// FastForward means the remote state dominated and was adopted.
	FastForward
	// Merged means the states were concurrent and were joined.
	Merged
)

func (o Outcome) String() string {
	return [...]string{"ignored", "created", "fast-forward", "merged"}[o]
}

// openFields decrypts and decodes an entity's fields.
func openFields(s Sealer, e *Entity) (FieldSet, error) {
	p, err := s.Open(e.AD(), e.Envelope)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(p)
	fields, err := decodePayload(p)
	if err != nil {
		return nil, errors.E(errors.Integrity, e.String()+": malformed payload", err)
	}
	return fields, nil
}

// sealFields encodes and encrypts fields for e's slot.
func sealFields(s Sealer, e *Entity, fields FieldSet) (*encryption.Envelope, error) {
	p, err := encodePayload(fields)
	if err != nil {
		return nil, errors.E(errors.Encryption, e.String()+": encoding payload", err)
	}
	defer secret.Wipe(p)
	return s.Seal(e.AD(), p)
}

// joinStamps returns the (UpdatedAt, Device) pair that wins.
func joinStamps(at1 int64, d1 DeviceID, at2 int64, d2 DeviceID) (int64, DeviceID) {
	if at1 > at2 || (at1 == at2 && d1 >= d2) {
		return at1, d1
	}
	return at2, d2
}

// Merge merges remote into local and reports how. Local may be nil.
// The returned entity is a new value; neither input is modified. When
// the states are concurrent both payloads are opened, joined field by
// field, and resealed under the sealer's current key.
//
// Merge never fails for valid, authentic inputs: its only errors are
// those of opening or sealing payloads.
func Merge(local, remote *Entity, s Sealer) (*Entity, Outcome, error) {
	if local == nil {
		return remote.Clone(), Created, nil
	}
	switch local.Vector.Compare(remote.Vector) {
	case Equal, After:
		return local.Clone(), Ignored, nil
	case Before:
		return remote.Clone(), FastForward, nil
	}
	lf, err := openFields(s, local)
	if err != nil {
		return nil, Ignored, err
	}
	defer lf.Wipe()
	rf, err := openFields(s, remote)
	if err != nil {
		return nil, Ignored, err
	}
	defer rf.Wipe()
	m := join(local, remote)
	if m.Envelope, err = sealFields(s, m, lf.Merge(rf)); err != nil {
		return nil, Ignored, err
	}
	return m, Merged, nil
}

// join joins the metadata of two entities; the envelope is left nil.
func join(a, b *Entity) *Entity {
	m := &Entity{
		Type:   a.Type,
		ID:     a.ID,
		Vector: a.Vector.Merge(b.Vector),
	}
	m.UpdatedAt, m.Device = joinStamps(a.UpdatedAt, a.Device, b.UpdatedAt, b.Device)
	m.TombstonedAt = a.TombstonedAt
	if b.TombstonedAt > m.TombstonedAt {
		m.TombstonedAt = b.TombstonedAt
	}
	return m
}
