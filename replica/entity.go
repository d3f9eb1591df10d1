// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package replica implements the replicated record store: encrypted
// entities carrying version vectors and tombstones, and the
// deterministic merge that makes every replica converge.
//
// An entity's replicated state is the join of four components:
// its fields (per-field last-writer-wins on (UpdatedAt, Device)), its
// version vector (pointwise maximum), its UpdatedAt stamp (maximum),
// and its tombstone stamp (maximum). Each component is a
// join-semilattice, so merging is commutative, associative and
// idempotent. Whether an entity is tombstoned is derived from the
// joined stamps according to a TombstonePolicy.
//
// Local write stamps are hybrid: max(now, UpdatedAt+1). A write
// therefore always carries a later stamp than every write it
// causally follows, and adopting a dominating remote state wholesale
// yields exactly the join.
package replica

import (
	"fmt"
	"time"

	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
)

// State is the lifecycle state of an entity. A garbage-collected
// entity is indistinguishable from one that never existed.
type State int

const (
	NonExistent State = iota
	Active
	Tombstoned
)

func (s State) String() string {
	switch s {
	case NonExistent:
		return "nonexistent"
	case Active:
		return "active"
	case Tombstoned:
		return "tombstoned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TombstonePolicy decides between a delete and a concurrent write.
type TombstonePolicy int

const (
	// LaterWriteWins keeps a tombstoned entity deleted unless some
	// write carries a strictly later stamp than the delete.
	LaterWriteWins TombstonePolicy = iota
	// DeleteWins makes deletes terminal. Writes to a tombstoned entity
	// are rejected locally and ignored when merged.
	DeleteWins
)

func (p TombstonePolicy) String() string {
	if p == DeleteWins {
		return "delete-wins"
	}
	return "later-write-wins"
}

// Entity is a replicated record. Everything except the envelope's
// contents is visible to the relay.
type Entity struct {
	Type     string
	ID       string
	Envelope *encryption.Envelope
	Vector   VersionVector
	// UpdatedAt is the latest write stamp (Unix nanoseconds) of any
	// write, delete included, that the state reflects.
	UpdatedAt int64
	// Device is the device that made the write stamped UpdatedAt.
	Device DeviceID
	// TombstonedAt is the latest delete stamp, or 0.
	TombstonedAt int64
	// RelaySeq is the relay sequence number at which this exact state
	// was stored, or 0 if unknown. It is local bookkeeping and not
	// part of the replicated state.
	RelaySeq int64
}

// AD returns the associated data binding the entity's envelope.
func (e *Entity) AD() encryption.AssociatedData {
	return encryption.AssociatedData{EntityType: e.Type, EntityID: e.ID}
}

// State returns the entity's lifecycle state under policy.
func (e *Entity) State(policy TombstonePolicy) State {
	if e == nil {
		return NonExistent
	}
	if e.TombstonedAt == 0 {
		return Active
	}
	if policy == LaterWriteWins && e.UpdatedAt > e.TombstonedAt {
		return Active
	}
	return Tombstoned
}

// Updated returns UpdatedAt as a time.
func (e *Entity) Updated() time.Time { return time.Unix(0, e.UpdatedAt).UTC() }

// Tombstoned returns TombstonedAt as a time; the zero time if unset.
func (e *Entity) Tombstoned() time.Time {
	if e.TombstonedAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.TombstonedAt).UTC()
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Envelope = e.Envelope.Clone()
	c.Vector = e.Vector.Clone()
	return &c
}

// Hash returns the hash of the entity's version vector, which keys
// its state in tables and on the relay.
func (e *Entity) Hash() string { return e.Vector.Hash() }

func (e *Entity) String() string {
	return fmt.Sprintf("%s/%s@%s", e.Type, e.ID, e.Vector)
}

// Validate checks a remote entity before it is applied.
func (e *Entity) Validate() error {
	switch {
	case e.Type == "" || e.ID == "":
		return errors.E(errors.Invalid, "entity without type or id")
	case e.UpdatedAt <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("%s/%s: missing update stamp", e.Type, e.ID))
	case e.Device == "":
		return errors.E(errors.Invalid, fmt.Sprintf("%s/%s: missing device", e.Type, e.ID))
	case e.TombstonedAt < 0 || e.TombstonedAt > e.UpdatedAt:
		return errors.E(errors.Invalid, fmt.Sprintf("%s/%s: tombstone stamp after update stamp", e.Type, e.ID))
	}
	if err := e.Vector.Validate(); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("%s/%s", e.Type, e.ID), err)
	}
	return e.Envelope.Validate()
}
