// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/keystore"
	"github.com/grailbio/zksync/replica"
)

// RotationNotice tells the business layer about key rotation.
type RotationNotice struct {
	// Epoch is the epoch being entered, or the current epoch if Due.
	Epoch uint32
	// Due is set when the current keys have expired and RotateKeys
	// should be called.
	Due bool
	// Started is set when this device starts re-encrypting; writes
	// block until it finishes.
	Started bool
	// Remote is set when another device rotated and this device
	// followed.
	Remote bool
	Reason string
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	NewKeyIDs       []keys.KeyID
	AffectedRecords int
	Duration        time.Duration
}

// OnKeyRotationRequired registers fn to be notified of rotations. fn
// is called synchronously and must not call back into the engine's
// write methods.
func (e *Engine) OnKeyRotationRequired(fn func(RotationNotice)) {
	e.mu.Lock()
	e.onRotation = append(e.onRotation, fn)
	e.mu.Unlock()
}

func (e *Engine) notifyRotation(n RotationNotice) {
	e.mu.Lock()
	fns := append([]func(RotationNotice){}, e.onRotation...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// checkRotationDue notifies listeners if the current keys expired.
func (e *Engine) checkRotationDue() {
	if !e.keys.RotationDue() {
		return
	}
	epoch, _ := e.keys.Epoch()
	e.notifyRotation(RotationNotice{Epoch: epoch, Due: true, Reason: "keys expired"})
}

// RotationDue tells whether the current epoch's keys have expired.
func (e *Engine) RotationDue() bool { return e.keys.RotationDue() }

// RotateKeys starts a new key epoch and re-encrypts every record
// under it. Writes block while records are re-encrypted; reads and
// sync continue, and records not yet re-encrypted stay readable with
// the archived keys. Progress is checkpointed in the keystore after
// each batch of records, so an interrupted rotation is finished by
// ResumeRotation, also after a restart. RotateKeys requires an admin
// session.
func (e *Engine) RotateKeys(ctx context.Context, reason string) (*RotationResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if e.keys.Level() != keys.Admin {
		return nil, errors.E(errors.NotAllowed, fmt.Sprintf("%s session cannot rotate keys", e.keys.Level()))
	}
	if !e.rotation.TryLock() {
		return nil, errors.E(errors.Precondition, "engine: a key rotation is already running")
	}
	defer e.rotation.Unlock()
	e.mu.Lock()
	pending := e.state.Rotation
	e.mu.Unlock()
	if pending != nil {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("rotation to epoch %d is unfinished; resume it first", pending.Epoch))
	}
	start := e.clock.Now()
	epoch, _ := e.keys.Epoch()
	e.notifyRotation(RotationNotice{Epoch: epoch + 1, Started: true, Reason: reason})

	e.writes.Lock()
	defer e.writes.Unlock()
	// Record the intent before any key changes, so that a crash at any
	// point leaves a resumable checkpoint.
	if err := e.saveState(func(st *keystore.State) {
		st.Rotation = &keystore.Rotation{Epoch: epoch + 1, Reason: reason, Started: start}
	}); err != nil {
		return nil, err
	}
	ids, err := e.keys.Rotate(ctx, keys.RotateRequest{Reason: reason})
	if err != nil {
		if serr := e.saveState(func(st *keystore.State) { st.Rotation = nil }); serr != nil {
			logger.Error.Printf("clearing rotation checkpoint: %v", serr)
		}
		return nil, err
	}
	newEpoch, epochStart := e.keys.Epoch()
	if err := e.saveState(func(st *keystore.State) {
		st.Epoch, st.EpochStart = newEpoch, epochStart
		st.Rotation.Epoch, st.Rotation.Started = newEpoch, epochStart
	}); err != nil {
		return nil, err
	}
	n, err := e.reencrypt(ctx)
	if err != nil {
		return nil, err
	}
	result := &RotationResult{NewKeyIDs: ids, AffectedRecords: n, Duration: e.clock.Since(start)}
	logger.Info.Printf("rotated vault %s to epoch %d: %d records re-encrypted in %s", e.opts.Vault, newEpoch, n, result.Duration)
	if e.client != nil {
		e.client.Trigger()
	}
	return result, nil
}

// ResumeRotation finishes an interrupted rotation. It fails with
// NotExist if no rotation is pending.
func (e *Engine) ResumeRotation(ctx context.Context) (*RotationResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if !e.rotation.TryLock() {
		return nil, errors.E(errors.Precondition, "engine: a key rotation is already running")
	}
	defer e.rotation.Unlock()
	e.mu.Lock()
	pending := e.state.Rotation
	e.mu.Unlock()
	if pending == nil {
		return nil, errors.E(errors.NotExist, "no rotation is pending")
	}
	start := e.clock.Now()
	e.writes.Lock()
	defer e.writes.Unlock()
	if err := e.keys.Advance(pending.Epoch, pending.Started); err != nil {
		return nil, err
	}
	if err := e.saveState(func(st *keystore.State) {
		if st.Epoch < pending.Epoch {
			st.Epoch, st.EpochStart = pending.Epoch, pending.Started
		}
	}); err != nil {
		return nil, err
	}
	n, err := e.reencrypt(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info.Printf("resumed rotation of vault %s to epoch %d: %d more records re-encrypted", e.opts.Vault, pending.Epoch, n)
	if e.client != nil {
		e.client.Trigger()
	}
	return &RotationResult{NewKeyIDs: e.keys.CurrentKeyIDs(), AffectedRecords: pending.Done + n, Duration: e.clock.Since(start)}, nil
}

// DefaultRotationBatch is the number of records re-encrypted between
// rotation checkpoints.
const DefaultRotationBatch = 64

// reencrypt reseals every record not sealed under a current key, in
// (type, id) order from the checkpoint and in batches of
// Options.RotationBatch, and clears the checkpoint when done. It
// returns the number of records resealed.
func (e *Engine) reencrypt(ctx context.Context) (int, error) {
	e.mu.Lock()
	cp := *e.state.Rotation
	e.mu.Unlock()
	stale := func(ent *replica.Entity) bool {
		return !e.sealer.Current(ent.AD(), ent.Envelope)
	}
	var todo []replica.Ref
	err := e.store.Scan(ctx, "", func(ent *replica.Entity) error {
		if cp.AfterType != "" && (ent.Type < cp.AfterType || ent.Type == cp.AfterType && ent.ID <= cp.AfterID) {
			return nil
		}
		if stale(ent) {
			todo = append(todo, replica.Ref{Type: ent.Type, ID: ent.ID})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(todo, func(i, j int) bool {
		if todo[i].Type != todo[j].Type {
			return todo[i].Type < todo[j].Type
		}
		return todo[i].ID < todo[j].ID
	})
	size := e.opts.RotationBatch
	if size <= 0 {
		size = DefaultRotationBatch
	}
	n := 0
	for len(todo) > 0 {
		if err := ctx.Err(); err != nil {
			return n, errors.E(err, fmt.Sprintf("rotation interrupted after %d records", cp.Done))
		}
		batch := todo
		if len(batch) > size {
			batch = batch[:size]
		}
		todo = todo[len(batch):]
		resealed, err := e.store.ResealBatch(ctx, batch, stale)
		n += resealed
		cp.Done += resealed
		if err != nil {
			return n, err
		}
		last := batch[len(batch)-1]
		cp.AfterType, cp.AfterID = last.Type, last.ID
		saved := cp
		if err := e.saveState(func(st *keystore.State) { st.Rotation = &saved }); err != nil {
			return n, err
		}
	}
	return n, e.saveState(func(st *keystore.State) { st.Rotation = nil })
}

// saveState applies fn to a copy of the device state and persists it.
func (e *Engine) saveState(fn func(*keystore.State)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := *e.state
	if e.state.Rotation != nil {
		r := *e.state.Rotation
		st.Rotation = &r
	}
	fn(&st)
	if err := e.ks.Save(&st); err != nil {
		return err
	}
	e.state = &st
	return nil
}

// followRotation handles a pulled record sealed under a key this
// session cannot resolve: if the key belongs to a later epoch of the
// vault's root, the session advances to it.
func (e *Engine) followRotation(ctx context.Context, env *encryption.Envelope) error {
	now := e.clock.Now()
	if err := e.keys.AdvanceTo(env.KeyID, now); err != nil {
		return err
	}
	epoch, start := e.keys.Epoch()
	if err := e.saveState(func(st *keystore.State) {
		st.Epoch, st.EpochStart = epoch, start
	}); err != nil {
		return err
	}
	e.notifyRotation(RotationNotice{Epoch: epoch, Remote: true, Reason: "rotated by another device"})
	return nil
}
