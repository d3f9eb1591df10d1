// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/secret"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/sync/ctxsync"
)

// maxCASAttempts bounds how many times a write is replayed against a
// state changed underneath it by another process sharing the table.
const maxCASAttempts = 64

var logger = log.For("replica")

// Change is delivered to observers after a local write or a remote
// state has been stored.
type Change struct {
	Type, ID string
	// Entity is the state that was stored.
	Entity *Entity
	// State is the entity's state under the store's policy.
	State State
	// Remote tells whether the change came from another device.
	Remote  bool
	Outcome Outcome
}

// Options configures a Store.
type Options struct {
	Policy TombstonePolicy
	Clock  clock.Clock
}

// Store is a device's replica. Operations lock only the entity they
// touch, and every write is conditional on the state it was computed
// from, so local writes proceed while a sync cycle applies remote
// states to other entities.
type Store struct {
	device DeviceID
	table  Table
	sealer Sealer
	clock  clock.Clock
	policy TombstonePolicy

	locks ctxsync.KeyedMutex[key]

	mu        sync.Mutex
	observers map[int]observer
	nextObs   int
}

type observer struct {
	typ string
	fn  func(Change)
}

// NewStore returns a store for device backed by table. The sealer
// must be bound to the encryption context of the session.
func NewStore(device DeviceID, table Table, sealer Sealer, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Store{
		device:    device,
		table:     table,
		sealer:    sealer,
		clock:     opts.Clock,
		policy:    opts.Policy,
		observers: make(map[int]observer),
	}
}

// Device returns the store's device.
func (s *Store) Device() DeviceID { return s.device }

// Policy returns the store's tombstone policy.
func (s *Store) Policy() TombstonePolicy { return s.policy }

// Table returns the store's table.
func (s *Store) Table() Table { return s.table }

// Observe registers fn to be called after each change to an entity of
// type typ, or of any type if typ is empty. Calls are made
// synchronously, after the change is durable and the entity unlocked.
// The returned function unregisters fn.
func (s *Store) Observe(typ string, fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = observer{typ, fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	var fns []func(Change)
	for _, o := range s.observers {
		if o.typ == "" || o.typ == c.Type {
			fns = append(fns, o.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) lock(ctx context.Context, typ, id string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key{typ, id})
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("locking %s/%s", typ, id))
	}
	return unlock, nil
}

// load returns the stored entity, nil if there is none.
func (s *Store) load(ctx context.Context, typ, id string) (*Entity, error) {
	e, err := s.table.Get(ctx, typ, id)
	if errors.Is(errors.NotExist, err) {
		return nil, nil
	}
	return e, err
}

// stamp returns a write stamp later than every write prev reflects.
func (s *Store) stamp(prev *Entity) int64 {
	ts := s.clock.Now().UnixNano()
	if prev != nil && ts <= prev.UpdatedAt {
		ts = prev.UpdatedAt + 1
	}
	return ts
}

// Entity returns the stored state of an entity, tombstoned or not.
func (s *Store) Entity(ctx context.Context, typ, id string) (*Entity, error) {
	return s.table.Get(ctx, typ, id)
}

// Get decrypts and returns the live fields of an active entity. It
// returns a NotExist error for unknown, tombstoned and collected
// entities.
func (s *Store) Get(ctx context.Context, typ, id string) (map[string][]byte, error) {
	e, err := s.table.Get(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if e.State(s.policy) != Active {
		return nil, notExist(typ, id)
	}
	fields, err := openFields(s.sealer, e)
	if err != nil {
		return nil, err
	}
	return liveFields(e, fields), nil
}

// liveFields returns the fields written after the entity's last
// delete that are not themselves deleted.
func liveFields(e *Entity, fields FieldSet) map[string][]byte {
	live := make(map[string][]byte, len(fields))
	for k, f := range fields {
		if !f.Deleted && f.UpdatedAt > e.TombstonedAt {
			live[k] = f.Value
		}
	}
	return live
}

// Put writes fields of an entity, creating it if needed. Fields not
// named are left as they are; a nil value deletes the field. Under
// LaterWriteWins a put to a tombstoned entity revives it with only the
// fields written since; under DeleteWins it fails with Precondition.
func (s *Store) Put(ctx context.Context, typ, id string, fields map[string][]byte) (*Entity, error) {
	if typ == "" || id == "" {
		return nil, errors.E(errors.Invalid, "put: entity type and id are required")
	}
	return s.write(ctx, typ, id, func(prev *Entity, ts int64) (FieldSet, error) {
		if prev.State(s.policy) == Tombstoned && s.policy == DeleteWins {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("%s/%s is deleted", typ, id))
		}
		next := FieldSet{}
		if prev != nil {
			old, err := openFields(s.sealer, prev)
			if err != nil {
				return nil, err
			}
			next = old
		}
		for k, v := range fields {
			next[k] = Field{Value: v, Deleted: v == nil, UpdatedAt: ts, Device: s.device}
		}
		return next, nil
	}, false)
}

// Delete tombstones an entity. The payload keeps only deletion
// markers for the fields. Deleting a tombstoned entity is a no-op;
// deleting an unknown one is a NotExist error.
func (s *Store) Delete(ctx context.Context, typ, id string) (*Entity, error) {
	return s.write(ctx, typ, id, func(prev *Entity, ts int64) (FieldSet, error) {
		if prev == nil {
			return nil, notExist(typ, id)
		}
		if prev.State(s.policy) == Tombstoned {
			return nil, errNoop
		}
		old, err := openFields(s.sealer, prev)
		if err != nil {
			return nil, err
		}
		next := make(FieldSet, len(old))
		for k := range old {
			next[k] = Field{Deleted: true, UpdatedAt: ts, Device: s.device}
		}
		old.Wipe()
		return next, nil
	}, true)
}

var errNoop = errors.New("no-op")

// write performs a local write: fn computes the new fields from the
// stored state and the write stamp. The write is replayed if the state
// changes between reading and storing it.
func (s *Store) write(ctx context.Context, typ, id string, fn func(prev *Entity, ts int64) (FieldSet, error), tombstone bool) (*Entity, error) {
	unlock, err := s.lock(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	next, c, err := s.writeLocked(ctx, typ, id, fn, tombstone)
	unlock()
	if c != nil {
		s.notify(*c)
	}
	return next, err
}

// writeLocked performs write with the entity locked. It returns the
// change to publish once the lock is released, nil for a no-op.
func (s *Store) writeLocked(ctx context.Context, typ, id string, fn func(prev *Entity, ts int64) (FieldSet, error), tombstone bool) (*Entity, *Change, error) {
	for attempt := 0; ; attempt++ {
		prev, err := s.load(ctx, typ, id)
		if err != nil {
			return nil, nil, err
		}
		ts := s.stamp(prev)
		fields, err := fn(prev, ts)
		if err == errNoop {
			return prev, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		next := &Entity{Type: typ, ID: id, UpdatedAt: ts, Device: s.device}
		prevHash := ""
		if prev != nil {
			next.Vector = prev.Vector.Bump(s.device)
			next.TombstonedAt = prev.TombstonedAt
			prevHash = prev.Hash()
		} else {
			next.Vector = VersionVector{}.Bump(s.device)
		}
		if tombstone {
			next.TombstonedAt = ts
		}
		next.Envelope, err = sealFields(s.sealer, next, fields)
		fields.Wipe()
		if err != nil {
			return nil, nil, err
		}
		err = s.table.CompareAndSwap(ctx, prevHash, next, true)
		if errors.Is(errors.Precondition, err) && attempt < maxCASAttempts {
			logger.Debug.Printf("%s: stored state changed during write, replaying", next)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		c := &Change{Type: typ, ID: id, Entity: next.Clone(), State: next.State(s.policy), Outcome: outcomeOf(prev)}
		return next, c, nil
	}
}

func outcomeOf(prev *Entity) Outcome {
	if prev == nil {
		return Created
	}
	return FastForward
}

// Apply merges a remote entity state into the replica. The remote
// payload is authenticated before anything is stored, so a tampered
// or misbound state fails with Integrity and leaves the replica
// untouched. Apply is all-or-nothing per entity.
func (s *Store) Apply(ctx context.Context, remote *Entity) (Outcome, error) {
	if err := remote.Validate(); err != nil {
		return Ignored, err
	}
	if err := s.verify(remote); err != nil {
		return Ignored, err
	}
	unlock, err := s.lock(ctx, remote.Type, remote.ID)
	if err != nil {
		return Ignored, err
	}
	outcome, c, err := s.applyLocked(ctx, remote)
	unlock()
	if c != nil {
		s.notify(*c)
	}
	return outcome, err
}

func (s *Store) applyLocked(ctx context.Context, remote *Entity) (Outcome, *Change, error) {
	for attempt := 0; ; attempt++ {
		local, err := s.load(ctx, remote.Type, remote.ID)
		if err != nil {
			return Ignored, nil, err
		}
		merged, outcome, err := Merge(local, remote, s.sealer)
		if err != nil {
			return Ignored, nil, err
		}
		if outcome == Ignored {
			if remote.RelaySeq > local.RelaySeq && local.Hash() == remote.Hash() {
				err = s.table.SetRelaySeq(ctx, local.Type, local.ID, local.Hash(), remote.RelaySeq)
			}
			return Ignored, nil, err
		}
		prevHash := ""
		if local != nil {
			prevHash = local.Hash()
		}
		err = s.table.CompareAndSwap(ctx, prevHash, merged, false)
		if errors.Is(errors.Precondition, err) && attempt < maxCASAttempts {
			continue
		}
		if err != nil {
			return Ignored, nil, err
		}
		return outcome, &Change{
			Type:    merged.Type,
			ID:      merged.ID,
			Entity:  merged.Clone(),
			State:   merged.State(s.policy),
			Remote:  true,
			Outcome: outcome,
		}, nil
	}
}

// verify authenticates the payload of e without keeping its plaintext.
func (s *Store) verify(e *Entity) error {
	fields, err := openFields(s.sealer, e)
	if err != nil {
		return err
	}
	fields.Wipe()
	return nil
}

// Scan calls fn for each stored entity of type typ (all types if typ
// is empty), tombstones included.
func (s *Store) Scan(ctx context.Context, typ string, fn func(*Entity) error) error {
	return s.table.Scan(ctx, typ, fn)
}

// Reseal re-encrypts an entity under the sealer's current key if
// needs reports that its stored state requires it. The resealed state
// bumps the device's counter, keeps every stamp, and is queued for
// push. Reseal reports whether the entity was rewritten.
func (s *Store) Reseal(ctx context.Context, typ, id string, needs func(*Entity) bool) (bool, error) {
	unlock, err := s.lock(ctx, typ, id)
	if err != nil {
		return false, err
	}
	defer unlock()
	for attempt := 0; ; attempt++ {
		prev, err := s.load(ctx, typ, id)
		if err != nil || prev == nil || !needs(prev) {
			return false, err
		}
		fields, err := openFields(s.sealer, prev)
		if err != nil {
			return false, err
		}
		next := prev.Clone()
		next.RelaySeq = 0
		next.Vector = prev.Vector.Bump(s.device)
		next.Envelope, err = sealFields(s.sealer, next, fields)
		fields.Wipe()
		if err != nil {
			return false, err
		}
		err = s.table.CompareAndSwap(ctx, prev.Hash(), next, true)
		if errors.Is(errors.Precondition, err) && attempt < maxCASAttempts {
			continue
		}
		return err == nil, err
	}
}

// BatchSealer is a Sealer that can also seal and open many payloads
// at once.
type BatchSealer interface {
	Sealer
	SealBatch(ctx context.Context, ads []encryption.AssociatedData, plaintexts [][]byte) []encryption.Result
	OpenBatch(ctx context.Context, ads []encryption.AssociatedData, envs []*encryption.Envelope) []encryption.Result
}

// Ref names an entity.
type Ref struct{ Type, ID string }

// ResealBatch is Reseal for many entities. When the store's sealer is
// a BatchSealer, the entities are locked together in (type, id) order
// and their payloads opened and sealed in parallel; a record whose
// stored state changes concurrently is resealed on its own. It returns
// the number of entities rewritten.
func (s *Store) ResealBatch(ctx context.Context, refs []Ref, needs func(*Entity) bool) (int, error) {
	bs, ok := s.sealer.(BatchSealer)
	if !ok {
		return s.resealEach(ctx, refs, needs)
	}
	refs = append([]Ref(nil), refs...)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	var unlocks []func()
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()
	var prevs []*Entity
	for i, r := range refs {
		if i > 0 && r == refs[i-1] {
			continue
		}
		unlock, err := s.lock(ctx, r.Type, r.ID)
		if err != nil {
			return 0, err
		}
		unlocks = append(unlocks, unlock)
		prev, err := s.load(ctx, r.Type, r.ID)
		if err != nil {
			return 0, err
		}
		if prev != nil && needs(prev) {
			prevs = append(prevs, prev)
		}
	}
	if len(prevs) == 0 {
		return 0, nil
	}

	ads := make([]encryption.AssociatedData, len(prevs))
	envs := make([]*encryption.Envelope, len(prevs))
	for i, prev := range prevs {
		ads[i], envs[i] = prev.AD(), prev.Envelope
	}
	opened := bs.OpenBatch(ctx, ads, envs)
	payloads := make([][]byte, len(prevs))
	defer func() {
		for _, p := range payloads {
			secret.Wipe(p)
		}
	}()
	for i, r := range opened {
		if r.Err != nil {
			return 0, errors.E(prevs[i].String(), r.Err)
		}
		fields, err := decodePayload(r.Plaintext)
		secret.Wipe(r.Plaintext)
		if err != nil {
			return 0, errors.E(errors.Integrity, prevs[i].String()+": malformed payload", err)
		}
		payloads[i], err = encodePayload(fields)
		fields.Wipe()
		if err != nil {
			return 0, errors.E(errors.Encryption, prevs[i].String()+": encoding payload", err)
		}
	}
	sealed := bs.SealBatch(ctx, ads, payloads)

	var (
		n     int
		retry []Ref
	)
	for i, prev := range prevs {
		if sealed[i].Err != nil {
			return n, errors.E(prev.String(), sealed[i].Err)
		}
		next := prev.Clone()
		next.RelaySeq = 0
		next.Vector = prev.Vector.Bump(s.device)
		next.Envelope = sealed[i].Envelope
		err := s.table.CompareAndSwap(ctx, prev.Hash(), next, true)
		if errors.Is(errors.Precondition, err) {
			retry = append(retry, Ref{prev.Type, prev.ID})
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	for _, unlock := range unlocks {
		unlock()
	}
	unlocks = nil
	m, err := s.resealEach(ctx, retry, needs)
	return n + m, err
}

func (s *Store) resealEach(ctx context.Context, refs []Ref, needs func(*Entity) bool) (int, error) {
	n := 0
	for _, r := range refs {
		resealed, err := s.Reseal(ctx, r.Type, r.ID, needs)
		if err != nil {
			return n, errors.E(fmt.Sprintf("re-encrypting %s/%s", r.Type, r.ID), err)
		}
		if resealed {
			n++
		}
	}
	return n, nil
}
