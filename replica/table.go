// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/zksync/errors"
)

// Table is durable storage for entities. Writes are conditional on the
// stored state's vector hash so that concurrent writers, in this
// process or another sharing the same database, never overwrite each
// other's states. Implementations are safe for concurrent use.
type Table interface {
	// Get returns the stored entity or a NotExist error.
	Get(ctx context.Context, typ, id string) (*Entity, error)
	// CompareAndSwap stores e if the currently stored state's hash is
	// prevHash ("" meaning absent), and fails with Precondition
	// otherwise. If enqueue is set, the entity is also added to the
	// outbox in the same transaction.
	CompareAndSwap(ctx context.Context, prevHash string, e *Entity, enqueue bool) error
	// Remove physically deletes the entity if its hash is prevHash.
	Remove(ctx context.Context, typ, id, prevHash string) error
	// Scan calls fn for every stored entity of type typ, or of every
	// type if typ is empty, in (type, id) order. fn may write to the
	// table.
	Scan(ctx context.Context, typ string, fn func(*Entity) error) error
	// SetRelaySeq records the relay sequence of the state with the
	// given hash. It is a no-op if the stored state has changed.
	SetRelaySeq(ctx context.Context, typ, id, hash string, seq int64) error
}

// Pending is an outbox entry: a locally modified entity awaiting
// acknowledgement by the relay. The outbox holds entity keys, not
// states; the current state is pushed, so repeated writes coalesce.
// A new write to a queued entity keeps its place in the queue and
// clears its failure state.
type Pending struct {
	Type       string
	ID         string
	Attempts   int
	Failed     bool
	LastError  string
	EnqueuedAt time.Time
}

// Outbox is the durable queue of local changes.
type Outbox interface {
	// Pending returns up to limit entries that have not failed, oldest
	// first.
	Pending(ctx context.Context, limit int) ([]Pending, error)
	// Ack removes the entry if the entity's stored hash is still hash.
	Ack(ctx context.Context, typ, id, hash string) error
	// Fail records a failed attempt. Once attempts reach maxAttempts
	// the entry is flagged failed and no longer returned by Pending.
	Fail(ctx context.Context, typ, id string, maxAttempts int, cause string) (failed bool, err error)
	// Failed returns the flagged entries.
	Failed(ctx context.Context) ([]Pending, error)
	// Retry clears the failed flag and attempt count of an entry.
	Retry(ctx context.Context, typ, id string) error
}

type key struct{ typ, id string }

// MemTable is an in-memory Table and Outbox.
type MemTable struct {
	mu       sync.Mutex
	entities map[key]*Entity
	outbox   map[key]*Pending
	seq      int64
	order    map[key]int64
	now      func() time.Time
}

// NewMemTable returns an empty MemTable.
func NewMemTable() *MemTable {
	return &MemTable{
		entities: make(map[key]*Entity),
		outbox:   make(map[key]*Pending),
		order:    make(map[key]int64),
		now:      time.Now,
	}
}

func notExist(typ, id string) error {
	return errors.E(errors.NotExist, fmt.Sprintf("%s/%s", typ, id))
}

func (t *MemTable) Get(ctx context.Context, typ, id string) (*Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entities[key{typ, id}]
	if !ok {
		return nil, notExist(typ, id)
	}
	return e.Clone(), nil
}

func (t *MemTable) hashLocked(k key) string {
	if e, ok := t.entities[k]; ok {
		return e.Hash()
	}
	return ""
}

func (t *MemTable) CompareAndSwap(ctx context.Context, prevHash string, e *Entity, enqueue bool) error {
	if err := ctx.Err(); err != nil {
		return errors.E(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{e.Type, e.ID}
	if h := t.hashLocked(k); h != prevHash {
		return errors.E(errors.Precondition, fmt.Sprintf("%s: stored state changed", e))
	}
	t.entities[k] = e.Clone()
	if !enqueue {
		return nil
	}
	if p, ok := t.outbox[k]; ok {
		p.Attempts, p.Failed, p.LastError = 0, false, ""
		return nil
	}
	t.seq++
	t.order[k] = t.seq
	t.outbox[k] = &Pending{Type: e.Type, ID: e.ID, EnqueuedAt: t.now()}
	return nil
}

func (t *MemTable) Remove(ctx context.Context, typ, id, prevHash string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{typ, id}
	if h := t.hashLocked(k); h != prevHash {
		return errors.E(errors.Precondition, fmt.Sprintf("%s/%s: stored state changed", typ, id))
	}
	delete(t.entities, k)
	delete(t.outbox, k)
	delete(t.order, k)
	return nil
}

func (t *MemTable) Scan(ctx context.Context, typ string, fn func(*Entity) error) error {
	t.mu.Lock()
	var list []*Entity
	for k, e := range t.entities {
		if typ == "" || k.typ == typ {
			list = append(list, e.Clone())
		}
	}
	t.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Type != list[j].Type {
			return list[i].Type < list[j].Type
		}
		return list[i].ID < list[j].ID
	})
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return errors.E(err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemTable) SetRelaySeq(ctx context.Context, typ, id, hash string, seq int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entities[key{typ, id}]; ok && e.Hash() == hash {
		e.RelaySeq = seq
	}
	return nil
}

func (t *MemTable) Pending(ctx context.Context, limit int) ([]Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var list []Pending
	for _, p := range t.outbox {
		if !p.Failed {
			list = append(list, *p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return t.order[key{list[i].Type, list[i].ID}] < t.order[key{list[j].Type, list[j].ID}]
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (t *MemTable) Ack(ctx context.Context, typ, id, hash string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{typ, id}
	if t.hashLocked(k) == hash {
		delete(t.outbox, k)
		delete(t.order, k)
	}
	return nil
}

func (t *MemTable) Fail(ctx context.Context, typ, id string, maxAttempts int, cause string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.outbox[key{typ, id}]
	if !ok {
		return false, nil
	}
	p.Attempts++
	p.LastError = cause
	if maxAttempts > 0 && p.Attempts >= maxAttempts {
		p.Failed = true
	}
	return p.Failed, nil
}

func (t *MemTable) Failed(ctx context.Context) ([]Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var list []Pending
	for _, p := range t.outbox {
		if p.Failed {
			list = append(list, *p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Type < list[j].Type || list[i].Type == list[j].Type && list[i].ID < list[j].ID
	})
	return list, nil
}

func (t *MemTable) Retry(ctx context.Context, typ, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.outbox[key{typ, id}]
	if !ok {
		return notExist(typ, id)
	}
	p.Attempts, p.Failed, p.LastError = 0, false, ""
	return nil
}
