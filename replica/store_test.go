// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newKeys(t *testing.T) *keys.EncryptionContext {
	t.Helper()
	root, err := keys.RootFromBytes(bytes.Repeat([]byte{7}, keys.KeySize))
	require.NoError(t, err)
	kc, err := keys.NewContext(root, keys.Options{Level: keys.Admin})
	require.NoError(t, err)
	t.Cleanup(kc.Destroy)
	return kc
}

type device struct {
	*replica.Store
	table *replica.MemTable
	clock *clock.FakeClock
}

func newDevice(t *testing.T, kc *keys.EncryptionContext, id replica.DeviceID, policy replica.TombstonePolicy) *device {
	t.Helper()
	d := &device{table: replica.NewMemTable(), clock: clock.Fake(epoch)}
	sealer := &encryption.ContextSealer{Keys: kc}
	d.Store = replica.NewStore(id, d.table, sealer, replica.Options{Policy: policy, Clock: d.clock})
	return d
}

func put(t *testing.T, d *device, id string, kv ...string) *replica.Entity {
	t.Helper()
	fields := map[string][]byte{}
	for i := 0; i < len(kv); i += 2 {
		fields[kv[i]] = []byte(kv[i+1])
	}
	e, err := d.Put(context.Background(), "invoice", id, fields)
	require.NoError(t, err)
	return e
}

func get(t *testing.T, d *device, id, field string) string {
	t.Helper()
	fields, err := d.Get(context.Background(), "invoice", id)
	require.NoError(t, err)
	return string(fields[field])
}

func apply(t *testing.T, d *device, e *replica.Entity) replica.Outcome {
	t.Helper()
	o, err := d.Apply(context.Background(), e)
	require.NoError(t, err)
	return o
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, newKeys(t), "A", replica.LaterWriteWins)
	e := put(t, a, "e1", "amount", "100", "currency", "EUR")
	assert.Equal(t, replica.VersionVector{"A": 1}, e.Vector)
	assert.Equal(t, replica.Active, e.State(a.Policy()))
	assert.False(t, bytes.Contains(e.Envelope.Ciphertext, []byte("EUR")))

	a.clock.Advance(time.Second)
	e = put(t, a, "e1", "amount", "120")
	assert.Equal(t, replica.VersionVector{"A": 2}, e.Vector)
	assert.Equal(t, "120", get(t, a, "e1", "amount"))
	assert.Equal(t, "EUR", get(t, a, "e1", "currency"))

	_, err := a.Put(ctx, "invoice", "e1", map[string][]byte{"currency": nil})
	require.NoError(t, err)
	fields, err := a.Get(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"amount": []byte("120")}, fields)

	_, err = a.Get(ctx, "invoice", "missing")
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = a.Put(ctx, "", "x", nil)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestWriteStampsMonotonic(t *testing.T) {
	a := newDevice(t, newKeys(t), "A", replica.LaterWriteWins)
	var last int64
	for i := 0; i < 5; i++ {
		// The clock does not move; stamps still increase.
		e := put(t, a, "e1", "n", fmt.Sprint(i))
		assert.Greater(t, e.UpdatedAt, last)
		last = e.UpdatedAt
	}
	a.clock.Set(epoch.Add(-time.Hour))
	e := put(t, a, "e1", "n", "late")
	assert.Greater(t, e.UpdatedAt, last)
}

func TestBasicSync(t *testing.T) {
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)

	e1 := put(t, a, "e1", "amount", "100")
	assert.Equal(t, replica.VersionVector{"A": 1}, e1.Vector)
	assert.Equal(t, replica.Created, apply(t, b, e1))
	assert.Equal(t, "100", get(t, b, "e1", "amount"))

	b.clock.Advance(time.Minute)
	e1b := put(t, b, "e1", "amount", "250")
	assert.Equal(t, replica.VersionVector{"A": 1, "B": 1}, e1b.Vector)

	assert.Equal(t, replica.FastForward, apply(t, a, e1b))
	final, err := a.Entity(context.Background(), "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, replica.VersionVector{"A": 1, "B": 1}, final.Vector)
	assert.Equal(t, "250", get(t, a, "e1", "amount"))

	// Replays are no-ops.
	assert.Equal(t, replica.Ignored, apply(t, a, e1))
	assert.Equal(t, replica.Ignored, apply(t, a, e1b))
}

func TestConcurrentEdit(t *testing.T) {
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	apply(t, b, put(t, a, "e1", "amount", "100", "note", "draft"))
	b.clock.Advance(time.Second)
	apply(t, a, put(t, b, "e1", "note", "reviewed"))

	// Offline edits of the same field; B's is later.
	a.clock.Advance(time.Minute)
	b.clock.Advance(2 * time.Minute)
	ea := put(t, a, "e1", "amount", "110")
	eb := put(t, b, "e1", "amount", "120")
	require.Less(t, ea.UpdatedAt, eb.UpdatedAt)
	assert.Equal(t, replica.Concurrent, ea.Vector.Compare(eb.Vector))

	assert.Equal(t, replica.Merged, apply(t, a, eb))
	assert.Equal(t, replica.Merged, apply(t, b, ea))
	for _, d := range []*device{a, b} {
		e, err := d.Entity(context.Background(), "invoice", "e1")
		require.NoError(t, err)
		assert.Equal(t, replica.VersionVector{"A": 2, "B": 2}, e.Vector)
		assert.Equal(t, eb.UpdatedAt, e.UpdatedAt)
		assert.Equal(t, replica.DeviceID("B"), e.Device)
		assert.Equal(t, "120", get(t, d, "e1", "amount"))
		assert.Equal(t, "reviewed", get(t, d, "e1", "note"))
	}
}

func TestTieBreakOnDevice(t *testing.T) {
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	ea := put(t, a, "e1", "x", "from-a")
	eb := put(t, b, "e1", "x", "from-b")
	require.Equal(t, ea.UpdatedAt, eb.UpdatedAt)
	apply(t, a, eb)
	apply(t, b, ea)
	assert.Equal(t, "from-b", get(t, a, "e1", "x"))
	assert.Equal(t, "from-b", get(t, b, "e1", "x"))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, newKeys(t), "A", replica.LaterWriteWins)
	_, err := a.Delete(ctx, "invoice", "e1")
	assert.True(t, errors.Is(errors.NotExist, err))

	put(t, a, "e1", "amount", "100")
	a.clock.Advance(time.Second)
	e, err := a.Delete(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, replica.Tombstoned, e.State(a.Policy()))
	assert.Equal(t, e.UpdatedAt, e.TombstonedAt)
	assert.Equal(t, replica.VersionVector{"A": 2}, e.Vector)
	_, err = a.Get(ctx, "invoice", "e1")
	assert.True(t, errors.Is(errors.NotExist, err))

	again, err := a.Delete(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Vector, again.Vector, "second delete wrote a new version")

	// A later write revives the entity with only the new fields.
	a.clock.Advance(time.Second)
	put(t, a, "e1", "note", "restored")
	fields, err := a.Get(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"note": []byte("restored")}, fields)
}

func TestTombstoneDurability(t *testing.T) {
	for _, policy := range []replica.TombstonePolicy{replica.LaterWriteWins, replica.DeleteWins} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			kc := newKeys(t)
			a := newDevice(t, kc, "A", policy)
			b := newDevice(t, kc, "B", policy)
			c := newDevice(t, kc, "C", policy)
			e := put(t, a, "e1", "amount", "100")
			apply(t, b, e)
			apply(t, c, e)

			// B edits, then A deletes later, concurrently.
			b.clock.Advance(time.Minute)
			stale := put(t, b, "e1", "amount", "200")
			a.clock.Advance(time.Hour)
			del, err := a.Delete(ctx, "invoice", "e1")
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				apply(t, a, stale)
				apply(t, c, stale)
				apply(t, c, del)
				apply(t, b, del)
			}
			for _, d := range []*device{a, b, c} {
				got, err := d.Entity(ctx, "invoice", "e1")
				require.NoError(t, err)
				assert.Equal(t, replica.Tombstoned, got.State(policy), "device %s", d.Device())
			}

			// C writes strictly after the delete.
			c.clock.Advance(2 * time.Hour)
			later, err := c.Put(ctx, "invoice", "e1", map[string][]byte{"amount": []byte("300")})
			if policy == replica.DeleteWins {
				assert.True(t, errors.Is(errors.Precondition, err))
				return
			}
			require.NoError(t, err)
			apply(t, a, later)
			apply(t, b, later)
			for _, d := range []*device{a, b, c} {
				assert.Equal(t, "300", get(t, d, "e1", "amount"))
			}
		})
	}
}

func TestDeleteWinsIgnoresLaterRemoteWrite(t *testing.T) {
	ctx := context.Background()
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.DeleteWins)
	// B runs the other policy, so it can produce a later write.
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	e := put(t, a, "e1", "amount", "1")
	apply(t, b, e)
	del, err := a.Delete(ctx, "invoice", "e1")
	require.NoError(t, err)
	b.clock.Advance(time.Hour)
	later := put(t, b, "e1", "amount", "2")
	apply(t, a, later)
	got, err := a.Entity(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, replica.Tombstoned, got.State(replica.DeleteWins))
	assert.Equal(t, del.TombstonedAt, got.TombstonedAt)
}

func TestApplyRejectsTampered(t *testing.T) {
	ctx := context.Background()
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	e := put(t, a, "e1", "amount", "100")

	tampered := e.Clone()
	tampered.Envelope.Ciphertext[0] ^= 1
	_, err := b.Apply(ctx, tampered)
	assert.True(t, errors.Is(errors.Integrity, err), "got %v", err)

	// An envelope moved to another record slot does not authenticate.
	moved := e.Clone()
	moved.ID = "e2"
	_, err = b.Apply(ctx, moved)
	assert.True(t, errors.Is(errors.Integrity, err), "got %v", err)

	invalid := e.Clone()
	invalid.Vector = nil
	_, err = b.Apply(ctx, invalid)
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	_, err = b.Entity(ctx, "invoice", "e1")
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestObserve(t *testing.T) {
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	var changes []replica.Change
	cancel := b.Observe("invoice", func(c replica.Change) { changes = append(changes, c) })
	var others int
	b.Observe("customer", func(replica.Change) { others++ })

	put(t, b, "e1", "x", "1")
	apply(t, b, put(t, a, "e2", "x", "2"))
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Remote)
	assert.Equal(t, replica.Created, changes[0].Outcome)
	assert.True(t, changes[1].Remote)
	assert.Equal(t, "e2", changes[1].ID)
	assert.Equal(t, 0, others)

	cancel()
	put(t, b, "e1", "x", "3")
	assert.Len(t, changes, 2)
}

func TestObserverWritesBack(t *testing.T) {
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var (
		calls int
		errs  []error
	)
	for _, d := range []*device{a, b} {
		d := d
		d.Observe("invoice", func(c replica.Change) {
			calls++
			if c.Outcome != replica.Created {
				return
			}
			_, err := d.Put(ctx, c.Type, c.ID, map[string][]byte{"seen": []byte("yes")})
			errs = append(errs, err)
		})
	}
	put(t, a, "e1", "x", "1")
	assert.Equal(t, "yes", get(t, a, "e1", "seen"))

	e, err := a.Entity(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, replica.Created, apply(t, b, e))
	assert.Equal(t, "yes", get(t, b, "e1", "seen"))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, calls)
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	b := newDevice(t, kc, "B", replica.LaterWriteWins)
	put(t, a, "e1", "x", "1")
	put(t, a, "e2", "x", "1")
	e1 := put(t, a, "e1", "x", "2")

	pending, err := a.table.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "writes to one entity coalesce")
	assert.Equal(t, "e1", pending[0].ID)

	// Remote states are not queued.
	apply(t, b, e1)
	pending, err = b.table.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// An ack for a superseded state keeps the entry.
	require.NoError(t, a.table.Ack(ctx, "invoice", "e1", replica.VersionVector{"A": 1}.Hash()))
	pending, _ = a.table.Pending(ctx, 0)
	assert.Len(t, pending, 2)
	require.NoError(t, a.table.Ack(ctx, "invoice", "e1", e1.Hash()))
	pending, _ = a.table.Pending(ctx, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].ID)

	failed, err := a.table.Fail(ctx, "invoice", "e2", 2, "network down")
	require.NoError(t, err)
	assert.False(t, failed)
	failed, err = a.table.Fail(ctx, "invoice", "e2", 2, "network down")
	require.NoError(t, err)
	assert.True(t, failed)
	pending, _ = a.table.Pending(ctx, 10)
	assert.Empty(t, pending)
	list, err := a.table.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Attempts)
	expect.HasSubstr(t, list[0].LastError, "network")

	require.NoError(t, a.table.Retry(ctx, "invoice", "e2"))
	pending, _ = a.table.Pending(ctx, 10)
	assert.Len(t, pending, 1)
	assert.True(t, errors.Is(errors.NotExist, a.table.Retry(ctx, "invoice", "nope")))
}

func TestConcurrentWritersSharingTable(t *testing.T) {
	ctx := context.Background()
	kc := newKeys(t)
	table := replica.NewMemTable()
	sealer := &encryption.ContextSealer{Keys: kc}
	// Two stores over one table behave like two processes: their
	// entity locks are separate, so writes race on the table.
	s1 := replica.NewStore("A", table, sealer, replica.Options{})
	s2 := replica.NewStore("A", table, sealer, replica.Options{})
	const n = 25
	var wg sync.WaitGroup
	for i, s := range []*replica.Store{s1, s2} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				_, err := s.Put(ctx, "invoice", "e1", map[string][]byte{fmt.Sprintf("f%d-%d", i, j): []byte("v")})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	fields, err := s1.Get(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Len(t, fields, 2*n, "lost update")
	e, err := s1.Entity(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*n), e.Vector.Get("A"))
}

func TestResealAfterRotation(t *testing.T) {
	ctx := context.Background()
	kc := newKeys(t)
	a := newDevice(t, kc, "A", replica.LaterWriteWins)
	sealer := &encryption.ContextSealer{Keys: kc}
	old := put(t, a, "e1", "amount", "100")

	_, err := kc.Rotate(ctx, keys.RotateRequest{Reason: "test"})
	require.NoError(t, err)
	// Still readable under the archived key.
	assert.Equal(t, "100", get(t, a, "e1", "amount"))

	stale := func(e *replica.Entity) bool { return !sealer.Current(e.AD(), e.Envelope) }
	ok, err := a.Reseal(ctx, "invoice", "e1", stale)
	require.NoError(t, err)
	assert.True(t, ok)
	e, err := a.Entity(ctx, "invoice", "e1")
	require.NoError(t, err)
	assert.NotEqual(t, old.Envelope.KeyID, e.Envelope.KeyID)
	assert.Equal(t, old.UpdatedAt, e.UpdatedAt)
	assert.Equal(t, replica.After, e.Vector.Compare(old.Vector))
	assert.Equal(t, "100", get(t, a, "e1", "amount"))

	ok, err = a.Reseal(ctx, "invoice", "e1", stale)
	require.NoError(t, err)
	assert.False(t, ok, "resealed twice")
}

// plainSealer hides the batch methods of the sealer it wraps.
type plainSealer struct{ replica.Sealer }

func TestResealBatch(t *testing.T) {
	for _, batch := range []bool{true, false} {
		t.Run(fmt.Sprint("batch=", batch), func(t *testing.T) {
			ctx := context.Background()
			kc := newKeys(t)
			sealer := &encryption.ContextSealer{Keys: kc}
			a := newDevice(t, kc, "A", replica.LaterWriteWins)
			if !batch {
				a.Store = replica.NewStore("A", a.table, plainSealer{sealer}, replica.Options{Clock: a.clock})
			}
			var refs []replica.Ref
			for i := 5; i > 0; i-- {
				id := fmt.Sprint("e", i)
				put(t, a, id, "amount", id)
				refs = append(refs, replica.Ref{Type: "invoice", ID: id})
			}
			refs = append(refs, refs[0], replica.Ref{Type: "invoice", ID: "missing"})

			_, err := kc.Rotate(ctx, keys.RotateRequest{Reason: "test"})
			require.NoError(t, err)
			stale := func(e *replica.Entity) bool { return !sealer.Current(e.AD(), e.Envelope) }
			n, err := a.ResealBatch(ctx, refs, stale)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			for i := 1; i <= 5; i++ {
				id := fmt.Sprint("e", i)
				e, err := a.Entity(ctx, "invoice", id)
				require.NoError(t, err)
				assert.False(t, stale(e), id)
				assert.Equal(t, replica.VersionVector{"A": 2}, e.Vector)
				assert.Equal(t, id, get(t, a, id, "amount"))
			}

			n, err = a.ResealBatch(ctx, refs, stale)
			require.NoError(t, err)
			assert.Equal(t, 0, n, "resealed twice")
		})
	}
}

func TestCollectGarbage(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, newKeys(t), "A", replica.LaterWriteWins)
	put(t, a, "e1", "x", "1")
	put(t, a, "e2", "x", "1")
	put(t, a, "live", "x", "1")
	_, err := a.Delete(ctx, "invoice", "e1")
	require.NoError(t, err)
	_, err = a.Delete(ctx, "invoice", "e2")
	require.NoError(t, err)

	observed := func(e *replica.Entity) bool { return e.ID == "e2" }
	opts := replica.GCOptions{Observed: observed}
	n, err := a.CollectGarbage(ctx, epoch.Add(time.Hour), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "collected before the minimum grace")

	n, err = a.CollectGarbage(ctx, epoch.Add(2*replica.DefaultMinGrace), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = a.Entity(ctx, "invoice", "e2")
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = a.Entity(ctx, "invoice", "e1")
	assert.NoError(t, err)

	n, err = a.CollectGarbage(ctx, epoch.Add(replica.DefaultRetention+time.Hour), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = a.Entity(ctx, "invoice", "e1")
	assert.True(t, errors.Is(errors.NotExist, err))
	assert.Equal(t, "1", get(t, a, "live", "x"))
}
