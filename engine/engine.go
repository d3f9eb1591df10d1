// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine is the business-facing facade of the sync engine. An
// Engine owns a session: the key context derived from the user's
// passphrase, the encrypted local replica, and the sync client. The
// business layer sees only plaintext fields keyed by entity type and
// ID, and a stream of change events:
//
//	e, err := engine.Open(ctx, engine.Options{
//		Vault:      vault,
//		Passphrase: passphrase,
//		Keystore:   ks,
//		Path:       "/var/lib/app/replica.db",
//	})
//	...
//	defer e.Close()
//	err = e.Put(ctx, "invoice", id, map[string][]byte{"amount": []byte("100")})
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/keystore"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/sqlitestore"
	"github.com/grailbio/zksync/status"
	"github.com/grailbio/zksync/sync/ctxsync"
	"github.com/grailbio/zksync/syncclient"
	"github.com/grailbio/zksync/syncqueue"
)

var logger = log.For("engine")

// Pairing is what a new device needs, besides the passphrase, to join
// a vault. None of it is secret.
type Pairing struct {
	Vault string
	Salt  []byte
	KDF   keys.KDFParams
}

// Options configures an Engine.
type Options struct {
	// Vault names the vault. It is required.
	Vault string
	// Passphrase is the user's secret. It is not retained.
	Passphrase []byte
	// Keystore holds the device's local state. It is required.
	Keystore *keystore.Keystore
	// Join, when the device has no state for Vault yet, joins an
	// existing vault instead of creating one.
	Join *Pairing
	// DeviceID names a new device. Defaults to a random UUID.
	DeviceID string
	// Path is the replica database. Empty keeps the replica in memory.
	Path string
	// KDF parameterizes root derivation for a new vault. Defaults to
	// keys.DefaultKDFParams.
	KDF keys.KDFParams
	// Level is the session's permission level. Defaults to keys.Admin.
	Level keys.Level
	// LevelOf maps entity types to the level whose key seals them.
	// Unlisted types use keys.User.
	LevelOf map[string]keys.Level
	// Policy decides between deletes and concurrent writes.
	Policy replica.TombstonePolicy
	// Algorithm seals new records. Defaults to encryption.DefaultAlgorithm.
	Algorithm encryption.Algorithm
	// RotationPeriod is the lifetime of an epoch's keys.
	RotationPeriod time.Duration
	// RotationBatch is the number of records re-encrypted in parallel
	// between rotation checkpoints. Defaults to DefaultRotationBatch.
	RotationBatch int
	// Sync configures synchronization. Sync is disabled when it names
	// no regions. Vault, Meta, Clock and OnUnknownKey are set by the
	// engine.
	Sync syncclient.Options
	// Background starts the sync loop on Open.
	Background bool
	// GC configures tombstone collection after each sync.
	GC replica.GCOptions
	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// Event notifies a change to an entity, local or merged from another
// device.
type Event struct {
	Type, ID string
	State    replica.State
	Remote   bool
	Outcome  replica.Outcome
}

// Engine is a session on one device's replica of a vault.
type Engine struct {
	opts   Options
	clock  clock.Clock
	ks     *keystore.Keystore
	keys   *keys.EncryptionContext
	sealer *encryption.ContextSealer
	db     *sqlitestore.DB
	store  *replica.Store
	outbox replica.Outbox
	client *syncclient.Client

	// writes is held shared by local writes and exclusively while a
	// rotation re-encrypts records.
	writes sync.RWMutex
	// rotation serializes rotations.
	rotation ctxsync.Mutex

	mu         sync.Mutex
	state      *keystore.State
	onRotation []func(RotationNotice)

	closed    chan struct{}
	closeOnce sync.Once
}

// Open opens a session. On a device without state for the vault, a
// new vault is created (or Join is joined) and the state is saved to
// the keystore. A wrong passphrase fails with NotAllowed before any
// record is touched.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Vault == "" {
		return nil, errors.E(errors.Invalid, "engine: vault is required")
	}
	if opts.Keystore == nil {
		return nil, errors.E(errors.Invalid, "engine: keystore is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Level == 0 {
		opts.Level = keys.Admin
	}
	if opts.KDF == (keys.KDFParams{}) {
		opts.KDF = keys.DefaultKDFParams
	}
	e := &Engine{
		opts:   opts,
		clock:  opts.Clock,
		ks:     opts.Keystore,
		closed: make(chan struct{}),
	}
	st, root, err := e.loadState(opts)
	if err != nil {
		return nil, err
	}
	e.state = st
	e.keys, err = keys.NewContext(root, keys.Options{
		Level:          opts.Level,
		Epoch:          st.Epoch,
		EpochStart:     st.EpochStart,
		RotationPeriod: opts.RotationPeriod,
		Clock:          opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	if r := st.Rotation; r != nil && r.Epoch > st.Epoch {
		// The rotation had started but its epoch was not recorded.
		if err := e.keys.Advance(r.Epoch, r.Started); err != nil {
			e.keys.Destroy()
			return nil, err
		}
	}
	e.sealer = &encryption.ContextSealer{
		Engine: &encryption.Engine{Algorithm: opts.Algorithm},
		Keys:   e.keys,
		LevelOf: func(typ string) keys.Level {
			if l, ok := opts.LevelOf[typ]; ok {
				return l
			}
			return keys.User
		},
	}

	var (
		table replica.Table
		meta  syncclient.MetaStore
	)
	if opts.Path != "" {
		e.db, err = sqlitestore.OpenDB(opts.Path, opts.Clock)
		if err != nil {
			e.keys.Destroy()
			return nil, err
		}
		table, e.outbox, meta = e.db, e.db, e.db
	} else {
		mem := replica.NewMemTable()
		table, e.outbox, meta = mem, mem, new(syncclient.MemMeta)
	}
	e.store = replica.NewStore(replica.DeviceID(st.DeviceID), table, e.sealer, replica.Options{
		Policy: opts.Policy,
		Clock:  opts.Clock,
	})

	if len(opts.Sync.Regions) > 0 {
		so := opts.Sync
		so.Vault = opts.Vault
		so.Meta = meta
		so.Clock = opts.Clock
		so.OnUnknownKey = e.followRotation
		e.client, err = syncclient.New(e.store, e.outbox, so)
		if err != nil {
			e.Close()
			return nil, err
		}
		if opts.Background {
			e.client.Start(context.Background())
		}
	}
	if st.Rotation != nil {
		logger.Info.Printf("vault %s: rotation to epoch %d was interrupted after %d records; call ResumeRotation",
			opts.Vault, st.Rotation.Epoch, st.Rotation.Done)
	}
	logger.Debug.Printf("opened vault %s as device %s (%s session)", opts.Vault, st.DeviceID, opts.Level)
	return e, nil
}

// loadState loads or creates the device state and derives the root.
func (e *Engine) loadState(opts Options) (*keystore.State, *keys.RootSecret, error) {
	st, err := e.ks.Load(opts.Vault)
	switch {
	case err == nil:
		if err := st.KDF.Validate(); err != nil {
			return nil, nil, err
		}
		root, err := keys.DeriveRootSecret(opts.Passphrase, st.Salt, st.KDF)
		if err != nil {
			return nil, nil, err
		}
		if err := st.CheckRoot(root); err != nil {
			root.Destroy()
			return nil, nil, err
		}
		return st, root, nil
	case !errors.Is(errors.NotExist, err):
		return nil, nil, err
	}
	st = &keystore.State{
		Vault:      opts.Vault,
		DeviceID:   opts.DeviceID,
		KDF:        opts.KDF,
		EpochStart: opts.Clock.Now(),
	}
	if st.DeviceID == "" {
		st.DeviceID = uuid.NewString()
	}
	if j := opts.Join; j != nil {
		if j.Vault != opts.Vault {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("engine: pairing is for vault %q, not %q", j.Vault, opts.Vault))
		}
		st.Salt, st.KDF = j.Salt, j.KDF
	} else if st.Salt, err = keys.NewSalt(st.KDF); err != nil {
		return nil, nil, err
	}
	if err := st.Validate(); err != nil {
		return nil, nil, err
	}
	root, err := keys.DeriveRootSecret(opts.Passphrase, st.Salt, st.KDF)
	if err != nil {
		return nil, nil, err
	}
	st.Fingerprint = root.Fingerprint()
	if err := e.ks.Save(st); err != nil {
		root.Destroy()
		return nil, nil, err
	}
	logger.Info.Printf("device %s initialized for vault %s", st.DeviceID, opts.Vault)
	return st, root, nil
}

func (e *Engine) check() error {
	select {
	case <-e.closed:
		return errors.E(errors.Precondition, "engine is closed")
	default:
		return nil
	}
}

// DeviceID returns the device's identifier in the vault.
func (e *Engine) DeviceID() string { return string(e.store.Device()) }

// Pairing returns what another device needs to join the vault.
func (e *Engine) Pairing() Pairing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Pairing{
		Vault: e.state.Vault,
		Salt:  append([]byte(nil), e.state.Salt...),
		KDF:   e.state.KDF,
	}
}

// Put encrypts and writes fields of an entity. A nil value deletes
// the field. Put blocks while a key rotation is re-encrypting records.
func (e *Engine) Put(ctx context.Context, typ, id string, fields map[string][]byte) error {
	if err := e.check(); err != nil {
		return err
	}
	e.writes.RLock()
	defer e.writes.RUnlock()
	_, err := e.store.Put(ctx, typ, id, fields)
	return err
}

// Get returns the decrypted fields of an entity, or NotExist.
func (e *Engine) Get(ctx context.Context, typ, id string) (map[string][]byte, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, typ, id)
}

// Delete tombstones an entity.
func (e *Engine) Delete(ctx context.Context, typ, id string) error {
	if err := e.check(); err != nil {
		return err
	}
	e.writes.RLock()
	defer e.writes.RUnlock()
	_, err := e.store.Delete(ctx, typ, id)
	return err
}

// Subscribe returns a stream of events for entities of type typ, or
// of every type if typ is empty. Events fire after each local write
// and each successful merge. They are queued without bound so that a
// slow subscriber never delays writes or sync. The channel is closed
// when ctx is done or the engine is closed.
func (e *Engine) Subscribe(ctx context.Context, typ string) <-chan Event {
	q := syncqueue.NewFIFO[Event]()
	cancel := e.store.Observe(typ, func(c replica.Change) {
		q.Put(Event{Type: c.Type, ID: c.ID, State: c.State, Remote: c.Remote, Outcome: c.Outcome})
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-e.closed:
		}
		cancel()
		q.Close()
	}()
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			ev, ok := q.Get()
			if !ok {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			}
		}
	}()
	return ch
}

// Sync runs a sync cycle now, then collects tombstones every device
// has observed and checks whether key rotation is due.
func (e *Engine) Sync(ctx context.Context) (*syncclient.Report, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if e.client == nil {
		return nil, errors.E(errors.Precondition, "engine: sync is not configured")
	}
	report, err := e.client.SyncNow(ctx)
	if err != nil {
		return report, err
	}
	gc := e.opts.GC
	gc.Observed = e.client.Observed(ctx)
	if n, err := e.store.CollectGarbage(ctx, e.clock.Now(), gc); err != nil {
		logger.Error.Printf("collecting tombstones: %v", err)
	} else if n > 0 {
		logger.Debug.Printf("collected %d tombstones", n)
	}
	e.checkRotationDue()
	return report, nil
}

// SyncClient returns the engine's sync client, or nil if sync is not
// configured. It exposes region selection and failed changes.
func (e *Engine) SyncClient() *syncclient.Client { return e.client }

// Status returns the current sync status.
func (e *Engine) Status() status.Snapshot {
	if e.client == nil {
		return status.Snapshot{State: status.Idle, Message: "sync is not configured"}
	}
	return e.client.Status().Snapshot()
}

// Close stops sync, closes the replica and wipes all key material. It
// is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.client != nil {
			e.client.Stop()
		}
		if e.db != nil {
			err = e.db.Close()
		}
		e.keys.Destroy()
		logger.Debug.Printf("closed vault %s", e.opts.Vault)
	})
	return err
}
