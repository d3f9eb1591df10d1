// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
)

// DefaultRotationPeriod is the lifetime of an epoch's keys.
const DefaultRotationPeriod = 90 * 24 * time.Hour

var logger = log.For("keys")

// Options configures an EncryptionContext.
type Options struct {
	// Level is the highest permission level available to the session.
	Level Level
	// Epoch is the current key epoch.
	Epoch uint32
	// EpochStart is when the current epoch began; keys expire
	// RotationPeriod after it.
	EpochStart time.Time
	// RotationPeriod defaults to DefaultRotationPeriod.
	RotationPeriod time.Duration
	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// EncryptionContext is the explicit, scoped holder of a session's key
// material. It owns the root secret, caches derived keys for the
// current epoch (used for writes) and resolves archived keys by ID
// (used for reads of records not yet re-encrypted). All methods are
// safe for concurrent use. Destroy wipes everything; a destroyed
// context fails every operation with Precondition.
type EncryptionContext struct {
	level  Level
	period time.Duration
	clock  clock.Clock

	mu         sync.RWMutex
	destroyed  bool
	roots      []*RootSecret // roots[0] is current
	epoch      uint32
	epochStart time.Time
	current    map[Level]*DerivedKey
	archive    map[KeyID]*DerivedKey
}

// NewContext creates a context that takes ownership of root.
func NewContext(root *RootSecret, opts Options) (*EncryptionContext, error) {
	if !opts.Level.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid permission level %d", int(opts.Level)))
	}
	if opts.RotationPeriod == 0 {
		opts.RotationPeriod = DefaultRotationPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.EpochStart.IsZero() {
		opts.EpochStart = opts.Clock.Now()
	}
	c := &EncryptionContext{
		level:      opts.Level,
		period:     opts.RotationPeriod,
		clock:      opts.Clock,
		roots:      []*RootSecret{root},
		epoch:      opts.Epoch,
		epochStart: opts.EpochStart,
		archive:    make(map[KeyID]*DerivedKey),
	}
	if err := c.deriveCurrentLocked(); err != nil {
		root.Destroy()
		return nil, err
	}
	return c, nil
}

// WithContext creates a context, calls fn with it, and destroys it on
// every exit path, including panics.
func WithContext(root *RootSecret, opts Options, fn func(*EncryptionContext) error) error {
	c, err := NewContext(root, opts)
	if err != nil {
		return err
	}
	defer c.Destroy()
	return fn(c)
}

func (c *EncryptionContext) deriveCurrentLocked() error {
	keys, err := deriveAll(c.roots[0], c.epoch, c.level)
	if err != nil {
		return err
	}
	expires := c.epochStart.Add(c.period)
	for _, k := range keys {
		k.CreatedAt, k.ExpiresAt = c.epochStart, expires
	}
	c.current = keys
	return nil
}

func (c *EncryptionContext) checkLocked() error {
	if c.destroyed {
		return errors.E(errors.Precondition, "encryption context destroyed")
	}
	return nil
}

// Level returns the session's permission level.
func (c *EncryptionContext) Level() Level { return c.level }

// Epoch returns the current epoch and its start time.
func (c *EncryptionContext) Epoch() (uint32, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch, c.epochStart
}

// RootFingerprint returns the fingerprint of the current root.
func (c *EncryptionContext) RootFingerprint() (Fingerprint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(); err != nil {
		return Fingerprint{}, err
	}
	return c.roots[0].Fingerprint(), nil
}

// WriteKey returns the current-epoch key for level. Only current keys
// are ever used for new ciphertext.
func (c *EncryptionContext) WriteKey(level Level) (*DerivedKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	k, ok := c.current[level]
	if !ok {
		return nil, errors.E(errors.NotAllowed, fmt.Sprintf("%s session cannot use %s keys", c.level, level))
	}
	return k, nil
}

// CurrentKeyIDs returns the IDs of the current-epoch keys, most
// privileged first.
func (c *EncryptionContext) CurrentKeyIDs() []KeyID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []KeyID
	for _, l := range Levels {
		if k, ok := c.current[l]; ok {
			ids = append(ids, k.ID)
		}
	}
	return ids
}

// ReadKey resolves the key named by id. Keys of earlier epochs are
// re-derived on demand from any root the context holds and verified
// against the fingerprint embedded in id. ReadKey fails with
// UnknownKey when no held root produces the key, or when the key
// belongs to a level the session cannot use.
func (c *EncryptionContext) ReadKey(id KeyID) (*DerivedKey, error) {
	level, epoch, fp, err := id.Parse()
	if err != nil {
		return nil, errors.E(errors.UnknownKey, err)
	}
	c.mu.RLock()
	if err := c.checkLocked(); err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	if k, ok := c.current[level]; ok && k.ID == id {
		c.mu.RUnlock()
		return k, nil
	}
	if k, ok := c.archive[id]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	if !c.level.Covers(level) {
		return nil, errors.E(errors.UnknownKey, fmt.Sprintf("key %s not available to %s session", id, c.level))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	if k, ok := c.archive[id]; ok {
		return k, nil
	}
	if epoch > c.epoch {
		return nil, errors.E(errors.UnknownKey, fmt.Sprintf("key %s is from a future epoch (current %d)", id, c.epoch))
	}
	for _, root := range c.roots {
		k, err := deriveEpoch(root, epoch, level)
		if err != nil {
			return nil, err
		}
		var kfp Fingerprint
		_ = k.Use(func(material []byte) error {
			kfp = fingerprint(material)
			return nil
		})
		if kfp.Equal(fp) {
			c.archive[id] = k
			return k, nil
		}
		k.Destroy()
	}
	return nil, errors.E(errors.UnknownKey, fmt.Sprintf("key %s not derivable from held roots", id))
}

// AddArchivedRoot adds a previous root from which archived keys may be
// re-derived, e.g. after a passphrase change. The context takes
// ownership of root.
func (c *EncryptionContext) AddArchivedRoot(root *RootSecret) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		root.Destroy()
		return err
	}
	c.roots = append(c.roots, root)
	return nil
}

// RotationDue tells whether the current epoch's keys have expired.
func (c *EncryptionContext) RotationDue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.clock.Now().Before(c.epochStart.Add(c.period))
}

// RotateRequest parameterizes Rotate.
type RotateRequest struct {
	// NewRoot optionally replaces the root secret (passphrase
	// change). The previous root is archived for reads.
	NewRoot *RootSecret
	// Reason is logged.
	Reason string
}

// Rotate starts a new epoch. Current keys are archived so that
// existing ciphertext remains readable; new writes use the new
// epoch's keys. Rotate requires an admin session. It returns the new
// key IDs, most privileged first.
func (c *EncryptionContext) Rotate(ctx context.Context, req RotateRequest) ([]KeyID, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.E(err, "rotate")
	}
	if c.level != Admin {
		if req.NewRoot != nil {
			req.NewRoot.Destroy()
		}
		return nil, errors.E(errors.NotAllowed, fmt.Sprintf("%s session cannot rotate keys", c.level))
	}
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		if req.NewRoot != nil {
			req.NewRoot.Destroy()
		}
		return nil, err
	}
	prev, prevEpoch, prevStart, prevRoots := c.current, c.epoch, c.epochStart, c.roots
	if req.NewRoot != nil {
		c.roots = append([]*RootSecret{req.NewRoot}, c.roots...)
	}
	c.epoch++
	c.epochStart = c.clock.Now()
	if err := c.deriveCurrentLocked(); err != nil {
		c.current, c.epoch, c.epochStart, c.roots = prev, prevEpoch, prevStart, prevRoots
		c.mu.Unlock()
		if req.NewRoot != nil {
			req.NewRoot.Destroy()
		}
		return nil, err
	}
	for _, k := range prev {
		c.archive[k.ID] = k
	}
	epoch := c.epoch
	c.mu.Unlock()
	ids := c.CurrentKeyIDs()
	logger.Info.Printf("rotated to epoch %d (%s)", epoch, req.Reason)
	return ids, nil
}

// Advance follows a rotation performed by another device: the context
// moves to epoch, begun at start, and the keys it held become archived
// read keys. Unlike Rotate, any session may advance. Advancing to the
// current or an earlier epoch does nothing.
func (c *EncryptionContext) Advance(epoch uint32, start time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	if epoch <= c.epoch {
		return nil
	}
	prev, prevEpoch, prevStart := c.current, c.epoch, c.epochStart
	c.epoch, c.epochStart = epoch, start
	if err := c.deriveCurrentLocked(); err != nil {
		c.current, c.epoch, c.epochStart = prev, prevEpoch, prevStart
		return err
	}
	for _, k := range prev {
		c.archive[k.ID] = k
	}
	logger.Info.Printf("advanced from epoch %d to %d", prevEpoch, epoch)
	return nil
}

// AdvanceTo advances to the epoch of id, begun at start, after
// checking that id names a key of the context's current root. A key
// ID naming a future epoch that the root does not produce fails with
// UnknownKey and leaves the context unchanged.
func (c *EncryptionContext) AdvanceTo(id KeyID, start time.Time) error {
	level, epoch, fp, err := id.Parse()
	if err != nil {
		return errors.E(errors.UnknownKey, err)
	}
	if !c.level.Covers(level) {
		return errors.E(errors.UnknownKey, fmt.Sprintf("key %s not available to %s session", id, c.level))
	}
	c.mu.RLock()
	if err := c.checkLocked(); err != nil {
		c.mu.RUnlock()
		return err
	}
	if epoch <= c.epoch {
		c.mu.RUnlock()
		return errors.E(errors.UnknownKey, fmt.Sprintf("key %s is not from a later epoch", id))
	}
	k, err := deriveEpoch(c.roots[0], epoch, level)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	var kfp Fingerprint
	_ = k.Use(func(material []byte) error {
		kfp = fingerprint(material)
		return nil
	})
	k.Destroy()
	if !kfp.Equal(fp) {
		return errors.E(errors.UnknownKey, fmt.Sprintf("key %s not derivable from the current root", id))
	}
	return c.Advance(epoch, start)
}

// Destroy wipes all key material held by the context. It is
// idempotent.
func (c *EncryptionContext) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	for _, k := range c.current {
		k.Destroy()
	}
	for _, k := range c.archive {
		k.Destroy()
	}
	for _, r := range c.roots {
		r.Destroy()
	}
	c.current, c.archive, c.roots = nil, nil, nil
}

// ClearSensitiveData is an alias for Destroy.
func (c *EncryptionContext) ClearSensitiveData() { c.Destroy() }
