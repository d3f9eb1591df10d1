// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func material(t *testing.T, k *DerivedKey) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, k.Use(func(m []byte) error {
		out = append([]byte(nil), m...)
		return nil
	}))
	return out
}

func testRoot(t *testing.T, seed byte) *RootSecret {
	t.Helper()
	root, err := RootFromBytes(bytes.Repeat([]byte{seed}, KeySize))
	require.NoError(t, err)
	return root
}

func TestKDFValidate(t *testing.T) {
	require.NoError(t, DefaultKDFParams.Validate())
	for _, weak := range []KDFParams{
		{Memory: 32 * 1024, Iterations: 3, Parallelism: 4, SaltLen: 16},
		{Memory: 64 * 1024, Iterations: 2, Parallelism: 4, SaltLen: 16},
		{Memory: 64 * 1024, Iterations: 3, Parallelism: 1, SaltLen: 16},
		{Memory: 64 * 1024, Iterations: 3, Parallelism: 4, SaltLen: 8},
	} {
		err := weak.Validate()
		assert.True(t, errors.Is(errors.WeakDerivation, err), "%+v: got %v", weak, err)
		assert.False(t, errors.Retryable(err))
	}
}

func TestDeriveRootSecret(t *testing.T) {
	salt, err := NewSalt(DefaultKDFParams)
	require.NoError(t, err)
	assert.Len(t, salt, 16)

	a, err := DeriveRootSecret([]byte("hunter2 hunter2"), salt, DefaultKDFParams)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := DeriveRootSecret([]byte("hunter2 hunter2"), salt, DefaultKDFParams)
	require.NoError(t, err)
	defer b.Destroy()
	assert.True(t, a.Fingerprint().Equal(b.Fingerprint()))

	c, err := DeriveRootSecret([]byte("hunter3 hunter3"), salt, DefaultKDFParams)
	require.NoError(t, err)
	defer c.Destroy()
	assert.False(t, a.Fingerprint().Equal(c.Fingerprint()))

	_, err = DeriveRootSecret(nil, salt, DefaultKDFParams)
	assert.True(t, errors.Is(errors.WeakDerivation, err))
	_, err = DeriveRootSecret([]byte("x"), salt[:8], DefaultKDFParams)
	assert.True(t, errors.Is(errors.WeakDerivation, err))
	weak := DefaultKDFParams
	weak.Memory = 1024
	_, err = DeriveRootSecret([]byte("x"), salt, weak)
	assert.True(t, errors.Is(errors.WeakDerivation, err))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	root := testRoot(t, 1)
	defer root.Destroy()
	for _, level := range Levels {
		k1, err := DeriveKey(root, level)
		require.NoError(t, err)
		k2, err := DeriveKey(root, level)
		require.NoError(t, err)
		assert.Equal(t, material(t, k1), material(t, k2))
		assert.Equal(t, k1.ID, k2.ID)
		k1.Destroy()
		k2.Destroy()
	}

	other := testRoot(t, 2)
	defer other.Destroy()
	all, err := DeriveAllKeys(root)
	require.NoError(t, err)
	allOther, err := DeriveAllKeys(other)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, l := range Levels {
		for _, k := range []*DerivedKey{all[l], allOther[l]} {
			m := string(material(t, k))
			assert.False(t, seen[m], "key collision at %s", l)
			seen[m] = true
		}
	}
}

func TestHierarchy(t *testing.T) {
	root := testRoot(t, 3)
	defer root.Destroy()
	all, err := DeriveAllKeys(root)
	require.NoError(t, err)
	for _, hi := range Levels {
		for _, lo := range Levels {
			k, err := DeriveFrom(all[hi], lo)
			if !hi.Covers(lo) {
				assert.True(t, errors.Is(errors.NotAllowed, err), "%s -> %s: %v", hi, lo, err)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, material(t, all[lo]), material(t, k), "%s -> %s", hi, lo)
			k.Destroy()
		}
	}
}

func TestKeyID(t *testing.T) {
	root := testRoot(t, 4)
	defer root.Destroy()
	k, err := DeriveKey(root, Accountant)
	require.NoError(t, err)
	level, epoch, fp, err := k.ID.Parse()
	require.NoError(t, err)
	assert.Equal(t, Accountant, level)
	assert.Equal(t, uint32(0), epoch)
	assert.Equal(t, NewKeyID(level, epoch, fp), k.ID)
	for _, bad := range []KeyID{"", "admin.1", "root.1.0011223344556677", "admin.x.0011223344556677", "admin.1.zz"} {
		_, _, _, err := bad.Parse()
		assert.True(t, errors.Is(errors.Invalid, err), "%q", bad)
	}
}

func TestContextScoping(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var leaked *DerivedKey
	err := WithContext(testRoot(t, 5), Options{Level: Accountant, Clock: clk}, func(c *EncryptionContext) error {
		_, err := c.WriteKey(Manager)
		assert.True(t, errors.Is(errors.NotAllowed, err))
		k, err := c.WriteKey(User)
		require.NoError(t, err)
		assert.Equal(t, clk.Now().Add(DefaultRotationPeriod), k.ExpiresAt)
		leaked = k
		_, err = c.Rotate(context.Background(), RotateRequest{Reason: "test"})
		assert.True(t, errors.Is(errors.NotAllowed, err))
		return errors.E(errors.Other, "boom")
	})
	require.Error(t, err)
	// The context was destroyed on the error path.
	err = leaked.Use(func([]byte) error { return nil })
	assert.True(t, errors.Is(errors.Precondition, err))
}

func TestContextDestroyedOnPanic(t *testing.T) {
	var leaked *DerivedKey
	assert.Panics(t, func() {
		_ = WithContext(testRoot(t, 6), Options{Level: Admin}, func(c *EncryptionContext) error {
			leaked, _ = c.WriteKey(Admin)
			panic("boom")
		})
	})
	assert.Error(t, leaked.Use(func([]byte) error { return nil }))
}

func TestRotateArchivesKeys(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := NewContext(testRoot(t, 7), Options{Level: Admin, Clock: clk})
	require.NoError(t, err)
	defer c.Destroy()

	old, err := c.WriteKey(User)
	require.NoError(t, err)
	oldID := old.ID
	oldMaterial := material(t, old)

	assert.False(t, c.RotationDue())
	clk.Advance(DefaultRotationPeriod)
	assert.True(t, c.RotationDue())

	ids, err := c.Rotate(context.Background(), RotateRequest{Reason: "expired"})
	require.NoError(t, err)
	assert.Len(t, ids, len(Levels))
	assert.False(t, c.RotationDue())

	cur, err := c.WriteKey(User)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, cur.ID)
	epoch, _ := c.Epoch()
	assert.Equal(t, uint32(1), epoch)

	archived, err := c.ReadKey(oldID)
	require.NoError(t, err)
	assert.Equal(t, oldMaterial, material(t, archived))
}

func TestReadKeyRederivesOldEpochs(t *testing.T) {
	// A fresh session at epoch 2 can still read epoch 0 ciphertext.
	c0, err := NewContext(testRoot(t, 8), Options{Level: Admin})
	require.NoError(t, err)
	k0, err := c0.WriteKey(Consultant)
	require.NoError(t, err)
	id0, m0 := k0.ID, material(t, k0)
	c0.Destroy()

	c2, err := NewContext(testRoot(t, 8), Options{Level: User, Epoch: 2})
	require.NoError(t, err)
	defer c2.Destroy()
	k, err := c2.ReadKey(id0)
	require.NoError(t, err)
	assert.Equal(t, m0, material(t, k))

	// Future epochs, foreign roots, and levels above the session are unknown.
	c5, err := NewContext(testRoot(t, 8), Options{Level: Admin, Epoch: 5})
	require.NoError(t, err)
	future, err := c5.WriteKey(User)
	require.NoError(t, err)
	admin, err := c5.WriteKey(Admin)
	require.NoError(t, err)
	_, err = c2.ReadKey(future.ID)
	assert.True(t, errors.Is(errors.UnknownKey, err))
	_, err = c2.ReadKey(admin.ID)
	assert.True(t, errors.Is(errors.UnknownKey, err))
	c5.Destroy()

	foreign, err := NewContext(testRoot(t, 9), Options{Level: Admin})
	require.NoError(t, err)
	fk, err := foreign.WriteKey(User)
	require.NoError(t, err)
	_, err = c2.ReadKey(fk.ID)
	assert.True(t, errors.Is(errors.UnknownKey, err))
	foreign.Destroy()
}

func TestAdvance(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	admin, err := NewContext(testRoot(t, 11), Options{Level: Admin})
	require.NoError(t, err)
	defer admin.Destroy()
	user, err := NewContext(testRoot(t, 11), Options{Level: User})
	require.NoError(t, err)
	defer user.Destroy()
	before, err := user.WriteKey(User)
	require.NoError(t, err)
	beforeID := before.ID

	_, err = admin.Rotate(context.Background(), RotateRequest{Reason: "test"})
	require.NoError(t, err)
	rotated, err := admin.WriteKey(User)
	require.NoError(t, err)
	_, err = user.ReadKey(rotated.ID)
	assert.True(t, errors.Is(errors.UnknownKey, err))

	require.NoError(t, user.Advance(1, start))
	k, err := user.ReadKey(rotated.ID)
	require.NoError(t, err)
	assert.Equal(t, material(t, rotated), material(t, k))
	cur, err := user.WriteKey(User)
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, cur.ID)
	assert.Equal(t, start, cur.CreatedAt)
	_, err = user.ReadKey(beforeID)
	assert.NoError(t, err)

	require.NoError(t, user.Advance(0, start))
	epoch, _ := user.Epoch()
	assert.Equal(t, uint32(1), epoch)
}

func TestAdvanceTo(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	admin, err := NewContext(testRoot(t, 12), Options{Level: Admin})
	require.NoError(t, err)
	defer admin.Destroy()
	user, err := NewContext(testRoot(t, 12), Options{Level: User})
	require.NoError(t, err)
	defer user.Destroy()
	other, err := NewContext(testRoot(t, 13), Options{Level: Admin, Epoch: 4})
	require.NoError(t, err)
	defer other.Destroy()

	forged, err := other.WriteKey(User)
	require.NoError(t, err)
	assert.True(t, errors.Is(errors.UnknownKey, user.AdvanceTo(forged.ID, start)))
	epoch, _ := user.Epoch()
	assert.Equal(t, uint32(0), epoch)

	adminKey, err := other.WriteKey(Admin)
	require.NoError(t, err)
	assert.True(t, errors.Is(errors.UnknownKey, user.AdvanceTo(adminKey.ID, start)), "level above session")

	_, err = admin.Rotate(context.Background(), RotateRequest{Reason: "test"})
	require.NoError(t, err)
	_, err = admin.Rotate(context.Background(), RotateRequest{Reason: "test"})
	require.NoError(t, err)
	rotated, err := admin.WriteKey(User)
	require.NoError(t, err)
	require.NoError(t, user.AdvanceTo(rotated.ID, start))
	epoch, _ = user.Epoch()
	assert.Equal(t, uint32(2), epoch)
	assert.True(t, errors.Is(errors.UnknownKey, user.AdvanceTo(rotated.ID, start)), "already current")
}

func TestRotateNewRoot(t *testing.T) {
	c, err := NewContext(testRoot(t, 10), Options{Level: Admin})
	require.NoError(t, err)
	defer c.Destroy()
	old, err := c.WriteKey(User)
	require.NoError(t, err)
	oldID := old.ID
	fp0, err := c.RootFingerprint()
	require.NoError(t, err)

	fresh := make([]byte, KeySize)
	_, err = rand.Read(fresh)
	require.NoError(t, err)
	newRoot, err := RootFromBytes(fresh)
	require.NoError(t, err)
	_, err = c.Rotate(context.Background(), RotateRequest{NewRoot: newRoot, Reason: "passphrase change"})
	require.NoError(t, err)
	fp1, err := c.RootFingerprint()
	require.NoError(t, err)
	assert.False(t, fp0.Equal(fp1))
	_, err = c.ReadKey(oldID)
	require.NoError(t, err)
}

func TestLevels(t *testing.T) {
	assert.True(t, Admin.Covers(Consultant))
	assert.False(t, User.Covers(Accountant))
	assert.False(t, Level(0).Covers(Consultant))
	for _, l := range Levels {
		p, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, p)
		text, err := l.MarshalText()
		require.NoError(t, err)
		var u Level
		require.NoError(t, u.UnmarshalText(text))
		assert.Equal(t, l, u)
	}
	_, err := ParseLevel("owner")
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestConfig(t *testing.T) {
	p := config.New()
	var c Config
	require.NoError(t, p.Instance("zksync/keys", &c))
	assert.Equal(t, Config{KDF: DefaultKDFParams, Level: Admin, RotationPeriod: DefaultRotationPeriod}, c)

	p = config.New()
	require.NoError(t, p.Set("zksync/keys.level", "accountant"))
	require.NoError(t, p.Set("zksync/keys.kdf-memory", "131072"))
	require.NoError(t, p.Instance("zksync/keys", &c))
	assert.Equal(t, Accountant, c.Level)
	assert.Equal(t, uint32(128*1024), c.KDF.Memory)

	p = config.New()
	require.NoError(t, p.Set("zksync/keys.kdf-iterations", "1"))
	err := p.Instance("zksync/keys", &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kdf iterations 1 below minimum 3")

	p = config.New()
	require.NoError(t, p.Set("zksync/keys.kdf-parallelism", "260"))
	err = p.Instance("zksync/keys", &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kdf-parallelism 260 out of range")
}

func TestKDFFromInts(t *testing.T) {
	d := DefaultKDFParams
	mem, iter, par := int(d.Memory), int(d.Iterations), int(d.Parallelism)
	for _, c := range []struct {
		memory, iterations, parallelism, saltLen int
		kind                                     errors.Kind
	}{
		{mem, iter, 256, d.SaltLen, errors.Invalid},
		{mem, iter, 260, d.SaltLen, errors.Invalid},
		{mem, iter, -1, d.SaltLen, errors.Invalid},
		{-1, iter, par, d.SaltLen, errors.Invalid},
		{1 << 33, iter, par, d.SaltLen, errors.Invalid},
		{mem, -3, par, d.SaltLen, errors.Invalid},
		{mem, 1<<32 + 3, par, d.SaltLen, errors.Invalid},
		{mem, iter, par, -16, errors.Invalid},
		{mem, iter, 1, d.SaltLen, errors.WeakDerivation},
		{1024, iter, par, d.SaltLen, errors.WeakDerivation},
	} {
		_, err := kdfFromInts(c.memory, c.iterations, c.parallelism, c.saltLen)
		assert.True(t, errors.Is(c.kind, err), "%+v: %v", c, err)
	}
	p, err := kdfFromInts(mem, iter, 255, d.SaltLen)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), p.Parallelism)
	p, err = kdfFromInts(mem, iter, par, d.SaltLen)
	require.NoError(t, err)
	assert.Equal(t, d, p)
}
