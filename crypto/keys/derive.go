// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/zksync/crypto/secret"
	"github.com/grailbio/zksync/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// Namespace prefixes every HKDF context string.
const Namespace = "zksync"

const fingerprintContext = "zksync 2026-01-01 key fingerprint v1"

// fingerprintLen is the number of fingerprint bytes embedded in key IDs.
const fingerprintLen = 8

// Fingerprint identifies key material without revealing it.
type Fingerprint [fingerprintLen]byte

func fingerprint(material []byte) Fingerprint {
	var out [32]byte
	blake3.DeriveKey(fingerprintContext, material, out[:])
	var fp Fingerprint
	copy(fp[:], out[:])
	return fp
}

// String returns the hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Equal compares two fingerprints in constant time.
func (f Fingerprint) Equal(g Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], g[:]) == 1
}

// RootSecret is the passphrase-derived secret from which all keys
// descend. It never leaves this package: callers hold it only to
// create an EncryptionContext.
type RootSecret struct {
	buf *secret.Buffer
	fp  Fingerprint
}

func newRootSecret(buf *secret.Buffer) *RootSecret {
	return &RootSecret{buf: buf, fp: fingerprint(buf.Bytes())}
}

// RootFromBytes wraps existing root material, for example a recovery
// key. The source slice is zeroed.
func RootFromBytes(material []byte) (*RootSecret, error) {
	if len(material) != KeySize {
		return nil, errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("root secret must be %d bytes, got %d", KeySize, len(material)))
	}
	buf, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, errors.E(errors.Encryption, "allocating root secret", err)
	}
	return newRootSecret(buf), nil
}

// Fingerprint returns the root's fingerprint. Devices persist it to
// detect a mistyped passphrase before any decryption is attempted.
func (r *RootSecret) Fingerprint() Fingerprint { return r.fp }

// Destroy zeroes the root secret.
func (r *RootSecret) Destroy() {
	_ = r.buf.Close()
}

// KeyID names a derived key: "<level>.<epoch>.<fingerprint>". Key IDs
// are safe to log and to store alongside ciphertext.
type KeyID string

// NewKeyID constructs a key ID.
func NewKeyID(level Level, epoch uint32, fp Fingerprint) KeyID {
	return KeyID(fmt.Sprintf("%s.%d.%s", level, epoch, fp))
}

// Parse splits a key ID into its components.
func (id KeyID) Parse() (level Level, epoch uint32, fp Fingerprint, err error) {
	parts := strings.Split(string(id), ".")
	if len(parts) != 3 {
		return 0, 0, fp, errors.E(errors.Invalid, fmt.Sprintf("malformed key id %q", id))
	}
	if level, err = ParseLevel(parts[0]); err != nil {
		return 0, 0, fp, errors.E(errors.Invalid, fmt.Sprintf("malformed key id %q", id), err)
	}
	e, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fp, errors.E(errors.Invalid, fmt.Sprintf("malformed key id %q", id))
	}
	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) != fingerprintLen {
		return 0, 0, fp, errors.E(errors.Invalid, fmt.Sprintf("malformed key id %q", id))
	}
	copy(fp[:], raw)
	return level, uint32(e), fp, nil
}

// DerivedKey is a permission-scoped key for a single epoch. Its
// material is held in a secret.Buffer and is only reachable through
// Use.
type DerivedKey struct {
	Level     Level
	Epoch     uint32
	ID        KeyID
	CreatedAt time.Time
	ExpiresAt time.Time

	mu  sync.RWMutex
	buf *secret.Buffer
}

// Use calls fn with the key material. The material must not be
// retained after fn returns. Use fails with Precondition once the key
// has been destroyed.
func (k *DerivedKey) Use(fn func(material []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || k.buf.Closed() {
		return errors.E(errors.Precondition, fmt.Sprintf("key %s destroyed", k.ID))
	}
	return fn(k.buf.Bytes())
}

// Expired tells whether the key's rotation deadline has passed.
func (k *DerivedKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Destroy zeroes the key material.
func (k *DerivedKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		_ = k.buf.Close()
	}
}

func (k *DerivedKey) String() string {
	return string(k.ID)
}

// info is the HKDF context for a level within an epoch.
func info(epoch uint32, level Level) []byte {
	return []byte(fmt.Sprintf("%s/e%d-%s", Namespace, epoch, level))
}

// expand derives the child of parent for the given epoch and level.
func expand(parent []byte, epoch uint32, level Level) (*secret.Buffer, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, parent, info(epoch, level)), material); err != nil {
		return nil, errors.E(errors.Encryption, "hkdf expand", err)
	}
	buf, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, errors.E(errors.Encryption, "allocating key", err)
	}
	return buf, nil
}

func newDerivedKey(level Level, epoch uint32, buf *secret.Buffer) *DerivedKey {
	return &DerivedKey{
		Level: level,
		Epoch: epoch,
		ID:    NewKeyID(level, epoch, fingerprint(buf.Bytes())),
		buf:   buf,
	}
}

// deriveEpoch derives the key for level in epoch from root by walking
// the chain admin → ... → level.
func deriveEpoch(root *RootSecret, epoch uint32, level Level) (*DerivedKey, error) {
	if !level.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid permission level %d", int(level)))
	}
	buf, err := expand(root.buf.Bytes(), epoch, Admin)
	if err != nil {
		return nil, err
	}
	key := newDerivedKey(Admin, epoch, buf)
	if level == Admin {
		return key, nil
	}
	defer key.Destroy()
	return DeriveFrom(key, level)
}

// DeriveKey derives the epoch 0 key for level from root. It is a pure
// function of its inputs.
func DeriveKey(root *RootSecret, level Level) (*DerivedKey, error) {
	return deriveEpoch(root, 0, level)
}

// DeriveFrom derives the key for a lower (or equal) level from key,
// within key's epoch. Deriving a higher level fails with NotAllowed:
// the hierarchy is one-way.
func DeriveFrom(key *DerivedKey, level Level) (*DerivedKey, error) {
	if !key.Level.Covers(level) {
		return nil, errors.E(errors.NotAllowed, fmt.Sprintf("%s key cannot derive %s key", key.Level, level))
	}
	var out *DerivedKey
	err := key.Use(func(material []byte) error {
		if level == key.Level {
			buf, err := secret.New(KeySize)
			if err != nil {
				return errors.E(errors.Encryption, "allocating key", err)
			}
			copy(buf.Bytes(), material)
			out = newDerivedKey(level, key.Epoch, buf)
			return nil
		}
		var (
			cur  = material
			bufs []*secret.Buffer
		)
		for l := key.Level - 1; l >= level; l-- {
			buf, err := expand(cur, key.Epoch, l)
			if err != nil {
				for _, b := range bufs {
					_ = b.Close()
				}
				return err
			}
			bufs = append(bufs, buf)
			cur = buf.Bytes()
		}
		for _, b := range bufs[:len(bufs)-1] {
			_ = b.Close()
		}
		out = newDerivedKey(level, key.Epoch, bufs[len(bufs)-1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.CreatedAt, out.ExpiresAt = key.CreatedAt, key.ExpiresAt
	return out, nil
}

// DeriveAllKeys derives the epoch 0 keys of every level from root.
func DeriveAllKeys(root *RootSecret) (map[Level]*DerivedKey, error) {
	return deriveAll(root, 0, Admin)
}

// deriveAll derives every level covered by top in the given epoch.
func deriveAll(root *RootSecret, epoch uint32, top Level) (map[Level]*DerivedKey, error) {
	admin, err := deriveEpoch(root, epoch, Admin)
	if err != nil {
		return nil, err
	}
	defer admin.Destroy()
	keys := make(map[Level]*DerivedKey)
	for _, l := range Levels {
		if !top.Covers(l) {
			continue
		}
		k, err := DeriveFrom(admin, l)
		if err != nil {
			for _, k := range keys {
				k.Destroy()
			}
			return nil, err
		}
		keys[l] = k
	}
	return keys, nil
}
