// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/grailbio/zksync/crypto/secret"
	"github.com/grailbio/zksync/errors"
	"golang.org/x/crypto/argon2"
)

// KeySize is the size in bytes of root secrets and derived keys.
const KeySize = 32

// KDFParams configures the Argon2id derivation of the root secret.
// They are stored alongside the salt so that every device derives
// the same root from the same passphrase.
type KDFParams struct {
	// Memory is the memory cost in KiB.
	Memory uint32 `json:"memory_kib"`
	// Iterations is the number of passes over memory.
	Iterations uint32 `json:"iterations"`
	// Parallelism is the number of lanes.
	Parallelism uint8 `json:"parallelism"`
	// SaltLen is the length of generated salts in bytes.
	SaltLen int `json:"salt_len"`
}

// DefaultKDFParams are the minimum accepted parameters: 64 MiB of
// memory, 3 iterations, 4 lanes and a 128-bit salt.
var DefaultKDFParams = KDFParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 4,
	SaltLen:     16,
}

// minKDFParams is the floor enforced by Validate.
var minKDFParams = DefaultKDFParams

// Validate returns a WeakDerivation error if p is weaker than the
// minimum in any dimension. Weak parameters are never silently
// upgraded.
func (p KDFParams) Validate() error {
	switch {
	case p.Memory < minKDFParams.Memory:
		return errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("kdf memory %d KiB below minimum %d KiB", p.Memory, minKDFParams.Memory))
	case p.Iterations < minKDFParams.Iterations:
		return errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("kdf iterations %d below minimum %d", p.Iterations, minKDFParams.Iterations))
	case p.Parallelism < minKDFParams.Parallelism:
		return errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("kdf parallelism %d below minimum %d", p.Parallelism, minKDFParams.Parallelism))
	case p.SaltLen < minKDFParams.SaltLen:
		return errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("kdf salt length %d below minimum %d", p.SaltLen, minKDFParams.SaltLen))
	}
	return nil
}

var randomSource io.Reader = rand.Reader

// NewSalt returns a random salt of the length configured by p.
func NewSalt(p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, p.SaltLen)
	if _, err := io.ReadFull(randomSource, salt); err != nil {
		return nil, errors.E(errors.Encryption, "generating salt", err)
	}
	return salt, nil
}

// DeriveRootSecret derives the session's root secret from a
// passphrase with Argon2id. The result is deterministic given the
// passphrase, salt and parameters. The passphrase is not retained.
func DeriveRootSecret(passphrase, salt []byte, p KDFParams) (*RootSecret, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, errors.E(errors.WeakDerivation, errors.Fatal, "empty passphrase")
	}
	if len(salt) < p.SaltLen {
		return nil, errors.E(errors.WeakDerivation, errors.Fatal, fmt.Sprintf("salt of %d bytes shorter than %d", len(salt), p.SaltLen))
	}
	material := argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, KeySize)
	buf, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, errors.E(errors.Encryption, "allocating root secret", err)
	}
	return newRootSecret(buf), nil
}
