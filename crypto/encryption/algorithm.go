// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/must"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required key size for all algorithms.
	KeySize = 32
	// NonceSize is the nonce size for all algorithms.
	NonceSize = 12
	// TagSize is the authentication tag size for all algorithms.
	TagSize = 16
)

// Algorithm identifies an AEAD construction.
type Algorithm uint8

const (
	// AES256GCM is AES-256 in Galois/Counter Mode. It is the default.
	AES256GCM Algorithm = 1
	// ChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction.
	ChaCha20Poly1305 Algorithm = 2
)

// DefaultAlgorithm is used when none is specified.
const DefaultAlgorithm = AES256GCM

// AEADFactory constructs an AEAD for a 256-bit key.
type AEADFactory func(key []byte) (cipher.AEAD, error)

type algorithmInfo struct {
	name    string
	factory AEADFactory
}

type db struct {
	sync.Mutex
	algorithms map[Algorithm]algorithmInfo
}

var algorithms = &db{algorithms: map[Algorithm]algorithmInfo{}}

func init() {
	must.Nil(Register(AES256GCM, "aes-256-gcm", func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}))
	must.Nil(Register(ChaCha20Poly1305, "chacha20-poly1305", chacha20poly1305.New))
}

// Register registers an AEAD factory under the supplied algorithm.
// The factory must produce AEADs with NonceSize nonces and TagSize
// tags.
func Register(alg Algorithm, name string, factory AEADFactory) error {
	algorithms.Lock()
	defer algorithms.Unlock()
	if _, present := algorithms.algorithms[alg]; present {
		return fmt.Errorf("algorithm %d already registered", uint8(alg))
	}
	algorithms.algorithms[alg] = algorithmInfo{name, factory}
	return nil
}

// lookup returns an AEAD for alg keyed with key.
func lookup(alg Algorithm, key []byte) (cipher.AEAD, error) {
	algorithms.Lock()
	info, ok := algorithms.algorithms[alg]
	algorithms.Unlock()
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("unsupported algorithm %d", alg))
	}
	if len(key) != KeySize {
		return nil, errors.E(errors.Encryption, errors.Fatal, fmt.Sprintf("key size %d, want %d", len(key), KeySize))
	}
	aead, err := info.factory(key)
	if err != nil {
		return nil, errors.E(errors.Encryption, errors.Fatal, fmt.Sprintf("%s: init", info.name), err)
	}
	if aead.NonceSize() != NonceSize || aead.Overhead() != TagSize {
		return nil, errors.E(errors.Encryption, errors.Fatal, fmt.Sprintf("%s: unexpected nonce or tag size", info.name))
	}
	return aead, nil
}

func (a Algorithm) String() string {
	algorithms.Lock()
	info, ok := algorithms.algorithms[a]
	algorithms.Unlock()
	if !ok {
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
	return info.name
}

// ParseAlgorithm returns the algorithm registered under name.
func ParseAlgorithm(name string) (Algorithm, error) {
	algorithms.Lock()
	defer algorithms.Unlock()
	for alg, info := range algorithms.algorithms {
		if info.name == name {
			return alg, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown algorithm %q", name))
}
