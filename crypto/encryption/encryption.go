// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"context"
	"fmt"

	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/crypto/secret"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/traverse"
)

// KeyResolver resolves key IDs to keys. It is implemented by
// *keys.EncryptionContext.
type KeyResolver interface {
	ReadKey(id keys.KeyID) (*keys.DerivedKey, error)
}

// Engine seals and opens envelopes. The zero value uses
// DefaultAlgorithm and traverse.Parallel for batches.
type Engine struct {
	// Algorithm is used for new envelopes.
	Algorithm Algorithm
	// Traverser bounds batch parallelism.
	Traverser traverse.T
}

// Default is the engine used by the package-level functions.
var Default = &Engine{Algorithm: DefaultAlgorithm, Traverser: traverse.Parallel}

func (e *Engine) algorithm() Algorithm {
	if e.Algorithm == 0 {
		return DefaultAlgorithm
	}
	return e.Algorithm
}

// Encrypt seals plaintext under key, bound to ad, with a fresh random
// nonce.
func (e *Engine) Encrypt(plaintext []byte, key *keys.DerivedKey, ad AssociatedData) (*Envelope, error) {
	return e.seal(plaintext, key, ad.Hash())
}

func (e *Engine) seal(plaintext []byte, key *keys.DerivedKey, adHash []byte) (*Envelope, error) {
	alg := e.algorithm()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		KeyID:     key.ID,
		Algorithm: alg,
		Nonce:     nonce,
		ADHash:    adHash,
	}
	err = key.Use(func(material []byte) error {
		aead, err := lookup(alg, material)
		if err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, plaintext, additionalData(key.ID, alg, adHash))
		n := len(sealed) - TagSize
		env.Ciphertext, env.Tag = sealed[:n:n], sealed[n:]
		return nil
	})
	if err != nil {
		if errors.Is(errors.Precondition, err) {
			return nil, err
		}
		return nil, errors.E(errors.Encryption, errors.Fatal, fmt.Sprintf("seal with %s", key.ID), err)
	}
	return env, nil
}

// Decrypt verifies env against key and ad and returns the plaintext.
// A mismatched key ID fails with UnknownKey; any other mismatch fails
// with Integrity.
func (e *Engine) Decrypt(env *Envelope, key *keys.DerivedKey, ad AssociatedData) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.KeyID != key.ID {
		return nil, errors.E(errors.UnknownKey, fmt.Sprintf("envelope sealed with %s, not %s", env.KeyID, key.ID))
	}
	if err := checkAD(env, ad); err != nil {
		return nil, err
	}
	return open(env, key)
}

// DecryptWith is Decrypt with the key resolved from env.KeyID.
func (e *Engine) DecryptWith(env *Envelope, resolver KeyResolver, ad AssociatedData) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	key, err := resolver.ReadKey(env.KeyID)
	if err != nil {
		return nil, err
	}
	return e.Decrypt(env, key, ad)
}

// open authenticates and decrypts env, which must be well formed.
func open(env *Envelope, key *keys.DerivedKey) ([]byte, error) {
	var plaintext []byte
	err := key.Use(func(material []byte) error {
		aead, err := lookup(env.Algorithm, material)
		if err != nil {
			return err
		}
		sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
		sealed = append(append(sealed, env.Ciphertext...), env.Tag...)
		plaintext, err = aead.Open(nil, env.Nonce, sealed, additionalData(env.KeyID, env.Algorithm, env.ADHash))
		if err != nil {
			return errors.E(errors.Integrity, fmt.Sprintf("authentication failed for envelope sealed with %s", env.KeyID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Reencrypt opens env with oldKey and seals the plaintext under
// newKey, preserving the record binding. The plaintext is wiped
// before Reencrypt returns.
func (e *Engine) Reencrypt(env *Envelope, oldKey, newKey *keys.DerivedKey) (*Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.KeyID != oldKey.ID {
		return nil, errors.E(errors.UnknownKey, fmt.Sprintf("envelope sealed with %s, not %s", env.KeyID, oldKey.ID))
	}
	plaintext, err := open(env, oldKey)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(plaintext)
	return e.seal(plaintext, newKey, env.ADHash)
}

// VerifyIntegrity reports whether env authenticates under key and ad.
// The plaintext is decrypted into scratch memory that is wiped before
// returning.
func (e *Engine) VerifyIntegrity(env *Envelope, key *keys.DerivedKey, ad AssociatedData) bool {
	plaintext, err := e.Decrypt(env, key, ad)
	if err != nil {
		return false
	}
	secret.Wipe(plaintext)
	return true
}

// Item is a record to encrypt in a batch.
type Item struct {
	Plaintext []byte
	AD        AssociatedData
}

// Sealed is a record to decrypt in a batch.
type Sealed struct {
	Envelope *Envelope
	AD       AssociatedData
}

// Result is the outcome of one batch operation. Exactly one of
// Envelope, Plaintext (depending on the operation) or Err is set.
type Result struct {
	Envelope  *Envelope
	Plaintext []byte
	Err       error
}

// BatchEncrypt encrypts items in parallel under key. A failure of one
// item does not affect the others.
func (e *Engine) BatchEncrypt(ctx context.Context, items []Item, key *keys.DerivedKey) []Result {
	results := make([]Result, len(items))
	errs := e.Traverser.Collect(ctx, len(items), func(i int) error {
		env, err := e.Encrypt(items[i].Plaintext, key, items[i].AD)
		results[i].Envelope = env
		return err
	})
	for i, err := range errs {
		results[i].Err = err
	}
	return results
}

// BatchDecrypt decrypts records in parallel, resolving each record's
// key through resolver. A failure of one record does not affect the
// others.
func (e *Engine) BatchDecrypt(ctx context.Context, records []Sealed, resolver KeyResolver) []Result {
	results := make([]Result, len(records))
	errs := e.Traverser.Collect(ctx, len(records), func(i int) error {
		p, err := e.DecryptWith(records[i].Envelope, resolver, records[i].AD)
		results[i].Plaintext = p
		return err
	})
	for i, err := range errs {
		results[i].Err = err
	}
	return results
}

// Encrypt calls Default.Encrypt.
func Encrypt(plaintext []byte, key *keys.DerivedKey, ad AssociatedData) (*Envelope, error) {
	return Default.Encrypt(plaintext, key, ad)
}

// Decrypt calls Default.Decrypt.
func Decrypt(env *Envelope, key *keys.DerivedKey, ad AssociatedData) ([]byte, error) {
	return Default.Decrypt(env, key, ad)
}

// Reencrypt calls Default.Reencrypt.
func Reencrypt(env *Envelope, oldKey, newKey *keys.DerivedKey) (*Envelope, error) {
	return Default.Reencrypt(env, oldKey, newKey)
}

// VerifyIntegrity calls Default.VerifyIntegrity.
func VerifyIntegrity(env *Envelope, key *keys.DerivedKey, ad AssociatedData) bool {
	return Default.VerifyIntegrity(env, key, ad)
}
