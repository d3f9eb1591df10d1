// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keystore persists a device's local, non-secret key state in
// the platform keyring: the device identifier, the passphrase salt and
// KDF parameters, the current key epoch, the root fingerprint used to
// reject a wrong passphrase early, and the checkpoint of an
// interrupted key rotation. No key material is ever stored.
package keystore

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/99designs/keyring"
	"github.com/grailbio/zksync/codec"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/errors"
)

// DefaultService is the keyring service name.
const DefaultService = "zksync"

// Secret is a single named item in the keyring.
type Secret interface {
	// Get returns the item's value, or a NotExist error.
	Get() ([]byte, error)
	// Put replaces the item's value.
	Put([]byte) error
}

// Config selects the keyring backend.
type Config struct {
	// Service names the keyring service. Defaults to DefaultService.
	Service string
	// Backends restricts the backends tried, in order. Empty means
	// every backend available on the platform.
	Backends []keyring.BackendType
	// Dir is the directory of the encrypted file backend.
	Dir string
	// FilePassword unlocks the file backend. It is only used when the
	// file backend is selected.
	FilePassword string
}

// Keystore is a keyring holding the state of one or more vaults.
type Keystore struct {
	ring keyring.Keyring
}

// Open opens the keyring described by config.
func Open(config Config) (*Keystore, error) {
	if config.Service == "" {
		config.Service = DefaultService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      config.Service,
		AllowedBackends:  config.Backends,
		FileDir:          config.Dir,
		FilePasswordFunc: keyring.FixedStringPrompt(config.FilePassword),
	})
	if err != nil {
		return nil, errors.E(errors.Unavailable, "keystore: opening keyring", err)
	}
	return New(ring), nil
}

// New returns a keystore backed by ring.
func New(ring keyring.Keyring) *Keystore {
	return &Keystore{ring: ring}
}

// Lookup returns the named secret. A secret is returned even if it
// does not exist yet; its Get then fails with NotExist.
func (k *Keystore) Lookup(name string) Secret {
	return item{k.ring, name}
}

type item struct {
	ring keyring.Keyring
	key  string
}

func (i item) Get() ([]byte, error) {
	it, err := i.ring.Get(i.key)
	if stderrors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errors.E(errors.NotExist, "keystore: "+i.key)
	}
	if err != nil {
		return nil, errors.E(errors.Unavailable, "keystore: reading "+i.key, err)
	}
	return it.Data, nil
}

func (i item) Put(p []byte) error {
	err := i.ring.Set(keyring.Item{
		Key:         i.key,
		Data:        p,
		Label:       "zksync " + i.key,
		Description: "zksync device state",
	})
	if err != nil {
		return errors.E(errors.Unavailable, "keystore: writing "+i.key, err)
	}
	return nil
}

// GetValue retrieves the content of a secret and decodes it into v.
func GetValue(s Secret, v interface{}) error {
	p, err := s.Get()
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(p, v); err != nil {
		return errors.E(errors.Integrity, "keystore: corrupt value", err)
	}
	return nil
}

// PutValue encodes v and writes it into a secret.
func PutValue(s Secret, v interface{}) error {
	p, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(p)
}

// Rotation is the checkpoint of a key rotation in progress. Records
// are re-encrypted in (type, id) order; After names the last record
// done.
type Rotation struct {
	Epoch   uint32    `cbor:"1,keyasint"`
	Reason  string    `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
	// AfterType and AfterID name the last record re-encrypted.
	AfterType string `cbor:"4,keyasint,omitempty"`
	AfterID   string `cbor:"5,keyasint,omitempty"`
	// Done counts the records re-encrypted so far.
	Done int `cbor:"6,keyasint"`
}

// State is the persistent local state of a device in one vault.
type State struct {
	Vault    string         `cbor:"1,keyasint"`
	DeviceID string         `cbor:"2,keyasint"`
	Salt     []byte         `cbor:"3,keyasint"`
	KDF      keys.KDFParams `cbor:"4,keyasint"`
	// Epoch and EpochStart identify the current key epoch.
	Epoch      uint32    `cbor:"5,keyasint"`
	EpochStart time.Time `cbor:"6,keyasint"`
	// Fingerprint is the fingerprint of the current root secret.
	Fingerprint keys.Fingerprint `cbor:"7,keyasint"`
	// Rotation is set while a rotation is interrupted.
	Rotation *Rotation `cbor:"8,keyasint,omitempty"`
}

// Validate checks that s is usable to derive keys.
func (s *State) Validate() error {
	if s.Vault == "" || s.DeviceID == "" {
		return errors.E(errors.Invalid, "keystore: state has no vault or device")
	}
	if err := s.KDF.Validate(); err != nil {
		return err
	}
	if len(s.Salt) < s.KDF.SaltLen {
		return errors.E(errors.WeakDerivation, fmt.Sprintf("keystore: salt is %d bytes, want %d", len(s.Salt), s.KDF.SaltLen))
	}
	return nil
}

// CheckRoot returns a NotAllowed error if root is not the root secret
// recorded in s, typically because the passphrase is wrong.
func (s *State) CheckRoot(root *keys.RootSecret) error {
	if !root.Fingerprint().Equal(s.Fingerprint) {
		return errors.E(errors.NotAllowed, "passphrase does not match this vault")
	}
	return nil
}

func stateKey(vault string) string { return "vault/" + vault }

// Load returns the state stored for vault, or a NotExist error.
func (k *Keystore) Load(vault string) (*State, error) {
	s := new(State)
	if err := GetValue(k.Lookup(stateKey(vault)), s); err != nil {
		return nil, err
	}
	if s.Vault != vault {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("keystore: state for %q is labeled %q", vault, s.Vault))
	}
	return s, nil
}

// Save stores s under its vault.
func (k *Keystore) Save(s *State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return PutValue(k.Lookup(stateKey(s.Vault)), s)
}

// Remove forgets the state of vault.
func (k *Keystore) Remove(vault string) error {
	err := k.ring.Remove(stateKey(vault))
	if stderrors.Is(err, keyring.ErrKeyNotFound) {
		return errors.E(errors.NotExist, "keystore: "+stateKey(vault))
	}
	if err != nil {
		return errors.E(errors.Unavailable, "keystore: removing "+stateKey(vault), err)
	}
	return nil
}
