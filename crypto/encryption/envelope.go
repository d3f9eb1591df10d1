// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"crypto/subtle"
	"fmt"

	"github.com/grailbio/zksync/codec"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/errors"
	"github.com/zeebo/blake3"
)

// ADHashSize is the size of an associated-data hash.
const ADHashSize = 32

// Envelope is the only form in which a record payload is persisted or
// transmitted.
type Envelope struct {
	KeyID      keys.KeyID `cbor:"1,keyasint" json:"key_id"`
	Algorithm  Algorithm  `cbor:"2,keyasint" json:"algorithm_id"`
	Nonce      []byte     `cbor:"3,keyasint" json:"nonce"`
	Ciphertext []byte     `cbor:"4,keyasint" json:"ciphertext"`
	Tag        []byte     `cbor:"5,keyasint" json:"auth_tag"`
	ADHash     []byte     `cbor:"6,keyasint" json:"associated_data_hash"`
}

// Validate checks the envelope's shape. It does not authenticate it.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return errors.E(errors.Integrity, "missing envelope")
	case e.KeyID == "":
		return errors.E(errors.Integrity, "envelope has no key id")
	case len(e.Nonce) != NonceSize:
		return errors.E(errors.Integrity, fmt.Sprintf("nonce is %d bytes, want %d", len(e.Nonce), NonceSize))
	case len(e.Tag) != TagSize:
		return errors.E(errors.Integrity, fmt.Sprintf("tag is %d bytes, want %d", len(e.Tag), TagSize))
	case len(e.ADHash) != ADHashSize:
		return errors.E(errors.Integrity, fmt.Sprintf("associated data hash is %d bytes, want %d", len(e.ADHash), ADHashSize))
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Nonce = append([]byte(nil), e.Nonce...)
	c.Ciphertext = append([]byte(nil), e.Ciphertext...)
	c.Tag = append([]byte(nil), e.Tag...)
	c.ADHash = append([]byte(nil), e.ADHash...)
	return &c
}

// Marshal encodes the envelope for storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return codec.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope produced by Marshal.
func UnmarshalEnvelope(p []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := codec.Unmarshal(p, e); err != nil {
		return nil, errors.E(errors.Integrity, "decoding envelope", err)
	}
	return e, nil
}

// AssociatedData identifies the record slot an envelope belongs to.
type AssociatedData struct {
	EntityType string `cbor:"1,keyasint"`
	EntityID   string `cbor:"2,keyasint"`
}

// Bytes returns the canonical encoding of the associated data.
func (ad AssociatedData) Bytes() []byte {
	p, err := codec.Marshal(ad)
	if err != nil {
		// Two strings always encode.
		panic(err)
	}
	return p
}

// Hash returns the BLAKE3 hash of the canonical encoding.
func (ad AssociatedData) Hash() []byte {
	sum := blake3.Sum256(ad.Bytes())
	return sum[:]
}

// checkAD verifies in constant time that e is bound to ad.
func checkAD(e *Envelope, ad AssociatedData) error {
	if subtle.ConstantTimeCompare(e.ADHash, ad.Hash()) != 1 {
		return errors.E(errors.Integrity, "envelope bound to a different record")
	}
	return nil
}

// aeadData is the additional data authenticated by the AEAD.
type aeadData struct {
	KeyID     keys.KeyID `cbor:"1,keyasint"`
	Algorithm Algorithm  `cbor:"2,keyasint"`
	ADHash    []byte     `cbor:"3,keyasint"`
}

func additionalData(keyID keys.KeyID, alg Algorithm, adHash []byte) []byte {
	p, err := codec.Marshal(aeadData{keyID, alg, adHash})
	if err != nil {
		panic(err)
	}
	return p
}
