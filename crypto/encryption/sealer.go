// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"context"

	"github.com/grailbio/zksync/crypto/keys"
)

// ContextSealer seals record payloads under the current write key of
// an encryption context and opens them with whichever key their
// envelope names.
type ContextSealer struct {
	// Engine defaults to Default.
	Engine *Engine
	// Keys is the session's encryption context.
	Keys *keys.EncryptionContext
	// LevelOf maps an entity type to the permission level whose key
	// seals it. If nil, every type uses keys.User.
	LevelOf func(entityType string) keys.Level
}

func (s *ContextSealer) engine() *Engine {
	if s.Engine == nil {
		return Default
	}
	return s.Engine
}

// Level returns the permission level that seals entityType.
func (s *ContextSealer) Level(entityType string) keys.Level {
	if s.LevelOf == nil {
		return keys.User
	}
	return s.LevelOf(entityType)
}

// Seal encrypts plaintext for ad under the current key of ad's level.
func (s *ContextSealer) Seal(ad AssociatedData, plaintext []byte) (*Envelope, error) {
	key, err := s.Keys.WriteKey(s.Level(ad.EntityType))
	if err != nil {
		return nil, err
	}
	return s.engine().Encrypt(plaintext, key, ad)
}

// Open decrypts env for ad.
func (s *ContextSealer) Open(ad AssociatedData, env *Envelope) ([]byte, error) {
	return s.engine().DecryptWith(env, s.Keys, ad)
}

// Current tells whether env is sealed under the current key for ad's
// level.
func (s *ContextSealer) Current(ad AssociatedData, env *Envelope) bool {
	key, err := s.Keys.WriteKey(s.Level(ad.EntityType))
	return err == nil && env.KeyID == key.ID
}

// SealBatch seals plaintexts[i] for ads[i] in parallel, each under the
// current key of its level.
func (s *ContextSealer) SealBatch(ctx context.Context, ads []AssociatedData, plaintexts [][]byte) []Result {
	results := make([]Result, len(ads))
	byLevel := make(map[keys.Level][]int)
	for i, ad := range ads {
		l := s.Level(ad.EntityType)
		byLevel[l] = append(byLevel[l], i)
	}
	for l, idx := range byLevel {
		key, err := s.Keys.WriteKey(l)
		if err != nil {
			for _, i := range idx {
				results[i].Err = err
			}
			continue
		}
		items := make([]Item, len(idx))
		for j, i := range idx {
			items[j] = Item{Plaintext: plaintexts[i], AD: ads[i]}
		}
		for j, r := range s.engine().BatchEncrypt(ctx, items, key) {
			results[idx[j]] = r
		}
	}
	return results
}

// OpenBatch opens envs[i] for ads[i] in parallel.
func (s *ContextSealer) OpenBatch(ctx context.Context, ads []AssociatedData, envs []*Envelope) []Result {
	records := make([]Sealed, len(ads))
	for i := range ads {
		records[i] = Sealed{Envelope: envs[i], AD: ads[i]}
	}
	return s.engine().BatchDecrypt(ctx, records, s.Keys)
}
