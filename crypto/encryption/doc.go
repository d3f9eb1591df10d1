// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package encryption seals record payloads into authenticated
// envelopes.
//
// An Envelope carries everything needed to decrypt it except the key:
// the ID of the key used, the AEAD algorithm, a random 96-bit nonce,
// the ciphertext, the 128-bit authentication tag, and a hash binding
// the envelope to the (entity type, entity ID) slot it was written
// for. The AEAD additional data covers the key ID, the algorithm and
// that hash, so an envelope can be neither relabeled nor replayed
// into another record's slot.
//
// Decryption is all-or-nothing: any mismatch is reported as an
// Integrity error and no plaintext is returned. Keys are never
// included in errors or logs; key IDs may be.
package encryption
