// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/grailbio/zksync/errors"
)

var randomSource io.Reader = rand.Reader

// SetRandSource sets the source of random nonces and is intended
// primarily for testing purposes. It returns the previous source.
func SetRandSource(rd io.Reader) io.Reader {
	prev := randomSource
	randomSource = rd
	return prev
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(randomSource, nonce); err != nil {
		return nil, errors.E(errors.Encryption, errors.Fatal, fmt.Sprintf("failed to read %d bytes of random data", NonceSize), err)
	}
	return nonce, nil
}
