// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"encoding/base64"
	"io"
	"os"

	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/engine"
	"github.com/grailbio/zksync/errors"
	"gopkg.in/yaml.v3"
)

// pairingFile is the YAML form of an engine.Pairing, handed from an
// enrolled device to a new one.
type pairingFile struct {
	Vault string `yaml:"vault"`
	Salt  string `yaml:"salt"`
	KDF   struct {
		Memory      uint32 `yaml:"memory_kib"`
		Iterations  uint32 `yaml:"iterations"`
		Parallelism uint8  `yaml:"parallelism"`
		SaltLen     int    `yaml:"salt_len"`
	} `yaml:"kdf"`
}

func writePairing(w io.Writer, p engine.Pairing) error {
	var f pairingFile
	f.Vault = p.Vault
	f.Salt = base64.StdEncoding.EncodeToString(p.Salt)
	f.KDF.Memory = p.KDF.Memory
	f.KDF.Iterations = p.KDF.Iterations
	f.KDF.Parallelism = p.KDF.Parallelism
	f.KDF.SaltLen = p.KDF.SaltLen
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(&f); err != nil {
		return err
	}
	return enc.Close()
}

func readPairing(path string) (*engine.Pairing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(err, "pairing")
	}
	var f pairingFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.E(errors.Invalid, "pairing "+path, err)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, errors.E(errors.Invalid, "pairing "+path+": bad salt", err)
	}
	p := &engine.Pairing{
		Vault: f.Vault,
		Salt:  salt,
		KDF: keys.KDFParams{
			Memory:      f.KDF.Memory,
			Iterations:  f.KDF.Iterations,
			Parallelism: f.KDF.Parallelism,
			SaltLen:     f.KDF.SaltLen,
		},
	}
	if err := p.KDF.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
