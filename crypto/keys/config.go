// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"fmt"
	"math"
	"time"

	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/errors"
)

// Config is the configurable part of key management.
type Config struct {
	// KDF parameterizes root derivation for new vaults.
	KDF KDFParams
	// Level is the session's permission level.
	Level Level
	// RotationPeriod is the lifetime of an epoch's keys.
	RotationPeriod time.Duration
}

func init() {
	config.Register("zksync/keys", func(constr *config.Constructor) {
		var (
			memory      = int(DefaultKDFParams.Memory)
			iterations  = int(DefaultKDFParams.Iterations)
			parallelism = int(DefaultKDFParams.Parallelism)
			saltLen     = DefaultKDFParams.SaltLen
			level       = Admin.String()
			period      = DefaultRotationPeriod
		)
		constr.Doc = "zksync/keys configures passphrase derivation and key rotation."
		constr.IntVar(&memory, "kdf-memory", memory, "Argon2id memory cost in KiB")
		constr.IntVar(&iterations, "kdf-iterations", iterations, "Argon2id passes")
		constr.IntVar(&parallelism, "kdf-parallelism", parallelism, "Argon2id lanes")
		constr.IntVar(&saltLen, "salt-len", saltLen, "salt length in bytes")
		constr.StringVar(&level, "level", level, "permission level of the session")
		constr.DurationVar(&period, "rotation-period", period, "lifetime of an epoch's keys")
		constr.New = func() (interface{}, error) {
			l, err := ParseLevel(level)
			if err != nil {
				return nil, err
			}
			kdf, err := kdfFromInts(memory, iterations, parallelism, saltLen)
			if err != nil {
				return nil, err
			}
			return Config{KDF: kdf, Level: l, RotationPeriod: period}, nil
		}
	})
}

// kdfFromInts builds validated KDF parameters from configuration
// integers. Values that do not fit their parameter are rejected rather
// than truncated.
func kdfFromInts(memory, iterations, parallelism, saltLen int) (KDFParams, error) {
	for _, v := range []struct {
		name     string
		val, max int64
	}{
		{"kdf-memory", int64(memory), math.MaxUint32},
		{"kdf-iterations", int64(iterations), math.MaxUint32},
		{"kdf-parallelism", int64(parallelism), math.MaxUint8},
		{"salt-len", int64(saltLen), math.MaxInt32},
	} {
		if v.val < 0 || v.val > v.max {
			return KDFParams{}, errors.E(errors.Invalid, fmt.Sprintf("%s %d out of range [0, %d]", v.name, v.val, v.max))
		}
	}
	p := KDFParams{
		Memory:      uint32(memory),
		Iterations:  uint32(iterations),
		Parallelism: uint8(parallelism),
		SaltLen:     saltLen,
	}
	if err := p.Validate(); err != nil {
		return KDFParams{}, err
	}
	return p, nil
}
