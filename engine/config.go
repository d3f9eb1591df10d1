// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"

	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/crypto/keys"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/syncclient"
)

func init() {
	config.Register("zksync/engine", func(constr *config.Constructor) {
		var opts Options
		var policy, algorithm string
		constr.Doc = "zksync/engine configures a device's encrypted replica."
		constr.StringVar(&opts.Vault, "vault", "", "vault shared by the devices")
		constr.StringVar(&opts.Path, "path", "", "replica database; empty keeps the replica in memory")
		constr.StringVar(&policy, "tombstone-policy", replica.LaterWriteWins.String(), "later-write-wins or delete-wins")
		constr.StringVar(&algorithm, "algorithm", encryption.DefaultAlgorithm.String(), "AEAD sealing new records")
		constr.IntVar(&opts.RotationBatch, "rotation-batch", DefaultRotationBatch, "records re-encrypted between rotation checkpoints")
		constr.BoolVar(&opts.Background, "background", true, "sync in the background")
		constr.DurationVar(&opts.GC.Retention, "tombstone-retention", replica.DefaultRetention, "age after which tombstones are collected")
		constr.DurationVar(&opts.GC.MinGrace, "tombstone-min-grace", replica.DefaultMinGrace, "minimum age of a tombstone every device has seen before it is collected")
		constr.New = func() (interface{}, error) {
			switch policy {
			case replica.LaterWriteWins.String():
				opts.Policy = replica.LaterWriteWins
			case replica.DeleteWins.String():
				opts.Policy = replica.DeleteWins
			default:
				return nil, fmt.Errorf("unknown tombstone policy %q", policy)
			}
			var err error
			if opts.Algorithm, err = encryption.ParseAlgorithm(algorithm); err != nil {
				return nil, err
			}
			return opts, nil
		}
	})
}

// FromProfile returns the engine options configured in p, combining
// the zksync/engine, zksync/keys and zksync/syncclient instances. The
// passphrase, keystore and relay regions are not configurable and
// must be set by the caller.
func FromProfile(p *config.Profile) (Options, error) {
	var (
		opts Options
		kc   keys.Config
		sync syncclient.Options
	)
	if err := p.Instance("zksync/engine", &opts); err != nil {
		return Options{}, err
	}
	if err := p.Instance("zksync/keys", &kc); err != nil {
		return Options{}, err
	}
	if err := p.Instance("zksync/syncclient", &sync); err != nil {
		return Options{}, err
	}
	opts.KDF = kc.KDF
	opts.Level = kc.Level
	opts.RotationPeriod = kc.RotationPeriod
	opts.Sync = sync
	return opts, nil
}
