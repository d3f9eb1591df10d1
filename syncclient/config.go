// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncclient

import (
	"github.com/grailbio/zksync/config"
)

func init() {
	config.Register("zksync/syncclient", func(constr *config.Constructor) {
		opts := DefaultOptions
		constr.Doc = "zksync/syncclient configures a device's sync schedule, batching and region failover."
		constr.StringVar(&opts.Vault, "vault", "", "vault shared by the devices")
		constr.DurationVar(&opts.Interval, "interval", opts.Interval, "time between background sync cycles")
		constr.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "changes per push and per pull")
		constr.IntVar(&opts.MaxTries, "max-tries", opts.MaxTries, "failed pushes after which a change is flagged sync_failed")
		constr.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "timeout of each network operation")
		constr.IntVar(&opts.FailoverThreshold, "failover-threshold", opts.FailoverThreshold, "consecutive failures before failing over to another region")
		constr.DurationVar(&opts.ProbeTTL, "probe-ttl", opts.ProbeTTL, "how long region latency probes are cached")
		constr.New = func() (interface{}, error) { return opts, nil }
	})
}
