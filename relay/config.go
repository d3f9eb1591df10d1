// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package relay

import (
	"github.com/grailbio/zksync/config"
)

func init() {
	config.Register("zksync/relay", func(constr *config.Constructor) {
		opts := DefaultOptions
		constr.Doc = "zksync/relay configures the sync relay's limits and tombstone retention."
		constr.StringVar(&opts.Region, "region", "", "region reported by health checks")
		constr.FloatVar(&opts.RequestsPerSecond, "rate", opts.RequestsPerSecond, "requests per second allowed per device")
		constr.IntVar(&opts.Burst, "burst", opts.Burst, "request burst allowed per device")
		constr.IntVar(&opts.PageSize, "page-size", opts.PageSize, "maximum changes per pull")
		constr.DurationVar(&opts.Retention, "retention", opts.Retention, "age after which tombstones are always collected")
		constr.DurationVar(&opts.MinGrace, "min-grace", opts.MinGrace, "minimum age of a tombstone seen by every device before it is collected")
		constr.DurationVar(&opts.DegradedLatency, "degraded-latency", opts.DegradedLatency, "storage latency above which health is degraded")
		constr.DurationVar(&opts.SLAWindow, "sla-window", opts.SLAWindow, "how long request samples are kept")
		constr.New = func() (interface{}, error) { return opts, nil }
	})
}
