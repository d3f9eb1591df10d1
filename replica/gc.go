// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"context"
	"time"

	"github.com/grailbio/zksync/errors"
)

const (
	// DefaultRetention is how long tombstones are kept unconditionally.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultMinGrace is the minimum age of a tombstone before it may
	// be collected early because every device has observed it.
	DefaultMinGrace = 24 * time.Hour
)

// GCOptions configures CollectGarbage.
type GCOptions struct {
	// Retention is the age after which a tombstone is collected
	// regardless of whether it has been observed.
	Retention time.Duration
	// MinGrace is the minimum age for early collection.
	MinGrace time.Duration
	// Observed reports whether every known device has observed the
	// tombstone. If nil, tombstones are only collected after Retention.
	Observed func(*Entity) bool
}

func (o *GCOptions) defaults() {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MinGrace <= 0 {
		o.MinGrace = DefaultMinGrace
	}
}

// Collectable tells whether tombstoned entity e may be physically
// removed at time now.
func (o GCOptions) Collectable(e *Entity, policy TombstonePolicy, now time.Time) bool {
	o.defaults()
	if e.State(policy) != Tombstoned {
		return false
	}
	age := now.Sub(e.Tombstoned())
	switch {
	case age >= o.Retention:
		return true
	case age >= o.MinGrace && o.Observed != nil:
		return o.Observed(e)
	}
	return false
}

// CollectGarbage physically removes collectable tombstones and returns
// how many were removed. A tombstone that changes while it is being
// collected is kept.
func (s *Store) CollectGarbage(ctx context.Context, now time.Time, opts GCOptions) (int, error) {
	var victims []*Entity
	err := s.table.Scan(ctx, "", func(e *Entity) error {
		if opts.Collectable(e, s.policy, now) {
			victims = append(victims, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range victims {
		unlock, err := s.lock(ctx, e.Type, e.ID)
		if err != nil {
			return n, err
		}
		err = s.table.Remove(ctx, e.Type, e.ID, e.Hash())
		unlock()
		switch {
		case errors.Is(errors.Precondition, err):
			continue
		case err != nil:
			return n, err
		}
		n++
		logger.Debug.Printf("collected tombstone %s", e)
	}
	if n > 0 {
		logger.Info.Printf("collected %d tombstones", n)
	}
	return n, nil
}
