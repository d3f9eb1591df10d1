// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replica

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/zksync/codec"
	"github.com/zeebo/blake3"
)

// DeviceID identifies a device. Device IDs are totally ordered by
// string comparison, which breaks last-writer-wins ties.
type DeviceID string

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	// Equal vectors describe the same state.
	Equal Ordering = iota
	// Before means the receiver happened before the argument.
	Before
	// After means the receiver happened after the argument.
	After
	// Concurrent vectors are causally unrelated and must be merged.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// VersionVector maps devices to monotonically increasing counters.
// Absent devices have counter 0. Vectors are treated as values: the
// methods that produce new vectors never modify their receivers.
type VersionVector map[DeviceID]uint64

// Get returns the counter of device d.
func (v VersionVector) Get(d DeviceID) uint64 { return v[d] }

// Compare returns the causal ordering of v relative to w.
func (v VersionVector) Compare(w VersionVector) Ordering {
	var less, greater bool
	for d, n := range v {
		if m := w[d]; n > m {
			greater = true
		} else if n < m {
			less = true
		}
	}
	for d, m := range w {
		if _, ok := v[d]; !ok && m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}

// Dominates tells whether v ≥ w.
func (v VersionVector) Dominates(w VersionVector) bool {
	o := v.Compare(w)
	return o == After || o == Equal
}

// Merge returns the pointwise maximum of v and w.
func (v VersionVector) Merge(w VersionVector) VersionVector {
	m := v.Clone()
	for d, n := range w {
		if n > m[d] {
			m[d] = n
		}
	}
	return m
}

// Bump returns a copy of v with device d's counter incremented.
func (v VersionVector) Bump(d DeviceID) VersionVector {
	m := v.Clone()
	m[d]++
	return m
}

// Clone returns a copy of v. Zero counters are dropped so that equal
// vectors have identical representations.
func (v VersionVector) Clone() VersionVector {
	m := make(VersionVector, len(v))
	for d, n := range v {
		if n > 0 {
			m[d] = n
		}
	}
	return m
}

// Hash returns the hex BLAKE3 hash of the vector's canonical
// encoding. Equal vectors hash equally.
func (v VersionVector) Hash() string {
	p, err := codec.Marshal(map[DeviceID]uint64(v.Clone()))
	if err != nil {
		panic(err)
	}
	sum := blake3.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// Validate checks that v is a valid vector of a stored entity.
func (v VersionVector) Validate() error {
	if len(v) == 0 {
		return fmt.Errorf("empty version vector")
	}
	for d, n := range v {
		if d == "" {
			return fmt.Errorf("version vector has empty device id")
		}
		if n == 0 {
			return fmt.Errorf("version vector has zero counter for %s", d)
		}
	}
	return nil
}

func (v VersionVector) String() string {
	devices := make([]string, 0, len(v))
	for d := range v {
		devices = append(devices, string(d))
	}
	sort.Strings(devices)
	var b strings.Builder
	b.WriteByte('{')
	for i, d := range devices {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", d, v[DeviceID(d)])
	}
	b.WriteByte('}')
	return b.String()
}
