// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/ttlcache"
	"github.com/grailbio/zksync/wire"
	"golang.org/x/sync/errgroup"
)

// Region is one relay replica.
type Region struct {
	Name  string
	Relay RelayClient
}

// RegionInfo describes a region as last probed.
type RegionInfo struct {
	Name string
	// Latency is the round-trip time of the last health probe.
	Latency time.Duration
	// Status is the relay's reported status, empty if unreachable.
	Status string
	// Err is the probe's error, if any.
	Err      error
	ProbedAt time.Time
	// Current tells whether the client is using the region.
	Current bool
	Pinned  bool
	// Failed tells whether the region was failed over from recently.
	Failed bool
}

func (r RegionInfo) reachable() bool { return r.Err == nil && r.Status != "" }

// regions selects the relay region. Probe results are cached for the
// probe TTL; the selected region is kept until it fails threshold
// consecutive times, at which point the client fails over to the
// next-lowest-latency region. A pinned region is never failed over.
type regions struct {
	list      []Region
	clock     clock.Clock
	timeout   time.Duration
	threshold int

	probes  *ttlcache.Cache[string, RegionInfo]
	benched *ttlcache.Cache[string, bool]

	mu       sync.Mutex
	current  string
	pinned   string
	failures int
}

func newRegions(list []Region, clk clock.Clock, timeout, ttl time.Duration, threshold int) *regions {
	return &regions{
		list:      list,
		clock:     clk,
		timeout:   timeout,
		threshold: threshold,
		probes:    ttlcache.NewClock[string, RegionInfo](ttl, clk),
		benched:   ttlcache.NewClock[string, bool](ttl, clk),
	}
}

func (r *regions) lookup(name string) (Region, bool) {
	for _, reg := range r.list {
		if reg.Name == name {
			return reg, true
		}
	}
	return Region{}, false
}

// probe measures every region concurrently.
func (r *regions) probe(ctx context.Context) []RegionInfo {
	infos := make([]RegionInfo, len(r.list))
	g, ctx := errgroup.WithContext(ctx)
	for i, reg := range r.list {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := r.clock.Now()
			h, err := reg.Relay.Health(pctx)
			info := RegionInfo{Name: reg.Name, Latency: r.clock.Since(start), ProbedAt: r.clock.Now(), Err: err}
			if err == nil {
				info.Status = h.Status
			}
			infos[i] = info
			r.probes.Set(reg.Name, info)
			return nil
		})
	}
	_ = g.Wait()
	for _, info := range infos {
		if info.Err != nil {
			logger.Debug.Printf("probe %s: %v", info.Name, info.Err)
		} else {
			logger.Debug.Printf("probe %s: %s in %s", info.Name, info.Status, info.Latency)
		}
	}
	return infos
}

// cached returns the cached probe results, probing if any is missing.
func (r *regions) cached(ctx context.Context) []RegionInfo {
	infos := make([]RegionInfo, 0, len(r.list))
	for _, reg := range r.list {
		info, ok := r.probes.Get(reg.Name)
		if !ok {
			return r.probe(ctx)
		}
		infos = append(infos, info)
	}
	return infos
}

// rank orders regions best first: reachable before unreachable,
// healthy before degraded, then by latency and name.
func rank(infos []RegionInfo) {
	score := func(info RegionInfo) int {
		switch {
		case !info.reachable():
			return 2
		case info.Status != wire.StatusOK:
			return 1
		}
		return 0
	}
	sort.SliceStable(infos, func(i, j int) bool {
		si, sj := score(infos[i]), score(infos[j])
		if si != sj {
			return si < sj
		}
		if infos[i].Latency != infos[j].Latency {
			return infos[i].Latency < infos[j].Latency
		}
		return infos[i].Name < infos[j].Name
	})
}

// choose returns the region to use.
func (r *regions) choose(ctx context.Context) (Region, error) {
	r.mu.Lock()
	name := r.pinned
	if name == "" {
		name = r.current
	}
	r.mu.Unlock()
	if name != "" {
		reg, _ := r.lookup(name)
		return reg, nil
	}
	infos := r.cached(ctx)
	rank(infos)
	var best *RegionInfo
	for i := range infos {
		if !infos[i].reachable() {
			break
		}
		if _, benched := r.benched.Get(infos[i].Name); !benched {
			best = &infos[i]
			break
		}
	}
	if best == nil {
		// Every reachable region failed recently; take the best anyway.
		if len(infos) == 0 || !infos[0].reachable() {
			return Region{}, errors.E(errors.Net, errors.Retriable, "no relay region is reachable")
		}
		best = &infos[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned != "" {
		reg, _ := r.lookup(r.pinned)
		return reg, nil
	}
	if r.current == "" {
		r.current = best.Name
		r.failures = 0
		logger.Info.Printf("selected region %s (%s)", best.Name, best.Latency)
	}
	reg, _ := r.lookup(r.current)
	return reg, nil
}

// succeeded resets the failure count of name.
func (r *regions) succeeded(name string) {
	r.mu.Lock()
	if name == r.current || name == r.pinned {
		r.failures = 0
	}
	r.mu.Unlock()
}

// failed records a failed operation against name and fails over once
// the threshold is reached. It reports whether it failed over.
func (r *regions) failed(name string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned != "" || name != r.current {
		return false
	}
	r.failures++
	if r.failures < r.threshold {
		return false
	}
	logger.Error.Printf("region %s failed %d consecutive times (%v); failing over", name, r.failures, err)
	r.benched.Set(name, true)
	r.probes.Delete(name)
	r.current = ""
	r.failures = 0
	return true
}

// pin pins the named region, disabling failover.
func (r *regions) pin(name string) error {
	if _, ok := r.lookup(name); !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("unknown region %q", name))
	}
	r.mu.Lock()
	r.pinned = name
	r.failures = 0
	r.mu.Unlock()
	logger.Info.Printf("pinned region %s", name)
	return nil
}

func (r *regions) unpin() {
	r.mu.Lock()
	r.pinned = ""
	r.failures = 0
	r.mu.Unlock()
}

// info returns the cached view of every region, best first. It never
// probes: a region without a cached probe is listed with a zero
// ProbedAt.
func (r *regions) info() []RegionInfo {
	infos := make([]RegionInfo, 0, len(r.list))
	for _, reg := range r.list {
		info, ok := r.probes.Get(reg.Name)
		if !ok {
			info = RegionInfo{Name: reg.Name}
		}
		infos = append(infos, info)
	}
	rank(infos)
	r.mu.Lock()
	defer r.mu.Unlock()
	inUse := r.pinned
	if inUse == "" {
		inUse = r.current
	}
	for i := range infos {
		infos[i].Current = infos[i].Name == inUse
		infos[i].Pinned = infos[i].Name == r.pinned
		_, infos[i].Failed = r.benched.Get(infos[i].Name)
	}
	return infos
}
