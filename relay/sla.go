// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package relay

import (
	"math"
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/wire"
)

const (
	slaResolution = time.Minute
	// Latency bin i holds latencies up to latencyBase * 2^(i/4); the
	// last bin also holds everything above it.
	latencyBase = 100 * time.Microsecond
	latencyBins = 96
)

// slaBucket aggregates the requests completed within one minute.
type slaBucket struct {
	minute   int64
	requests int
	ok       int
	hist     [latencyBins]uint32
}

// slaRecorder aggregates requests over a bounded window in per-minute
// buckets, so its size depends on the window and not on the request
// rate.
type slaRecorder struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets []*slaBucket
}

func newSLARecorder(window time.Duration, clk clock.Clock) *slaRecorder {
	n := int((window+slaResolution-1)/slaResolution) + 1
	return &slaRecorder{clock: clk, buckets: make([]*slaBucket, n)}
}

func minuteOf(t time.Time) int64 { return t.Unix() / int64(slaResolution/time.Second) }

func latencyBin(d time.Duration) int {
	if d <= latencyBase {
		return 0
	}
	i := int(math.Ceil(4 * math.Log2(float64(d)/float64(latencyBase))))
	if i >= latencyBins {
		return latencyBins - 1
	}
	return i
}

func binUpper(i int) time.Duration {
	return time.Duration(float64(latencyBase) * math.Exp2(float64(i)/4))
}

func (s *slaRecorder) record(latency time.Duration, ok bool) {
	m := minuteOf(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := int(m % int64(len(s.buckets)))
	b := s.buckets[slot]
	if b == nil || b.minute != m {
		b = &slaBucket{minute: m}
		s.buckets[slot] = b
	}
	b.requests++
	if ok {
		b.ok++
	}
	b.hist[latencyBin(latency)]++
}

// summary reports on the minutes that started within window of now,
// the current one included. Percentiles are the upper bounds of the
// histogram bins they fall in.
func (s *slaRecorder) summary(window time.Duration) *wire.SLAResponse {
	now := s.clock.Now()
	cur := minuteOf(now)
	var (
		hist     [latencyBins]uint64
		requests int
		ok       int
	)
	s.mu.Lock()
	for _, b := range s.buckets {
		if b == nil || b.minute > cur || cur-b.minute >= int64(len(s.buckets)) {
			continue
		}
		start := time.Unix(b.minute*int64(slaResolution/time.Second), 0)
		if now.Sub(start) > window {
			continue
		}
		requests += b.requests
		ok += b.ok
		for i, n := range b.hist {
			hist[i] += uint64(n)
		}
	}
	s.mu.Unlock()
	resp := &wire.SLAResponse{WindowSeconds: window.Seconds(), Requests: requests, SuccessRate: 1}
	if requests == 0 {
		return resp
	}
	resp.SuccessRate = float64(ok) / float64(requests)
	resp.P50MS = millis(percentile(hist[:], requests, 0.50))
	resp.P95MS = millis(percentile(hist[:], requests, 0.95))
	resp.P99MS = millis(percentile(hist[:], requests, 0.99))
	return resp
}

// percentile returns the nearest-rank percentile of a histogram of n
// values.
func percentile(hist []uint64, n int, p float64) time.Duration {
	rank := uint64(p*float64(n) + 0.5)
	if rank < 1 {
		rank = 1
	}
	var seen uint64
	for i, c := range hist {
		seen += c
		if seen >= rank {
			return binUpper(i)
		}
	}
	return binUpper(len(hist) - 1)
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
