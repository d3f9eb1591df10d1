// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package relay

import (
	"testing"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/stretchr/testify/assert"
)

var slaStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSLARecorderBounded(t *testing.T) {
	clk := clock.Fake(slaStart)
	s := newSLARecorder(10*time.Minute, clk)
	assert.Len(t, s.buckets, 11)
	for m := 0; m < 60; m++ {
		for i := 0; i < 1000; i++ {
			s.record(5*time.Millisecond, true)
		}
		clk.Advance(time.Minute)
	}
	assert.Len(t, s.buckets, 11)
	sum := s.summary(10 * time.Minute)
	assert.Equal(t, 10000, sum.Requests)
	assert.Equal(t, 1.0, sum.SuccessRate)

	sum = s.summary(time.Hour)
	assert.Equal(t, 11000, sum.Requests, "only the buckets kept are reported")

	clk.Advance(time.Hour)
	assert.Equal(t, 0, s.summary(10*time.Minute).Requests)
}

func TestSLAPercentiles(t *testing.T) {
	clk := clock.Fake(slaStart)
	s := newSLARecorder(time.Hour, clk)
	for i := 0; i < 90; i++ {
		s.record(time.Millisecond, true)
	}
	for i := 0; i < 10; i++ {
		s.record(time.Second, i < 5)
	}
	sum := s.summary(time.Hour)
	assert.Equal(t, 100, sum.Requests)
	assert.InDelta(t, 0.95, sum.SuccessRate, 1e-9)
	assert.True(t, sum.P50MS >= 1 && sum.P50MS < 1.2, "p50 %v", sum.P50MS)
	assert.True(t, sum.P95MS >= 1000 && sum.P95MS < 1200, "p95 %v", sum.P95MS)
	assert.True(t, sum.P99MS >= 1000 && sum.P99MS < 1200, "p99 %v", sum.P99MS)
}

func TestLatencyBin(t *testing.T) {
	assert.Equal(t, 0, latencyBin(0))
	assert.Equal(t, 0, latencyBin(latencyBase))
	assert.Equal(t, latencyBins-1, latencyBin(24*time.Hour))
	for _, d := range []time.Duration{time.Millisecond, 37 * time.Millisecond, 2 * time.Second} {
		i := latencyBin(d)
		assert.True(t, binUpper(i) >= d, "%v in bin %d", d, i)
		assert.True(t, binUpper(i-1) < d, "%v in bin %d", d, i)
	}
}
